// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package integration exercises the write path, the flush engine and the read
// path together.
package integration

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"viewcounter/internal/viewcounter/core"
	"viewcounter/internal/viewcounter/telemetry"
	"viewcounter/pkg/visitor"
)

// countingDB is an in-memory articles table that counts statements.
type countingDB struct {
	mu         sync.Mutex
	counts     map[int64]int64
	statements int
	rows       int
}

func (d *countingDB) Apply(_ context.Context, deltas map[int64]int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.statements++
	d.rows += len(deltas)
	for id, v := range deltas {
		d.counts[id] += v
	}
	return nil
}

func (d *countingDB) ViewsCount(_ context.Context, id int64) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.counts[id]
	if !ok {
		return 0, core.ErrArticleNotFound
	}
	return v, nil
}

func (d *countingDB) ViewsCounts(_ context.Context, ids []int64) (map[int64]int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := map[int64]int64{}
	for _, id := range ids {
		if v, ok := d.counts[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

type stack struct {
	redis    *miniredis.Miniredis
	db       *countingDB
	recorder *core.ViewRecorder
	reader   *core.ReadView
	engine   *core.FlushEngine
	metrics  *telemetry.Metrics
}

func newStack(t *testing.T, articles int, opts core.FlushOptions) *stack {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	db := &countingDB{counts: map[int64]int64{}}
	for id := int64(1); id <= int64(articles); id++ {
		db.counts[id] = 0
	}
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	deltas := core.NewDeltaStore(client, time.Second, nil)
	gate := core.NewUniqueViewGate(client, time.Hour, time.Second, nil)
	return &stack{
		redis:    mr,
		db:       db,
		recorder: core.NewViewRecorder(visitor.New(visitor.Options{}), gate, deltas, metrics, nil),
		reader:   core.NewReadView(db, deltas, nil),
		engine:   core.NewFlushEngine(deltas, db, opts, metrics, nil),
		metrics:  metrics,
	}
}

// TestWriteReduction_HotArticles drives many distinct visitors over a small
// set of articles and checks that the database sees one row per article per
// flush instead of one write per view, with no views lost.
func TestWriteReduction_HotArticles(t *testing.T) {
	const (
		articles = 20
		visitors = 2000
		flushes  = 4
	)
	s := newStack(t, articles, core.FlushOptions{MaxBatchSize: 8})
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	expected := map[int64]int64{}
	var admitted int
	for round := 0; round < flushes; round++ {
		for i := 0; i < visitors/flushes; i++ {
			// Zipf-like skew: low ids get most traffic.
			article := int64(rng.Intn(rng.Intn(articles)+1) + 1)
			req := visitor.Request{SessionKey: fmt.Sprintf("s-%d", rng.Intn(visitors))}
			if s.recorder.Record(ctx, article, req) {
				expected[article]++
				admitted++
			}
		}
		_, err := s.engine.FlushCycle(ctx)
		require.NoError(t, err)
	}

	for id, want := range expected {
		got, err := s.reader.TotalViews(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got, "article %d", id)
		assert.Equal(t, want, s.db.counts[id], "article %d persisted", id)
	}
	assert.LessOrEqual(t, s.db.rows, articles*flushes)
	reduction := 1 - float64(s.db.rows)/float64(admitted)
	assert.Greater(t, reduction, 0.9, "rows=%d admitted=%d", s.db.rows, admitted)
	assert.InDelta(t, reduction, testutil.ToFloat64(s.metrics.WriteReduction), 1e-9)
}

// TestConcurrentWritersDuringFlush records views while flush cycles run and
// checks the final totals are exact once everything is drained.
func TestConcurrentWritersDuringFlush(t *testing.T) {
	s := newStack(t, 5, core.FlushOptions{MaxBatchSize: 2})
	ctx := context.Background()

	const writers, perWriter = 8, 200
	var wg sync.WaitGroup
	var mu sync.Mutex
	expected := map[int64]int64{}
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				article := int64(i%5 + 1)
				req := visitor.Request{Authenticated: true, UserID: fmt.Sprintf("w%d-%d", w, i)}
				if s.recorder.Record(ctx, article, req) {
					mu.Lock()
					expected[article]++
					mu.Unlock()
				}
			}
		}(w)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
			if _, err := s.engine.FlushCycle(ctx); err != nil {
				require.ErrorIs(t, err, core.ErrFlushInProgress)
			}
		}
	}
	_, err := s.engine.FlushCycle(ctx)
	require.NoError(t, err)

	var total int64
	for id, want := range expected {
		assert.Equal(t, want, s.db.counts[id], "article %d", id)
		total += want
	}
	assert.Equal(t, int64(writers*perWriter), total)
	assert.False(t, s.redis.Exists(core.DirtySetKey))
}
