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

package core

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

func newTestRedis(t testing.TB) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// fakeDB is an in-memory articles table implementing BulkIncrementer and ArticleReader.
type fakeDB struct {
	mu     sync.Mutex
	counts map[int64]int64
	calls  []map[int64]int64
	err    error
	// onApply runs inside Apply before the update, to interleave writers.
	onApply func(deltas map[int64]int64)
}

func newFakeDB(rows map[int64]int64) *fakeDB {
	counts := make(map[int64]int64, len(rows))
	for k, v := range rows {
		counts[k] = v
	}
	return &fakeDB{counts: counts}
}

func (f *fakeDB) Apply(_ context.Context, deltas map[int64]int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make(map[int64]int64, len(deltas))
	for k, v := range deltas {
		cp[k] = v
	}
	f.calls = append(f.calls, cp)
	if f.onApply != nil {
		f.onApply(cp)
	}
	if f.err != nil {
		return f.err
	}
	for id, d := range deltas {
		if _, ok := f.counts[id]; ok {
			f.counts[id] += d
		}
	}
	return nil
}

func (f *fakeDB) ViewsCount(_ context.Context, id int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	v, ok := f.counts[id]
	if !ok {
		return 0, ErrArticleNotFound
	}
	return v, nil
}

func (f *fakeDB) ViewsCounts(_ context.Context, ids []int64) (map[int64]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[int64]int64)
	for _, id := range ids {
		if v, ok := f.counts[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

func (f *fakeDB) count(id int64) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[id]
}

func (f *fakeDB) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeDB) applyCalls() []map[int64]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[int64]int64(nil), f.calls...)
}

// failingReads wraps a PendingStore and fails ReadDeltas.
type failingReads struct {
	PendingStore
}

var errReadDeltas = errors.New("connection reset by peer")

func (failingReads) ReadDeltas(context.Context, []int64) ([]int64, error) {
	return nil, errReadDeltas
}

// commandCounter is a go-redis hook that counts commands by name, pipelined
// ones included.
type commandCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *commandCounter) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return next(ctx, network, addr)
	}
}

func (c *commandCounter) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		c.add(cmd)
		return next(ctx, cmd)
	}
}

func (c *commandCounter) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		for _, cmd := range cmds {
			c.add(cmd)
		}
		return next(ctx, cmds)
	}
}

func (c *commandCounter) add(cmd redis.Cmder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = map[string]int{}
	}
	c.counts[cmd.Name()]++
}

func (c *commandCounter) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts = map[string]int{}
}

func (c *commandCounter) snapshot() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}
