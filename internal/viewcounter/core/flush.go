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

// Package core implements the view counter: the unique-visitor gate, the
// pending-delta store, the flush engine that drains it into the database in
// bulk, and the read path that merges both.
package core

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"viewcounter/internal/viewcounter/telemetry"
)

// Flush defaults.
const (
	DefaultMaxIterations = 20
	DefaultMaxBatchSize  = 500
)

// SettleMode selects how delta keys are retired after a successful batch.
type SettleMode string

const (
	// SettleConditional subtracts the persisted snapshot and deletes the key
	// only when it reaches zero, so views counted mid-flush are kept.
	SettleConditional SettleMode = "settle"
	// SettleDelete deletes the key unconditionally. Views counted between the
	// read and the delete are lost.
	SettleDelete SettleMode = "delete"
)

// PendingStore is the flush-side view of the delta store.
type PendingStore interface {
	DrainRetry(ctx context.Context) (int, error)
	PopDirty(ctx context.Context, n int) ([]string, error)
	ReadDeltas(ctx context.Context, ids []int64) ([]int64, error)
	DeleteDeltas(ctx context.Context, ids []int64) error
	SettleDeltas(ctx context.Context, snapshot map[int64]int64) error
	MarkRetry(ctx context.Context, ids []int64) error
	Pending(ctx context.Context) (dirty, retry int64, err error)
}

// FlushOptions tunes a FlushEngine. Zero values take the defaults.
type FlushOptions struct {
	MaxIterations int
	MaxBatchSize  int
	SettleMode    SettleMode
}

// Report summarizes one flush cycle.
type Report struct {
	CycleID     string        `json:"cycle_id"`
	Requeued    int           `json:"requeued"`
	Batches     int           `json:"batches"`
	Popped      int           `json:"popped"`
	ParseErrors int           `json:"parse_errors"`
	Stale       int           `json:"stale"`
	Rows        int           `json:"rows"`
	Views       int64         `json:"views"`
	Retried     int           `json:"retried"`
	Lost        int           `json:"lost"`
	Exhausted   bool          `json:"exhausted"`
	Duration    time.Duration `json:"duration_ns"`

	// Orphaned lists ids whose deltas were kept after a permanent database
	// error. They are in neither set and wait for their next view.
	Orphaned []int64 `json:"orphaned_ids,omitempty"`
}

// FlushEngine moves pending deltas from the KV store into the database.
//
// A cycle first returns the retry set to the dirty set, then repeatedly pops
// up to MaxBatchSize ids and applies their deltas in one transaction, for at
// most MaxIterations batches. Ids left in the dirty set after the last
// iteration wait for the next cycle.
//
// At most one cycle runs per engine at a time; cross-process overlap is
// tolerated because SPOP hands each id to a single flusher.
type FlushEngine struct {
	store   PendingStore
	db      BulkIncrementer
	opts    FlushOptions
	metrics *telemetry.Metrics
	logger  *zap.Logger

	mu sync.Mutex
}

// NewFlushEngine wires an engine. metrics may be nil.
func NewFlushEngine(store PendingStore, db BulkIncrementer, opts FlushOptions, metrics *telemetry.Metrics, logger *zap.Logger) *FlushEngine {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = DefaultMaxBatchSize
	}
	if opts.SettleMode == "" {
		opts.SettleMode = SettleConditional
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FlushEngine{store: store, db: db, opts: opts, metrics: metrics, logger: logger}
}

// Options returns the effective options.
func (e *FlushEngine) Options() FlushOptions { return e.opts }

// FlushCycle runs one cycle. It returns ErrFlushInProgress if another cycle
// of this engine is running, the context error if ctx ends between batches,
// and a wrapped ErrPermanent if the database rejected a batch for good. All
// other failures are logged and absorbed.
//
// A batch that has been popped always runs to completion, even if ctx is
// cancelled meanwhile; per-operation timeouts still bound it.
func (e *FlushEngine) FlushCycle(ctx context.Context) (rep Report, err error) {
	if !e.mu.TryLock() {
		return Report{}, ErrFlushInProgress
	}
	defer e.mu.Unlock()

	start := time.Now()
	rep.CycleID = uuid.NewString()
	log := e.logger.With(zap.String("cycle_id", rep.CycleID))
	defer func() {
		rep.Duration = time.Since(start)
		e.finish(ctx, log, &rep, err)
	}()

	n, derr := e.store.DrainRetry(ctx)
	if derr != nil {
		log.Warn("drain retry set failed", zap.Error(derr))
	}
	rep.Requeued = n
	e.metrics.ObserveRequeued(n)

	for i := 0; i < e.opts.MaxIterations; i++ {
		if err = ctx.Err(); err != nil {
			return rep, err
		}
		raw, perr := e.store.PopDirty(ctx, e.opts.MaxBatchSize)
		if perr != nil {
			log.Error("pop dirty set failed", zap.Error(perr))
			return rep, fmt.Errorf("pop dirty set: %w", perr)
		}
		if len(raw) == 0 {
			return rep, nil
		}
		rep.Batches++
		rep.Popped += len(raw)
		if err = e.flushBatch(context.WithoutCancel(ctx), log, raw, &rep); err != nil {
			return rep, err
		}
	}
	rep.Exhausted = true
	log.Warn("flush iterations exhausted, remaining ids wait for next cycle",
		zap.Int("max_iterations", e.opts.MaxIterations),
		zap.Int("max_batch_size", e.opts.MaxBatchSize))
	return rep, nil
}

func (e *FlushEngine) flushBatch(ctx context.Context, log *zap.Logger, raw []string, rep *Report) error {
	ids := make([]int64, 0, len(raw))
	for _, m := range raw {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil || id <= 0 {
			log.Warn("skipping unparseable dirty-set member", zap.String("member", m))
			rep.ParseErrors++
			e.metrics.ObserveParseError()
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		e.metrics.ObserveBatch(0, 0)
		return nil
	}

	values, err := e.store.ReadDeltas(ctx, ids)
	if err != nil {
		// Membership is already gone; best effort is to clear the keys so a
		// later increment does not resurrect an unknown remainder.
		log.Warn("read deltas failed, batch counts lost", zap.Int("ids", len(ids)), zap.Error(err))
		e.metrics.ObserveFlushError(telemetry.ErrKindKVRead)
		rep.Lost += len(ids)
		if derr := e.store.DeleteDeltas(ctx, ids); derr != nil {
			log.Warn("delete deltas after read failure failed", zap.Error(derr))
			e.metrics.ObserveFlushError(telemetry.ErrKindKVCleanup)
		}
		e.metrics.ObserveBatch(0, 0)
		return nil
	}

	snapshot := make(map[int64]int64, len(ids))
	deltas := make(map[int64]int64, len(ids))
	var views int64
	for i, id := range ids {
		snapshot[id] = values[i]
		if values[i] > 0 {
			deltas[id] = values[i]
			views += values[i]
		}
	}
	rep.Stale += len(ids) - len(deltas)

	if len(deltas) > 0 {
		if err := e.db.Apply(ctx, deltas); err != nil {
			return e.handleApplyError(ctx, log, deltas, rep, err)
		}
		rep.Rows += len(deltas)
		rep.Views += views
	}
	e.metrics.ObserveBatch(len(deltas), views)
	e.settle(ctx, log, ids, snapshot)
	return nil
}

func (e *FlushEngine) handleApplyError(ctx context.Context, log *zap.Logger, deltas map[int64]int64, rep *Report, err error) error {
	e.metrics.ObserveBatch(0, 0)
	if !IsRetryable(err) {
		// Delta keys stay but the ids are in neither set until their next
		// increment. They are reported so an operator can SADD them back.
		orphaned := sortedIDs(deltas)
		rep.Orphaned = append(rep.Orphaned, orphaned...)
		log.Error("bulk increment rejected, aborting cycle",
			zap.Int("rows", len(deltas)),
			zap.Int64s("orphaned_ids", orphaned),
			zap.Error(err))
		e.metrics.ObserveFlushError(telemetry.ErrKindDBPermanent)
		return fmt.Errorf("apply batch: %w", err)
	}
	log.Error("bulk increment failed, scheduling retry", zap.Int("rows", len(deltas)), zap.Error(err))
	e.metrics.ObserveFlushError(telemetry.ErrKindDBTransient)
	ids := sortedIDs(deltas)
	if merr := e.store.MarkRetry(ctx, ids); merr != nil {
		log.Error("enqueue retry failed, ids wait for their next view", zap.Int("ids", len(ids)), zap.Error(merr))
		e.metrics.ObserveFlushError(telemetry.ErrKindRetryEnqueue)
		return nil
	}
	rep.Retried += len(ids)
	return nil
}

func (e *FlushEngine) settle(ctx context.Context, log *zap.Logger, ids []int64, snapshot map[int64]int64) {
	var err error
	switch e.opts.SettleMode {
	case SettleDelete:
		err = e.store.DeleteDeltas(ctx, ids)
	default:
		err = e.store.SettleDeltas(ctx, snapshot)
	}
	if err != nil {
		// Persisted deltas whose keys survive would be applied again once the
		// id is re-marked dirty.
		log.Error("retire flushed deltas failed", zap.Int("ids", len(ids)), zap.Error(err))
		e.metrics.ObserveFlushError(telemetry.ErrKindKVCleanup)
	}
}

func (e *FlushEngine) finish(ctx context.Context, log *zap.Logger, rep *Report, err error) {
	e.metrics.ObserveCycle(rep.Duration)
	if dirty, retry, perr := e.store.Pending(context.WithoutCancel(ctx)); perr == nil {
		e.metrics.SetPending(dirty, retry)
	}
	fields := []zap.Field{
		zap.Int("requeued", rep.Requeued),
		zap.Int("batches", rep.Batches),
		zap.Int("rows", rep.Rows),
		zap.Int64("views", rep.Views),
		zap.Int("retried", rep.Retried),
		zap.Int("lost", rep.Lost),
		zap.Duration("duration", rep.Duration),
	}
	switch {
	case err != nil && !errors.Is(err, context.Canceled):
		log.Error("flush cycle ended with error", append(fields, zap.Error(err))...)
	case rep.Batches > 0 || rep.Requeued > 0:
		log.Info("flush cycle complete", fields...)
	default:
		log.Debug("flush cycle idle", fields...)
	}
}
