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
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultKVTimeout bounds every Redis round trip.
const DefaultKVTimeout = 500 * time.Millisecond

// DeltaStore keeps per-article pending view deltas in Redis, together with the
// dirty set (ids awaiting a flush) and the retry set (ids whose last flush
// failed at the database step).
//
// Invariant: after Increment(a) returns, a is a member of the dirty set and
// its delta is >= 1, unless Redis rejected one of the two commands (logged).
type DeltaStore struct {
	kv      redis.Cmdable
	timeout time.Duration
	logger  *zap.Logger
}

// NewDeltaStore creates a store. timeout <= 0 uses DefaultKVTimeout.
func NewDeltaStore(kv redis.Cmdable, timeout time.Duration, logger *zap.Logger) *DeltaStore {
	if timeout <= 0 {
		timeout = DefaultKVTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeltaStore{kv: kv, timeout: timeout, logger: logger}
}

func (s *DeltaStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// Increment adds one pending view for articleID and marks it dirty.
//
// INCR and SADD are issued separately so that SADD is still attempted when
// INCR fails. Failures are logged at ERROR; the returned error exists for
// callers that count dropped views and is otherwise meant to be ignored.
func (s *DeltaStore) Increment(ctx context.Context, articleID int64) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var errs []error
	if err := s.kv.Incr(ctx, DeltaKey(articleID)).Err(); err != nil {
		s.logger.Error("incr pending delta failed", zap.Int64("article_id", articleID), zap.Error(err))
		errs = append(errs, fmt.Errorf("incr: %w", err))
	}
	if err := s.kv.SAdd(ctx, DirtySetKey, strconv.FormatInt(articleID, 10)).Err(); err != nil {
		s.logger.Error("mark article dirty failed", zap.Int64("article_id", articleID), zap.Error(err))
		errs = append(errs, fmt.Errorf("sadd: %w", err))
	}
	return errors.Join(errs...)
}

// CurrentDelta returns the pending delta of articleID, or 0 when it is absent,
// unparseable or Redis is unavailable.
func (s *DeltaStore) CurrentDelta(ctx context.Context, articleID int64) int64 {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	raw, err := s.kv.Get(ctx, DeltaKey(articleID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0
	}
	if err != nil {
		s.logger.Warn("read pending delta failed", zap.Int64("article_id", articleID), zap.Error(err))
		return 0
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		s.logger.Warn("pending delta is not an integer", zap.Int64("article_id", articleID), zap.String("value", raw))
		return 0
	}
	return v
}

// ReadDeltas fetches the deltas of ids in one pipeline. The result has one
// entry per id, in order; absent or unparseable values read as 0. A transport
// failure is returned as an error.
func (s *DeltaStore) ReadDeltas(ctx context.Context, ids []int64) ([]int64, error) {
	out := make([]int64, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	pipe := s.kv.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, DeltaKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) && !isServerError(err) {
		return nil, fmt.Errorf("pipeline get deltas: %w", err)
	}
	for i, cmd := range cmds {
		raw, err := cmd.Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case isServerError(err):
			s.logger.Warn("pending delta unreadable", zap.Int64("article_id", ids[i]), zap.Error(err))
			continue
		case err != nil:
			return nil, fmt.Errorf("get delta %d: %w", ids[i], err)
		}
		v, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil {
			s.logger.Warn("pending delta is not an integer", zap.Int64("article_id", ids[i]), zap.String("value", raw))
			continue
		}
		out[i] = v
	}
	return out, nil
}

// DeleteDeltas removes the delta keys of ids in one pipeline.
func (s *DeltaStore) DeleteDeltas(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	pipe := s.kv.Pipeline()
	for _, k := range deltaKeys(ids) {
		pipe.Del(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pipeline del deltas: %w", err)
	}
	return nil
}

// settleLua subtracts the flushed snapshot from a delta and removes the key
// once nothing is left. Views counted after the snapshot was read survive.
// A non-integer value cannot be settled and is removed.
const settleLua = `
local left = redis.pcall('DECRBY', KEYS[1], ARGV[1])
if type(left) ~= 'number' or left <= 0 then
  redis.call('DEL', KEYS[1])
  return 0
end
return left
`

var settleScript = redis.NewScript(settleLua)

// SettleDeltas conditionally retires flushed deltas: each key is decremented
// by the value that was persisted and deleted only when it reaches zero.
// One script call per key keeps every call single-slot (cluster safe); all
// calls share one pipeline round trip.
func (s *DeltaStore) SettleDeltas(ctx context.Context, snapshot map[int64]int64) error {
	if len(snapshot) == 0 {
		return nil
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	// Make sure the script is cached so EVALSHA inside the pipeline succeeds.
	if err := settleScript.Load(ctx, s.kv).Err(); err != nil {
		return fmt.Errorf("load settle script: %w", err)
	}
	pipe := s.kv.Pipeline()
	for id, v := range snapshot {
		settleScript.EvalSha(ctx, pipe, []string{DeltaKey(id)}, v)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("pipeline settle deltas: %w", err)
	}
	return nil
}

// PopDirty removes and returns up to n members of the dirty set.
func (s *DeltaStore) PopDirty(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	members, err := s.kv.SPopN(ctx, DirtySetKey, int64(n)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("spop dirty set: %w", err)
	}
	return members, nil
}

// DrainRetry moves every member of the retry set back into the dirty set and
// returns how many were moved. The read is a single SMEMBERS; the move is one
// MULTI/EXEC that adds to the dirty set and removes exactly the members read,
// so ids re-marked for retry in between are not lost.
func (s *DeltaStore) DrainRetry(ctx context.Context) (int, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	members, err := s.kv.SMembers(ctx, RetrySetKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("smembers retry set: %w", err)
	}
	if len(members) == 0 {
		return 0, nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	_, err = s.kv.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, DirtySetKey, args...)
		pipe.SRem(ctx, RetrySetKey, args...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("requeue retry set: %w", err)
	}
	s.logger.Info("requeued articles from retry set", zap.Int("count", len(members)))
	return len(members), nil
}

// MarkRetry adds ids to the retry set.
func (s *DeltaStore) MarkRetry(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.kv.SAdd(ctx, RetrySetKey, idMembers(ids)...).Err(); err != nil {
		return fmt.Errorf("sadd retry set: %w", err)
	}
	return nil
}

// Pending returns the cardinality of the dirty and retry sets.
func (s *DeltaStore) Pending(ctx context.Context) (dirty, retry int64, err error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	pipe := s.kv.Pipeline()
	d := pipe.SCard(ctx, DirtySetKey)
	r := pipe.SCard(ctx, RetrySetKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("scard: %w", err)
	}
	return d.Val(), r.Val(), nil
}

// isServerError reports whether err is a reply error from Redis (e.g.
// WRONGTYPE) rather than a transport failure.
func isServerError(err error) bool {
	if err == nil {
		return false
	}
	var rerr redis.Error
	return errors.As(err, &rerr) && !errors.Is(err, redis.Nil)
}
