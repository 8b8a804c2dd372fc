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
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultUniqueViewTTL is how long a visitor is suppressed for an article after being counted.
const DefaultUniqueViewTTL = time.Hour

// UniqueViewGate admits at most one view per (article, visitor) per TTL window.
//
// The only primitive it relies on is SET key "1" EX ttl NX: concurrent
// admissions for the same pair race in Redis and exactly one of them wins.
// The gate never reads or deletes markers; they simply expire.
//
// If Redis is unreachable the gate fails closed: the view is dropped rather
// than risking a double count.
type UniqueViewGate struct {
	kv      redis.Cmdable
	ttl     time.Duration
	timeout time.Duration
	logger  *zap.Logger
}

// NewUniqueViewGate creates a gate. ttl <= 0 uses DefaultUniqueViewTTL;
// timeout <= 0 uses DefaultKVTimeout.
func NewUniqueViewGate(kv redis.Cmdable, ttl, timeout time.Duration, logger *zap.Logger) *UniqueViewGate {
	if ttl <= 0 {
		ttl = DefaultUniqueViewTTL
	}
	if timeout <= 0 {
		timeout = DefaultKVTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UniqueViewGate{kv: kv, ttl: ttl, timeout: timeout, logger: logger}
}

// TTL returns the suppression window.
func (g *UniqueViewGate) TTL() time.Duration { return g.ttl }

// Admit reports whether this visit should be counted.
func (g *UniqueViewGate) Admit(ctx context.Context, articleID int64, visitorID string) bool {
	key := ViewedByKey(articleID, visitorID)
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	ok, err := g.kv.SetNX(ctx, key, "1", g.ttl).Result()
	if err != nil {
		g.logger.Warn("unique view gate unavailable, dropping view",
			zap.Int64("article_id", articleID),
			zap.Error(err))
		return false
	}
	return ok
}
