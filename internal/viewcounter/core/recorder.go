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

	"go.uber.org/zap"

	"viewcounter/internal/viewcounter/telemetry"
	"viewcounter/pkg/visitor"
)

// Admitter decides whether a visit counts.
type Admitter interface {
	Admit(ctx context.Context, articleID int64, visitorID string) bool
}

// DeltaIncrementer records one admitted view.
type DeltaIncrementer interface {
	Increment(ctx context.Context, articleID int64) error
}

// ViewRecorder is the write path for a single article view: identify the
// visitor, pass the gate, bump the pending delta. It never fails the request.
type ViewRecorder struct {
	identifier *visitor.Identifier
	gate       Admitter
	deltas     DeltaIncrementer
	metrics    *telemetry.Metrics
	logger     *zap.Logger
}

// NewViewRecorder wires a recorder. metrics may be nil.
func NewViewRecorder(identifier *visitor.Identifier, gate Admitter, deltas DeltaIncrementer, metrics *telemetry.Metrics, logger *zap.Logger) *ViewRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ViewRecorder{identifier: identifier, gate: gate, deltas: deltas, metrics: metrics, logger: logger}
}

// Record counts the view if this visitor has not been counted for the article
// within the gate's window. It reports true only when the view passed the gate
// and its increment reached the KV store; an admitted view whose increment
// failed is dropped and reports false.
func (r *ViewRecorder) Record(ctx context.Context, articleID int64, req visitor.Request) bool {
	if articleID <= 0 {
		return false
	}
	id := r.identifier.Identify(req)
	admitted := r.gate.Admit(ctx, articleID, id)
	r.metrics.ObserveGate(admitted)
	if !admitted {
		return false
	}
	if err := r.deltas.Increment(ctx, articleID); err != nil {
		r.metrics.ObserveDropped()
		r.logger.Debug("view admitted but not recorded", zap.Int64("article_id", articleID))
		return false
	}
	return true
}
