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

// Package telemetry exposes Prometheus metrics for the view counter.
//
// All metrics are global (no per-article labels) to keep cardinality bounded.
// Every method is safe on a nil *Metrics so components can run without
// telemetry wired in tests.
package telemetry

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "viewcounter"

// Flush error kinds used as the "kind" label of FlushErrors.
const (
	ErrKindKVRead       = "kv_read"
	ErrKindKVCleanup    = "kv_cleanup"
	ErrKindDBTransient  = "db_transient"
	ErrKindDBPermanent  = "db_permanent"
	ErrKindRetryEnqueue = "retry_enqueue"
)

// Metrics holds the collectors for the write path and the flush path.
type Metrics struct {
	ViewsAdmitted   prometheus.Counter
	ViewsSuppressed prometheus.Counter
	ViewsDropped    prometheus.Counter

	FlushCycles   prometheus.Counter
	FlushBatches  prometheus.Counter
	FlushRows     prometheus.Counter
	FlushViews    prometheus.Counter
	RowsPerBatch  prometheus.Histogram
	FlushDuration prometheus.Histogram
	FlushErrors   *prometheus.CounterVec
	Requeued      prometheus.Counter
	ParseErrors   prometheus.Counter
	Pending       *prometheus.GaugeVec

	// WriteReduction is 1 - rows/admitted since process start: the share of
	// per-view UPDATEs avoided by coalescing.
	WriteReduction prometheus.Gauge

	admitted atomic.Int64
	rows     atomic.Int64
}

// NewMetrics creates and registers all collectors on reg. A nil reg uses the
// default Prometheus registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		ViewsAdmitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "views_admitted_total",
			Help: "Views that passed the unique-visitor gate and were counted",
		}),
		ViewsSuppressed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "views_suppressed_total",
			Help: "Views rejected by the unique-visitor gate (repeat visit or gate unavailable)",
		}),
		ViewsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "views_dropped_total",
			Help: "Admitted views lost because the KV increment failed",
		}),
		FlushCycles: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "flush", Name: "cycles_total",
			Help: "Completed flush cycles",
		}),
		FlushBatches: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "flush", Name: "batches_total",
			Help: "Batches popped from the dirty set",
		}),
		FlushRows: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "flush", Name: "rows_total",
			Help: "Article rows updated across all batches",
		}),
		FlushViews: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "flush", Name: "views_total",
			Help: "Sum of deltas persisted to the database",
		}),
		RowsPerBatch: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "flush", Name: "rows_per_batch",
			Help:    "Distribution of rows per bulk UPDATE",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024},
		}),
		FlushDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "flush", Name: "duration_seconds",
			Help:    "Wall time of one flush cycle",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		FlushErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "flush", Name: "errors_total",
			Help: "Flush failures by kind",
		}, []string{"kind"}),
		Requeued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "flush", Name: "requeued_total",
			Help: "Article ids moved from the retry set back to the dirty set",
		}),
		ParseErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "flush", Name: "parse_errors_total",
			Help: "Dirty-set members or deltas that were not integers",
		}),
		Pending: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pending_articles",
			Help: "Cardinality of the dirty and retry sets after the last cycle",
		}, []string{"set"}),
		WriteReduction: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "write_reduction_ratio",
			Help: "Fraction of per-view writes avoided (1 - rows/admitted) since start",
		}),
	}
}

// ObserveGate records the outcome of one admission decision.
func (m *Metrics) ObserveGate(admitted bool) {
	if m == nil {
		return
	}
	if admitted {
		m.ViewsAdmitted.Inc()
		m.admitted.Add(1)
		m.updateWriteReduction()
		return
	}
	m.ViewsSuppressed.Inc()
}

// ObserveDropped records an admitted view whose increment failed.
func (m *Metrics) ObserveDropped() {
	if m == nil {
		return
	}
	m.ViewsDropped.Inc()
}

// ObserveBatch records one popped batch and what was persisted from it.
func (m *Metrics) ObserveBatch(rows int, views int64) {
	if m == nil {
		return
	}
	m.FlushBatches.Inc()
	if rows <= 0 {
		return
	}
	m.FlushRows.Add(float64(rows))
	m.FlushViews.Add(float64(views))
	m.RowsPerBatch.Observe(float64(rows))
	m.rows.Add(int64(rows))
	m.updateWriteReduction()
}

// ObserveFlushError increments the error counter for kind.
func (m *Metrics) ObserveFlushError(kind string) {
	if m == nil {
		return
	}
	m.FlushErrors.WithLabelValues(kind).Inc()
}

// ObserveCycle records a finished cycle.
func (m *Metrics) ObserveCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.FlushCycles.Inc()
	m.FlushDuration.Observe(d.Seconds())
}

// ObserveRequeued records ids moved out of the retry set.
func (m *Metrics) ObserveRequeued(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Requeued.Add(float64(n))
}

// ObserveParseError records one unparseable value.
func (m *Metrics) ObserveParseError() {
	if m == nil {
		return
	}
	m.ParseErrors.Inc()
}

// SetPending publishes the dirty/retry set sizes.
func (m *Metrics) SetPending(main, retry int64) {
	if m == nil {
		return
	}
	m.Pending.WithLabelValues("main").Set(float64(main))
	m.Pending.WithLabelValues("retry").Set(float64(retry))
}

func (m *Metrics) updateWriteReduction() {
	admitted := m.admitted.Load()
	if admitted <= 0 {
		return
	}
	wr := 1.0 - float64(m.rows.Load())/float64(admitted)
	if wr < 0 {
		wr = 0
	}
	m.WriteReduction.Set(wr)
}

// Handler returns the /metrics handler for g. A nil g serves the default gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// NewMetricsServer returns the internal ops server for addr: /metrics, plus
// admin mounted under /admin/ when it is not nil. The caller owns its
// lifecycle.
func NewMetricsServer(addr string, g prometheus.Gatherer, admin http.Handler) *http.Server {
	return &http.Server{Addr: addr, Handler: OpsHandler(g, admin), ReadHeaderTimeout: 5 * time.Second}
}

// OpsHandler routes /metrics to g and /admin/ to admin (if not nil).
func OpsHandler(g prometheus.Gatherer, admin http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	if admin != nil {
		mux.Handle("/admin/", admin)
	}
	return mux
}
