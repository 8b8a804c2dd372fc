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

// Package main runs the article view counter service.
//
// Each GET /articles/{id} records at most one view per visitor per window in
// Redis; a background scheduler folds the pending deltas into PostgreSQL with
// one bulk UPDATE per batch. Reads return persisted + pending counts.
//
// Configuration comes from an optional file (-config) and the environment,
// see internal/config.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"viewcounter/internal/config"
	"viewcounter/internal/viewcounter/api"
	"viewcounter/internal/viewcounter/core"
	"viewcounter/internal/viewcounter/persistence"
	"viewcounter/internal/viewcounter/telemetry"
	"viewcounter/pkg/visitor"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "Optional config file (yaml/json/toml); environment variables override it")
	httpAddr := flag.String("http_addr", "", "HTTP listen address; overrides HTTP_ADDR")
	metricsAddr := flag.String("metrics_addr", "", "Prometheus /metrics address; overrides METRICS_ADDR")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	if *httpAddr != "" {
		cfg.HTTP.Addr = *httpAddr
	}
	if *metricsAddr != "" {
		cfg.HTTP.MetricsAddr = *metricsAddr
	}

	logger, err := initLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("view counter exited", zap.Error(err))
	}
}

// initLogger builds the zap logger from LOG_LEVEL and LOG_FORMAT.
func initLogger(c config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backends, err := persistence.Open(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("connect backends: %w", err)
	}
	defer func() {
		if err := backends.Close(); err != nil {
			logger.Warn("close backends", zap.Error(err))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(reg)

	deltas := core.NewDeltaStore(backends.Redis, cfg.Flush.KVTimeout, logger.Named("deltas"))
	gate := core.NewUniqueViewGate(backends.Redis, cfg.Views.UniqueViewTTL(), cfg.Flush.KVTimeout, logger.Named("gate"))
	identifier := visitor.New(visitor.Options{
		AllowNonRoutable: cfg.Visitor.AllowNonRoutableIPs,
		FallbackWindow:   cfg.Visitor.FallbackDuration(),
	})
	recorder := core.NewViewRecorder(identifier, gate, deltas, metrics, logger.Named("recorder"))
	reader := core.NewReadView(backends.Articles, deltas, logger.Named("reader"))
	engine := core.NewFlushEngine(deltas, backends.Articles, core.FlushOptions{
		MaxIterations: cfg.Flush.MaxIterations,
		MaxBatchSize:  cfg.Flush.MaxBatchSize,
		SettleMode:    core.SettleMode(cfg.Flush.SettleMode),
	}, metrics, logger.Named("flush"))
	scheduler := core.NewScheduler(engine, cfg.Flush.Interval, logger.Named("scheduler"))

	server := api.NewServer(recorder, reader, scheduler, backends.Ready, api.Options{
		SessionCookie:     cfg.Visitor.SessionCookie,
		TrustedUserHeader: cfg.Visitor.TrustedUserHeader,
	}, logger.Named("http"))

	servers := []*http.Server{server.NewHTTPServer(cfg.HTTP.Addr)}
	if cfg.HTTP.MetricsAddr != "" {
		servers = append(servers, telemetry.NewMetricsServer(cfg.HTTP.MetricsAddr, reg, server.AdminHandler()))
	}

	logger.Info("view counter starting",
		zap.String("http_addr", cfg.HTTP.Addr),
		zap.String("metrics_addr", cfg.HTTP.MetricsAddr),
		zap.Duration("flush_interval", cfg.Flush.Interval),
		zap.Int("max_iterations", cfg.Flush.MaxIterations),
		zap.Int("max_batch_size", cfg.Flush.MaxBatchSize),
		zap.String("settle_mode", cfg.Flush.SettleMode),
		zap.Duration("unique_view_ttl", cfg.Views.UniqueViewTTL()))

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}
	// The scheduler stops after the servers begin draining and runs a final
	// flush so pending deltas reach the database before exit.
	g.Go(func() error { return scheduler.Run(gctx) })

	err = g.Wait()
	logger.Info("view counter stopped")
	return err
}
