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
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultFlushInterval is how often the scheduler runs a flush cycle.
const DefaultFlushInterval = 10 * time.Second

// finalFlushTimeout bounds the flush performed on shutdown.
const finalFlushTimeout = 30 * time.Second

// Flusher runs one flush cycle.
type Flusher interface {
	FlushCycle(ctx context.Context) (Report, error)
}

// Scheduler drives a Flusher on a fixed interval and performs a final flush
// when stopped, so pending deltas are not left behind on graceful shutdown.
type Scheduler struct {
	flusher  Flusher
	interval time.Duration
	logger   *zap.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
	started  uint32
	stopped  uint32
}

// NewScheduler creates a scheduler. interval <= 0 uses DefaultFlushInterval.
func NewScheduler(flusher Flusher, interval time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		flusher:  flusher,
		interval: interval,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Start launches the flush loop in the background.
func (s *Scheduler) Start() {
	if !atomic.CompareAndSwapUint32(&s.started, 0, 1) {
		return
	}
	s.logger.Info("starting flush scheduler", zap.Duration("interval", s.interval))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
}

// Stop ends the loop and waits for the final flush to finish. Safe to call
// more than once.
func (s *Scheduler) Stop() {
	if !atomic.CompareAndSwapUint32(&s.stopped, 0, 1) {
		return
	}
	s.logger.Info("stopping flush scheduler")
	close(s.stopChan)
	s.wg.Wait()
}

// Run starts the scheduler and blocks until ctx is done, then stops it.
// It always returns nil so it can sit in an errgroup next to servers.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Start()
	<-ctx.Done()
	s.Stop()
	return nil
}

// TriggerNow runs a cycle immediately, outside the ticker. It returns
// ErrFlushInProgress when a scheduled cycle is running.
func (s *Scheduler) TriggerNow(ctx context.Context) (Report, error) {
	return s.flusher.FlushCycle(ctx)
}

func (s *Scheduler) loop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-ticker.C:
			s.runCycle(ctx)
		case <-s.stopChan:
			s.finalFlush()
			return
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context) {
	_, err := s.flusher.FlushCycle(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case errors.Is(err, ErrFlushInProgress):
		s.logger.Debug("skipping tick, flush already running")
	default:
		s.logger.Error("scheduled flush failed", zap.Error(err))
	}
}

// finalFlush drains whatever is pending on shutdown, waiting out a manual
// cycle that may still hold the engine.
func (s *Scheduler) finalFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
	defer cancel()
	for {
		rep, err := s.flusher.FlushCycle(ctx)
		if errors.Is(err, ErrFlushInProgress) {
			select {
			case <-time.After(50 * time.Millisecond):
				continue
			case <-ctx.Done():
				s.logger.Warn("final flush skipped, engine busy until deadline")
				return
			}
		}
		if err != nil {
			s.logger.Error("final flush failed", zap.Error(err))
			return
		}
		s.logger.Info("final flush complete", zap.Int("rows", rep.Rows), zap.Int64("views", rep.Views))
		return
	}
}
