// Copyright (C) 2025 Pelagic AI (engineering@pelagicvoice.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/PelagicAI/PelagicVoice/services/callengine/observability"
)

// =============================================================================
// Reaper Scheduler
// =============================================================================

// SchedulerConfig holds configuration for the background reaper.
//
// # Fields
//
//   - Interval: How often to run a sweep. Default: 1 minute.
type SchedulerConfig struct {
	Interval time.Duration
}

// DefaultSchedulerConfig returns production defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval: 1 * time.Minute,
	}
}

// Scheduler runs reaper sweeps on a fixed interval.
//
// # Description
//
// Manages the lifecycle of a background goroutine that periodically
// sweeps for stale sessions. Uses the ticker + done channel pattern for
// graceful shutdown.
//
// # Thread Safety
//
// All public methods are thread-safe. The scheduler uses a mutex to
// protect state transitions.
type Scheduler struct {
	reaper  *Reaper
	metrics *observability.Metrics
	config  SchedulerConfig
	done    chan struct{}
	mu      sync.Mutex
	running bool
}

// NewScheduler creates a reaper scheduler. metrics may be nil.
func NewScheduler(reaper *Reaper, metrics *observability.Metrics, config SchedulerConfig) *Scheduler {
	if config.Interval <= 0 {
		config.Interval = DefaultSchedulerConfig().Interval
	}
	return &Scheduler{
		reaper:  reaper,
		metrics: metrics,
		config:  config,
		done:    make(chan struct{}),
	}
}

// Start begins the background sweep loop.
//
// # Description
//
// Starts a goroutine that sweeps at the configured interval until
// Stop() is called or the context is cancelled.
//
// # Outputs
//
//   - error: Non-nil if the scheduler is already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("reaper scheduler is already running")
	}
	s.running = true
	s.done = make(chan struct{}) // Reset done channel for potential restart
	s.mu.Unlock()

	slog.Info("reaper scheduler starting",
		"interval", s.config.Interval.String(),
		"staleness", s.reaper.Staleness().String(),
	)

	go s.runLoop(ctx)
	return nil
}

// Stop gracefully stops the scheduler. Safe to call multiple times.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil // Already stopped
	}

	slog.Info("reaper scheduler stopping")
	close(s.done)
	s.running = false
	return nil
}

// RunNow triggers an immediate sweep outside the schedule.
func (s *Scheduler) RunNow(ctx context.Context) (SweepResult, error) {
	return s.reaper.Sweep(ctx)
}

// runLoop is the main scheduler goroutine.
func (s *Scheduler) runLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("reaper scheduler stopped (context cancelled)")
			return
		case <-s.done:
			slog.Info("reaper scheduler stopped (stop requested)")
			return
		case <-ticker.C:
			s.executeSweep(ctx)
		}
	}
}

// executeSweep runs one sweep with error handling so a bad pass never
// crashes the scheduler.
func (s *Scheduler) executeSweep(ctx context.Context) {
	result, err := s.reaper.Sweep(ctx)

	if s.metrics != nil {
		s.metrics.ReaperSweepSeconds.Observe(result.Duration().Seconds())
		s.metrics.ReapedSessionsTotal.Add(float64(result.Reaped))
	}

	if err != nil {
		slog.Error("reaper sweep failed", "error", err)
		return
	}

	if result.Found > 0 {
		slog.Info("reaper sweep completed",
			"found", result.Found,
			"reaped", result.Reaped,
			"errors", len(result.Errors),
			"duration_ms", result.Duration().Milliseconds(),
		)
	} else {
		slog.Debug("reaper sweep completed (no stale sessions)")
	}
}
