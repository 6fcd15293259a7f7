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
	"time"

	"github.com/PelagicAI/PelagicVoice/services/callengine/datatypes"
)

// =============================================================================
// Stale Session Reaper
// =============================================================================

// FindStaleFunc returns sessions still in a non-terminal status whose
// StartedAt is older than the cutoff.
//
// # Description
//
// Decouples the reaper from the concrete registry so unit tests can
// inject mock implementations.
//
// # Inputs
//
//   - ctx: Context for cancellation and timeout.
//   - cutoff: Sessions started before this instant are stale.
//
// # Outputs
//
//   - []*datatypes.CallSession: Stale session snapshots.
//   - error: Non-nil if the query fails.
type FindStaleFunc func(ctx context.Context, cutoff time.Time) ([]*datatypes.CallSession, error)

// ReapSessionFunc force-completes one stale session, including its
// end-of-call side effects (transcription stop, summary generation).
type ReapSessionFunc func(ctx context.Context, sessionID string) error

// ReapError records a single session that failed to reap.
type ReapError struct {
	SessionID string
	Reason    string
}

// SweepResult summarizes one reaper pass.
//
// # Fields
//
//   - Found: Number of stale sessions the query returned.
//   - Reaped: Number successfully moved to a terminal status.
//   - Errors: Per-session failures; never aborts the sweep.
type SweepResult struct {
	Found     int
	Reaped    int
	Errors    []ReapError
	StartTime time.Time
	EndTime   time.Time
}

// Duration returns the wall time the sweep took.
func (r SweepResult) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// Reaper finds sessions that stopped receiving events and forces them
// to completion.
//
// # Description
//
// A terminal event that the provider never delivered (or that never
// correlated) would otherwise leave its session non-terminal forever,
// pinning transcript state and suppressing summary generation. The
// reaper treats "no events for the staleness window" as an implicit
// call end: each stale session is completed through the same path a
// delivered call-ended event takes, so summaries and transcription
// shutdown still happen.
//
// # Thread Safety
//
// Safe for concurrent use (no shared mutable state).
type Reaper struct {
	findStale FindStaleFunc
	reap      ReapSessionFunc
	staleness time.Duration
	now       func() time.Time
}

// minStaleness is the floor applied to the configured staleness window.
// A window shorter than this would reap calls that are merely quiet.
const minStaleness = 1 * time.Minute

// NewReaper creates a stale session reaper.
//
// # Inputs
//
//   - findStale: Query for non-terminal sessions older than a cutoff.
//   - reap: Force-completes one session by id.
//   - staleness: Inactivity window after which a session is stale.
//     Values below one minute are raised to one minute.
//
// # Outputs
//
//   - *Reaper: Ready for Sweep().
func NewReaper(findStale FindStaleFunc, reap ReapSessionFunc, staleness time.Duration) *Reaper {
	if staleness < minStaleness {
		slog.Warn("reaper: staleness window below floor, clamping",
			"configured", staleness.String(),
			"floor", minStaleness.String(),
		)
		staleness = minStaleness
	}
	return &Reaper{
		findStale: findStale,
		reap:      reap,
		staleness: staleness,
		now:       time.Now,
	}
}

// WithClock overrides the reaper clock. Test hook.
func (r *Reaper) WithClock(now func() time.Time) *Reaper {
	r.now = now
	return r
}

// Staleness returns the effective staleness window after clamping.
func (r *Reaper) Staleness() time.Duration {
	return r.staleness
}

// Sweep performs one reaper pass.
//
// # Description
//
// Queries for stale sessions, then reaps each one individually. A
// failure on one session is recorded in the result and the sweep moves
// on; only the staleness query itself can fail the whole pass.
//
// # Inputs
//
//   - ctx: Context for cancellation and timeout.
//
// # Outputs
//
//   - SweepResult: Counts and per-session errors for this pass.
//   - error: Non-nil if the staleness query fails or the context is
//     cancelled mid-sweep.
func (r *Reaper) Sweep(ctx context.Context) (SweepResult, error) {
	result := SweepResult{
		StartTime: r.now(),
		Errors:    make([]ReapError, 0),
	}

	cutoff := r.now().Add(-r.staleness)
	stale, err := r.findStale(ctx, cutoff)
	if err != nil {
		result.EndTime = r.now()
		return result, fmt.Errorf("failed to query stale sessions: %w", err)
	}
	result.Found = len(stale)

	for _, session := range stale {
		if err := ctx.Err(); err != nil {
			result.EndTime = r.now()
			return result, fmt.Errorf("context cancelled during sweep: %w", err)
		}

		if err := r.reap(ctx, session.ID); err != nil {
			slog.Warn("reaper: failed to reap stale session",
				"session_id", session.ID,
				"status", string(session.Status),
				"started_at", session.StartedAt,
				"error", err,
			)
			result.Errors = append(result.Errors, ReapError{
				SessionID: session.ID,
				Reason:    err.Error(),
			})
			continue
		}

		slog.Info("reaper: stale session completed",
			"session_id", session.ID,
			"previous_status", string(session.Status),
			"started_at", session.StartedAt,
		)
		result.Reaped++
	}

	result.EndTime = r.now()
	return result, nil
}
