// Copyright (C) 2025 Pelagic AI (engineering@pelagicvoice.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package summarize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/PelagicAI/PelagicVoice/services/callengine/datatypes"
	"github.com/PelagicAI/PelagicVoice/services/callengine/ledger"
	"github.com/PelagicAI/PelagicVoice/services/callengine/observability"
	"github.com/PelagicAI/PelagicVoice/services/callengine/registry"
)

// Orchestrator generates a call summary at most once per session.
//
// # Description
//
// EnsureSummary is safe to call from every trigger point at once: the
// terminal-state transition, the reaper, and any number of concurrent
// readers polling for the summary. A singleflight group keyed by session
// id bounds generation to one in-flight computation per session; joiners
// wait on that computation instead of re-issuing the provider call. The
// group entry clears once the computation settles, so a later call is
// free to retry after a failure — but the store's first-write-wins
// summary insert guarantees a persisted summary is never overwritten.
//
// # Thread Safety
//
// Safe for concurrent use.
type Orchestrator struct {
	registry *registry.Registry
	ledger   *ledger.Ledger
	provider Provider // nil means no provider configured; fallback only
	metrics  *observability.Metrics

	group singleflight.Group
	now   func() time.Time
}

// NewOrchestrator creates a summary orchestrator. provider may be nil,
// in which case every summary takes the deterministic fallback path.
func NewOrchestrator(reg *registry.Registry, led *ledger.Ledger, provider Provider) *Orchestrator {
	return &Orchestrator{
		registry: reg,
		ledger:   led,
		provider: provider,
		now:      time.Now,
	}
}

// WithMetrics attaches summary counters. Optional.
func (o *Orchestrator) WithMetrics(m *observability.Metrics) *Orchestrator {
	o.metrics = m
	return o
}

// WithClock overrides the orchestrator clock. Test hook.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// GetExisting returns the persisted summary without triggering
// generation, or nil when none exists. Unknown sessions yield
// registry.ErrSessionNotFound.
func (o *Orchestrator) GetExisting(ctx context.Context, sessionID string) (*datatypes.CallSummary, error) {
	return o.registry.Store().GetSummary(ctx, sessionID)
}

// EnsureSummary returns the session's summary, generating it if needed.
//
// # Description
//
// Returns the existing summary immediately if one is persisted.
// Otherwise it starts — or joins — the single in-flight generation for
// this session id and returns its eventual result. Unknown sessions
// yield registry.ErrSessionNotFound.
//
// Generation gathers the roster and the ordered transcript, makes one
// attempt against the provider, and on any provider error, parse
// failure, or absent provider falls back to the deterministic digest.
// The fallback path cannot fail, so once the session exists the only
// error left is a store failure — which concurrent callers all observe
// identically, and which a later call may retry.
func (o *Orchestrator) EnsureSummary(ctx context.Context, sessionID string) (*datatypes.CallSummary, error) {
	existing, err := o.registry.Store().GetSummary(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	result, err, _ := o.group.Do(sessionID, func() (interface{}, error) {
		// Re-check inside the flight: a racing caller may have persisted
		// while this one was waiting to start.
		existing, err := o.registry.Store().GetSummary(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
		return o.generate(ctx, sessionID)
	})
	if err != nil {
		return nil, err
	}

	summary, ok := result.(*datatypes.CallSummary)
	if !ok {
		return nil, fmt.Errorf("unexpected type from summary singleflight: got %T", result)
	}
	return summary, nil
}

// generate runs one summary generation and persists the result
// first-write-wins.
func (o *Orchestrator) generate(ctx context.Context, sessionID string) (*datatypes.CallSummary, error) {
	session, err := o.registry.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	segments, err := o.ledger.Read(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	content, source := o.produce(ctx, sessionID, segments, session.Participants)

	summary := &datatypes.CallSummary{
		ID:            uuid.New().String(),
		CallSessionID: sessionID,
		Text:          content.Text,
		KeyPoints:     content.KeyPoints,
		ActionItems:   content.ActionItems,
		GeneratedAt:   o.now().UTC(),
		Source:        source,
	}

	persisted, err := o.registry.Store().PutSummaryIfAbsent(ctx, summary)
	if errors.Is(err, registry.ErrSummaryExists) {
		// Lost the persist race; the earlier summary wins.
		return persisted, nil
	}
	if err != nil {
		return nil, fmt.Errorf("persist summary for session %s: %w", sessionID, err)
	}

	if o.metrics != nil {
		o.metrics.SummariesTotal.WithLabelValues(source).Inc()
	}
	slog.Info("summarize: summary persisted",
		"session_id", sessionID,
		"source", source,
		"segments", len(segments),
	)
	return persisted, nil
}

// produce makes one provider attempt, then falls back. Never fails.
func (o *Orchestrator) produce(ctx context.Context, sessionID string, segments []datatypes.TranscriptSegment, roster []datatypes.CallParticipant) (Content, string) {
	if o.provider != nil {
		content, err := o.provider.Summarize(ctx, segments, roster)
		if err == nil {
			return content, datatypes.SummarySourceProvider
		}
		slog.Warn("summarize: provider failed, using fallback digest",
			"session_id", sessionID, "error", err)
	}
	return FallbackContent(segments, roster), datatypes.SummarySourceFallback
}
