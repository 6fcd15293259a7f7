// Copyright (C) 2025 Pelagic AI (engineering@pelagicvoice.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the call engine.
//
// # Description
//
// Metrics cover the event pipeline end to end:
//   - Event counters by family and outcome
//   - Correlation matches by method — the pending-connection heuristic
//     gets its own label value so misattribution risk is visible
//   - Transcript segment appends and dedup discards
//   - Summary generations by source
//   - Reaper sweep durations and reaped session counts
//
// Metrics are exposed via the /metrics endpoint. All operations are
// thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics
const metricsNamespace = "pelagic"

// Subsystem for call engine metrics
const callengineSubsystem = "callengine"

// EventOutcome label values for EventsTotal.
const (
	OutcomeProcessed = "processed"
	OutcomeDropped   = "dropped"
	OutcomeIgnored   = "ignored"
	OutcomeError     = "error"
)

// Metrics holds all Prometheus metrics for the call engine. Initialize
// once at startup via NewMetrics.
type Metrics struct {
	// EventsTotal counts inbound provider events.
	// Labels: family, outcome (processed, dropped, ignored, error)
	EventsTotal *prometheus.CounterVec

	// CorrelationsTotal counts correlation resolutions by matcher.
	// Labels: method (session_id, operation_context, group_id,
	// connection_id, server_call_id, pending_connection)
	CorrelationsTotal *prometheus.CounterVec

	// SegmentsAppendedTotal counts transcript segments stored.
	SegmentsAppendedTotal prometheus.Counter

	// SegmentsDedupedTotal counts transcript fragments discarded as
	// redeliveries.
	SegmentsDedupedTotal prometheus.Counter

	// SummariesTotal counts persisted summaries.
	// Labels: source (provider, fallback)
	SummariesTotal *prometheus.CounterVec

	// ReaperSweepSeconds measures reaper sweep durations.
	ReaperSweepSeconds prometheus.Histogram

	// ReapedSessionsTotal counts sessions forced to Completed by the
	// reaper.
	ReapedSessionsTotal prometheus.Counter

	// ActiveCalls tracks sessions not yet in a terminal status.
	ActiveCalls prometheus.Gauge
}

// NewMetrics creates and registers all call engine metrics on the given
// registerer. Pass prometheus.DefaultRegisterer in main; tests use a
// fresh registry so repeated registration never panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: callengineSubsystem,
			Name:      "events_total",
			Help:      "Inbound provider events by family and outcome.",
		}, []string{"family", "outcome"}),
		CorrelationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: callengineSubsystem,
			Name:      "correlations_total",
			Help:      "Event correlations by matcher method.",
		}, []string{"method"}),
		SegmentsAppendedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: callengineSubsystem,
			Name:      "segments_appended_total",
			Help:      "Transcript segments stored.",
		}),
		SegmentsDedupedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: callengineSubsystem,
			Name:      "segments_deduped_total",
			Help:      "Transcript fragments discarded as redeliveries.",
		}),
		SummariesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: callengineSubsystem,
			Name:      "summaries_total",
			Help:      "Persisted call summaries by source.",
		}, []string{"source"}),
		ReaperSweepSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: callengineSubsystem,
			Name:      "reaper_sweep_seconds",
			Help:      "Duration of stale-session reaper sweeps.",
			Buckets:   prometheus.DefBuckets,
		}),
		ReapedSessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: callengineSubsystem,
			Name:      "reaped_sessions_total",
			Help:      "Stale sessions forced to Completed by the reaper.",
		}),
		ActiveCalls: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: callengineSubsystem,
			Name:      "active_calls",
			Help:      "Call sessions not yet in a terminal status.",
		}),
	}
}
