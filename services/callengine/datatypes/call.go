// Copyright (C) 2025 Pelagic AI (engineering@pelagicvoice.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the core domain model for the call engine:
// call sessions, participants, transcript segments, summaries, and the
// inbound provider event shapes.
//
// The call-status state machine lives here as a pure transition function
// so it can be tested independently of any storage mechanism. Stores and
// registries apply transitions; they never invent them.
package datatypes

import (
	"time"
)

// =============================================================================
// Call Status State Machine
// =============================================================================

// CallStatus is the lifecycle state of a call session.
//
// Valid transitions:
//
//	Active ──► Connecting ──► Connected ──► Completed
//	   │            │             │────────► Failed
//	   │            └───────────────────────► Completed | Failed
//	   └────────────────────────────────────► Completed | Failed
//
// Completed and Failed are terminal: once reached, no event changes the
// status again. Transitions never regress (a late "connecting" event after
// "connected" is a no-op).
type CallStatus string

const (
	// StatusActive is the initial status at session creation.
	StatusActive CallStatus = "active"

	// StatusConnecting means the provider reported the call is being set up.
	StatusConnecting CallStatus = "connecting"

	// StatusConnected means media is flowing on the provider side.
	StatusConnected CallStatus = "connected"

	// StatusCompleted is the normal terminal status.
	StatusCompleted CallStatus = "completed"

	// StatusFailed is the error terminal status.
	StatusFailed CallStatus = "failed"
)

// IsTerminal reports whether the status permits no further transitions.
func (s CallStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// rank orders statuses by lifecycle progress so transitions never regress.
func (s CallStatus) rank() int {
	switch s {
	case StatusActive:
		return 0
	case StatusConnecting:
		return 1
	case StatusConnected:
		return 2
	case StatusCompleted, StatusFailed:
		return 3
	default:
		return -1
	}
}

// NextStatus applies a lifecycle event to the current status.
//
// # Description
//
// Pure transition function: (status, event) -> (status, changed). It never
// allows a regression to a less-advanced status and never leaves a terminal
// status. The caller is responsible for persisting the result and for any
// side effects (starting transcription, triggering a summary).
//
// # Inputs
//
//   - current: The session's current status.
//   - target: The status the event asks for.
//
// # Outputs
//
//   - CallStatus: The status after the event (may equal current).
//   - bool: True if the status actually changed.
func NextStatus(current, target CallStatus) (CallStatus, bool) {
	if current.IsTerminal() {
		return current, false
	}
	if target.IsTerminal() {
		return target, true
	}
	if target.rank() <= current.rank() {
		return current, false
	}
	return target, true
}

// =============================================================================
// Call Session
// =============================================================================

// CallParticipant is one member of a call's roster.
//
// Uniqueness within a session is by ExternalUserRef. Membership is
// append-only for the lifetime of the session.
type CallParticipant struct {
	ID               string `json:"id"`
	ExternalUserRef  string `json:"external_user_ref"`
	DisplayName      string `json:"display_name"`
	ProviderIdentity string `json:"provider_identity,omitempty"`
}

// CallSession is the internal record of one real-time call from creation
// to a terminal status.
//
// ConnectionID and ServerCallID are empty until the provider reports them.
// They are set-once-per-value: a later event may rewrite them with a new
// non-empty value but can never clear them. TranscriptionStartedAt is
// set-once and never rewritten.
type CallSession struct {
	ID                     string            `json:"id"`
	GroupID                string            `json:"group_id"`
	ConnectionID           string            `json:"connection_id,omitempty"`
	ServerCallID           string            `json:"server_call_id,omitempty"`
	Status                 CallStatus        `json:"status"`
	StartedAt              time.Time         `json:"started_at"`
	EndedAt                *time.Time        `json:"ended_at,omitempty"`
	TranscriptionStartedAt *time.Time        `json:"transcription_started_at,omitempty"`
	InitiatorRef           string            `json:"initiator_ref"`
	Participants           []CallParticipant `json:"participants"`
}

// Participant returns the roster entry with the given external user
// reference, or nil if absent.
func (s *CallSession) Participant(externalUserRef string) *CallParticipant {
	for i := range s.Participants {
		if s.Participants[i].ExternalUserRef == externalUserRef {
			return &s.Participants[i]
		}
	}
	return nil
}

// Clone returns a deep copy so stores can hand out snapshots without
// exposing their internal record to callers.
func (s *CallSession) Clone() *CallSession {
	if s == nil {
		return nil
	}
	out := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		out.EndedAt = &t
	}
	if s.TranscriptionStartedAt != nil {
		t := *s.TranscriptionStartedAt
		out.TranscriptionStartedAt = &t
	}
	out.Participants = make([]CallParticipant, len(s.Participants))
	copy(out.Participants, s.Participants)
	return &out
}
