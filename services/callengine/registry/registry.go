// Copyright (C) 2025 Pelagic AI (engineering@pelagicvoice.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/PelagicAI/PelagicVoice/services/callengine/datatypes"
)

// SkipReasonAlreadyInCall is reported for participant adds that were
// deduplicated by external user reference.
const SkipReasonAlreadyInCall = "already in call"

// SkippedParticipant reports one participant add that was a no-op.
type SkippedParticipant struct {
	ExternalUserRef string `json:"external_user_ref"`
	Reason          string `json:"reason"`
}

// Registry holds call session state and applies the call-status state
// machine on top of a Store.
//
// # Thread Safety
//
// All methods are safe for concurrent use; per-session atomicity is
// delegated to Store.UpdateSession.
type Registry struct {
	store Store
	now   func() time.Time
}

// New creates a registry over the given store.
func New(store Store) *Registry {
	return &Registry{store: store, now: time.Now}
}

// WithClock overrides the registry clock. Test hook.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Store exposes the underlying store for components that share it
// (ledger, summary orchestrator).
func (r *Registry) Store() Store {
	return r.store
}

// Create starts a new call session with status Active.
//
// Participants are deduplicated by external user reference; the initiator
// is not implicitly added to the roster.
func (r *Registry) Create(ctx context.Context, initiatorRef, groupID string, participants []datatypes.CallParticipant) (*datatypes.CallSession, error) {
	session := &datatypes.CallSession{
		ID:           uuid.New().String(),
		GroupID:      groupID,
		Status:       datatypes.StatusActive,
		StartedAt:    r.now().UTC(),
		InitiatorRef: initiatorRef,
		Participants: make([]datatypes.CallParticipant, 0, len(participants)),
	}
	for _, p := range participants {
		if session.Participant(p.ExternalUserRef) != nil {
			continue
		}
		p.ID = uuid.New().String()
		session.Participants = append(session.Participants, p)
	}

	if err := r.store.PutSession(ctx, session); err != nil {
		return nil, err
	}
	slog.Info("registry: call session created",
		"session_id", session.ID,
		"group_id", groupID,
		"participants", len(session.Participants),
	)
	return session, nil
}

// Get returns the session or ErrSessionNotFound.
func (r *Registry) Get(ctx context.Context, id string) (*datatypes.CallSession, error) {
	return r.store.GetSession(ctx, id)
}

// FindByGroupID looks a session up by its group identifier.
func (r *Registry) FindByGroupID(ctx context.Context, groupID string) (*datatypes.CallSession, error) {
	if groupID == "" {
		return nil, ErrSessionNotFound
	}
	return r.store.FindSession(ctx, func(s *datatypes.CallSession) bool {
		return s.GroupID == groupID
	})
}

// FindByConnectionID looks a session up by provider connection id.
func (r *Registry) FindByConnectionID(ctx context.Context, connectionID string) (*datatypes.CallSession, error) {
	if connectionID == "" {
		return nil, ErrSessionNotFound
	}
	return r.store.FindSession(ctx, func(s *datatypes.CallSession) bool {
		return s.ConnectionID == connectionID
	})
}

// FindByServerCallID looks a session up by provider server-call id.
func (r *Registry) FindByServerCallID(ctx context.Context, serverCallID string) (*datatypes.CallSession, error) {
	if serverCallID == "" {
		return nil, ErrSessionNotFound
	}
	return r.store.FindSession(ctx, func(s *datatypes.CallSession) bool {
		return s.ServerCallID == serverCallID
	})
}

// FindPendingConnection returns a session that has not yet received a
// connection id and is still in a pre-connected status.
//
// Last-resort correlation only: with two such sessions in flight the
// result is arbitrary and may be the wrong one. Callers log this match
// distinctly so operators can see it happening.
func (r *Registry) FindPendingConnection(ctx context.Context) (*datatypes.CallSession, error) {
	return r.store.FindSession(ctx, func(s *datatypes.CallSession) bool {
		if s.ConnectionID != "" {
			return false
		}
		return s.Status == datatypes.StatusActive || s.Status == datatypes.StatusConnecting
	})
}

// FindStale returns all sessions in Active or Connecting status that
// started before the cutoff. Used by the reaper.
func (r *Registry) FindStale(ctx context.Context, cutoff time.Time) ([]*datatypes.CallSession, error) {
	return r.store.ListSessions(ctx, func(s *datatypes.CallSession) bool {
		if s.Status != datatypes.StatusActive && s.Status != datatypes.StatusConnecting {
			return false
		}
		return s.StartedAt.Before(cutoff)
	})
}

// AddParticipants appends new roster members, skipping any already
// present by external user reference. Duplicates are a normal outcome,
// reported with a reason, never an error.
func (r *Registry) AddParticipants(ctx context.Context, id string, participants []datatypes.CallParticipant) (*datatypes.CallSession, []SkippedParticipant, error) {
	var skipped []SkippedParticipant
	session, err := r.store.UpdateSession(ctx, id, func(s *datatypes.CallSession) error {
		for _, p := range participants {
			if s.Participant(p.ExternalUserRef) != nil {
				skipped = append(skipped, SkippedParticipant{
					ExternalUserRef: p.ExternalUserRef,
					Reason:          SkipReasonAlreadyInCall,
				})
				continue
			}
			p.ID = uuid.New().String()
			s.Participants = append(s.Participants, p)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if len(skipped) > 0 {
		slog.Debug("registry: participant adds skipped",
			"session_id", id, "skipped", len(skipped))
	}
	return session, skipped, nil
}

// SetConnection records provider connection identifiers.
//
// Each id is set-once-per-value: an empty inbound value never clears an
// existing one, a new non-empty value overwrites.
func (r *Registry) SetConnection(ctx context.Context, id, connectionID, serverCallID string) (*datatypes.CallSession, error) {
	return r.store.UpdateSession(ctx, id, func(s *datatypes.CallSession) error {
		if connectionID != "" {
			s.ConnectionID = connectionID
		}
		if serverCallID != "" {
			s.ServerCallID = serverCallID
		}
		return nil
	})
}

// UpdateStatus applies the state machine for the target status.
//
// # Description
//
// Runs datatypes.NextStatus under the session's critical section. A
// terminal target stamps EndedAt with the registry clock. Returns the
// session after the update and whether the status actually changed — a
// redelivered or out-of-order event simply reports changed=false.
func (r *Registry) UpdateStatus(ctx context.Context, id string, target datatypes.CallStatus) (*datatypes.CallSession, bool, error) {
	changed := false
	session, err := r.store.UpdateSession(ctx, id, func(s *datatypes.CallSession) error {
		next, didChange := datatypes.NextStatus(s.Status, target)
		if !didChange {
			return nil
		}
		s.Status = next
		if next.IsTerminal() && s.EndedAt == nil {
			endedAt := r.now().UTC()
			s.EndedAt = &endedAt
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if changed {
		slog.Info("registry: call status changed",
			"session_id", id, "status", session.Status)
	}
	return session, changed, nil
}

// MarkTranscriptionStarted stamps the transcription start time if unset.
// Idempotent: the second and later calls report marked=false.
func (r *Registry) MarkTranscriptionStarted(ctx context.Context, id string) (*datatypes.CallSession, bool, error) {
	marked := false
	session, err := r.store.UpdateSession(ctx, id, func(s *datatypes.CallSession) error {
		if s.TranscriptionStartedAt != nil {
			return nil
		}
		startedAt := r.now().UTC()
		s.TranscriptionStartedAt = &startedAt
		marked = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return session, marked, nil
}
