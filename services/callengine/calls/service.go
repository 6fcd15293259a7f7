// Copyright (C) 2025 Pelagic AI (engineering@pelagicvoice.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package calls

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/PelagicAI/PelagicVoice/services/callengine/correlate"
	"github.com/PelagicAI/PelagicVoice/services/callengine/datatypes"
	"github.com/PelagicAI/PelagicVoice/services/callengine/ledger"
	"github.com/PelagicAI/PelagicVoice/services/callengine/observability"
	"github.com/PelagicAI/PelagicVoice/services/callengine/registry"
	"github.com/PelagicAI/PelagicVoice/services/callengine/summarize"
)

// sideEffectTimeout bounds detached provider calls (transcription
// start/stop, summary generation) so an unresponsive provider cannot
// leak goroutines forever.
const sideEffectTimeout = 30 * time.Second

// EventOutcome is the disposition of one processed event.
type EventOutcome string

const (
	// OutcomeProcessed means the event correlated and was applied.
	OutcomeProcessed EventOutcome = "processed"

	// OutcomeDropped means no correlation matcher succeeded; the event
	// was logged and discarded without mutating any session.
	OutcomeDropped EventOutcome = "dropped"

	// OutcomeIgnored means the event family is not one the engine acts
	// on.
	OutcomeIgnored EventOutcome = "ignored"
)

// Service applies provider events to call sessions.
//
// # Description
//
// The correlation and state-transition steps run synchronously so the
// webhook can be acknowledged only after per-call state is consistent.
// Side effects the acknowledgment does not depend on — transcription
// start/stop on the provider, summary generation — are dispatched as
// detached goroutines whose failures are logged, never propagated to the
// event source: failing the webhook for them would only trigger
// redelivery storms for conditions an immediate retry cannot fix.
//
// # Thread Safety
//
// Safe for concurrent use. Per-session consistency is delegated to the
// registry's store.
type Service struct {
	registry   *registry.Registry
	correlator *correlate.Correlator
	ledger     *ledger.Ledger
	summaries  *summarize.Orchestrator
	transport  CallTransport
	identity   IdentityProvider
	metrics    *observability.Metrics

	// sideEffects tracks detached goroutines so Close can drain them.
	sideEffects sync.WaitGroup

	closeOnce sync.Once
	closed    chan struct{}
}

// NewService wires the event-processing engine.
func NewService(
	reg *registry.Registry,
	correlator *correlate.Correlator,
	led *ledger.Ledger,
	summaries *summarize.Orchestrator,
	transport CallTransport,
	identity IdentityProvider,
	metrics *observability.Metrics,
) *Service {
	return &Service{
		registry:   reg,
		correlator: correlator,
		ledger:     led,
		summaries:  summaries,
		transport:  transport,
		identity:   identity,
		metrics:    metrics,
		closed:     make(chan struct{}),
	}
}

// Registry exposes the underlying registry for read handlers.
func (s *Service) Registry() *registry.Registry {
	return s.registry
}

// Ledger exposes the transcript ledger for read handlers.
func (s *Service) Ledger() *ledger.Ledger {
	return s.ledger
}

// Summaries exposes the summary orchestrator for read handlers.
func (s *Service) Summaries() *summarize.Orchestrator {
	return s.summaries
}

// Close stops accepting detached side effects and waits for outstanding
// ones to finish.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
	s.sideEffects.Wait()
}

// CreateSession starts a new call session and asks the transport to
// establish the call.
//
// Participant provider identities are filled in via the identity
// provider where the caller left them empty; identity failures degrade
// to the raw external reference rather than failing session creation.
func (s *Service) CreateSession(ctx context.Context, initiatorRef, groupID string, participants []datatypes.CallParticipant) (*datatypes.CallSession, error) {
	for i := range participants {
		if participants[i].ProviderIdentity != "" {
			continue
		}
		identity, err := s.identity.EnsureIdentity(ctx, participants[i].ExternalUserRef)
		if err != nil {
			slog.Warn("calls: identity provisioning failed, keeping external reference",
				"external_user_ref", participants[i].ExternalUserRef, "error", err)
			continue
		}
		participants[i].ProviderIdentity = identity
	}

	session, err := s.registry.Create(ctx, initiatorRef, groupID, participants)
	if err != nil {
		return nil, err
	}
	s.metrics.ActiveCalls.Inc()

	s.dispatch("connect_call", session.ID, func(ctx context.Context) error {
		return s.transport.ConnectCall(ctx, session)
	})
	return session, nil
}

// AddParticipants appends roster members and invites the new ones on the
// provider side. Duplicates are skipped with a reason, never an error.
func (s *Service) AddParticipants(ctx context.Context, sessionID string, participants []datatypes.CallParticipant) (*datatypes.CallSession, []registry.SkippedParticipant, error) {
	session, skipped, err := s.registry.AddParticipants(ctx, sessionID, participants)
	if err != nil {
		return nil, nil, err
	}

	skippedRefs := make(map[string]bool, len(skipped))
	for _, sk := range skipped {
		skippedRefs[sk.ExternalUserRef] = true
	}
	for _, p := range participants {
		if skippedRefs[p.ExternalUserRef] {
			continue
		}
		participant := p
		s.dispatch("add_participant", session.ID, func(ctx context.Context) error {
			return s.transport.AddParticipant(ctx, session, participant)
		})
	}
	return session, skipped, nil
}

// ProcessEvent correlates one provider event and applies it.
//
// # Description
//
// Correlation and the state transition are synchronous; by the time this
// returns OutcomeProcessed the session's stored state reflects the
// event. An event that resolves to no session is dropped with all its
// raw identifiers logged — it never fails the ingestion call and never
// mutates any session.
func (s *Service) ProcessEvent(ctx context.Context, event datatypes.EventEnvelope) (EventOutcome, error) {
	family := event.Family()
	if family == datatypes.FamilyUnknown || family == datatypes.FamilySubscriptionValidation {
		s.metrics.EventsTotal.WithLabelValues(string(family), observability.OutcomeIgnored).Inc()
		slog.Debug("calls: ignoring event family", "event_type", event.EventType)
		return OutcomeIgnored, nil
	}

	ids := event.Identifiers()
	sessionID, method, err := s.correlator.Resolve(ctx, ids)
	if err != nil {
		s.metrics.EventsTotal.WithLabelValues(string(family), observability.OutcomeDropped).Inc()
		slog.Warn("calls: event did not correlate, dropping",
			"event_type", event.EventType,
			"session_id_field", ids.SessionID,
			"operation_context", ids.OperationContext,
			"group_id", ids.GroupID,
			"connection_id", ids.ConnectionID,
			"server_call_id", ids.ServerCallID,
		)
		return OutcomeDropped, nil
	}
	s.metrics.CorrelationsTotal.WithLabelValues(string(method)).Inc()

	if err := s.apply(ctx, sessionID, family, event, ids); err != nil {
		s.metrics.EventsTotal.WithLabelValues(string(family), observability.OutcomeError).Inc()
		return OutcomeDropped, err
	}
	s.metrics.EventsTotal.WithLabelValues(string(family), observability.OutcomeProcessed).Inc()
	return OutcomeProcessed, nil
}

// apply routes one correlated event by family.
func (s *Service) apply(ctx context.Context, sessionID string, family datatypes.EventFamily, event datatypes.EventEnvelope, ids datatypes.EventIdentifiers) error {
	switch family {
	case datatypes.FamilyConnecting:
		if _, err := s.registry.SetConnection(ctx, sessionID, ids.ConnectionID, ids.ServerCallID); err != nil {
			return err
		}
		_, _, err := s.registry.UpdateStatus(ctx, sessionID, datatypes.StatusConnecting)
		return err

	case datatypes.FamilyConnected:
		if _, err := s.registry.SetConnection(ctx, sessionID, ids.ConnectionID, ids.ServerCallID); err != nil {
			return err
		}
		session, _, err := s.registry.UpdateStatus(ctx, sessionID, datatypes.StatusConnected)
		if err != nil {
			return err
		}
		// A late connected event after the call ended leaves the status
		// terminal; transcription must not start for a dead call.
		if session.Status == datatypes.StatusConnected {
			s.startTranscriptionOnce(sessionID)
		}
		return nil

	case datatypes.FamilyParticipantsUpdated:
		if participants := datatypes.ExtractParticipants(event.Data); len(participants) > 0 {
			if _, _, err := s.registry.AddParticipants(ctx, sessionID, participants); err != nil {
				return err
			}
		}
		// Recovery path: if the call connected but transcription never
		// started, a roster update is a safe moment to try again.
		session, err := s.registry.Get(ctx, sessionID)
		if err != nil {
			return err
		}
		if session.Status == datatypes.StatusConnected && session.TranscriptionStartedAt == nil {
			s.startTranscriptionOnce(sessionID)
		}
		return nil

	case datatypes.FamilyTranscription:
		session, err := s.registry.Get(ctx, sessionID)
		if err != nil {
			return err
		}
		appended, err := s.ledger.Append(ctx, sessionID, event.Data, session.Participants)
		if err != nil {
			return err
		}
		fragments := len(datatypes.ExtractFragments(event.Data))
		s.metrics.SegmentsAppendedTotal.Add(float64(appended))
		s.metrics.SegmentsDedupedTotal.Add(float64(fragments - appended))
		return nil

	case datatypes.FamilyEnded:
		return s.finish(ctx, sessionID, datatypes.StatusCompleted)

	case datatypes.FamilyFailed:
		return s.finish(ctx, sessionID, datatypes.StatusFailed)
	}
	return nil
}

// finish moves a session to a terminal status and kicks off the
// end-of-call side effects once.
func (s *Service) finish(ctx context.Context, sessionID string, terminal datatypes.CallStatus) error {
	session, changed, err := s.registry.UpdateStatus(ctx, sessionID, terminal)
	if err != nil {
		return err
	}
	if !changed {
		// Redelivered or late terminal event; side effects already ran.
		return nil
	}
	s.metrics.ActiveCalls.Dec()

	s.dispatch("stop_transcription", sessionID, func(ctx context.Context) error {
		return s.transport.StopTranscription(ctx, session)
	})
	s.TriggerSummary(sessionID)
	return nil
}

// ReapSession force-completes a session that stopped receiving
// provider events. A session that reached a terminal status between the
// staleness query and this call is left untouched.
func (s *Service) ReapSession(ctx context.Context, sessionID string) error {
	return s.finish(ctx, sessionID, datatypes.StatusCompleted)
}

// TriggerSummary requests summary generation without blocking the
// caller. Failures are logged; a later EnsureSummary call can retry.
func (s *Service) TriggerSummary(sessionID string) {
	s.dispatch("ensure_summary", sessionID, func(ctx context.Context) error {
		_, err := s.summaries.EnsureSummary(ctx, sessionID)
		if err == nil {
			return nil
		}
		if errors.Is(err, registry.ErrSessionNotFound) {
			return nil
		}
		return err
	})
}

// startTranscriptionOnce starts provider transcription guarded by the
// session's set-once timestamp.
func (s *Service) startTranscriptionOnce(sessionID string) {
	s.dispatch("start_transcription", sessionID, func(ctx context.Context) error {
		session, marked, err := s.registry.MarkTranscriptionStarted(ctx, sessionID)
		if err != nil {
			return err
		}
		if !marked {
			return nil
		}
		return s.transport.StartTranscription(ctx, session)
	})
}

// dispatch runs a side effect detached from the request path. The
// operation gets its own timeout-bounded context; errors are logged and
// never reach the event source.
func (s *Service) dispatch(operation, sessionID string, fn func(ctx context.Context) error) {
	select {
	case <-s.closed:
		slog.Debug("calls: engine closed, skipping side effect",
			"operation", operation, "session_id", sessionID)
		return
	default:
	}

	s.sideEffects.Add(1)
	go func() {
		defer s.sideEffects.Done()
		ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			slog.Error("calls: side effect failed",
				"operation", operation,
				"session_id", sessionID,
				"error", err,
			)
		}
	}()
}
