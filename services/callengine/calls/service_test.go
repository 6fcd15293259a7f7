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
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PelagicAI/PelagicVoice/services/callengine/correlate"
	"github.com/PelagicAI/PelagicVoice/services/callengine/datatypes"
	"github.com/PelagicAI/PelagicVoice/services/callengine/ledger"
	"github.com/PelagicAI/PelagicVoice/services/callengine/observability"
	"github.com/PelagicAI/PelagicVoice/services/callengine/registry"
	"github.com/PelagicAI/PelagicVoice/services/callengine/summarize"
)

// recordingTransport counts provider-side operations.
type recordingTransport struct {
	mu           sync.Mutex
	connects     int
	adds         int
	startedCalls int
	stoppedCalls int
}

func (r *recordingTransport) ConnectCall(_ context.Context, _ *datatypes.CallSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connects++
	return nil
}

func (r *recordingTransport) AddParticipant(_ context.Context, _ *datatypes.CallSession, _ datatypes.CallParticipant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adds++
	return nil
}

func (r *recordingTransport) StartTranscription(_ context.Context, _ *datatypes.CallSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startedCalls++
	return nil
}

func (r *recordingTransport) StopTranscription(_ context.Context, _ *datatypes.CallSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stoppedCalls++
	return nil
}

func (r *recordingTransport) counts() (connects, adds, starts, stops int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connects, r.adds, r.startedCalls, r.stoppedCalls
}

func newTestService(t *testing.T) (*Service, *recordingTransport) {
	t.Helper()
	store := registry.NewMemoryStore()
	reg := registry.New(store)
	led := ledger.New(store)
	correlator := correlate.New(reg)
	summaries := summarize.NewOrchestrator(reg, led, nil)
	transport := &recordingTransport{}
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	svc := NewService(reg, correlator, led, summaries, transport, NewNoopIdentityProvider(), metrics)
	return svc, transport
}

func event(eventType, dataJSON string) datatypes.EventEnvelope {
	return datatypes.EventEnvelope{
		EventType: eventType,
		Data:      json.RawMessage(dataJSON),
	}
}

// =============================================================================
// Session Lifecycle Tests
// =============================================================================

func TestCreateSession_FillsIdentitiesAndConnects(t *testing.T) {
	svc, transport := newTestService(t)
	ctx := context.Background()

	session, err := svc.CreateSession(ctx, "init", "group-1", []datatypes.CallParticipant{
		{ExternalUserRef: "user-a"},
		{ExternalUserRef: "user-b", ProviderIdentity: "preset"},
	})
	require.NoError(t, err)
	svc.Close()

	require.Len(t, session.Participants, 2)
	assert.Equal(t, "local:user-a", session.Participants[0].ProviderIdentity)
	assert.Equal(t, "preset", session.Participants[1].ProviderIdentity)

	connects, _, _, _ := transport.counts()
	assert.Equal(t, 1, connects)
}

func TestAddParticipants_InvitesOnlyNewMembers(t *testing.T) {
	svc, transport := newTestService(t)
	ctx := context.Background()

	session, err := svc.CreateSession(ctx, "init", "group-1", []datatypes.CallParticipant{
		{ExternalUserRef: "user-a"},
	})
	require.NoError(t, err)

	_, skipped, err := svc.AddParticipants(ctx, session.ID, []datatypes.CallParticipant{
		{ExternalUserRef: "user-a"},
		{ExternalUserRef: "user-b"},
	})
	require.NoError(t, err)
	svc.Close()

	require.Len(t, skipped, 1)
	assert.Equal(t, "user-a", skipped[0].ExternalUserRef)

	_, adds, _, _ := transport.counts()
	assert.Equal(t, 1, adds, "only the genuinely new member gets a provider invite")
}

// =============================================================================
// In-Order Event Flow
// =============================================================================

func TestProcessEvent_OrderedLifecycle(t *testing.T) {
	svc, transport := newTestService(t)
	ctx := context.Background()

	session, err := svc.CreateSession(ctx, "init", "group-1", nil)
	require.NoError(t, err)

	outcome, err := svc.ProcessEvent(ctx, event("Call.Connecting",
		`{"groupId":"group-1","callConnectionId":"conn-1"}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)

	outcome, err = svc.ProcessEvent(ctx, event("Call.Connected",
		`{"callConnectionId":"conn-1","serverCallId":"srv-1"}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)

	outcome, err = svc.ProcessEvent(ctx, event("Call.TranscriptionUpdated",
		`{"callConnectionId":"conn-1","transcriptionData":[{"text":"hello","speakerRawId":"spk","offsetInSeconds":1}]}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)

	outcome, err = svc.ProcessEvent(ctx, event("Call.Disconnected",
		`{"callConnectionId":"conn-1"}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)
	svc.Close()

	got, err := svc.Registry().Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusCompleted, got.Status)
	assert.NotNil(t, got.EndedAt)
	assert.NotNil(t, got.TranscriptionStartedAt)
	assert.Equal(t, "conn-1", got.ConnectionID)
	assert.Equal(t, "srv-1", got.ServerCallID)

	segments, err := svc.Ledger().Read(ctx, session.ID)
	require.NoError(t, err)
	assert.Len(t, segments, 1)

	summary, err := svc.Summaries().GetExisting(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, summary, "terminal transition must have triggered summary generation")
	assert.Equal(t, datatypes.SummarySourceFallback, summary.Source)

	_, _, starts, stops := transport.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)
}

// =============================================================================
// Out-of-Order and Redelivery
// =============================================================================

func TestProcessEvent_TranscriptionBeforeConnected(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	session, err := svc.CreateSession(ctx, "init", "group-1", nil)
	require.NoError(t, err)

	// Transcription arrives first, identified only by operation context.
	outcome, err := svc.ProcessEvent(ctx, event("Call.TranscriptionUpdated",
		fmt.Sprintf(`{"operationContext":%q,"transcriptionData":[{"text":"early words","speakerRawId":"spk","offsetInSeconds":0.5}]}`, session.ID)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)

	_, err = svc.ProcessEvent(ctx, event("Call.Connected",
		fmt.Sprintf(`{"operationContext":%q,"callConnectionId":"conn-1"}`, session.ID)))
	require.NoError(t, err)
	svc.Close()

	got, err := svc.Registry().Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusConnected, got.Status)

	segments, err := svc.Ledger().Read(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.Equal(t, "early words", segments[0].Text)
}

func TestProcessEvent_RedeliveredTerminalRunsSideEffectsOnce(t *testing.T) {
	svc, transport := newTestService(t)
	ctx := context.Background()

	session, err := svc.CreateSession(ctx, "init", "group-1", nil)
	require.NoError(t, err)
	_, err = svc.Registry().SetConnection(ctx, session.ID, "conn-1", "")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		outcome, err := svc.ProcessEvent(ctx, event("Call.Disconnected", `{"callConnectionId":"conn-1"}`))
		require.NoError(t, err)
		assert.Equal(t, OutcomeProcessed, outcome)
	}
	svc.Close()

	_, _, _, stops := transport.counts()
	assert.Equal(t, 1, stops, "redelivered terminal events must not repeat side effects")
}

func TestProcessEvent_LateConnectedAfterEndDoesNotStartTranscription(t *testing.T) {
	svc, transport := newTestService(t)
	ctx := context.Background()

	session, err := svc.CreateSession(ctx, "init", "group-1", nil)
	require.NoError(t, err)
	_, err = svc.Registry().SetConnection(ctx, session.ID, "conn-1", "")
	require.NoError(t, err)

	outcome, err := svc.ProcessEvent(ctx, event("Call.Disconnected", `{"callConnectionId":"conn-1"}`))
	require.NoError(t, err)
	require.Equal(t, OutcomeProcessed, outcome)

	// The connected event was retried by the provider after the call
	// already ended.
	outcome, err = svc.ProcessEvent(ctx, event("Call.Connected", `{"callConnectionId":"conn-1"}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)
	svc.Close()

	got, err := svc.Registry().Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusCompleted, got.Status)
	assert.Nil(t, got.TranscriptionStartedAt, "an ended call must not acquire a transcription marker")

	_, _, starts, stops := transport.counts()
	assert.Equal(t, 0, starts, "transcription must not start for a dead call")
	assert.Equal(t, 1, stops)
}

func TestProcessEvent_RedeliveredTranscriptionDoesNotDuplicate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	session, err := svc.CreateSession(ctx, "init", "group-1", nil)
	require.NoError(t, err)

	payload := fmt.Sprintf(`{"operationContext":%q,"transcriptionData":[{"text":"once","speakerRawId":"spk","offsetInSeconds":2}]}`, session.ID)
	for i := 0; i < 3; i++ {
		_, err := svc.ProcessEvent(ctx, event("Call.TranscriptionUpdated", payload))
		require.NoError(t, err)
	}
	svc.Close()

	segments, err := svc.Ledger().Read(ctx, session.ID)
	require.NoError(t, err)
	assert.Len(t, segments, 1)
}

// =============================================================================
// Drops and Ignores
// =============================================================================

func TestProcessEvent_UnresolvableEventDropped(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	// One connected session exists; the event matches nothing and the
	// pending-connection heuristic has no candidate.
	session, err := svc.CreateSession(ctx, "init", "group-1", nil)
	require.NoError(t, err)
	_, err = svc.Registry().SetConnection(ctx, session.ID, "conn-1", "")
	require.NoError(t, err)
	_, _, err = svc.Registry().UpdateStatus(ctx, session.ID, datatypes.StatusConnected)
	require.NoError(t, err)

	outcome, err := svc.ProcessEvent(ctx, event("Call.Ended", `{"callConnectionId":"stranger"}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDropped, outcome)
	svc.Close()

	// Nothing was mutated.
	got, err := svc.Registry().Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusConnected, got.Status)
}

func TestProcessEvent_UnknownFamilyIgnored(t *testing.T) {
	svc, _ := newTestService(t)
	defer svc.Close()

	outcome, err := svc.ProcessEvent(context.Background(), event("Recording.FileStatusUpdated", `{}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
}

// =============================================================================
// Participants-Updated Recovery
// =============================================================================

func TestProcessEvent_ParticipantsUpdatedMergesRosterAndRetriesTranscription(t *testing.T) {
	svc, transport := newTestService(t)
	ctx := context.Background()

	session, err := svc.CreateSession(ctx, "init", "group-1", []datatypes.CallParticipant{
		{ExternalUserRef: "user-a"},
	})
	require.NoError(t, err)

	_, err = svc.ProcessEvent(ctx, event("Call.Connected",
		fmt.Sprintf(`{"operationContext":%q,"callConnectionId":"conn-1"}`, session.ID)))
	require.NoError(t, err)

	_, err = svc.ProcessEvent(ctx, event("Call.ParticipantsUpdated",
		`{"callConnectionId":"conn-1","participants":[{"rawId":"8:acs:b","userId":"user-b","displayName":"Bob"}]}`))
	require.NoError(t, err)
	svc.Close()

	got, err := svc.Registry().Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Len(t, got.Participants, 2)
	assert.NotNil(t, got.TranscriptionStartedAt)

	// Transcription was started by the connected event; the roster
	// update sees the marker and does not start it again.
	_, _, starts, _ := transport.counts()
	assert.Equal(t, 1, starts)
}

// =============================================================================
// Reaper Entry Point
// =============================================================================

func TestReapSession_CompletesAndTriggersSideEffects(t *testing.T) {
	svc, transport := newTestService(t)
	ctx := context.Background()

	session, err := svc.CreateSession(ctx, "init", "group-1", nil)
	require.NoError(t, err)

	require.NoError(t, svc.ReapSession(ctx, session.ID))
	svc.Close()

	got, err := svc.Registry().Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusCompleted, got.Status)

	summary, err := svc.Summaries().GetExisting(ctx, session.ID)
	require.NoError(t, err)
	assert.NotNil(t, summary)

	_, _, _, stops := transport.counts()
	assert.Equal(t, 1, stops)
}
