// Copyright (C) 2025 Pelagic AI (engineering@pelagicvoice.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PelagicAI/PelagicVoice/services/callengine/datatypes"
	"github.com/PelagicAI/PelagicVoice/services/callengine/registry"
)

func newFixture(t *testing.T) (*Ledger, string) {
	t.Helper()
	store := registry.NewMemoryStore()
	reg := registry.New(store)
	session, err := reg.Create(context.Background(), "init", "group-1", nil)
	require.NoError(t, err)
	return New(store), session.ID
}

func transcriptionPayload(speaker, text string, offset float64) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"transcriptionData":[{"text":%q,"speakerRawId":%q,"offsetInSeconds":%v}]}`,
		text, speaker, offset))
}

// =============================================================================
// Append Tests
// =============================================================================

func TestAppend_StoresFragments(t *testing.T) {
	led, sessionID := newFixture(t)
	ctx := context.Background()

	appended, err := led.Append(ctx, sessionID, transcriptionPayload("spk-1", "hello", 1.0), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, appended)

	segments, err := led.Read(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.Equal(t, "hello", segments[0].Text)
	assert.Equal(t, "spk-1", segments[0].SpeakerProviderID)
	assert.Equal(t, "provider_transcription", segments[0].Source)
	assert.NotEmpty(t, segments[0].ID)
}

func TestAppend_RedeliveryDiscarded(t *testing.T) {
	led, sessionID := newFixture(t)
	ctx := context.Background()

	payload := transcriptionPayload("spk-1", "hello", 1.0)
	appended, err := led.Append(ctx, sessionID, payload, nil)
	require.NoError(t, err)
	require.Equal(t, 1, appended)

	// Same fragment delivered again.
	appended, err = led.Append(ctx, sessionID, payload, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, appended)

	segments, err := led.Read(ctx, sessionID)
	require.NoError(t, err)
	assert.Len(t, segments, 1)
}

func TestAppend_CaseAndWhitespaceVariantsDedup(t *testing.T) {
	led, sessionID := newFixture(t)
	ctx := context.Background()

	_, err := led.Append(ctx, sessionID, transcriptionPayload("spk-1", "Hello There", 1.0), nil)
	require.NoError(t, err)
	appended, err := led.Append(ctx, sessionID, transcriptionPayload("spk-1", "  hello there ", 1.0), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, appended)
}

func TestAppend_SameTextDifferentOffsetsBothKept(t *testing.T) {
	led, sessionID := newFixture(t)
	ctx := context.Background()

	_, err := led.Append(ctx, sessionID, transcriptionPayload("spk-1", "yes", 1.0), nil)
	require.NoError(t, err)
	appended, err := led.Append(ctx, sessionID, transcriptionPayload("spk-1", "yes", 7.5), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, appended)

	segments, err := led.Read(ctx, sessionID)
	require.NoError(t, err)
	assert.Len(t, segments, 2)
}

func TestAppend_NoFragmentsIsANoop(t *testing.T) {
	led, sessionID := newFixture(t)

	appended, err := led.Append(context.Background(), sessionID, json.RawMessage(`{"unrelated":true}`), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, appended)
}

func TestAppend_UnknownSession(t *testing.T) {
	led, _ := newFixture(t)

	_, err := led.Append(context.Background(), "missing", transcriptionPayload("spk", "hi", 0), nil)
	assert.ErrorIs(t, err, registry.ErrSessionNotFound)
}

// =============================================================================
// Speaker Resolution Tests
// =============================================================================

func TestAppend_SpeakerResolvedByProviderIdentity(t *testing.T) {
	led, sessionID := newFixture(t)
	ctx := context.Background()

	roster := []datatypes.CallParticipant{
		{ExternalUserRef: "user-a", DisplayName: "Alice", ProviderIdentity: "8:acs:alice"},
	}
	_, err := led.Append(ctx, sessionID, transcriptionPayload("8:acs:alice", "hi", 0.5), roster)
	require.NoError(t, err)

	segments, err := led.Read(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.Equal(t, "user-a", segments[0].SpeakerExternalRef)
	assert.Equal(t, "Alice", segments[0].SpeakerDisplayName)
}

func TestAppend_SpeakerResolvedByDisplayNameFallback(t *testing.T) {
	led, sessionID := newFixture(t)
	ctx := context.Background()

	roster := []datatypes.CallParticipant{
		{ExternalUserRef: "user-b", DisplayName: "Bob"},
	}
	payload := json.RawMessage(`{"transcriptionData":[{"text":"hey","displayName":"bob","offsetInSeconds":2}]}`)
	_, err := led.Append(ctx, sessionID, payload, roster)
	require.NoError(t, err)

	segments, err := led.Read(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.Equal(t, "user-b", segments[0].SpeakerExternalRef)
}

func TestAppend_UnresolvedSpeakerKeepsRawIdentity(t *testing.T) {
	led, sessionID := newFixture(t)
	ctx := context.Background()

	roster := []datatypes.CallParticipant{
		{ExternalUserRef: "user-a", DisplayName: "Alice", ProviderIdentity: "8:acs:alice"},
	}
	_, err := led.Append(ctx, sessionID, transcriptionPayload("8:acs:stranger", "who is this", 3), roster)
	require.NoError(t, err)

	segments, err := led.Read(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.Empty(t, segments[0].SpeakerExternalRef)
	assert.Equal(t, "8:acs:stranger", segments[0].SpeakerProviderID)
}

// =============================================================================
// Read Ordering Tests
// =============================================================================

func TestRead_OrderedByOffsetNotArrival(t *testing.T) {
	led, sessionID := newFixture(t)
	ctx := context.Background()

	// Fragments arrive out of order.
	for _, offset := range []float64{9.0, 1.0, 5.0} {
		_, err := led.Append(ctx, sessionID, transcriptionPayload("spk", fmt.Sprintf("at %v", offset), offset), nil)
		require.NoError(t, err)
	}

	segments, err := led.Read(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, segments, 3)
	assert.Equal(t, "at 1", segments[0].Text)
	assert.Equal(t, "at 5", segments[1].Text)
	assert.Equal(t, "at 9", segments[2].Text)
}

func TestRead_MissingOffsetSortsFirst(t *testing.T) {
	led, sessionID := newFixture(t)
	ctx := context.Background()

	_, err := led.Append(ctx, sessionID, transcriptionPayload("spk", "later", 4.0), nil)
	require.NoError(t, err)
	_, err = led.Append(ctx, sessionID, json.RawMessage(`{"text":"no offset","speakerRawId":"spk"}`), nil)
	require.NoError(t, err)

	segments, err := led.Read(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, segments, 2)
	assert.Equal(t, "no offset", segments[0].Text)
}

func TestRead_TiesBrokenByCreationTime(t *testing.T) {
	led, sessionID := newFixture(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	led.WithClock(func() time.Time { return base })
	_, err := led.Append(ctx, sessionID, transcriptionPayload("spk", "first", 2.0), nil)
	require.NoError(t, err)

	led.WithClock(func() time.Time { return base.Add(time.Second) })
	_, err = led.Append(ctx, sessionID, transcriptionPayload("spk", "second", 2.0), nil)
	require.NoError(t, err)

	segments, err := led.Read(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, segments, 2)
	assert.Equal(t, "first", segments[0].Text)
	assert.Equal(t, "second", segments[1].Text)
}
