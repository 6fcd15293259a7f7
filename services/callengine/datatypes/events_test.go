// Copyright (C) 2025 Pelagic AI (engineering@pelagicvoice.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"testing"
)

// =============================================================================
// Batch Parsing Tests
// =============================================================================

func TestParseEventBatch(t *testing.T) {
	t.Run("array of events", func(t *testing.T) {
		body := []byte(`[{"eventType":"Call.Connected","data":{}},{"eventType":"Call.Ended","data":{}}]`)
		events, err := ParseEventBatch(body)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(events) != 2 {
			t.Fatalf("got %d events, want 2", len(events))
		}
		if events[0].EventType != "Call.Connected" {
			t.Errorf("first event type = %q", events[0].EventType)
		}
	})

	t.Run("single event object", func(t *testing.T) {
		body := []byte(`{"eventType":"Call.Connected","data":{"callId":"abc"}}`)
		events, err := ParseEventBatch(body)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(events) != 1 {
			t.Fatalf("got %d events, want 1", len(events))
		}
	})

	t.Run("empty body rejected", func(t *testing.T) {
		if _, err := ParseEventBatch([]byte("  ")); err == nil {
			t.Error("expected an error for an empty body")
		}
	})

	t.Run("empty array rejected", func(t *testing.T) {
		if _, err := ParseEventBatch([]byte("[]")); err == nil {
			t.Error("expected an error for an empty batch")
		}
	})

	t.Run("garbage rejected", func(t *testing.T) {
		if _, err := ParseEventBatch([]byte("not json at all")); err == nil {
			t.Error("expected an error for an unparsable body")
		}
	})

	t.Run("object without eventType rejected", func(t *testing.T) {
		if _, err := ParseEventBatch([]byte(`{"data":{}}`)); err == nil {
			t.Error("expected an error for a typeless event")
		}
	})
}

// =============================================================================
// Family Classification Tests
// =============================================================================

func TestFamily(t *testing.T) {
	cases := []struct {
		eventType string
		want      EventFamily
	}{
		{"Microsoft.Communication.CallConnected", FamilyConnected},
		{"Microsoft.Communication.CallDisconnected", FamilyEnded},
		{"Microsoft.Communication.CallStarting", FamilyConnecting},
		{"Microsoft.Communication.ParticipantsUpdated", FamilyParticipantsUpdated},
		{"Microsoft.Communication.TranscriptionUpdated", FamilyTranscription},
		{"Microsoft.EventGrid.SubscriptionValidationEvent", FamilySubscriptionValidation},
		{"call_connected", FamilyConnected},
		{"CALL-ENDED", FamilyEnded},
		{"call.failed", FamilyFailed},
		{"transcription-data", FamilyTranscription},
		{"Recording.FileStatusUpdated", FamilyUnknown},
		{"", FamilyUnknown},

		// Suffix collisions: types whose name embeds another family's
		// suffix must classify by their own, longer suffix.
		{"Call.Disconnected", FamilyEnded},
		{"CallDisconnected", FamilyEnded},
		{"disconnected", FamilyEnded},
		{"Call.Connected", FamilyConnected},
		{"connected", FamilyConnected},
		{"Call.TranscriptionFailed", FamilyTranscription},
		{"TranscriptionStopped", FamilyTranscription},
		{"TranscriptionStarted", FamilyTranscription},
	}
	for _, tc := range cases {
		t.Run(tc.eventType, func(t *testing.T) {
			e := EventEnvelope{EventType: tc.eventType}
			if got := e.Family(); got != tc.want {
				t.Errorf("Family(%q) = %s, want %s", tc.eventType, got, tc.want)
			}
		})
	}
}

// =============================================================================
// Identifier Extraction Tests
// =============================================================================

func TestIdentifiers_AliasCoalescing(t *testing.T) {
	t.Run("callId preferred over sessionId", func(t *testing.T) {
		e := EventEnvelope{Data: json.RawMessage(`{"callId":"a","sessionId":"b"}`)}
		if ids := e.Identifiers(); ids.SessionID != "a" {
			t.Errorf("SessionID = %q, want %q", ids.SessionID, "a")
		}
	})

	t.Run("groupCallId fills groupId", func(t *testing.T) {
		e := EventEnvelope{Data: json.RawMessage(`{"groupCallId":"g-99"}`)}
		if ids := e.Identifiers(); ids.GroupID != "g-99" {
			t.Errorf("GroupID = %q, want %q", ids.GroupID, "g-99")
		}
	})

	t.Run("callConnectionId preferred over connectionId", func(t *testing.T) {
		e := EventEnvelope{Data: json.RawMessage(`{"callConnectionId":"c1","connectionId":"c2"}`)}
		if ids := e.Identifiers(); ids.ConnectionID != "c1" {
			t.Errorf("ConnectionID = %q, want %q", ids.ConnectionID, "c1")
		}
	})

	t.Run("malformed data yields zero identifiers", func(t *testing.T) {
		e := EventEnvelope{Data: json.RawMessage(`"just a string"`)}
		if ids := e.Identifiers(); ids != (EventIdentifiers{}) {
			t.Errorf("expected zero identifiers, got %+v", ids)
		}
	})
}

func TestValidationCode(t *testing.T) {
	e := EventEnvelope{Data: json.RawMessage(`{"validationCode":"ABC-123"}`)}
	if e.ValidationCode() != "ABC-123" {
		t.Errorf("ValidationCode = %q", e.ValidationCode())
	}

	empty := EventEnvelope{}
	if empty.ValidationCode() != "" {
		t.Error("absent data must yield an empty code")
	}
}

// =============================================================================
// Transcription Payload Tests
// =============================================================================

func TestExtractFragments(t *testing.T) {
	t.Run("transcriptionData batch", func(t *testing.T) {
		data := json.RawMessage(`{"transcriptionData":[{"text":"one"},{"text":"two"}]}`)
		fragments := ExtractFragments(data)
		if len(fragments) != 2 {
			t.Fatalf("got %d fragments, want 2", len(fragments))
		}
	})

	t.Run("segments batch alias", func(t *testing.T) {
		data := json.RawMessage(`{"segments":[{"text":"one"}]}`)
		if got := len(ExtractFragments(data)); got != 1 {
			t.Fatalf("got %d fragments, want 1", got)
		}
	})

	t.Run("single fragment object", func(t *testing.T) {
		data := json.RawMessage(`{"text":"hello","speakerRawId":"8:acs:x","offsetInSeconds":4.2}`)
		fragments := ExtractFragments(data)
		if len(fragments) != 1 {
			t.Fatalf("got %d fragments, want 1", len(fragments))
		}
		f := fragments[0]
		if f.SpeakerKey() != "8:acs:x" {
			t.Errorf("SpeakerKey = %q", f.SpeakerKey())
		}
		if f.OffsetSeconds == nil || *f.OffsetSeconds != 4.2 {
			t.Errorf("OffsetSeconds = %v", f.OffsetSeconds)
		}
	})

	t.Run("whitespace-only text discarded", func(t *testing.T) {
		data := json.RawMessage(`{"transcriptionData":[{"text":"   "},{"text":"kept"}]}`)
		fragments := ExtractFragments(data)
		if len(fragments) != 1 || fragments[0].Text != "kept" {
			t.Fatalf("got %+v, want only the non-blank fragment", fragments)
		}
	})

	t.Run("no usable payload", func(t *testing.T) {
		if got := ExtractFragments(json.RawMessage(`{"unrelated":true}`)); len(got) != 0 {
			t.Errorf("got %d fragments, want 0", len(got))
		}
		if got := ExtractFragments(nil); got != nil {
			t.Errorf("got %v for nil data", got)
		}
	})
}

func TestSpeakerKey_PrefersRawID(t *testing.T) {
	f := TranscriptionFragment{SpeakerID: "friendly", SpeakerRawID: "8:acs:raw"}
	if f.SpeakerKey() != "8:acs:raw" {
		t.Errorf("SpeakerKey = %q", f.SpeakerKey())
	}

	f = TranscriptionFragment{SpeakerID: "friendly"}
	if f.SpeakerKey() != "friendly" {
		t.Errorf("SpeakerKey = %q", f.SpeakerKey())
	}
}

// =============================================================================
// Participants Payload Tests
// =============================================================================

func TestExtractParticipants(t *testing.T) {
	t.Run("mixed identity shapes", func(t *testing.T) {
		data := json.RawMessage(`{"participants":[
			{"rawId":"8:acs:a","userId":"user-a","displayName":"Alice"},
			{"identifier":{"rawId":"8:acs:b"},"displayName":"Bob"},
			{}
		]}`)
		participants := ExtractParticipants(data)
		if len(participants) != 2 {
			t.Fatalf("got %d participants, want 2", len(participants))
		}
		if participants[0].ExternalUserRef != "user-a" || participants[0].ProviderIdentity != "8:acs:a" {
			t.Errorf("first participant = %+v", participants[0])
		}
		// No userId: the provider identity doubles as the external ref.
		if participants[1].ExternalUserRef != "8:acs:b" {
			t.Errorf("second participant = %+v", participants[1])
		}
	})

	t.Run("no roster", func(t *testing.T) {
		if got := ExtractParticipants(json.RawMessage(`{}`)); len(got) != 0 {
			t.Errorf("got %d participants, want 0", len(got))
		}
	})
}
