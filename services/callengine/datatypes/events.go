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
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// Inbound Event Envelope
// =============================================================================

// EventEnvelope is one inbound provider webhook event.
//
// The ingestion endpoint accepts either a JSON array of envelopes or a
// single envelope object. Data is kept raw: its shape depends on the event
// family and is parsed by the component that consumes it (the correlator
// reads identifiers, the ledger reads transcription payloads).
type EventEnvelope struct {
	EventType string          `json:"eventType"`
	EventTime *time.Time      `json:"eventTime,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// ParseEventBatch decodes an ingestion request body.
//
// # Description
//
// Accepts a JSON array of event envelopes or a single envelope object.
// A body that parses as neither, or that yields zero events, is rejected:
// a broken batch is never partially processed.
//
// # Outputs
//
//   - []EventEnvelope: The decoded events, at least one.
//   - error: Non-nil for unparsable bodies or empty batches.
func ParseEventBatch(body []byte) ([]EventEnvelope, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil, fmt.Errorf("empty request body")
	}

	var batch []EventEnvelope
	if err := json.Unmarshal(body, &batch); err == nil {
		if len(batch) == 0 {
			return nil, fmt.Errorf("event batch is empty")
		}
		return batch, nil
	}

	var single EventEnvelope
	if err := json.Unmarshal(body, &single); err != nil {
		return nil, fmt.Errorf("body is neither an event array nor an event object: %w", err)
	}
	if single.EventType == "" {
		return nil, fmt.Errorf("event has no eventType")
	}
	return []EventEnvelope{single}, nil
}

// =============================================================================
// Event Families
// =============================================================================

// EventFamily classifies provider event types into the shapes the engine
// understands. Exact provider schemas differ across vendors; family
// matching is deliberately suffix-based and case-insensitive.
type EventFamily string

const (
	FamilyConnecting             EventFamily = "connecting"
	FamilyConnected              EventFamily = "connected"
	FamilyEnded                  EventFamily = "ended"
	FamilyFailed                 EventFamily = "failed"
	FamilyParticipantsUpdated    EventFamily = "participants_updated"
	FamilyTranscription          EventFamily = "transcription"
	FamilySubscriptionValidation EventFamily = "subscription_validation"
	FamilyUnknown                EventFamily = "unknown"
)

// familySuffixes maps normalized event-type suffixes to families. Order
// matters two ways: a type name that embeds another family's suffix must
// come first ("calldisconnected" ends with "connected", "transcriptionfailed"
// ends with "failed"), and within a family the specific spellings come
// before the bare suffix.
var familySuffixes = []struct {
	suffix string
	family EventFamily
}{
	{"subscriptionvalidationevent", FamilySubscriptionValidation},
	{"subscriptionvalidation", FamilySubscriptionValidation},
	{"transcriptionstarted", FamilyTranscription},
	{"transcriptionstopped", FamilyTranscription},
	{"transcriptionfailed", FamilyTranscription},
	{"transcriptionupdated", FamilyTranscription},
	{"transcriptionreceived", FamilyTranscription},
	{"transcriptiondata", FamilyTranscription},
	{"transcription", FamilyTranscription},
	{"participantsupdated", FamilyParticipantsUpdated},
	{"participantadded", FamilyParticipantsUpdated},
	{"calldisconnected", FamilyEnded},
	{"disconnected", FamilyEnded},
	{"callended", FamilyEnded},
	{"ended", FamilyEnded},
	{"callfailed", FamilyFailed},
	{"failed", FamilyFailed},
	{"callstarting", FamilyConnecting},
	{"callconnecting", FamilyConnecting},
	{"connecting", FamilyConnecting},
	{"callconnected", FamilyConnected},
	{"connected", FamilyConnected},
}

// Family classifies the envelope's event type.
func (e *EventEnvelope) Family() EventFamily {
	normalized := strings.ToLower(e.EventType)
	normalized = strings.NewReplacer(".", "", "_", "", "-", "").Replace(normalized)
	for _, entry := range familySuffixes {
		if strings.HasSuffix(normalized, entry.suffix) {
			return entry.family
		}
	}
	return FamilyUnknown
}

// =============================================================================
// Event Identifiers
// =============================================================================

// EventIdentifiers are the correlation fields an event's data object may
// carry. Providers are inconsistent about which of these are present, and
// about field naming, so every plausible alias is probed.
type EventIdentifiers struct {
	SessionID        string
	OperationContext string
	GroupID          string
	ConnectionID     string
	ServerCallID     string
}

// rawIdentifiers covers the field-name variants seen across provider event
// types. Aliases for the same identifier are coalesced first-non-empty.
type rawIdentifiers struct {
	CallID           string `json:"callId"`
	SessionID        string `json:"sessionId"`
	OperationContext string `json:"operationContext"`
	GroupID          string `json:"groupId"`
	GroupCallID      string `json:"groupCallId"`
	CallConnectionID string `json:"callConnectionId"`
	ConnectionID     string `json:"connectionId"`
	ServerCallID     string `json:"serverCallId"`
}

// Identifiers extracts correlation identifiers from the event data.
//
// Extraction is best-effort: an unparsable or absent data object yields
// zero-value identifiers, which simply means no matcher will fire.
func (e *EventEnvelope) Identifiers() EventIdentifiers {
	var raw rawIdentifiers
	if len(e.Data) > 0 {
		// Malformed data is tolerated; the event is then unresolvable.
		_ = json.Unmarshal(e.Data, &raw)
	}
	return EventIdentifiers{
		SessionID:        firstNonEmpty(raw.CallID, raw.SessionID),
		OperationContext: raw.OperationContext,
		GroupID:          firstNonEmpty(raw.GroupID, raw.GroupCallID),
		ConnectionID:     firstNonEmpty(raw.CallConnectionID, raw.ConnectionID),
		ServerCallID:     raw.ServerCallID,
	}
}

// ValidationCode extracts the subscription-validation handshake code from
// the event data, or "" if absent.
func (e *EventEnvelope) ValidationCode() string {
	var payload struct {
		ValidationCode string `json:"validationCode"`
	}
	if len(e.Data) > 0 {
		_ = json.Unmarshal(e.Data, &payload)
	}
	return payload.ValidationCode
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// =============================================================================
// Transcription Payload Variants
// =============================================================================

// TranscriptionFragment is one candidate transcript fragment as delivered
// by the provider, before speaker resolution and deduplication.
type TranscriptionFragment struct {
	Text            string   `json:"text"`
	SpeakerID       string   `json:"speakerId"`
	SpeakerRawID    string   `json:"speakerRawId"`
	DisplayName     string   `json:"displayName"`
	OffsetSeconds   *float64 `json:"offsetInSeconds"`
	DurationSeconds *float64 `json:"durationInSeconds"`
	Confidence      *float64 `json:"confidence"`
	Sentiment       string   `json:"sentiment"`
	Language        string   `json:"language"`
	ResultStatus    string   `json:"resultStatus"`
}

// SpeakerKey returns the fragment's raw provider speaker identity,
// preferring the stable raw id over the friendly one.
func (f *TranscriptionFragment) SpeakerKey() string {
	return firstNonEmpty(f.SpeakerRawID, f.SpeakerID)
}

// transcriptionBatch is the multi-fragment payload variant.
type transcriptionBatch struct {
	TranscriptionData []TranscriptionFragment `json:"transcriptionData"`
	Segments          []TranscriptionFragment `json:"segments"`
}

// ExtractFragments normalizes a transcription event payload into zero or
// more candidate fragments.
//
// # Description
//
// Providers deliver transcription data in three shapes, tried in order:
//
//  1. A batch: {"transcriptionData": [...]} or {"segments": [...]}.
//  2. A single fragment object with its fields at the top level.
//  3. A bare top-level {"text": "..."} with nothing else usable.
//
// Candidates whose text is empty or whitespace-only are discarded here so
// downstream code never sees them.
func ExtractFragments(data json.RawMessage) []TranscriptionFragment {
	if len(data) == 0 {
		return nil
	}

	var batch transcriptionBatch
	if err := json.Unmarshal(data, &batch); err == nil {
		fragments := batch.TranscriptionData
		if len(fragments) == 0 {
			fragments = batch.Segments
		}
		if len(fragments) > 0 {
			return keepNonEmpty(fragments)
		}
	}

	var single TranscriptionFragment
	if err := json.Unmarshal(data, &single); err != nil {
		return nil
	}
	return keepNonEmpty([]TranscriptionFragment{single})
}

// eventParticipant is the roster entry shape inside participants-updated
// event payloads.
type eventParticipant struct {
	RawID       string `json:"rawId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Identifier  struct {
		RawID string `json:"rawId"`
	} `json:"identifier"`
}

// ExtractParticipants reads the roster carried by a participants-updated
// event. Entries with no usable identity are dropped.
func ExtractParticipants(data json.RawMessage) []CallParticipant {
	var payload struct {
		Participants []eventParticipant `json:"participants"`
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil
	}

	participants := make([]CallParticipant, 0, len(payload.Participants))
	for _, p := range payload.Participants {
		providerID := firstNonEmpty(p.RawID, p.Identifier.RawID)
		externalRef := firstNonEmpty(p.UserID, providerID)
		if externalRef == "" && p.DisplayName == "" {
			continue
		}
		participants = append(participants, CallParticipant{
			ExternalUserRef:  externalRef,
			DisplayName:      p.DisplayName,
			ProviderIdentity: providerID,
		})
	}
	return participants
}

func keepNonEmpty(fragments []TranscriptionFragment) []TranscriptionFragment {
	kept := fragments[:0:0]
	for _, f := range fragments {
		if strings.TrimSpace(f.Text) != "" {
			kept = append(kept, f)
		}
	}
	return kept
}
