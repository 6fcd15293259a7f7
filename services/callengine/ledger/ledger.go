// Copyright (C) 2025 Pelagic AI (engineering@pelagicvoice.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ledger accumulates streaming transcript fragments per call
// session with deduplication and a stable, offset-ordered read view.
package ledger

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/PelagicAI/PelagicVoice/services/callengine/datatypes"
	"github.com/PelagicAI/PelagicVoice/services/callengine/registry"
)

// Ledger appends and reads transcript segments through the shared store.
type Ledger struct {
	store registry.Store
	now   func() time.Time
}

// New creates a ledger over the given store.
func New(store registry.Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// WithClock overrides the ledger clock. Test hook.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Append extracts transcript fragments from a transcription event payload
// and stores the ones not seen before.
//
// # Description
//
// The payload may carry a batch of fragments, a single fragment object,
// or only a top-level text field; all three shapes normalize to zero or
// more candidates. Each candidate gets its speaker resolved against the
// session roster, then is inserted only if its dedup fingerprint is new
// for the session — redeliveries of the same fragment are silently
// discarded.
//
// # Inputs
//
//   - ctx: Context for cancellation.
//   - sessionID: The correlated call session.
//   - data: The raw transcription event payload.
//   - roster: The session's known participants, for speaker resolution.
//
// # Outputs
//
//   - int: Number of segments actually appended (0 for all-duplicates).
//   - error: registry.ErrSessionNotFound or a store failure.
func (l *Ledger) Append(ctx context.Context, sessionID string, data json.RawMessage, roster []datatypes.CallParticipant) (int, error) {
	fragments := datatypes.ExtractFragments(data)
	if len(fragments) == 0 {
		return 0, nil
	}

	appended := 0
	for _, fragment := range fragments {
		segment := l.toSegment(sessionID, fragment, roster)
		stored, err := l.store.AddSegment(ctx, sessionID, segment)
		if err != nil {
			return appended, err
		}
		if stored {
			appended++
		} else {
			slog.Debug("ledger: duplicate fragment discarded",
				"session_id", sessionID,
				"offset_seconds", segment.Offset(),
			)
		}
	}
	return appended, nil
}

// Read returns the session's segments sorted by offset ascending, with a
// missing offset treated as zero and ties broken by creation time. Every
// call builds a fresh slice; insertion order never leaks through.
func (l *Ledger) Read(ctx context.Context, sessionID string) ([]datatypes.TranscriptSegment, error) {
	segments, err := l.store.ListSegments(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(segments, func(i, j int) bool {
		if segments[i].Offset() != segments[j].Offset() {
			return segments[i].Offset() < segments[j].Offset()
		}
		if !segments[i].CreatedAt.Equal(segments[j].CreatedAt) {
			return segments[i].CreatedAt.Before(segments[j].CreatedAt)
		}
		return segments[i].ID < segments[j].ID
	})
	return segments, nil
}

// toSegment builds a stored segment from a raw fragment, resolving the
// speaker against the roster when possible.
func (l *Ledger) toSegment(sessionID string, fragment datatypes.TranscriptionFragment, roster []datatypes.CallParticipant) datatypes.TranscriptSegment {
	segment := datatypes.TranscriptSegment{
		ID:                 uuid.New().String(),
		CallSessionID:      sessionID,
		Text:               strings.TrimSpace(fragment.Text),
		SpeakerProviderID:  fragment.SpeakerKey(),
		SpeakerDisplayName: fragment.DisplayName,
		OffsetSeconds:      fragment.OffsetSeconds,
		DurationSeconds:    fragment.DurationSeconds,
		CreatedAt:          l.now().UTC(),
		Source:             "provider_transcription",
		Confidence:         fragment.Confidence,
		Sentiment:          fragment.Sentiment,
		Language:           fragment.Language,
		ResultStatus:       fragment.ResultStatus,
	}

	if participant := resolveSpeaker(fragment, roster); participant != nil {
		segment.SpeakerExternalRef = participant.ExternalUserRef
		if participant.DisplayName != "" {
			segment.SpeakerDisplayName = participant.DisplayName
		}
	}
	return segment
}

// resolveSpeaker matches the fragment's raw identity against the roster:
// provider identity first, then display name. No match leaves the raw
// values in place with the external reference unset.
func resolveSpeaker(fragment datatypes.TranscriptionFragment, roster []datatypes.CallParticipant) *datatypes.CallParticipant {
	speakerKey := fragment.SpeakerKey()
	if speakerKey != "" {
		for i := range roster {
			if roster[i].ProviderIdentity != "" && roster[i].ProviderIdentity == speakerKey {
				return &roster[i]
			}
		}
	}
	if fragment.DisplayName != "" {
		for i := range roster {
			if roster[i].DisplayName != "" && strings.EqualFold(roster[i].DisplayName, fragment.DisplayName) {
				return &roster[i]
			}
		}
	}
	return nil
}
