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
	"fmt"
	"math"
	"strings"
	"time"
)

// =============================================================================
// Transcript Segments
// =============================================================================

// TranscriptSegment is one stored fragment of a call transcript.
//
// Segments are created by the ledger in response to transcription events,
// never mutated and never deleted. SpeakerExternalRef is set only when the
// raw provider identity could be resolved against the session roster;
// otherwise the raw values are retained as delivered.
type TranscriptSegment struct {
	ID                 string    `json:"id"`
	CallSessionID      string    `json:"call_session_id"`
	Text               string    `json:"text"`
	SpeakerProviderID  string    `json:"speaker_provider_id,omitempty"`
	SpeakerExternalRef string    `json:"speaker_external_ref,omitempty"`
	SpeakerDisplayName string    `json:"speaker_display_name,omitempty"`
	OffsetSeconds      *float64  `json:"offset_seconds,omitempty"`
	DurationSeconds    *float64  `json:"duration_seconds,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	Source             string    `json:"source"`
	Confidence         *float64  `json:"confidence,omitempty"`
	Sentiment          string    `json:"sentiment,omitempty"`
	Language           string    `json:"language,omitempty"`
	ResultStatus       string    `json:"result_status,omitempty"`
}

// Offset returns the segment offset with a missing offset treated as zero.
// Read ordering sorts on this value.
func (t *TranscriptSegment) Offset() float64 {
	if t.OffsetSeconds == nil {
		return 0
	}
	return *t.OffsetSeconds
}

// Fingerprint derives the deduplication key for a segment.
//
// # Description
//
// At-least-once delivery means the same fragment can arrive more than once.
// Two deliveries of one fragment fingerprint identically even when the
// provider re-encodes whitespace or letter case, so the ledger can discard
// the redelivery. The key combines:
//
//   - the first available speaker key (provider identity, then external
//     reference, then display name)
//   - offset and duration rounded to millisecond precision
//   - the trimmed, lower-cased text
//
// Distinct fragments that genuinely repeat the same words at the same
// offset by the same speaker are indistinguishable from redeliveries; that
// is the intended trade-off.
func (t *TranscriptSegment) Fingerprint() string {
	speaker := t.SpeakerProviderID
	if speaker == "" {
		speaker = t.SpeakerExternalRef
	}
	if speaker == "" {
		speaker = t.SpeakerDisplayName
	}
	return fmt.Sprintf("%s|%d|%d|%s",
		speaker,
		roundMillis(t.OffsetSeconds),
		roundMillis(t.DurationSeconds),
		strings.ToLower(strings.TrimSpace(t.Text)),
	)
}

// roundMillis converts optional seconds to whole milliseconds; nil maps to 0.
func roundMillis(seconds *float64) int64 {
	if seconds == nil {
		return 0
	}
	return int64(math.Round(*seconds * 1000))
}
