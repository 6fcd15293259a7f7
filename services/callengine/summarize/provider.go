// Copyright (C) 2025 Pelagic AI (engineering@pelagicvoice.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package summarize produces end-of-call summaries exactly once per call
// session, coalescing concurrent requests.
package summarize

import (
	"context"

	"github.com/PelagicAI/PelagicVoice/services/callengine/datatypes"
)

// Content is the raw output of one summarization attempt.
type Content struct {
	Text        string   `json:"summary"`
	KeyPoints   []string `json:"key_points"`
	ActionItems []string `json:"action_items"`
}

// Provider is the external summarization capability. Implementations make
// exactly one attempt per call: the orchestrator never retries a failed
// provider call, it falls back instead.
type Provider interface {
	// Summarize produces summary content for the given transcript and
	// roster. Implementations must honor ctx cancellation.
	Summarize(ctx context.Context, segments []datatypes.TranscriptSegment, roster []datatypes.CallParticipant) (Content, error)
}
