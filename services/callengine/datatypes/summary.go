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

import "time"

// Summary source tags. "provider" means the external summarization model
// produced the content; "fallback" means the deterministic local digest.
const (
	SummarySourceProvider = "provider"
	SummarySourceFallback = "fallback"
)

// CallSummary is the end-of-call digest for one session.
//
// At most one summary is ever persisted per session: the first successful
// generation wins and is immutable thereafter.
type CallSummary struct {
	ID            string    `json:"id"`
	CallSessionID string    `json:"call_session_id"`
	Text          string    `json:"text"`
	KeyPoints     []string  `json:"key_points"`
	ActionItems   []string  `json:"action_items"`
	GeneratedAt   time.Time `json:"generated_at"`
	Source        string    `json:"source"`
}

// Clone returns a deep copy for store snapshot reads.
func (s *CallSummary) Clone() *CallSummary {
	if s == nil {
		return nil
	}
	out := *s
	out.KeyPoints = append([]string(nil), s.KeyPoints...)
	out.ActionItems = append([]string(nil), s.ActionItems...)
	return &out
}
