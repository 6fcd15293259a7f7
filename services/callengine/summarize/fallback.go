// Copyright (C) 2025 Pelagic AI (engineering@pelagicvoice.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package summarize

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/PelagicAI/PelagicVoice/services/callengine/datatypes"
)

// fallbackExcerptSegments is how many leading transcript segments the
// fallback digest quotes.
const fallbackExcerptSegments = 3

// FallbackContent synthesizes a deterministic summary from the roster and
// the first few transcript segments.
//
// # Description
//
// Used whenever the external summarization provider fails, returns
// unusable output, or is not configured at all. It never fails: a call
// with zero transcript segments still yields a "no transcript yet"
// digest. Identical inputs produce identical output, which keeps the
// exactly-once summary property meaningful even on the degraded path.
func FallbackContent(segments []datatypes.TranscriptSegment, roster []datatypes.CallParticipant) Content {
	names := rosterNames(roster)

	var b strings.Builder
	if len(names) > 0 {
		fmt.Fprintf(&b, "Call with %s.", strings.Join(names, ", "))
	} else {
		b.WriteString("Call with no recorded participants.")
	}

	if len(segments) == 0 {
		b.WriteString(" No transcript is available for this call yet.")
		return Content{
			Text:        b.String(),
			KeyPoints:   []string{"No transcript captured"},
			ActionItems: []string{},
		}
	}

	fmt.Fprintf(&b, " %d transcript segment(s) were captured.", len(segments))

	keyPoints := make([]string, 0, fallbackExcerptSegments)
	for i, s := range segments {
		if i == fallbackExcerptSegments {
			break
		}
		speaker := s.SpeakerDisplayName
		if speaker == "" {
			speaker = s.SpeakerProviderID
		}
		if speaker == "" {
			speaker = "unknown"
		}
		keyPoints = append(keyPoints, fmt.Sprintf("%s: %s", speaker, excerpt(s.Text, 120)))
	}

	return Content{
		Text:        b.String(),
		KeyPoints:   keyPoints,
		ActionItems: []string{},
	}
}

func rosterNames(roster []datatypes.CallParticipant) []string {
	names := make([]string, 0, len(roster))
	for _, p := range roster {
		if p.DisplayName != "" {
			names = append(names, p.DisplayName)
		} else if p.ExternalUserRef != "" {
			names = append(names, p.ExternalUserRef)
		}
	}
	return names
}

// excerpt truncates to at most max bytes without splitting a rune.
func excerpt(text string, max int) string {
	text = strings.TrimSpace(text)
	if len(text) <= max {
		return text
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "..."
}
