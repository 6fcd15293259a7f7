// Copyright (C) 2025 Pelagic AI (engineering@pelagicvoice.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package correlate maps inbound provider events to call sessions.
//
// Provider events are inconsistently identified: some carry our session
// id, some only a connection id, some only a server-call id that may be
// base64-encoded with or without padding depending on which event type
// delivered it. The correlator runs a ranked chain of matchers and takes
// the first hit.
package correlate

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/PelagicAI/PelagicVoice/services/callengine/datatypes"
	"github.com/PelagicAI/PelagicVoice/services/callengine/registry"
)

// ErrNoMatch means no matcher in the chain resolved the event. The event
// is dropped by the caller; nothing has been mutated.
var ErrNoMatch = errors.New("event did not correlate to any call session")

// MatchMethod names the matcher that resolved an event, for logs and
// metrics.
type MatchMethod string

const (
	MatchSessionID         MatchMethod = "session_id"
	MatchOperationContext  MatchMethod = "operation_context"
	MatchGroupID           MatchMethod = "group_id"
	MatchConnectionID      MatchMethod = "connection_id"
	MatchServerCallID      MatchMethod = "server_call_id"
	MatchPendingConnection MatchMethod = "pending_connection"
)

// Correlator resolves event identifiers to a session id using the
// registry's lookup indexes.
type Correlator struct {
	registry *registry.Registry
}

// New creates a correlator over the given registry.
func New(reg *registry.Registry) *Correlator {
	return &Correlator{registry: reg}
}

// Resolve maps event identifiers to a call session id.
//
// # Description
//
// Matchers run in rank order, first match wins:
//
//  1. An explicit session id field that parses as a session key.
//  2. The operation-context field, if it parses as a session key.
//  3. Group identifier lookup.
//  4. Provider connection id lookup.
//  5. Provider server-call id: raw, then canonically padded, then
//     base64-decoded, each variant against both the server-call-id and
//     connection-id indexes.
//  6. Last resort: the single session still awaiting a connection id.
//     Known to misattribute when two calls start concurrently before
//     either receives a connection id; logged distinctly so operators
//     can detect it.
//
// # Outputs
//
//   - string: The resolved session id.
//   - MatchMethod: Which matcher fired.
//   - error: ErrNoMatch if the chain is exhausted.
func (c *Correlator) Resolve(ctx context.Context, ids datatypes.EventIdentifiers) (string, MatchMethod, error) {
	if id := c.validSessionKey(ctx, ids.SessionID); id != "" {
		return id, MatchSessionID, nil
	}
	if id := c.validSessionKey(ctx, ids.OperationContext); id != "" {
		return id, MatchOperationContext, nil
	}
	if session, err := c.registry.FindByGroupID(ctx, ids.GroupID); err == nil {
		return session.ID, MatchGroupID, nil
	}
	if session, err := c.registry.FindByConnectionID(ctx, ids.ConnectionID); err == nil {
		return session.ID, MatchConnectionID, nil
	}
	if id := c.matchServerCallID(ctx, ids.ServerCallID); id != "" {
		return id, MatchServerCallID, nil
	}

	if session, err := c.registry.FindPendingConnection(ctx); err == nil {
		slog.Warn("correlate: resolved via pending-connection heuristic; "+
			"may misattribute under concurrent call starts",
			"session_id", session.ID,
			"group_id", ids.GroupID,
			"connection_id", ids.ConnectionID,
			"server_call_id", ids.ServerCallID,
		)
		return session.ID, MatchPendingConnection, nil
	}

	return "", "", ErrNoMatch
}

// validSessionKey returns candidate if it is a well-formed session key
// naming a known session. Operation-context fields frequently carry other
// provider baggage, so both checks are required.
func (c *Correlator) validSessionKey(ctx context.Context, candidate string) string {
	if candidate == "" {
		return ""
	}
	if _, err := uuid.Parse(candidate); err != nil {
		return ""
	}
	if _, err := c.registry.Get(ctx, candidate); err != nil {
		return ""
	}
	return candidate
}

// matchServerCallID tries the server-call id and its encoding variants
// against both provider-id indexes.
func (c *Correlator) matchServerCallID(ctx context.Context, serverCallID string) string {
	for _, candidate := range encodingVariants(serverCallID) {
		if session, err := c.registry.FindByServerCallID(ctx, candidate); err == nil {
			return session.ID
		}
		if session, err := c.registry.FindByConnectionID(ctx, candidate); err == nil {
			return session.ID
		}
	}
	return ""
}

// encodingVariants expands a provider id into the spellings it may have
// been stored under: raw, canonically padded, and base64-decoded text.
// Providers emit the same id padded in one event type and stripped in
// another, and occasionally deliver the decoded form.
func encodingVariants(id string) []string {
	if id == "" {
		return nil
	}
	variants := []string{id}

	if padded := canonicalPad(id); padded != id {
		variants = append(variants, padded)
	}
	for _, decoded := range base64DecodedText(id) {
		variants = append(variants, decoded)
	}
	return variants
}

// canonicalPad restores stripped base64 padding.
func canonicalPad(id string) string {
	if rem := len(id) % 4; rem != 0 {
		return id + strings.Repeat("=", 4-rem)
	}
	return id
}

// base64DecodedText decodes id as base64 (standard then URL-safe
// alphabet, padding restored first) and returns printable decodings.
func base64DecodedText(id string) []string {
	padded := canonicalPad(id)
	var decoded []string
	for _, encoding := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding} {
		raw, err := encoding.DecodeString(padded)
		if err != nil || len(raw) == 0 {
			continue
		}
		text := strings.TrimSpace(string(raw))
		if text == "" || !isPrintable(text) {
			continue
		}
		decoded = append(decoded, text)
		break
	}
	return decoded
}

func isPrintable(s string) bool {
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return false
		}
	}
	return true
}
