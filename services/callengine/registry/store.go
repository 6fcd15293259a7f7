// Copyright (C) 2025 Pelagic AI (engineering@pelagicvoice.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry holds call session state and drives the call-status
// state machine.
//
// Storage is abstracted behind the Store interface so the core logic is
// testable without any backend: a concurrent in-memory store is the
// default, and a BadgerDB-backed store provides durable persistence.
// All per-session mutations go through Store.UpdateSession, which gives
// each session id its own critical section.
package registry

import (
	"context"
	"errors"

	"github.com/PelagicAI/PelagicVoice/services/callengine/datatypes"
)

// ErrSessionNotFound is returned for lookups and updates against an
// unknown session id.
var ErrSessionNotFound = errors.New("call session not found")

// ErrSummaryExists is returned by PutSummaryIfAbsent when a summary is
// already persisted for the session. The existing summary is returned
// alongside it.
var ErrSummaryExists = errors.New("summary already persisted for session")

// Store is the persistence contract for call sessions, transcript
// segments, and summaries.
//
// # Description
//
// Implementations must guarantee:
//
//   - UpdateSession runs the mutation function inside a per-session
//     critical section: two updates to the same id never interleave,
//     updates to different ids never block each other.
//   - AddSegment atomically inserts a segment only if its fingerprint is
//     not yet present for the session (at-least-once delivery dedup).
//   - PutSummaryIfAbsent persists the first summary and rejects all later
//     ones with ErrSummaryExists.
//   - All reads return snapshots; callers may mutate results freely.
//
// # Thread Safety
//
// All methods must be safe for concurrent use.
type Store interface {
	// PutSession inserts a new session record.
	PutSession(ctx context.Context, session *datatypes.CallSession) error

	// GetSession returns a snapshot of the session or ErrSessionNotFound.
	GetSession(ctx context.Context, id string) (*datatypes.CallSession, error)

	// UpdateSession atomically applies mutate to the session and persists
	// the result. The mutation sees the current record and may modify it
	// in place; returning an error aborts the update. Returns a snapshot
	// of the updated session, or ErrSessionNotFound.
	UpdateSession(ctx context.Context, id string, mutate func(*datatypes.CallSession) error) (*datatypes.CallSession, error)

	// FindSession returns a snapshot of the first session for which match
	// returns true, or ErrSessionNotFound. Scan order is unspecified.
	FindSession(ctx context.Context, match func(*datatypes.CallSession) bool) (*datatypes.CallSession, error)

	// ListSessions returns snapshots of every session for which match
	// returns true.
	ListSessions(ctx context.Context, match func(*datatypes.CallSession) bool) ([]*datatypes.CallSession, error)

	// AddSegment inserts the segment if its fingerprint is new for the
	// session. Returns true if stored, false if deduplicated. Returns
	// ErrSessionNotFound for unknown sessions.
	AddSegment(ctx context.Context, sessionID string, segment datatypes.TranscriptSegment) (bool, error)

	// ListSegments returns snapshots of all stored segments for the
	// session in unspecified order, or ErrSessionNotFound.
	ListSegments(ctx context.Context, sessionID string) ([]datatypes.TranscriptSegment, error)

	// GetSummary returns the persisted summary or (nil, nil) when none
	// exists yet. Unknown sessions yield ErrSessionNotFound.
	GetSummary(ctx context.Context, sessionID string) (*datatypes.CallSummary, error)

	// PutSummaryIfAbsent persists the summary unless one already exists.
	// On ErrSummaryExists the previously persisted summary is returned.
	PutSummaryIfAbsent(ctx context.Context, summary *datatypes.CallSummary) (*datatypes.CallSummary, error)
}
