// Copyright (C) 2025 Pelagic AI (engineering@pelagicvoice.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"context"
	"sync"

	"github.com/PelagicAI/PelagicVoice/services/callengine/datatypes"
)

// sessionRecord is one session's state plus its transcript and summary.
// record.mu is the per-session critical section: every mutation of the
// session, its segments, or its summary holds it.
type sessionRecord struct {
	mu           sync.Mutex
	session      datatypes.CallSession
	segments     []datatypes.TranscriptSegment
	fingerprints map[string]struct{}
	summary      *datatypes.CallSummary
}

// MemoryStore is a concurrent in-memory Store.
//
// # Description
//
// The default backend for tests and single-node deployments. The top-level
// map is guarded by an RWMutex held only long enough to locate a record;
// all per-session work happens under the record's own mutex, so sessions
// never contend with each other.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*sessionRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*sessionRecord)}
}

func (m *MemoryStore) record(id string) *sessionRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.records[id]
}

// PutSession inserts a new session record.
func (m *MemoryStore) PutSession(_ context.Context, session *datatypes.CallSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[session.ID] = &sessionRecord{
		session:      *session.Clone(),
		fingerprints: make(map[string]struct{}),
	}
	return nil
}

// GetSession returns a snapshot of the session or ErrSessionNotFound.
func (m *MemoryStore) GetSession(_ context.Context, id string) (*datatypes.CallSession, error) {
	rec := m.record(id)
	if rec == nil {
		return nil, ErrSessionNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.session.Clone(), nil
}

// UpdateSession applies mutate under the session's critical section.
func (m *MemoryStore) UpdateSession(_ context.Context, id string, mutate func(*datatypes.CallSession) error) (*datatypes.CallSession, error) {
	rec := m.record(id)
	if rec == nil {
		return nil, ErrSessionNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if err := mutate(&rec.session); err != nil {
		return nil, err
	}
	return rec.session.Clone(), nil
}

// FindSession scans for the first matching session.
func (m *MemoryStore) FindSession(ctx context.Context, match func(*datatypes.CallSession) bool) (*datatypes.CallSession, error) {
	sessions, err := m.ListSessions(ctx, match)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, ErrSessionNotFound
	}
	return sessions[0], nil
}

// ListSessions scans for all matching sessions.
func (m *MemoryStore) ListSessions(_ context.Context, match func(*datatypes.CallSession) bool) ([]*datatypes.CallSession, error) {
	m.mu.RLock()
	records := make([]*sessionRecord, 0, len(m.records))
	for _, rec := range m.records {
		records = append(records, rec)
	}
	m.mu.RUnlock()

	var matched []*datatypes.CallSession
	for _, rec := range records {
		rec.mu.Lock()
		if match(&rec.session) {
			matched = append(matched, rec.session.Clone())
		}
		rec.mu.Unlock()
	}
	return matched, nil
}

// AddSegment inserts the segment unless its fingerprint already exists.
func (m *MemoryStore) AddSegment(_ context.Context, sessionID string, segment datatypes.TranscriptSegment) (bool, error) {
	rec := m.record(sessionID)
	if rec == nil {
		return false, ErrSessionNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	fp := segment.Fingerprint()
	if _, seen := rec.fingerprints[fp]; seen {
		return false, nil
	}
	rec.fingerprints[fp] = struct{}{}
	rec.segments = append(rec.segments, segment)
	return true, nil
}

// ListSegments returns a snapshot of the session's segments.
func (m *MemoryStore) ListSegments(_ context.Context, sessionID string) ([]datatypes.TranscriptSegment, error) {
	rec := m.record(sessionID)
	if rec == nil {
		return nil, ErrSessionNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	out := make([]datatypes.TranscriptSegment, len(rec.segments))
	copy(out, rec.segments)
	return out, nil
}

// GetSummary returns the persisted summary, or nil when absent.
func (m *MemoryStore) GetSummary(_ context.Context, sessionID string) (*datatypes.CallSummary, error) {
	rec := m.record(sessionID)
	if rec == nil {
		return nil, ErrSessionNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.summary.Clone(), nil
}

// PutSummaryIfAbsent persists the first summary; later ones lose.
func (m *MemoryStore) PutSummaryIfAbsent(_ context.Context, summary *datatypes.CallSummary) (*datatypes.CallSummary, error) {
	rec := m.record(summary.CallSessionID)
	if rec == nil {
		return nil, ErrSessionNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.summary != nil {
		return rec.summary.Clone(), ErrSummaryExists
	}
	rec.summary = summary.Clone()
	return rec.summary.Clone(), nil
}
