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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/PelagicAI/PelagicVoice/services/callengine/datatypes"
)

// Key layout inside BadgerDB. Fingerprints are part of the segment key so
// dedup is an existence check rather than a scan.
const (
	sessionKeyPrefix = "sess/"
	segmentKeyPrefix = "seg/"
	summaryKeyPrefix = "sum/"
)

// BadgerConfig holds configuration for the durable store.
type BadgerConfig struct {
	// Path is the directory for database files. Required unless InMemory.
	Path string

	// InMemory disables disk persistence. Useful for tests.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	// Default: true for production, false for tests.
	SyncWrites bool

	// Logger receives BadgerDB's internal logging. Nil disables it.
	Logger *slog.Logger
}

// DefaultBadgerConfig returns production defaults: durable sync writes at
// the given path.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{Path: path, SyncWrites: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerStore is a durable Store backed by an embedded BadgerDB.
//
// # Description
//
// Sessions, segments, and summaries are stored as JSON values. Badger
// transactions give write atomicity; the per-session critical section
// required by the Store contract is provided by a keyed mutex held across
// each read-modify-write, so two updates to one session never interleave
// while different sessions proceed in parallel.
type BadgerStore struct {
	db *badger.DB

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// OpenBadgerStore opens (or creates) a durable store.
//
// # Inputs
//
//   - cfg: Store configuration. Path is required unless InMemory is true.
//
// # Outputs
//
//   - *BadgerStore: The opened store. Caller must Close() when done.
//   - error: Non-nil if the path is invalid or the database cannot open.
func OpenBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}
	return &BadgerStore{db: db, locks: make(map[string]*sync.Mutex)}, nil
}

// Close flushes and closes the underlying database.
func (b *BadgerStore) Close() error {
	return b.db.Close()
}

// sessionLock returns the mutex for one session id, creating it on first
// use. Lock objects are never removed; sessions are few and small.
func (b *BadgerStore) sessionLock(id string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	lock, ok := b.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		b.locks[id] = lock
	}
	return lock
}

func sessionKey(id string) []byte {
	return []byte(sessionKeyPrefix + id)
}

func segmentKey(sessionID, fingerprint string) []byte {
	return []byte(segmentKeyPrefix + sessionID + "/" + fingerprint)
}

func summaryKey(sessionID string) []byte {
	return []byte(summaryKeyPrefix + sessionID)
}

func getJSON(txn *badger.Txn, key []byte, out interface{}) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

func setJSON(txn *badger.Txn, key []byte, value interface{}) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode value for %s: %w", key, err)
	}
	return txn.Set(key, encoded)
}

// PutSession inserts a new session record.
func (b *BadgerStore) PutSession(_ context.Context, session *datatypes.CallSession) error {
	lock := b.sessionLock(session.ID)
	lock.Lock()
	defer lock.Unlock()

	return b.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, sessionKey(session.ID), session)
	})
}

// GetSession returns a snapshot of the session or ErrSessionNotFound.
func (b *BadgerStore) GetSession(_ context.Context, id string) (*datatypes.CallSession, error) {
	var session datatypes.CallSession
	err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, sessionKey(id), &session)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}
	return &session, nil
}

// UpdateSession applies mutate inside the session's critical section.
func (b *BadgerStore) UpdateSession(ctx context.Context, id string, mutate func(*datatypes.CallSession) error) (*datatypes.CallSession, error) {
	lock := b.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	session, err := b.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := mutate(session); err != nil {
		return nil, err
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, sessionKey(id), session)
	})
	if err != nil {
		return nil, fmt.Errorf("write session %s: %w", id, err)
	}
	return session.Clone(), nil
}

// FindSession scans the session prefix for the first match.
func (b *BadgerStore) FindSession(ctx context.Context, match func(*datatypes.CallSession) bool) (*datatypes.CallSession, error) {
	sessions, err := b.ListSessions(ctx, match)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, ErrSessionNotFound
	}
	return sessions[0], nil
}

// ListSessions scans the session prefix for all matches.
func (b *BadgerStore) ListSessions(_ context.Context, match func(*datatypes.CallSession) bool) ([]*datatypes.CallSession, error) {
	var matched []*datatypes.CallSession
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(sessionKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var session datatypes.CallSession
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &session)
			})
			if err != nil {
				return fmt.Errorf("decode session %s: %w", it.Item().Key(), err)
			}
			if match(&session) {
				matched = append(matched, session.Clone())
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return matched, nil
}

// AddSegment stores the segment keyed by fingerprint; an existing key
// means a redelivery and the insert is skipped.
func (b *BadgerStore) AddSegment(ctx context.Context, sessionID string, segment datatypes.TranscriptSegment) (bool, error) {
	lock := b.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := b.GetSession(ctx, sessionID); err != nil {
		return false, err
	}

	key := segmentKey(sessionID, segment.Fingerprint())
	stored := false
	err := b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return nil // duplicate
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		stored = true
		return setJSON(txn, key, segment)
	})
	if err != nil {
		return false, fmt.Errorf("append segment for session %s: %w", sessionID, err)
	}
	return stored, nil
}

// ListSegments returns all stored segments for the session.
func (b *BadgerStore) ListSegments(ctx context.Context, sessionID string) ([]datatypes.TranscriptSegment, error) {
	if _, err := b.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	var segments []datatypes.TranscriptSegment
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(segmentKeyPrefix + sessionID + "/")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var segment datatypes.TranscriptSegment
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &segment)
			})
			if err != nil {
				return fmt.Errorf("decode segment %s: %w", it.Item().Key(), err)
			}
			segments = append(segments, segment)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return segments, nil
}

// GetSummary returns the persisted summary, or nil when absent.
func (b *BadgerStore) GetSummary(ctx context.Context, sessionID string) (*datatypes.CallSummary, error) {
	if _, err := b.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	var summary datatypes.CallSummary
	err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, summaryKey(sessionID), &summary)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read summary for session %s: %w", sessionID, err)
	}
	return &summary, nil
}

// PutSummaryIfAbsent persists the first summary; later ones lose.
func (b *BadgerStore) PutSummaryIfAbsent(ctx context.Context, summary *datatypes.CallSummary) (*datatypes.CallSummary, error) {
	lock := b.sessionLock(summary.CallSessionID)
	lock.Lock()
	defer lock.Unlock()

	existing, err := b.GetSummary(ctx, summary.CallSessionID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, ErrSummaryExists
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, summaryKey(summary.CallSessionID), summary)
	})
	if err != nil {
		return nil, fmt.Errorf("write summary for session %s: %w", summary.CallSessionID, err)
	}
	return summary.Clone(), nil
}
