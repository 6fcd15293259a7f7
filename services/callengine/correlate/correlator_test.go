// Copyright (C) 2025 Pelagic AI (engineering@pelagicvoice.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package correlate

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PelagicAI/PelagicVoice/services/callengine/datatypes"
	"github.com/PelagicAI/PelagicVoice/services/callengine/registry"
)

func newFixture(t *testing.T) (*Correlator, *registry.Registry) {
	t.Helper()
	reg := registry.New(registry.NewMemoryStore())
	return New(reg), reg
}

func TestResolve_BySessionID(t *testing.T) {
	correlator, reg := newFixture(t)
	ctx := context.Background()

	session, err := reg.Create(ctx, "init", "group-1", nil)
	require.NoError(t, err)

	id, method, err := correlator.Resolve(ctx, datatypes.EventIdentifiers{SessionID: session.ID})
	require.NoError(t, err)
	assert.Equal(t, session.ID, id)
	assert.Equal(t, MatchSessionID, method)
}

func TestResolve_ByOperationContext(t *testing.T) {
	correlator, reg := newFixture(t)
	ctx := context.Background()

	session, err := reg.Create(ctx, "init", "group-1", nil)
	require.NoError(t, err)

	id, method, err := correlator.Resolve(ctx, datatypes.EventIdentifiers{OperationContext: session.ID})
	require.NoError(t, err)
	assert.Equal(t, session.ID, id)
	assert.Equal(t, MatchOperationContext, method)
}

func TestResolve_OperationContextWithProviderBaggageIgnored(t *testing.T) {
	correlator, reg := newFixture(t)
	ctx := context.Background()

	session, err := reg.Create(ctx, "init", "group-1", nil)
	require.NoError(t, err)

	// Not a session key; the chain falls through to the group matcher.
	id, method, err := correlator.Resolve(ctx, datatypes.EventIdentifiers{
		OperationContext: "provider-opaque-context",
		GroupID:          "group-1",
	})
	require.NoError(t, err)
	assert.Equal(t, session.ID, id)
	assert.Equal(t, MatchGroupID, method)
}

func TestResolve_ByConnectionID(t *testing.T) {
	correlator, reg := newFixture(t)
	ctx := context.Background()

	session, err := reg.Create(ctx, "init", "group-1", nil)
	require.NoError(t, err)
	_, err = reg.SetConnection(ctx, session.ID, "conn-1", "")
	require.NoError(t, err)

	id, method, err := correlator.Resolve(ctx, datatypes.EventIdentifiers{ConnectionID: "conn-1"})
	require.NoError(t, err)
	assert.Equal(t, session.ID, id)
	assert.Equal(t, MatchConnectionID, method)
}

func TestResolve_ServerCallIDEncodingVariants(t *testing.T) {
	correlator, reg := newFixture(t)
	ctx := context.Background()

	stored := "aHR0cHM6Ly9jYWxsLzEyMw==" // what the store holds, padded
	session, err := reg.Create(ctx, "init", "group-1", nil)
	require.NoError(t, err)
	_, err = reg.SetConnection(ctx, session.ID, "", stored)
	require.NoError(t, err)

	t.Run("raw match", func(t *testing.T) {
		id, method, err := correlator.Resolve(ctx, datatypes.EventIdentifiers{ServerCallID: stored})
		require.NoError(t, err)
		assert.Equal(t, session.ID, id)
		assert.Equal(t, MatchServerCallID, method)
	})

	t.Run("stripped padding restored", func(t *testing.T) {
		stripped := strings.TrimRight(stored, "=")
		id, _, err := correlator.Resolve(ctx, datatypes.EventIdentifiers{ServerCallID: stripped})
		require.NoError(t, err)
		assert.Equal(t, session.ID, id)
	})
}

func TestResolve_ServerCallIDDecodedForm(t *testing.T) {
	correlator, reg := newFixture(t)
	ctx := context.Background()

	// The store holds the decoded form; the event delivers it encoded.
	session, err := reg.Create(ctx, "init", "group-1", nil)
	require.NoError(t, err)
	_, err = reg.SetConnection(ctx, session.ID, "", "https://call/123")
	require.NoError(t, err)

	encoded := base64.StdEncoding.EncodeToString([]byte("https://call/123"))
	id, method, err := correlator.Resolve(ctx, datatypes.EventIdentifiers{ServerCallID: encoded})
	require.NoError(t, err)
	assert.Equal(t, session.ID, id)
	assert.Equal(t, MatchServerCallID, method)
}

func TestResolve_PendingConnectionIsLastResort(t *testing.T) {
	correlator, reg := newFixture(t)
	ctx := context.Background()

	pending, err := reg.Create(ctx, "init", "group-1", nil)
	require.NoError(t, err)

	// No identifier matches anything, but one session awaits its
	// connection id.
	id, method, err := correlator.Resolve(ctx, datatypes.EventIdentifiers{ConnectionID: "never-seen"})
	require.NoError(t, err)
	assert.Equal(t, pending.ID, id)
	assert.Equal(t, MatchPendingConnection, method)
}

func TestResolve_RankOrder(t *testing.T) {
	correlator, reg := newFixture(t)
	ctx := context.Background()

	bySession, err := reg.Create(ctx, "init", "group-a", nil)
	require.NoError(t, err)
	byGroup, err := reg.Create(ctx, "init", "group-b", nil)
	require.NoError(t, err)
	_, err = reg.SetConnection(ctx, byGroup.ID, "conn-b", "")
	require.NoError(t, err)

	// Both the session id and the group id would match, against
	// different sessions. The explicit session id outranks the rest.
	id, method, err := correlator.Resolve(ctx, datatypes.EventIdentifiers{
		SessionID:    bySession.ID,
		GroupID:      "group-b",
		ConnectionID: "conn-b",
	})
	require.NoError(t, err)
	assert.Equal(t, bySession.ID, id)
	assert.Equal(t, MatchSessionID, method)
}

func TestResolve_NoMatch(t *testing.T) {
	correlator, reg := newFixture(t)
	ctx := context.Background()

	// The only session is already connected, so the pending-connection
	// heuristic has no candidate either.
	session, err := reg.Create(ctx, "init", "group-1", nil)
	require.NoError(t, err)
	_, err = reg.SetConnection(ctx, session.ID, "conn-1", "")
	require.NoError(t, err)

	_, _, err = correlator.Resolve(ctx, datatypes.EventIdentifiers{
		SessionID:    "not-a-uuid",
		GroupID:      "unknown-group",
		ConnectionID: "unknown-conn",
		ServerCallID: "unknown-server-id",
	})
	assert.ErrorIs(t, err, ErrNoMatch)
}
