// Copyright (C) 2025 Pelagic AI (engineering@pelagicvoice.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package calls ties the call engine together: it applies correlated
// provider events to the registry and dispatches the side effects that
// must not block webhook acknowledgment.
package calls

import (
	"context"

	"github.com/PelagicAI/PelagicVoice/services/callengine/datatypes"
)

// CallTransport is the provider-side control surface for a call. The
// engine makes a single attempt per operation; failures are logged and
// never retried immediately, since the provider cannot be fixed by
// hammering it from the ack path.
type CallTransport interface {
	// ConnectCall asks the provider to establish the call for a session.
	ConnectCall(ctx context.Context, session *datatypes.CallSession) error

	// AddParticipant invites one participant on the provider side.
	AddParticipant(ctx context.Context, session *datatypes.CallSession, participant datatypes.CallParticipant) error

	// StartTranscription begins streaming transcription for the call.
	// Must be idempotent on the provider side; the engine additionally
	// guards with the session's set-once transcription timestamp.
	StartTranscription(ctx context.Context, session *datatypes.CallSession) error

	// StopTranscription halts streaming transcription for the call.
	StopTranscription(ctx context.Context, session *datatypes.CallSession) error
}

// IdentityProvider issues provider identities for participants.
type IdentityProvider interface {
	// EnsureIdentity returns a provider identity for the external user,
	// creating one if needed.
	EnsureIdentity(ctx context.Context, externalUserRef string) (string, error)

	// IssueToken mints a short-lived access token for the identity.
	IssueToken(ctx context.Context, providerIdentity string) (string, error)
}

// NewNoopTransport returns a transport that accepts every operation and
// does nothing. Used when no provider is configured and in tests.
func NewNoopTransport() CallTransport {
	return &noopTransport{}
}

type noopTransport struct{}

func (t *noopTransport) ConnectCall(context.Context, *datatypes.CallSession) error {
	return nil
}

func (t *noopTransport) AddParticipant(context.Context, *datatypes.CallSession, datatypes.CallParticipant) error {
	return nil
}

func (t *noopTransport) StartTranscription(context.Context, *datatypes.CallSession) error {
	return nil
}

func (t *noopTransport) StopTranscription(context.Context, *datatypes.CallSession) error {
	return nil
}

// NewNoopIdentityProvider returns an identity provider that echoes the
// external reference as the provider identity.
func NewNoopIdentityProvider() IdentityProvider {
	return &noopIdentityProvider{}
}

type noopIdentityProvider struct{}

func (p *noopIdentityProvider) EnsureIdentity(_ context.Context, externalUserRef string) (string, error) {
	return "local:" + externalUserRef, nil
}

func (p *noopIdentityProvider) IssueToken(_ context.Context, providerIdentity string) (string, error) {
	return "local-token:" + providerIdentity, nil
}
