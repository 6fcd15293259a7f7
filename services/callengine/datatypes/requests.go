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

	"github.com/go-playground/validator/v10"
)

// requestValidator validates API request bodies beyond what JSON binding
// checks. Shared, because validator caches struct metadata.
var requestValidator = validator.New(validator.WithRequiredStructEnabled())

// ParticipantInput is the caller-supplied shape for one roster member.
type ParticipantInput struct {
	ExternalUserRef  string `json:"external_user_ref" validate:"required,max=256"`
	DisplayName      string `json:"display_name" validate:"max=512"`
	ProviderIdentity string `json:"provider_identity" validate:"max=512"`
}

// CreateCallRequest starts a new call session.
type CreateCallRequest struct {
	InitiatorRef string             `json:"initiator_ref" validate:"required,max=256"`
	GroupID      string             `json:"group_id" validate:"required,max=256"`
	Participants []ParticipantInput `json:"participants" validate:"dive"`
}

// AddParticipantsRequest adds members to an existing call's roster.
type AddParticipantsRequest struct {
	Participants []ParticipantInput `json:"participants" validate:"required,min=1,dive"`
}

// Validate runs struct validation and returns a caller-friendly error.
func (r *CreateCallRequest) Validate() error {
	if err := requestValidator.Struct(r); err != nil {
		return fmt.Errorf("invalid create call request: %w", err)
	}
	return nil
}

// Validate runs struct validation and returns a caller-friendly error.
func (r *AddParticipantsRequest) Validate() error {
	if err := requestValidator.Struct(r); err != nil {
		return fmt.Errorf("invalid add participants request: %w", err)
	}
	return nil
}

// ToParticipants converts caller input into roster entries. IDs are
// assigned by the registry at insert time.
func ToParticipants(inputs []ParticipantInput) []CallParticipant {
	out := make([]CallParticipant, 0, len(inputs))
	for _, in := range inputs {
		out = append(out, CallParticipant{
			ExternalUserRef:  in.ExternalUserRef,
			DisplayName:      in.DisplayName,
			ProviderIdentity: in.ProviderIdentity,
		})
	}
	return out
}
