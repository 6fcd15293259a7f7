// Copyright (C) 2025 Pelagic AI (engineering@pelagicvoice.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/PelagicAI/PelagicVoice/services/callengine/calls"
	"github.com/PelagicAI/PelagicVoice/services/callengine/datatypes"
	"github.com/PelagicAI/PelagicVoice/services/callengine/registry"
)

// CreateCall starts a new call session for a group.
func CreateCall(svc *calls.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.CreateCallRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		session, err := svc.CreateSession(c.Request.Context(), req.InitiatorRef, req.GroupID, datatypes.ToParticipants(req.Participants))
		if err != nil {
			slog.Error("handlers.sessions: create call failed",
				"group_id", req.GroupID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create call"})
			return
		}

		slog.Info("handlers.sessions: call created",
			"session_id", session.ID,
			"group_id", session.GroupID,
			"participants", len(session.Participants),
		)
		c.JSON(http.StatusCreated, session)
	}
}

// AddParticipants appends members to an existing call's roster.
//
// Members already in the call are reported under "skipped" with a
// reason instead of failing the request; repeated deliveries of the
// same add are therefore harmless.
func AddParticipants(svc *calls.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		callID := c.Param("callId")

		var req datatypes.AddParticipantsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		session, skipped, err := svc.AddParticipants(c.Request.Context(), callID, datatypes.ToParticipants(req.Participants))
		if err != nil {
			if errors.Is(err, registry.ErrSessionNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "call not found"})
				return
			}
			slog.Error("handlers.sessions: add participants failed",
				"session_id", callID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to add participants"})
			return
		}

		skippedOut := make([]gin.H, 0, len(skipped))
		for _, sk := range skipped {
			skippedOut = append(skippedOut, gin.H{
				"external_user_ref": sk.ExternalUserRef,
				"reason":            sk.Reason,
			})
		}
		c.JSON(http.StatusOK, gin.H{
			"session": session,
			"skipped": skippedOut,
		})
	}
}
