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
	"github.com/PelagicAI/PelagicVoice/services/callengine/registry"
)

// GetSummary returns the call summary, or its pending status.
//
// # Description
//
// A persisted summary is always returned as ready, whatever the call's
// current status. For a terminal call with no summary yet the handler
// normally kicks off generation in the background and reports pending;
// with ?wait=true it generates synchronously instead and returns the
// ready summary. Generation is single-flight per session, so neither
// path can cause duplicate provider calls.
func GetSummary(svc *calls.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		callID := c.Param("callId")

		session, err := svc.Registry().Get(c.Request.Context(), callID)
		if err != nil {
			if errors.Is(err, registry.ErrSessionNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "call not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load call"})
			return
		}

		summary, err := svc.Summaries().GetExisting(c.Request.Context(), callID)
		if err != nil {
			slog.Error("handlers.summary: lookup failed", "session_id", callID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load summary"})
			return
		}
		if summary != nil {
			c.JSON(http.StatusOK, gin.H{"status": "ready", "summary": summary})
			return
		}

		if !session.Status.IsTerminal() {
			c.JSON(http.StatusOK, gin.H{
				"status":      "pending",
				"call_status": session.Status,
			})
			return
		}

		if c.Query("wait") == "true" {
			summary, err := svc.Summaries().EnsureSummary(c.Request.Context(), callID)
			if err != nil {
				slog.Error("handlers.summary: generation failed", "session_id", callID, "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate summary"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"status": "ready", "summary": summary})
			return
		}

		// Terminal call with no summary: the end-of-call trigger may have
		// failed, so request another attempt and let the client poll.
		svc.TriggerSummary(callID)
		c.JSON(http.StatusOK, gin.H{
			"status":      "pending",
			"call_status": session.Status,
		})
	}
}
