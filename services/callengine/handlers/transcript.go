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
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/PelagicAI/PelagicVoice/services/callengine/calls"
	"github.com/PelagicAI/PelagicVoice/services/callengine/registry"
)

// GetTranscript returns the ordered transcript with call status metadata.
func GetTranscript(svc *calls.Service) gin.HandlerFunc {
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

		segments, err := svc.Ledger().Read(c.Request.Context(), callID)
		if err != nil {
			slog.Error("handlers.transcript: read failed", "session_id", callID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load transcript"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"call_id":    session.ID,
			"status":     session.Status,
			"started_at": session.StartedAt,
			"ended_at":   session.EndedAt,
			"segments":   segments,
		})
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// transcriptPollInterval is how often the feed checks for new segments.
const transcriptPollInterval = 1 * time.Second

// TranscriptWebSocket streams transcript segments as they arrive.
//
// # Description
//
// On connect the client receives every segment already in the ledger,
// then new segments as they are appended. The feed closes itself once
// the call reaches a terminal status and the remaining segments have
// been flushed, or when the client disconnects.
func TranscriptWebSocket(svc *calls.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		callID := c.Param("callId")

		if _, err := svc.Registry().Get(c.Request.Context(), callID); err != nil {
			if errors.Is(err, registry.ErrSessionNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "call not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load call"})
			return
		}

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("handlers.transcript: failed to upgrade the websocket", "error", err)
			return
		}
		defer ws.Close()
		slog.Info("handlers.transcript: feed client connected", "session_id", callID)

		// Reader goroutine: its only job is noticing the client go away.
		clientGone := make(chan struct{})
		go func() {
			defer close(clientGone)
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(transcriptPollInterval)
		defer ticker.Stop()

		sent := 0
		for {
			session, err := svc.Registry().Get(c.Request.Context(), callID)
			if err != nil {
				slog.Warn("handlers.transcript: feed lost its session", "session_id", callID, "error", err)
				return
			}
			segments, err := svc.Ledger().Read(c.Request.Context(), callID)
			if err != nil {
				slog.Warn("handlers.transcript: feed read failed", "session_id", callID, "error", err)
				return
			}

			for ; sent < len(segments); sent++ {
				if err := ws.WriteJSON(gin.H{
					"action":  "segment",
					"segment": segments[sent],
				}); err != nil {
					slog.Info("handlers.transcript: feed client disconnected", "session_id", callID)
					return
				}
			}

			if session.Status.IsTerminal() {
				_ = ws.WriteJSON(gin.H{
					"action": "call_ended",
					"status": session.Status,
				})
				return
			}

			select {
			case <-clientGone:
				slog.Info("handlers.transcript: feed client disconnected", "session_id", callID)
				return
			case <-c.Request.Context().Done():
				return
			case <-ticker.C:
			}
		}
	}
}
