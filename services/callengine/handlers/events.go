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
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/PelagicAI/PelagicVoice/services/callengine/calls"
	"github.com/PelagicAI/PelagicVoice/services/callengine/datatypes"
)

// Headers of the CloudEvents webhook abuse-protection handshake. Some
// event providers validate an endpoint with an OPTIONS probe carrying
// the origin header instead of a validation event in the body.
const (
	headerWebhookRequestOrigin = "WebHook-Request-Origin"
	headerWebhookAllowedOrigin = "WebHook-Allowed-Origin"
	headerWebhookAllowedRate   = "WebHook-Allowed-Rate"
)

// maxEventBodySize caps webhook payloads (2MB). Transcription batches
// are the largest events seen in practice and stay well under this.
const maxEventBodySize = 2 * 1024 * 1024

// HandleEvents ingests a provider webhook delivery.
//
// # Description
//
// Accepts a JSON array or a single JSON object of events. A malformed
// body is rejected with 400 before any event is applied. Subscription
// validation events short-circuit with an echo of the validation code.
// Everything else is correlated and applied synchronously, and the
// delivery is acknowledged with 202 and per-disposition counts; an
// event that cannot be matched to a session is counted as dropped, not
// failed, so at-least-once providers do not redeliver it forever.
func HandleEvents(svc *calls.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxEventBodySize))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
			return
		}

		events, err := datatypes.ParseEventBatch(body)
		if err != nil {
			slog.Warn("handlers.events: rejecting malformed event batch", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed event payload"})
			return
		}

		// Validation handshake events short-circuit the whole delivery.
		for i := range events {
			if events[i].Family() != datatypes.FamilySubscriptionValidation {
				continue
			}
			code := events[i].ValidationCode()
			slog.Info("handlers.events: answering subscription validation")
			c.JSON(http.StatusOK, gin.H{"validationResponse": code})
			return
		}

		var processed, dropped, ignored, failed int
		for i := range events {
			outcome, err := svc.ProcessEvent(c.Request.Context(), events[i])
			if err != nil {
				slog.Error("handlers.events: event processing failed",
					"event_type", events[i].EventType, "error", err)
				failed++
				continue
			}
			switch outcome {
			case calls.OutcomeProcessed:
				processed++
			case calls.OutcomeDropped:
				dropped++
			case calls.OutcomeIgnored:
				ignored++
			}
		}

		c.JSON(http.StatusAccepted, gin.H{
			"processed": processed,
			"dropped":   dropped,
			"ignored":   ignored,
			"failed":    failed,
		})
	}
}

// HandleEventsValidation answers the header-carried validation probe.
//
// Providers using the abuse-protection handshake send OPTIONS with a
// WebHook-Request-Origin header before delivering events; the endpoint
// allows the origin by echoing it back.
func HandleEventsValidation(c *gin.Context) {
	origin := c.GetHeader(headerWebhookRequestOrigin)
	if origin == "" {
		c.Status(http.StatusBadRequest)
		return
	}
	slog.Info("handlers.events: answering webhook origin handshake", "origin", origin)
	c.Header(headerWebhookAllowedOrigin, origin)
	c.Header(headerWebhookAllowedRate, "*")
	c.Status(http.StatusOK)
}
