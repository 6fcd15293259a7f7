// Copyright (C) 2025 Pelagic AI (engineering@pelagicvoice.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/PelagicAI/PelagicVoice/services/callengine/calls"
	"github.com/PelagicAI/PelagicVoice/services/callengine/config"
	"github.com/PelagicAI/PelagicVoice/services/callengine/handlers"
	"github.com/PelagicAI/PelagicVoice/services/callengine/middleware"
)

// SetupRoutes registers all call engine endpoints.
func SetupRoutes(router *gin.Engine, svc *calls.Service, cfg config.Config, registry *prometheus.Registry) {
	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	// API version 1 group
	v1 := router.Group("/v1")
	{
		// Provider webhook. The secret check applies only here; read
		// and write endpoints below are for internal callers.
		events := v1.Group("/events")
		events.Use(middleware.WebhookAuth(cfg.WebhookHeader, cfg.WebhookSecret))
		{
			events.POST("", handlers.HandleEvents(svc))
			events.OPTIONS("", handlers.HandleEventsValidation)
		}

		callGroup := v1.Group("/calls")
		{
			callGroup.POST("", handlers.CreateCall(svc))
			callGroup.POST("/:callId/participants", handlers.AddParticipants(svc))
			callGroup.GET("/:callId/transcript", handlers.GetTranscript(svc))
			callGroup.GET("/:callId/transcript/ws", handlers.TranscriptWebSocket(svc))
			callGroup.GET("/:callId/summary", handlers.GetSummary(svc))
		}
	}
}
