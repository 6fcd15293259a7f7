// Copyright (C) 2025 Pelagic AI (engineering@pelagicvoice.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/PelagicAI/PelagicVoice/services/callengine/calls"
	"github.com/PelagicAI/PelagicVoice/services/callengine/config"
	"github.com/PelagicAI/PelagicVoice/services/callengine/correlate"
	"github.com/PelagicAI/PelagicVoice/services/callengine/ledger"
	"github.com/PelagicAI/PelagicVoice/services/callengine/observability"
	"github.com/PelagicAI/PelagicVoice/services/callengine/reaper"
	"github.com/PelagicAI/PelagicVoice/services/callengine/registry"
	"github.com/PelagicAI/PelagicVoice/services/callengine/routes"
	"github.com/PelagicAI/PelagicVoice/services/callengine/summarize"

	// --- OpenTelemetry imports ---
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
)

func initTracer(endpoint string) (func(context.Context), error) {
	ctx := context.Background()

	if endpoint == "" {
		endpoint = "pelagic-otel-collector:4317"
	}
	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("callengine-service")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

// buildStore selects the durable Badger store when a data directory is
// configured, otherwise the in-memory store.
func buildStore(cfg config.Config) (registry.Store, func(), error) {
	if cfg.DataDir == "" {
		slog.Info("CALLENGINE_DATA_DIR not set. Running with the in-memory store.")
		return registry.NewMemoryStore(), func() {}, nil
	}

	store, err := registry.OpenBadgerStore(registry.BadgerConfig{
		Path:       cfg.DataDir,
		SyncWrites: true,
	})
	if err != nil {
		return nil, nil, err
	}
	slog.Info("Using Badger-backed session store", "path", cfg.DataDir)
	return store, func() {
		if err := store.Close(); err != nil {
			slog.Error("failed to close session store", "error", err)
		}
	}, nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(os.Getenv("CALLENGINE_CONFIG"))
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	// --- Init the tracer ---
	cleanup, err := initTracer(cfg.OTelEndpoint)
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	store, closeStore, err := buildStore(cfg)
	if err != nil {
		log.Fatalf("failed to open the session store: %v", err)
	}
	defer closeStore()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(promRegistry)

	reg := registry.New(store)
	led := ledger.New(store)
	correlator := correlate.New(reg)

	var provider summarize.Provider
	openAIProvider, err := summarize.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIModel)
	if err != nil {
		slog.Warn("Summarization provider not configured, fallback digests only", "reason", err)
	} else {
		provider = openAIProvider
	}
	summaries := summarize.NewOrchestrator(reg, led, provider).WithMetrics(metrics)

	svc := calls.NewService(
		reg,
		correlator,
		led,
		summaries,
		calls.NewNoopTransport(),
		calls.NewNoopIdentityProvider(),
		metrics,
	)
	defer svc.Close()

	// --- Stale session reaper ---
	sessionReaper := reaper.NewReaper(reg.FindStale, svc.ReapSession, cfg.Staleness)
	scheduler := reaper.NewScheduler(sessionReaper, metrics, reaper.SchedulerConfig{
		Interval: cfg.SweepInterval,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := scheduler.Start(ctx); err != nil {
		log.Fatalf("failed to start the reaper scheduler: %v", err)
	}
	defer func() {
		if err := scheduler.Stop(); err != nil {
			slog.Error("failed to stop the reaper scheduler", "error", err)
		}
	}()

	router := gin.Default()
	router.Use(otelgin.Middleware("callengine-service"))

	routes.SetupRoutes(router, svc, cfg, promRegistry)

	log.Println("Starting the call engine server on port ", cfg.Port)
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
