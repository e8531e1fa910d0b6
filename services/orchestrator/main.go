// Copyright (C) 2026 Opsmend Labs (dev@opsmend.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/opsmend/opsmend/pkg/logging"
	"github.com/opsmend/opsmend/services/llm"
	"github.com/opsmend/opsmend/services/orchestrator/agents"
	"github.com/opsmend/opsmend/services/orchestrator/learning"
	"github.com/opsmend/opsmend/services/orchestrator/mcp"
	"github.com/opsmend/opsmend/services/orchestrator/observability"
	"github.com/opsmend/opsmend/services/orchestrator/routes"
	"github.com/opsmend/opsmend/services/orchestrator/stream"
	"github.com/opsmend/opsmend/services/orchestrator/workflow"

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

func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		otelEndpoint = "opsmend-otel-collector:4317"
	}
	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("orchestrator-service")))
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

// envInt reads an integer env var, falling back to def when unset or
// unparseable.
func envInt(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("Ignoring invalid integer env var", "key", key, "value", raw)
		return def
	}
	return n
}

func main() {
	port := os.Getenv("ORCHESTRATOR_PORT")
	if port == "" {
		port = "12210"
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(os.Getenv("LOG_LEVEL")),
		Service: "orchestrator",
		LogDir:  os.Getenv("ORCHESTRATOR_LOG_DIR"),
		JSON:    true,
	}).SetDefault()
	defer logger.Close()

	// --- Init the tracer ---
	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	observability.InitMetrics()

	// --- Feedback ledger ---
	dataDir := os.Getenv("FEEDBACK_DATA_DIR")
	if dataDir == "" {
		dataDir = "data/feedback"
	}
	store, err := learning.NewStore(dataDir)
	if err != nil {
		log.Fatalf("Failed to open feedback ledger: %v", err)
	}
	selector := learning.NewSelector(store)

	log.Println("Configuring the LLM Client")
	var llmClient llm.LLMClient
	llmBackendType := os.Getenv("LLM_BACKEND_TYPE")
	switch llmBackendType {
	case "openai", "":
		llmClient, err = llm.NewOpenAIClient()
		slog.Info("Using OpenAI-compatible LLM backend")
	default:
		slog.Warn("LLM_BACKEND_TYPE not recognized, using OpenAI-compatible backend",
			"value", llmBackendType)
		llmClient, err = llm.NewOpenAIClient()
	}
	if err != nil {
		log.Fatalf("Failed to initialize LLM client: %v", err)
	}

	// --- Approval server client ---
	mcpURL := os.Getenv("MCP_SERVER_URL")
	if mcpURL == "" {
		mcpURL = "http://localhost:3100"
	}
	approvals := mcp.NewClient(mcpURL)

	// --- Pipeline wiring ---
	streams := stream.NewManager(envInt("STREAM_BUFFER_LIMIT", 0))
	driver := workflow.NewDriver(workflow.Config{
		Streams:           streams,
		Store:             store,
		Monitoring:        agents.NewMonitoringStage(llmClient, streams),
		Analysis:          agents.NewAnalysisStage(llmClient, streams),
		Remediation:       agents.NewRemediationStage(llmClient, selector, streams),
		Command:           agents.NewCommandStage(approvals, streams),
		MaxConcurrentRuns: envInt("MAX_CONCURRENT_RUNS", 4),
	})

	var startLimiter *rate.Limiter
	if perMinute := envInt("START_RATE_LIMIT", 60); perMinute > 0 {
		startLimiter = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
	}

	router := gin.Default()
	router.Use(otelgin.Middleware("orchestrator-service"))

	routes.SetupRoutes(router, driver, streams, store, startLimiter, os.Getenv("ORCHESTRATOR_API_TOKEN"))

	log.Println("Starting the orchestrator server on port ", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
