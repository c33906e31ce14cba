// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
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
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"google.golang.org/grpc/credentials/insecure"

	// --- OpenTelemetry imports ---
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"

	"github.com/AleutianAI/AleutianForge/services/forge/admission"
	"github.com/AleutianAI/AleutianForge/services/forge/cache"
	"github.com/AleutianAI/AleutianForge/services/forge/engine"
	"github.com/AleutianAI/AleutianForge/services/forge/observability"
	"github.com/AleutianAI/AleutianForge/services/forge/routes"
	"github.com/AleutianAI/AleutianForge/services/forge/services"
	"github.com/AleutianAI/AleutianForge/services/knowledge"
	"github.com/AleutianAI/AleutianForge/services/llm"
	"github.com/AleutianAI/AleutianForge/services/sandbox"
)

func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		otelEndpoint = "aleutian-otel-collector:4317"
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
		resource.WithAttributes(semconv.ServiceNameKey.String("forge-service")))
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

// newBackend selects the generation backend from LLM_BACKEND_TYPE and
// wraps it in client-side pacing when FORGE_BACKEND_RPS is set.
func newBackend() (llm.Client, error) {
	var client llm.Client
	var err error

	switch os.Getenv("LLM_BACKEND_TYPE") {
	case "openai":
		client, err = llm.NewOpenAIClient()
		slog.Info("Using OpenAI generation backend")
	case "ollama":
		client, err = llm.NewOllamaClient()
		slog.Info("Using Ollama generation backend")
	default:
		slog.Warn("LLM_BACKEND_TYPE not set or invalid, defaulting to ollama")
		client, err = llm.NewOllamaClient()
	}
	if err != nil {
		return nil, err
	}

	if rpsEnv := os.Getenv("FORGE_BACKEND_RPS"); rpsEnv != "" {
		rps, parseErr := strconv.ParseFloat(rpsEnv, 64)
		if parseErr != nil || rps <= 0 {
			slog.Warn("FORGE_BACKEND_RPS is invalid, pacing disabled", "value", rpsEnv)
		} else {
			client = llm.NewPacedClient(client, rps, 1)
			slog.Info("Backend pacing enabled", "rps", rps)
		}
	}

	return client, nil
}

// newKnowledgeProvider connects to Weaviate when WEAVIATE_SERVICE_URL is
// set and valid, otherwise runs in lightweight mode with no mission
// context.
func newKnowledgeProvider() knowledge.Provider {
	weaviateURL := os.Getenv("WEAVIATE_SERVICE_URL")
	// Sanitize: Trim quotes and whitespace just in case Podman passes them literally
	weaviateURL = strings.Trim(weaviateURL, "\"' ")

	if weaviateURL == "" || !strings.Contains(weaviateURL, "http") {
		slog.Info("WEAVIATE_SERVICE_URL not set or empty. Running in lightweight mode (no mission context).")
		return knowledge.NewStaticProvider(nil)
	}

	parsedURL, err := url.Parse(weaviateURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		slog.Warn("WEAVIATE_SERVICE_URL is invalid. Running in lightweight mode.",
			"url", weaviateURL, "error", err)
		return knowledge.NewStaticProvider(nil)
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	})
	if err != nil {
		slog.Error("Failed to create Weaviate client, running in lightweight mode", "error", err)
		return knowledge.NewStaticProvider(nil)
	}

	return knowledge.NewWeaviateProvider(client)
}

func main() {
	port := os.Getenv("FORGE_PORT")
	if port == "" {
		port = "12230"
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// --- Init the tracer ---
	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	metrics := observability.InitMetrics()

	policyPath := os.Getenv("FORGE_GUARD_POLICY_PATH")
	policyStore, err := sandbox.NewPolicyStore(policyPath)
	if err != nil {
		log.Fatalf("FATAL: Could not load the guard policy: %v", err)
	}
	if policyPath != "" {
		if err := sandbox.WatchPolicy(context.Background(), policyStore, policyPath); err != nil {
			slog.Error("Guard policy hot reload unavailable", "error", err)
		}
	}

	backend, err := newBackend()
	if err != nil {
		log.Fatalf("Failed to initialize the generation backend: %v", err)
	}

	cacheOpts := []cache.Option{
		cache.WithEventHook(func(event string) {
			metrics.RecordCacheEvent(observability.CacheEvent(event))
		}),
	}
	if dir := os.Getenv("FORGE_CACHE_DIR"); dir != "" {
		warm, err := cache.NewBadgerStore(dir)
		if err != nil {
			log.Fatalf("Failed to open the warm cache at %s: %v", dir, err)
		}
		defer warm.Close()
		cacheOpts = append(cacheOpts, cache.WithWarmStore(warm))
		slog.Info("Warm result cache enabled", "dir", dir)
	}
	resultCache := cache.New(cacheOpts...)

	limiterOpts := []admission.Option{}
	if ceilingEnv := os.Getenv("FORGE_ADMISSION_CEILING"); ceilingEnv != "" {
		ceiling, parseErr := strconv.Atoi(ceilingEnv)
		if parseErr != nil || ceiling <= 0 {
			slog.Warn("FORGE_ADMISSION_CEILING is invalid, using default", "value", ceilingEnv)
		} else {
			limiterOpts = append(limiterOpts, admission.WithCeiling(ceiling))
		}
	}

	eng := engine.New(backend, sandbox.New(), policyStore, newKnowledgeProvider())
	svc := services.NewGenerationService(admission.NewLimiter(limiterOpts...), resultCache, eng, metrics)

	router := gin.Default()
	router.Use(otelgin.Middleware("forge-service"))

	routes.SetupRoutes(router, svc)

	log.Println("Starting the forge server on port ", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
