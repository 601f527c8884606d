// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command orchestrator starts the athlete governance Q&A HTTP server.
//
// This is the main entry point for the containerized orchestrator
// service. It reads configuration from environment variables and starts
// the server.
//
// # Environment Variables
//
//   - PORT: HTTP server port (default: 12210)
//   - LLM_BACKEND_TYPE: pinned LLM provider - local, openai, ollama,
//     claude (default: defer to LLM_PROVIDER)
//   - WEAVIATE_URL: Weaviate vector DB URL (required)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector
//     (default: spans to stdout)
//   - GIN_MODE: Gin framework mode (default: debug)
//
// Component tuning (PIPELINE_*, RETRIEVAL_*, BREAKER_*, RETENTION_*,
// WEB_SEARCH_*, CONV_*, EMBED_CACHE_*, INFLUXDB_*) is read by the
// owning packages; see their documentation.
//
// # Usage
//
//	# Build
//	go build -o orchestrator ./cmd/orchestrator
//
//	# Run
//	WEAVIATE_URL=http://localhost:8080 ./orchestrator
//
//	# Or via container
//	podman-compose up orchestrator
package main

import (
	"log"
	"log/slog"
	"os"
	"strconv"

	"github.com/AleutianAI/Rulebook/services/orchestrator"
)

func main() {
	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Build configuration from environment variables
	cfg := orchestrator.Config{
		Port:         getEnvInt("PORT", 12210),
		LLMBackend:   os.Getenv("LLM_BACKEND_TYPE"),
		WeaviateURL:  os.Getenv("WEAVIATE_URL"),
		OTelEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		GinMode:      os.Getenv("GIN_MODE"),
	}

	slog.Info("Starting orchestrator",
		"port", cfg.Port,
		"llm_backend", cfg.LLMBackend,
		"weaviate_url", cfg.WeaviateURL,
	)

	svc, err := orchestrator.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create orchestrator: %v", err)
	}

	// Run the server (blocks until shutdown)
	if err := svc.Run(); err != nil {
		log.Fatalf("Orchestrator error: %v", err)
	}
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
