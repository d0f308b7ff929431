// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command similarity starts the SimDoc near-duplicate detection server.
//
// This is the main entry point for the containerized similarity service.
// It reads configuration from environment variables and starts the server.
//
// # Environment Variables
//
//   - SIMILARITY_PORT: HTTP server port (default: 12220)
//   - WEAVIATE_SERVICE_URL: Weaviate document store URL (optional; empty
//     runs lightweight in-memory mode)
//   - SIMDOC_DATA_DIR: BadgerDB queue directory (default: ./data/simdoc)
//   - SIMILARITY_WORKERS: ingestion worker pool size (default: 8)
//   - SIMDOC_VERSION: version reported by /system/health (default: dev)
//   - INFLUXDB_URL, INFLUXDB_TOKEN: enable the job-throughput stats sink
//   - INFLUXDB_ORG, INFLUXDB_BUCKET: stats sink routing (default: aleutian/simdoc)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (default: localhost:4317)
//   - OTEL_TRACES_EXPORTER: otlp, stdout, or none (default: otlp)
//   - OTEL_METRICS_EXPORTER: prometheus, stdout, or none (default: prometheus)
//
// # Usage
//
//	# Build
//	go build -o similarity ./cmd/similarity
//
//	# Run
//	./similarity
//
//	# Or via container
//	podman-compose up similarity
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/AleutianAI/SimDoc/services/similarity"
	"github.com/AleutianAI/SimDoc/services/similarity/telemetry"
)

func main() {
	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Build configuration from environment variables
	cfg := similarity.Config{
		Port:         getEnvInt("SIMILARITY_PORT", 12220),
		WeaviateURL:  os.Getenv("WEAVIATE_SERVICE_URL"),
		DataDir:      getEnvString("SIMDOC_DATA_DIR", "./data/simdoc"),
		Workers:      getEnvInt("SIMILARITY_WORKERS", 8),
		Version:      getEnvString("SIMDOC_VERSION", "dev"),
		InfluxURL:    os.Getenv("INFLUXDB_URL"),
		InfluxToken:  os.Getenv("INFLUXDB_TOKEN"),
		InfluxOrg:    getEnvString("INFLUXDB_ORG", "aleutian"),
		InfluxBucket: getEnvString("INFLUXDB_BUCKET", "simdoc"),
	}

	// Initialize tracing and the Prometheus metrics bridge before any
	// component asks for a meter.
	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceVersion = cfg.Version
	shutdown, err := telemetry.Init(context.Background(), tcfg)
	if err != nil {
		log.Fatalf("Failed to initialize telemetry: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "error", err)
		}
	}()

	slog.Info("Starting similarity service",
		"port", cfg.Port,
		"weaviate_url", cfg.WeaviateURL,
		"data_dir", cfg.DataDir,
		"workers", cfg.Workers,
	)

	svc, err := similarity.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create similarity service: %v", err)
	}

	// Run the server (blocks until shutdown)
	if err := svc.Run(); err != nil {
		log.Fatalf("Similarity service error: %v", err)
	}
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
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
