// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

// maxQualityRetries bounds the quality-gate loop. One re-synthesis at most:
// after that the best available answer ships regardless of grade.
const maxQualityRetries = 1

// Config holds the pipeline's tunable knobs. Zero values are corrected to
// the defaults by validateConfig, so an empty Config is usable.
type Config struct {
	// Router carries the confidence thresholds (§ routing rules in the
	// package documentation).
	Router RouterConfig

	// ClassifyTimeout bounds the fast-LLM classification call.
	// Default 30s (PIPELINE_CLASSIFY_TIMEOUT_SECONDS).
	ClassifyTimeout time.Duration

	// SynthesisTimeout bounds one synthesis call, streaming included.
	// Default 120s (PIPELINE_SYNTHESIS_TIMEOUT_SECONDS).
	SynthesisTimeout time.Duration

	// QualityTimeout bounds the grader call.
	// Default 30s (PIPELINE_QUALITY_TIMEOUT_SECONDS).
	QualityTimeout time.Duration

	// EscalationTimeout bounds the LLM referral call. The deterministic
	// fallback message makes a short timeout safe.
	// Default 30s (PIPELINE_ESCALATION_TIMEOUT_SECONDS).
	EscalationTimeout time.Duration

	// ExpansionTimeout bounds the query-rewrite call.
	// Default 15s (PIPELINE_EXPANSION_TIMEOUT_SECONDS).
	ExpansionTimeout time.Duration

	// QualityEnabled toggles the grader entirely. When false every answer
	// auto-passes. Default true (PIPELINE_QUALITY_ENABLED).
	QualityEnabled bool

	// StreamBuffer is the capacity of the event channel handed to stream
	// consumers. Default 64 (PIPELINE_STREAM_BUFFER).
	StreamBuffer int
}

// DefaultConfig returns the built-in defaults without reading the
// environment.
func DefaultConfig() Config {
	return Config{
		Router:            DefaultRouterConfig(),
		ClassifyTimeout:   30 * time.Second,
		SynthesisTimeout:  120 * time.Second,
		QualityTimeout:    30 * time.Second,
		EscalationTimeout: 30 * time.Second,
		ExpansionTimeout:  15 * time.Second,
		QualityEnabled:    true,
		StreamBuffer:      64,
	}
}

// ConfigFromEnv builds a Config from PIPELINE_* environment variables,
// falling back to defaults for anything unset or invalid.
func ConfigFromEnv() Config {
	return Config{
		Router:            RouterConfigFromEnv(),
		ClassifyTimeout:   envSeconds("PIPELINE_CLASSIFY_TIMEOUT_SECONDS", 30),
		SynthesisTimeout:  envSeconds("PIPELINE_SYNTHESIS_TIMEOUT_SECONDS", 120),
		QualityTimeout:    envSeconds("PIPELINE_QUALITY_TIMEOUT_SECONDS", 30),
		EscalationTimeout: envSeconds("PIPELINE_ESCALATION_TIMEOUT_SECONDS", 30),
		ExpansionTimeout:  envSeconds("PIPELINE_EXPANSION_TIMEOUT_SECONDS", 15),
		QualityEnabled:    envBool("PIPELINE_QUALITY_ENABLED", true),
		StreamBuffer:      envInt("PIPELINE_STREAM_BUFFER", 64),
	}
}

// validateConfig corrects out-of-range values to defaults, logging each
// correction. It never rejects: the pipeline must be constructible from a
// partially broken environment.
func validateConfig(cfg Config) Config {
	defaults := DefaultConfig()

	cfg.Router = validateRouterConfig(cfg.Router)

	if cfg.ClassifyTimeout <= 0 {
		cfg.ClassifyTimeout = defaults.ClassifyTimeout
	}
	if cfg.SynthesisTimeout <= 0 {
		cfg.SynthesisTimeout = defaults.SynthesisTimeout
	}
	if cfg.QualityTimeout <= 0 {
		cfg.QualityTimeout = defaults.QualityTimeout
	}
	if cfg.EscalationTimeout <= 0 {
		cfg.EscalationTimeout = defaults.EscalationTimeout
	}
	if cfg.ExpansionTimeout <= 0 {
		cfg.ExpansionTimeout = defaults.ExpansionTimeout
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = defaults.StreamBuffer
	}
	return cfg
}

// =============================================================================
// Environment Helpers
// =============================================================================

func envSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(envInt(key, defaultSeconds)) * time.Second
}

func envInt(key string, defaultVal int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val <= 0 {
		slog.Warn("Invalid integer in environment, using default",
			"key", key, "value", raw, "default", defaultVal)
		return defaultVal
	}
	return val
}

func envFloat(key string, defaultVal float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn("Invalid float in environment, using default",
			"key", key, "value", raw, "default", defaultVal)
		return defaultVal
	}
	return val
}

func envBool(key string, defaultVal bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		slog.Warn("Invalid boolean in environment, using default",
			"key", key, "value", raw, "default", defaultVal)
		return defaultVal
	}
	return val
}
