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
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	if cfg.Router != DefaultRouterConfig() {
		t.Errorf("Router = %+v", cfg.Router)
	}
	if cfg.SynthesisTimeout != 120*time.Second {
		t.Errorf("SynthesisTimeout = %v", cfg.SynthesisTimeout)
	}
	if cfg.ExpansionTimeout != 15*time.Second {
		t.Errorf("ExpansionTimeout = %v", cfg.ExpansionTimeout)
	}
	if !cfg.QualityEnabled {
		t.Error("QualityEnabled = false by default")
	}
	if cfg.StreamBuffer != 64 {
		t.Errorf("StreamBuffer = %d", cfg.StreamBuffer)
	}
}

func TestValidateConfig_CorrectsOutOfRange(t *testing.T) {
	t.Parallel()

	got := validateConfig(Config{
		ClassifyTimeout:  -1 * time.Second,
		SynthesisTimeout: 10 * time.Second, // valid, kept
		StreamBuffer:     -5,
	})

	defaults := DefaultConfig()
	if got.ClassifyTimeout != defaults.ClassifyTimeout {
		t.Errorf("ClassifyTimeout = %v, want default", got.ClassifyTimeout)
	}
	if got.SynthesisTimeout != 10*time.Second {
		t.Errorf("SynthesisTimeout = %v, want the valid value kept", got.SynthesisTimeout)
	}
	if got.QualityTimeout != defaults.QualityTimeout {
		t.Errorf("QualityTimeout = %v, want default", got.QualityTimeout)
	}
	if got.StreamBuffer != defaults.StreamBuffer {
		t.Errorf("StreamBuffer = %d, want default", got.StreamBuffer)
	}
	if got.Router != DefaultRouterConfig() {
		t.Errorf("Router = %+v, want defaults", got.Router)
	}
}

func TestValidateConfig_QualityToggleIsExplicit(t *testing.T) {
	t.Parallel()

	// The boolean is taken as given: validation corrects ranges, it does
	// not guess intent.
	if validateConfig(Config{QualityEnabled: false}).QualityEnabled {
		t.Error("QualityEnabled flipped to true")
	}
	if !validateConfig(Config{QualityEnabled: true}).QualityEnabled {
		t.Error("QualityEnabled flipped to false")
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("PIPELINE_CLASSIFY_TIMEOUT_SECONDS", "5")
	t.Setenv("PIPELINE_SYNTHESIS_TIMEOUT_SECONDS", "90")
	t.Setenv("PIPELINE_QUALITY_ENABLED", "false")
	t.Setenv("PIPELINE_STREAM_BUFFER", "128")
	t.Setenv("PIPELINE_CONFIDENCE_THRESHOLD", "0.5")
	t.Setenv("PIPELINE_GRAY_ZONE_UPPER", "0.8")

	cfg := ConfigFromEnv()
	if cfg.ClassifyTimeout != 5*time.Second {
		t.Errorf("ClassifyTimeout = %v", cfg.ClassifyTimeout)
	}
	if cfg.SynthesisTimeout != 90*time.Second {
		t.Errorf("SynthesisTimeout = %v", cfg.SynthesisTimeout)
	}
	if cfg.QualityEnabled {
		t.Error("QualityEnabled = true, want false from env")
	}
	if cfg.StreamBuffer != 128 {
		t.Errorf("StreamBuffer = %d", cfg.StreamBuffer)
	}
	if cfg.Router.ConfidenceThreshold != 0.5 || cfg.Router.GrayZoneUpper != 0.8 {
		t.Errorf("Router = %+v", cfg.Router)
	}
}

func TestConfigFromEnv_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("PIPELINE_CLASSIFY_TIMEOUT_SECONDS", "not-a-number")
	t.Setenv("PIPELINE_SYNTHESIS_TIMEOUT_SECONDS", "-5")
	t.Setenv("PIPELINE_QUALITY_ENABLED", "maybe")
	t.Setenv("PIPELINE_CONFIDENCE_THRESHOLD", "0.9")
	t.Setenv("PIPELINE_GRAY_ZONE_UPPER", "0.2")

	cfg := ConfigFromEnv()
	defaults := DefaultConfig()
	if cfg.ClassifyTimeout != defaults.ClassifyTimeout {
		t.Errorf("ClassifyTimeout = %v, want default", cfg.ClassifyTimeout)
	}
	if cfg.SynthesisTimeout != defaults.SynthesisTimeout {
		t.Errorf("SynthesisTimeout = %v, want default", cfg.SynthesisTimeout)
	}
	if !cfg.QualityEnabled {
		t.Error("QualityEnabled = false, want the default true")
	}
	// An inverted threshold pair is replaced wholesale.
	if cfg.Router != DefaultRouterConfig() {
		t.Errorf("Router = %+v, want defaults", cfg.Router)
	}
}
