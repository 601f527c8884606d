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

	"github.com/AleutianAI/Rulebook/services/orchestrator/datatypes"
)

// RouterConfig holds the two confidence thresholds that partition retrieval
// confidence into low / gray-zone / high bands.
//
// # Description
//
// ConfidenceThreshold is the floor of the gray zone; GrayZoneUpper is its
// exclusive ceiling. Confidence at or above GrayZoneUpper goes straight to
// synthesis, the gray zone picks up web corroboration first, and anything
// below the floor gets one query expansion before falling back to web
// research.
type RouterConfig struct {
	// ConfidenceThreshold is the lower bound of the gray zone.
	// Default 0.60 (PIPELINE_CONFIDENCE_THRESHOLD).
	ConfidenceThreshold float64

	// GrayZoneUpper is the confidence at which retrieval alone is trusted.
	// Default 0.75 (PIPELINE_GRAY_ZONE_UPPER).
	GrayZoneUpper float64
}

// DefaultRouterConfig returns the built-in thresholds.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		ConfidenceThreshold: 0.60,
		GrayZoneUpper:       0.75,
	}
}

// RouterConfigFromEnv reads the thresholds from the environment, correcting
// anything out of range back to the defaults.
func RouterConfigFromEnv() RouterConfig {
	return validateRouterConfig(RouterConfig{
		ConfidenceThreshold: envFloat("PIPELINE_CONFIDENCE_THRESHOLD", 0.60),
		GrayZoneUpper:       envFloat("PIPELINE_GRAY_ZONE_UPPER", 0.75),
	})
}

// validateRouterConfig enforces 0 < ConfidenceThreshold < GrayZoneUpper < 1.
// A broken pair is replaced wholesale with the defaults rather than
// partially patched, so the two thresholds always came from the same
// source.
func validateRouterConfig(cfg RouterConfig) RouterConfig {
	if cfg.ConfidenceThreshold == 0 && cfg.GrayZoneUpper == 0 {
		return DefaultRouterConfig()
	}
	if cfg.ConfidenceThreshold <= 0 || cfg.GrayZoneUpper >= 1 ||
		cfg.ConfidenceThreshold >= cfg.GrayZoneUpper {
		slog.Warn("Invalid router thresholds, using defaults",
			"confidence_threshold", cfg.ConfidenceThreshold,
			"gray_zone_upper", cfg.GrayZoneUpper)
		return DefaultRouterConfig()
	}
	return cfg
}

// Route decides the next stage for a classified, retrieved state.
//
// # Description
//
// The rules are strictly ordered; the first match wins:
//
//  1. Escalation intent → StageEscalate. The question is referred to a
//     human regardless of what retrieval found.
//  2. Confidence at or above GrayZoneUpper → StageSynthesizer. The corpus
//     answered well enough on its own.
//  3. Web results already present → StageSynthesizer. Research already
//     happened this turn; never search the web twice.
//  4. Confidence at or above ConfidenceThreshold → StageResearcher. The
//     gray zone: usable grounding, corroborate it externally first.
//  5. Expansion not yet attempted → StageExpander. Weak retrieval gets one
//     broadened re-query before giving up on the corpus.
//  6. Otherwise → StageResearcher. Expansion already spent; external
//     search is the last source of grounding.
//
// Rule 3 sits above the gray-zone check deliberately: once the researcher
// has run, any confidence short of rule 2 must not trigger a second web
// search.
//
// # Inputs
//
//   - state: The turn state after classification and at least one
//     retrieval pass.
//   - cfg: Validated thresholds.
//
// # Outputs
//
//   - Stage: One of StageEscalate, StageSynthesizer, StageResearcher,
//     StageExpander.
//
// # Thread Safety
//
// Pure function of its inputs.
func Route(state *datatypes.ConversationState, cfg RouterConfig) Stage {
	if state.QueryIntent == datatypes.IntentEscalation {
		return StageEscalate
	}
	if state.RetrievalConfidence >= cfg.GrayZoneUpper {
		return StageSynthesizer
	}
	if len(state.WebSearchResults) > 0 {
		return StageSynthesizer
	}
	if state.RetrievalConfidence >= cfg.ConfidenceThreshold {
		return StageResearcher
	}
	if !state.ExpansionAttempted {
		return StageExpander
	}
	return StageResearcher
}
