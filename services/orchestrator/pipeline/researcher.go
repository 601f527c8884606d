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
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/Rulebook/services/orchestrator/datatypes"
)

// runResearcher fetches external web corroboration.
//
// # Description
//
// Used when corpus confidence lands in the gray zone, or as the last
// resort after expansion. The web client owns its own allowlist, result
// cap, retry policy, and breaker; this stage just records what came back.
// Failures leave the result set empty and the turn proceeds to synthesis
// on corpus material alone — web search is corroboration, never a
// requirement.
func (p *Pipeline) runResearcher(ctx context.Context, state *datatypes.ConversationState) error {
	ctx, span := tracer.Start(ctx, "pipeline.researcher")
	defer span.End()

	if p.webSearcher == nil {
		slog.Debug("Web search not configured, skipping research",
			"conversation_id", state.ConversationID)
		return nil
	}

	results, err := p.webSearcher.Search(ctx, state.LatestQuestion())
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.recordStageError(StageResearcher, err)
		span.RecordError(err)
		slog.Warn("Web search failed, synthesizing from corpus results only",
			"conversation_id", state.ConversationID, "error", err)
		return nil
	}

	state.WebSearchResults = results
	state.WebSearchResultURLs = state.WebSearchResultURLs[:0]
	for _, r := range results {
		if r.URL != "" {
			state.WebSearchResultURLs = append(state.WebSearchResultURLs, r.URL)
		}
	}

	span.SetAttributes(attribute.Int("results", len(results)))
	slog.Debug("Web research complete",
		"conversation_id", state.ConversationID, "results", len(results))
	return nil
}
