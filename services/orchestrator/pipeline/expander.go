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
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/Rulebook/services/llm"
	"github.com/AleutianAI/Rulebook/services/orchestrator/datatypes"
	"github.com/AleutianAI/Rulebook/services/orchestrator/observability"
	"github.com/AleutianAI/Rulebook/services/orchestrator/resilience"
)

// expansionVariants is how many rewritten queries the expander asks for.
const expansionVariants = 3

// runExpander broadens a weakly-matched query and retrieves again.
//
// # Description
//
// A fast-LLM call rewrites the question into three variations (specific,
// broad, related); each is searched without the topic-domain filter so the
// retry covers more of the corpus than the first pass did. New hits are
// merged with the existing set and the whole pool is re-deduplicated, so
// confidence can only move on genuinely new material.
//
// The ExpansionAttempted latch is set before any work happens. Whatever
// fails afterwards, the router will never send the turn here twice.
func (p *Pipeline) runExpander(ctx context.Context, state *datatypes.ConversationState) error {
	ctx, span := tracer.Start(ctx, "pipeline.expander")
	defer span.End()

	state.ExpansionAttempted = true

	queries, err := p.expandQuery(ctx, state)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.recordStageError(StageExpander, err)
		span.RecordError(err)
		slog.Warn("Query expansion failed, re-searching the original question unscoped",
			"conversation_id", state.ConversationID, "error", err)
		queries = []string{state.LatestQuestion()}
	}

	// Broadened scope: keep the organization, drop the domain filter.
	scope := p.searchScope(state)
	scope.TopicDomain = ""

	merged := append([]datatypes.RetrievedDocument(nil), state.RetrievedDocuments...)
	for _, query := range queries {
		docs, searchErr := p.searcher.Search(ctx, query, scope)
		if searchErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.recordStageError(StageExpander, searchErr)
			slog.Warn("Expanded search failed for one variant",
				"conversation_id", state.ConversationID, "error", searchErr)
			continue
		}
		merged = append(merged, docs...)
	}

	p.applyRetrieval(state, merged)

	span.SetAttributes(
		attribute.Int("query_variants", len(queries)),
		attribute.Int("documents", len(state.RetrievedDocuments)),
		attribute.Float64("confidence", state.RetrievalConfidence),
	)
	if m := observability.DefaultPipeline; m != nil {
		m.RecordRetrieval("expanded", len(state.RetrievedDocuments), state.RetrievalConfidence)
	}
	slog.Debug("Expansion retrieval complete",
		"conversation_id", state.ConversationID,
		"variants", len(queries),
		"count", len(state.RetrievedDocuments),
		"confidence", state.RetrievalConfidence)
	return nil
}

// expandQuery asks the fast model for search-friendly rewrites of the
// question. The original question is always included as the first query so
// an eccentric rewrite cannot lose the user's own phrasing.
func (p *Pipeline) expandQuery(ctx context.Context, state *datatypes.ConversationState) ([]string, error) {
	prompt := fmt.Sprintf(expansionPrompt, state.TopicDomain, state.LatestQuestion())
	params := llm.GenerationParams{
		Temperature: floatPtr(0.3),
		MaxTokens:   intPtr(200),
	}

	var raw string
	err := p.breakers.Get(resilience.DepFastLLM).Do(ctx, p.config.ExpansionTimeout,
		func(ctx context.Context) error {
			var callErr error
			raw, callErr = p.fastLLM.Generate(ctx, prompt, params)
			return callErr
		})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Queries []string `json:"queries"`
	}
	if err := decodeJSONObject(raw, &parsed); err != nil {
		return nil, fmt.Errorf("expansion response %q: %w", snippet(raw, 120), err)
	}

	queries := []string{state.LatestQuestion()}
	for _, q := range parsed.Queries {
		if q != "" && q != state.LatestQuestion() {
			queries = append(queries, q)
		}
		if len(queries) > expansionVariants {
			break
		}
	}
	if len(queries) == 1 {
		return nil, fmt.Errorf("expansion produced no usable queries")
	}
	return queries, nil
}
