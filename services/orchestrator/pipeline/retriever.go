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
	"github.com/AleutianAI/Rulebook/services/orchestrator/observability"
	"github.com/AleutianAI/Rulebook/services/orchestrator/retrieval"
)

// runRetriever performs the initial semantic search and derives the
// retrieval confidence the router decides on.
//
// # Description
//
// The search is scoped to the classified organization and topic domain
// (the general domain searches the whole corpus). Results are
// deduplicated, the confidence becomes the top surviving score, and
// citations are derived immediately so streaming clients receive them
// before the first answer token. A failed search leaves the state with
// zero confidence, which routes the turn into expansion or web research
// rather than aborting it.
func (p *Pipeline) runRetriever(ctx context.Context, state *datatypes.ConversationState) error {
	ctx, span := tracer.Start(ctx, "pipeline.retriever")
	defer span.End()

	docs, err := p.searcher.Search(ctx, state.LatestQuestion(), p.searchScope(state))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.recordStageError(StageRetriever, err)
		span.RecordError(err)
		slog.Warn("Retrieval failed, continuing without corpus results",
			"conversation_id", state.ConversationID, "error", err)
		docs = nil
	}

	p.applyRetrieval(state, docs)

	span.SetAttributes(
		attribute.Int("documents", len(state.RetrievedDocuments)),
		attribute.Float64("confidence", state.RetrievalConfidence),
	)
	if m := observability.DefaultPipeline; m != nil {
		m.RecordRetrieval("initial", len(state.RetrievedDocuments), state.RetrievalConfidence)
	}
	slog.Debug("Retrieved documents",
		"conversation_id", state.ConversationID,
		"count", len(state.RetrievedDocuments),
		"confidence", state.RetrievalConfidence)
	return nil
}

// searchScope narrows the search to the classified organization and
// domain. An explicit request filter beats the classifier's detection;
// the general domain carries no filter value.
func (p *Pipeline) searchScope(state *datatypes.ConversationState) retrieval.SearchScope {
	scope := retrieval.SearchScope{}
	switch {
	case state.OrgFilter != "":
		scope.OrganizationID = state.OrgFilter
	case len(state.DetectedOrgIDs) > 0:
		scope.OrganizationID = state.DetectedOrgIDs[0]
	}
	if state.TopicDomain != "" && state.TopicDomain != datatypes.DomainGeneral {
		scope.TopicDomain = string(state.TopicDomain)
	}
	return scope
}

// applyRetrieval deduplicates raw results and refreshes the derived
// fields: documents, confidence, citations. Used by both the retriever
// and the expander so the derivation can never drift between them.
func (p *Pipeline) applyRetrieval(state *datatypes.ConversationState, raw []datatypes.RetrievedDocument) {
	deduped := p.dedup.Deduplicate(raw)

	state.RetrievedDocuments = deduped
	state.RetrievalConfidence = topScore(deduped)
	state.Citations = citationsFrom(deduped)
}

// topScore returns the best surviving score, or 0 for an empty set. The
// deduplicator sorts by score descending.
func topScore(docs []datatypes.RetrievedDocument) float64 {
	if len(docs) == 0 {
		return 0
	}
	return docs[0].Score
}

// citationsFrom derives caller-facing citations from the deduplicated
// set, one per distinct title/section pair, in retrieval order.
func citationsFrom(docs []datatypes.RetrievedDocument) []datatypes.Citation {
	if len(docs) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(docs))
	citations := make([]datatypes.Citation, 0, len(docs))
	for _, doc := range docs {
		if doc.Metadata.Title == "" {
			continue
		}
		key := doc.Metadata.Title + "\x00" + doc.Metadata.Section
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		citations = append(citations, datatypes.CitationFor(doc))
	}
	return citations
}
