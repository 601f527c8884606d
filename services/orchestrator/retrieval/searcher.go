// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/AleutianAI/Rulebook/services/orchestrator/datatypes"
	"github.com/AleutianAI/Rulebook/services/orchestrator/resilience"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("rulebook.orchestrator.retrieval")

// SearchConfig tunes the governance document searcher.
type SearchConfig struct {
	// TopK is the number of passages fetched per query, before dedup.
	TopK int

	// MaxEmbedLength caps the query bytes sent to the embedder.
	MaxEmbedLength int

	// Timeout bounds the Weaviate query. The embedder carries its own.
	Timeout time.Duration
}

// DefaultSearchConfig returns the production defaults.
func DefaultSearchConfig() SearchConfig {
	return SearchConfig{
		TopK:           8,
		MaxEmbedLength: 2048,
		Timeout:        10 * time.Second,
	}
}

// SearchConfigFromEnv builds a config from RETRIEVAL_TOP_K, with
// production defaults for everything unset or invalid.
func SearchConfigFromEnv() SearchConfig {
	cfg := DefaultSearchConfig()
	if raw := os.Getenv("RETRIEVAL_TOP_K"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			cfg.TopK = n
		} else {
			slog.Warn("Invalid RETRIEVAL_TOP_K, using default",
				"provided", raw, "default", cfg.TopK)
		}
	}
	return validateSearchConfig(cfg)
}

// validateSearchConfig validates and corrects search configuration values.
// Logs warnings for invalid values and applies sensible defaults.
func validateSearchConfig(config SearchConfig) SearchConfig {
	defaults := DefaultSearchConfig()

	if config.TopK < 1 {
		slog.Warn("Invalid TopK config, using default",
			"provided", config.TopK, "default", defaults.TopK)
		config.TopK = defaults.TopK
	}

	if config.MaxEmbedLength < 1 {
		slog.Warn("Invalid MaxEmbedLength config, using default",
			"provided", config.MaxEmbedLength, "default", defaults.MaxEmbedLength)
		config.MaxEmbedLength = defaults.MaxEmbedLength
	}

	if config.Timeout <= 0 {
		slog.Warn("Invalid Timeout config, using default",
			"provided", config.Timeout, "default", defaults.Timeout)
		config.Timeout = defaults.Timeout
	}

	return config
}

// WeaviateSearcher implements DocumentSearcher against the GovernanceDocument
// class.
//
// # Description
//
// WeaviateSearcher embeds the query, runs a NearVector search scoped by the
// given SearchScope, and maps results to RetrievedDocument with the Weaviate
// certainty as the score. Certainty is always in [0, 1] regardless of the
// configured distance metric, which is what the confidence router needs.
//
// # Thread Safety
//
// WeaviateSearcher is safe for concurrent use. The underlying Weaviate
// client handles connection pooling.
type WeaviateSearcher struct {
	client   *weaviate.Client
	embedder Embedder
	breaker  *resilience.Breaker
	config   SearchConfig
}

var _ DocumentSearcher = (*WeaviateSearcher)(nil)

// NewWeaviateSearcher creates a new governance document searcher.
//
// # Inputs
//
//   - client: Weaviate client for database access.
//   - embedder: Provider for computing query embeddings.
//   - breaker: Circuit breaker guarding the vector store. May be nil, in
//     which case queries run unguarded.
//   - config: Search configuration (use DefaultSearchConfig() for defaults).
//
// # Outputs
//
//   - *WeaviateSearcher: Ready to use searcher instance.
func NewWeaviateSearcher(client *weaviate.Client, embedder Embedder, breaker *resilience.Breaker, config SearchConfig) *WeaviateSearcher {
	return &WeaviateSearcher{
		client:   client,
		embedder: embedder,
		breaker:  breaker,
		config:   validateSearchConfig(config),
	}
}

// Search retrieves the top passages for query within scope.
//
// # Description
//
// Embeds the query and runs a NearVector search against the
// GovernanceDocument class. Results carry full source metadata so the
// deduplicator can rank authority and the synthesizer can cite sections.
//
// # Inputs
//
//   - ctx: Context for cancellation and timeout.
//   - query: The user question, possibly rewritten by the expander.
//   - scope: Organization and topic domain filters. Zero value searches all.
//
// # Outputs
//
//   - []datatypes.RetrievedDocument: Passages ordered by certainty,
//     highest first. Empty slice when nothing matches.
//   - error: Non-nil if embedding or the Weaviate query fails.
//
// # Limitations
//
//   - Returns raw near-duplicates. Callers run the Deduplicator before
//     building context.
func (s *WeaviateSearcher) Search(ctx context.Context, query string, scope SearchScope) ([]datatypes.RetrievedDocument, error) {
	ctx, span := tracer.Start(ctx, "GovernanceSearch")
	defer span.End()

	truncated := query
	if len(truncated) > s.config.MaxEmbedLength {
		truncated = truncated[:s.config.MaxEmbedLength]
		slog.Debug("Truncated query for embedding",
			"originalLen", len(query), "truncatedLen", len(truncated))
	}

	vector, err := s.embedder.Embed(ctx, truncated)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	nearVector := s.client.GraphQL().NearVectorArgBuilder().
		WithVector(vector)

	fields := []graphql.Field{
		{Name: "content"},
		{Name: "title"},
		{Name: "section"},
		{Name: "source_url"},
		{Name: "document_type"},
		{Name: "organization_id"},
		{Name: "topic_domain"},
		{Name: "authority_level"},
		{Name: "effective_date"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "id"},
			{Name: "certainty"},
		}},
	}

	builder := s.client.GraphQL().Get().
		WithClassName("GovernanceDocument").
		WithFields(fields...).
		WithNearVector(nearVector).
		WithLimit(s.config.TopK)
	if where := buildScopeFilter(scope); where != nil {
		builder = builder.WithWhere(where)
	}

	var result *models.GraphQLResponse
	call := func(ctx context.Context) error {
		var callErr error
		result, callErr = builder.Do(ctx)
		return callErr
	}
	if s.breaker != nil {
		err = s.breaker.Do(ctx, s.config.Timeout, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		slog.Error("Governance corpus search failed", "error", err)
		return nil, &RetrievalError{
			Op:        "vector_search",
			Message:   "weaviate search failed",
			Retryable: true,
			Err:       err,
		}
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.GovernanceDocumentQueryResponse](result)
	if err != nil {
		slog.Error("Failed to parse search results", "error", err)
		return nil, fmt.Errorf("failed to parse results: %w", err)
	}

	docs := parseGovernanceResults(parsed)
	slog.Debug("Governance corpus search complete",
		"scopeOrg", scope.OrganizationID,
		"scopeDomain", scope.TopicDomain,
		"results", len(docs))
	return docs, nil
}

// buildScopeFilter translates a SearchScope into a Weaviate where filter.
// Returns nil for the zero scope so unscoped queries skip the clause.
func buildScopeFilter(scope SearchScope) *filters.WhereBuilder {
	var operands []*filters.WhereBuilder

	if scope.OrganizationID != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{"organization_id"}).
			WithOperator(filters.Equal).
			WithValueString(scope.OrganizationID))
	}

	if scope.TopicDomain != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{"topic_domain"}).
			WithOperator(filters.Equal).
			WithValueString(scope.TopicDomain))
	}

	switch len(operands) {
	case 0:
		return nil
	case 1:
		return operands[0]
	default:
		return filters.Where().
			WithOperator(filters.And).
			WithOperands(operands)
	}
}

// parseGovernanceResults converts a typed query response to RetrievedDocument
// slices, using certainty as the score (always [0, 1]).
func parseGovernanceResults(resp *datatypes.GovernanceDocumentQueryResponse) []datatypes.RetrievedDocument {
	if resp == nil {
		return []datatypes.RetrievedDocument{}
	}

	docs := make([]datatypes.RetrievedDocument, 0, len(resp.Get.GovernanceDocument))
	for _, res := range resp.Get.GovernanceDocument {
		var score float64
		if res.Additional.Certainty != nil {
			score = float64(*res.Additional.Certainty)
		}

		docs = append(docs, datatypes.RetrievedDocument{
			Content: res.Content,
			Score:   score,
			Metadata: datatypes.DocumentMetadata{
				Title:          res.Title,
				Section:        res.Section,
				SourceURL:      res.SourceURL,
				DocumentType:   res.DocumentType,
				OrganizationID: res.OrganizationID,
				EffectiveDate:  res.EffectiveDate,
				AuthorityLevel: res.AuthorityLevel,
			},
		})
	}

	return docs
}
