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

	"github.com/AleutianAI/Rulebook/services/orchestrator/datatypes"
)

// Embedder computes a vector embedding for a piece of text.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// DocumentSearcher retrieves governance passages by semantic similarity.
//
// # Description
//
// Implementations search the GovernanceDocument class and return passages
// ordered by certainty, optionally scoped to one organization and/or one
// topic domain. Results are raw: callers run them through the Deduplicator
// before building synthesis context.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type DocumentSearcher interface {
	Search(ctx context.Context, query string, scope SearchScope) ([]datatypes.RetrievedDocument, error)
}

// WebSearcher fetches external corroboration for questions the curated
// corpus answers weakly.
type WebSearcher interface {
	Search(ctx context.Context, query string) ([]datatypes.WebSearchResult, error)
}

// SearchScope narrows a semantic search to one organization's corpus and/or
// one topic domain. The zero value searches the whole corpus.
type SearchScope struct {
	OrganizationID string
	TopicDomain    string
}
