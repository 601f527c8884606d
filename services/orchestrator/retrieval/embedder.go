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
	"time"

	"github.com/AleutianAI/Rulebook/services/orchestrator/datatypes"
	"github.com/AleutianAI/Rulebook/services/orchestrator/resilience"
)

const defaultEmbedTimeout = 10 * time.Second

// ServiceEmbedder computes embeddings through the HTTP embedding service
// configured by EMBEDDING_SERVICE_URL.
//
// # Thread Safety
//
// ServiceEmbedder is safe for concurrent use. Each call builds its own
// response value.
type ServiceEmbedder struct {
	breaker *resilience.Breaker
	timeout time.Duration
}

var _ Embedder = (*ServiceEmbedder)(nil)

// NewServiceEmbedder creates an embedder backed by the embedding service.
// The breaker may be nil, in which case calls run unguarded.
func NewServiceEmbedder(breaker *resilience.Breaker, timeout time.Duration) *ServiceEmbedder {
	if timeout <= 0 {
		timeout = defaultEmbedTimeout
	}
	return &ServiceEmbedder{breaker: breaker, timeout: timeout}
}

// Embed computes a vector embedding for the given text.
//
// # Inputs
//
//   - ctx: Context for cancellation and timeout. If canceled, returns
//     immediately.
//   - text: The text to embed.
//
// # Outputs
//
//   - []float32: The embedding vector.
//   - error: Non-nil if the service fails, the breaker rejects the call,
//     or the context is canceled.
//
// # Assumptions
//
//   - EMBEDDING_SERVICE_URL is set and the service is responding.
func (e *ServiceEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var resp datatypes.EmbeddingResponse
	call := func(ctx context.Context) error {
		return resp.Get(ctx, text)
	}

	var err error
	if e.breaker != nil {
		err = e.breaker.Do(ctx, e.timeout, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("embedding failed: %w", err)
	}

	if len(resp.Vector) == 0 {
		return nil, fmt.Errorf("embedding service returned an empty vector")
	}
	return resp.Vector, nil
}
