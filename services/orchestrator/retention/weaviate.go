// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retention

import (
	"context"
	"fmt"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
)

// NewWeaviateBatchDelete creates a BatchDeleteFunc backed by Weaviate.
//
// # Description
//
// Returns a function that batch deletes objects whose timestamp falls
// below the filter cutoff, optionally restricted to one topic_domain.
// Dry-run maps onto Weaviate's native dryRun flag, which reports match
// counts without removing anything.
//
// # Inputs
//
//   - client: Weaviate client instance. Must not be nil.
//
// # Outputs
//
//   - BatchDeleteFunc: Ready for use with NewSweeper.
//
// # Limitations
//
//   - The server caps objects per batch delete call (10000 by default);
//     the outcome's Matched count reflects only the capped batch.
func NewWeaviateBatchDelete(client *weaviate.Client) BatchDeleteFunc {
	return func(ctx context.Context, filter ExpiryFilter, dryRun bool) (BatchOutcome, error) {
		resp, err := client.Batch().ObjectsBatchDeleter().
			WithClassName(filter.Class).
			WithWhere(expiryWhere(filter)).
			WithOutput("minimal").
			WithDryRun(dryRun).
			Do(ctx)

		if err != nil {
			return BatchOutcome{}, fmt.Errorf("batch delete failed for %s: %w", filter.Class, err)
		}

		if resp == nil || resp.Results == nil {
			return BatchOutcome{}, nil
		}

		return BatchOutcome{
			Matched: resp.Results.Matches,
			Deleted: resp.Results.Successful,
			Failed:  resp.Results.Failed,
		}, nil
	}
}

// expiryWhere builds the age filter, optionally narrowed to one topic
// domain.
func expiryWhere(filter ExpiryFilter) *filters.WhereBuilder {
	age := filters.Where().
		WithPath([]string{"timestamp"}).
		WithOperator(filters.LessThan).
		WithValueNumber(float64(filter.CutoffMs))

	if filter.Domain == "" {
		return age
	}

	return filters.Where().
		WithOperator(filters.And).
		WithOperands([]*filters.WhereBuilder{
			filters.Where().
				WithPath([]string{"topic_domain"}).
				WithOperator(filters.Equal).
				WithValueString(filter.Domain),
			age,
		})
}
