// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"context"
	"log"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// GetGovernanceDocumentSchema returns the class holding ingested governance
// passages (bylaws, selection procedures, SafeSport code sections, and so
// on). Vectors are supplied by the external embedder, so the class itself
// has no vectorizer.
func GetGovernanceDocumentSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       "GovernanceDocument",
		Description: "A passage of athlete governance source material with provenance metadata.",
		Vectorizer:  "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexNullState:  true,
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			{
				Name:         "content",
				DataType:     []string{"text"},
				Description:  "The passage text.",
				Tokenization: "word",
			},
			{
				Name:         "title",
				DataType:     []string{"text"},
				Description:  "Title of the source document.",
				Tokenization: "word",
			},
			{
				Name:            "section",
				DataType:        []string{"text"},
				Description:     "Section or article reference within the source.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "source_url",
				DataType:        []string{"text"},
				Description:     "Canonical URL of the source document.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "document_type",
				DataType:        []string{"text"},
				Description:     "Kind of source (bylaws, policy, code, guide).",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "organization_id",
				DataType:        []string{"text"},
				Description:     "Identifier of the issuing organization (NGB, USOPC, USADA...).",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "topic_domain",
				DataType:        []string{"text"},
				Description:     "Governance domain tag assigned at ingestion.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "authority_level",
				DataType:        []string{"text"},
				Description:     "Source authority tier (law, international_rule, governance_body...).",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "effective_date",
				DataType:        []string{"text"},
				Description:     "Human-readable effective date of the source material.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "ingested_at",
				DataType:        []string{"number"},
				Description:     "Timestamp (Unix ms) of when the passage was ingested.",
				IndexFilterable: indexFilterable,
			},
		},
	}
}

// GetConversationSchema returns the class recording completed turns.
func GetConversationSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       "Conversation",
		Description: "A record of a user question and the assistant's answer.",
		Vectorizer:  "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexNullState:  true,
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			{
				Name:            "session_id",
				DataType:        []string{"text"},
				Description:     "The unique ID for the conversation session.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:         "question",
				DataType:     []string{"text"},
				Description:  "The user's question.",
				Tokenization: "word",
			},
			{
				Name:         "answer",
				DataType:     []string{"text"},
				Description:  "The synthesized answer.",
				Tokenization: "word",
			},
			{
				Name:            "topic_domain",
				DataType:        []string{"text"},
				Description:     "Governance domain the classifier assigned to the turn.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "timestamp",
				DataType:        []string{"number"},
				Description:     "The timestamp (Unix ms) when the turn completed.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "turn_number",
				DataType:        []string{"int"},
				Description:     "The sequential turn number within the session (1-indexed).",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "pii_categories",
				DataType:        []string{"text[]"},
				Description:     "PII categories redacted from the stored question, empty when clean.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "inSession",
				DataType:        []string{"Session"},
				Description:     "A direct graph link to the parent Session object.",
				IndexFilterable: indexFilterable,
			},
		},
	}
}

// GetSessionSchema returns the class holding per-session metadata including
// the rolling conversation summary.
func GetSessionSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:               "Session",
		Description:         "Metadata for a single conversation session, including a rolling summary.",
		Vectorizer:          "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{IndexTimestamps: true},
		Properties: []*models.Property{
			{
				Name:            "session_id",
				DataType:        []string{"text"},
				Description:     "The unique ID for the conversation session.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:         "summary",
				DataType:     []string{"text"},
				Description:  "The rolling LLM-maintained summary of the conversation so far.",
				Tokenization: "word",
			},
			{
				Name:            "timestamp",
				DataType:        []string{"number"},
				Description:     "The timestamp when the session began.",
				IndexFilterable: indexFilterable,
			},
		},
	}
}

// EnsureWeaviateSchema creates any missing classes. Called once at startup;
// a class that cannot be created is fatal because every later operation
// would fail anyway.
func EnsureWeaviateSchema(client *weaviate.Client) {
	schemaGetters := []func() *models.Class{
		GetSessionSchema,
		GetGovernanceDocumentSchema,
		GetConversationSchema,
	}

	for _, getSchema := range schemaGetters {
		class := getSchema()
		slog.Info("Checking schema", "class", class.Class)

		_, err := client.Schema().ClassGetter().WithClassName(class.Class).Do(context.Background())
		if err != nil {
			// Getter errors when the class does not exist yet.
			slog.Info("Schema not found, creating it...", "class", class.Class)
			err := client.Schema().ClassCreator().WithClass(class).Do(context.Background())
			if err != nil {
				log.Fatalf("Failed to create schema for class %s: %v", class.Class, err)
			}
			slog.Info("Successfully created schema", "class", class.Class)
		} else {
			slog.Info("Schema already exists", "class", class.Class)
		}
	}
}
