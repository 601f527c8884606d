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
	"crypto/sha256"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
)

var convTracer = otel.Tracer("rulebook.orchestrator.datatypes")

// FindOrCreateSessionUUID resolves a logical session_id to the Weaviate UUID
// of its Session object, creating the object if it does not exist yet.
//
// # Description
//
// Conversation turns carry a beacon reference to their parent Session, so
// every write path needs the Session's Weaviate UUID up front. This helper
// queries by the session_id property and falls back to creating a fresh
// Session object with an empty summary.
//
// # Inputs
//
//   - ctx: Context for cancellation and tracing.
//   - client: Connected Weaviate client.
//   - sessionID: The logical session identifier chosen by the caller.
//
// # Outputs
//
//   - string: The Weaviate UUID of the Session object.
//   - error: Non-nil if both the lookup and the create fail.
func FindOrCreateSessionUUID(ctx context.Context, client *weaviate.Client, sessionID string) (string, error) {
	ctx, span := convTracer.Start(ctx, "FindOrCreateSessionUUID")
	defer span.End()

	where := filters.Where().
		WithPath([]string{"session_id"}).
		WithOperator(filters.Equal).
		WithValueString(sessionID)

	fields := []graphql.Field{
		{Name: "session_id"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "id"}}},
	}

	resp, err := client.GraphQL().Get().
		WithClassName("Session").
		WithWhere(where).
		WithFields(fields...).
		WithLimit(1).
		Do(ctx)
	if err != nil {
		return "", fmt.Errorf("session lookup failed: %w", err)
	}

	parsed, err := ParseGraphQLResponse[SessionQueryResponse](resp)
	if err != nil {
		return "", fmt.Errorf("session lookup parse failed: %w", err)
	}

	if len(parsed.Get.Session) > 0 {
		return parsed.Get.Session[0].Additional.ID, nil
	}

	props := SessionProperties{
		SessionId: sessionID,
		Summary:   "",
		Timestamp: time.Now().UnixMilli(),
	}

	created, err := client.Data().Creator().
		WithClassName("Session").
		WithProperties(props.ToMap()).
		Do(ctx)
	if err != nil {
		return "", fmt.Errorf("session create failed: %w", err)
	}

	newUUID := string(created.Object.ID)
	slog.Debug("Created new session object", "session_id", sessionID, "uuid", newUUID)
	return newUUID, nil
}

// Conversation is one completed question/answer turn bound for storage.
// Question must already be the redacted copy when the privacy scanner
// flagged anything; PIICategories records what was removed.
type Conversation struct {
	SessionId     string
	Question      string
	Answer        string
	TopicDomain   string
	TurnNumber    int
	PIICategories []string
}

// TurnUUID derives a deterministic object id from the turn content.
// Retrying a failed save upserts the same object instead of creating a
// duplicate turn.
func (c *Conversation) TurnUUID() string {
	content := fmt.Sprintf("%s|%d|%s|%s", c.SessionId, c.TurnNumber, c.Question, c.Answer)
	hash := sha256.Sum256([]byte(content))
	id, _ := uuid.FromBytes(hash[:16])
	return id.String()
}

// Save persists the turn as a Conversation object linked to its Session.
//
// Turns with an empty answer are skipped rather than stored, so aborted
// pipeline runs do not pollute the history used for context windows.
func (c *Conversation) Save(ctx context.Context, client *weaviate.Client) error {
	ctx, span := convTracer.Start(ctx, "Conversation.Save")
	defer span.End()

	if c.Answer == "" {
		slog.Debug("Skipping conversation save with empty answer", "session_id", c.SessionId)
		return nil
	}

	sessionUUID, err := FindOrCreateSessionUUID(ctx, client, c.SessionId)
	if err != nil {
		return fmt.Errorf("failed to resolve session: %w", err)
	}

	props := ConversationProperties{
		SessionId:     c.SessionId,
		Question:      c.Question,
		Answer:        c.Answer,
		TopicDomain:   c.TopicDomain,
		TurnNumber:    c.TurnNumber,
		Timestamp:     time.Now().UnixMilli(),
		PIICategories: c.PIICategories,
	}

	propMap := props.ToMap()
	WithBeacon(propMap, sessionUUID)

	turnID := c.TurnUUID()

	// Batch PUTs upsert by id, so a retried save lands on the same object.
	resp, err := client.Batch().ObjectsBatcher().
		WithObjects(&models.Object{
			Class:      "Conversation",
			ID:         strfmt.UUID(turnID),
			Properties: propMap,
		}).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to save conversation turn: %w", err)
	}

	for _, item := range resp {
		if item.Result != nil && item.Result.Status != nil && *item.Result.Status != "SUCCESS" {
			return fmt.Errorf("failed to save conversation turn: batch status %s", *item.Result.Status)
		}
	}

	slog.Debug("Saved conversation turn",
		"session_id", c.SessionId,
		"turn", c.TurnNumber,
		"turn_id", turnID,
		"domain", c.TopicDomain)
	return nil
}
