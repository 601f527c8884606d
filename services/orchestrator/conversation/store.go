// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/Rulebook/services/orchestrator/datatypes"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
)

// SummaryStore persists the rolling summary for each session.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type SummaryStore interface {
	// GetSummary returns the stored summary for a session, or "" when the
	// session does not exist or has no summary yet. A missing session is
	// not an error; errors report transport or parse failures only.
	GetSummary(ctx context.Context, sessionID string) (string, error)

	// SaveSummary replaces the session's stored summary, creating the
	// Session object when this is the first write for the session.
	SaveSummary(ctx context.Context, sessionID string, summary string) error
}

// WeaviateSessionStore keeps session summaries and the turn log in the
// same Weaviate instance as the governance corpus.
//
// # Description
//
// Summaries live on the Session object that anchors a session's turns
// (one object per session_id, resolved through FindOrCreateSessionUUID).
// Completed turns append to the Conversation class, so history survives
// process restarts and powers the /v1/sessions endpoints.
//
// # Thread Safety
//
// WeaviateSessionStore is safe for concurrent use. The underlying
// Weaviate client handles connection pooling.
//
// # Example
//
//	store := NewWeaviateSessionStore(client)
//	summary, err := store.GetSummary(ctx, "sess_123")
//	if err != nil {
//	    // Transport failure - proceed without a summary
//	}
type WeaviateSessionStore struct {
	client *weaviate.Client
}

// NewWeaviateSessionStore creates a session store backed by the given
// Weaviate client.
func NewWeaviateSessionStore(client *weaviate.Client) *WeaviateSessionStore {
	return &WeaviateSessionStore{client: client}
}

// GetSummary returns the rolling summary stored on the session's
// Session object.
//
// # Inputs
//
//   - ctx: Context for cancellation and timeout.
//   - sessionID: The logical session identifier.
//
// # Outputs
//
//   - string: The stored summary, or "" when the session is new.
//   - error: Non-nil if the query or response parse fails.
func (s *WeaviateSessionStore) GetSummary(ctx context.Context, sessionID string) (string, error) {
	ctx, span := tracer.Start(ctx, "GetSummary")
	defer span.End()

	where := filters.Where().
		WithPath([]string{"session_id"}).
		WithOperator(filters.Equal).
		WithValueString(sessionID)

	fields := []graphql.Field{
		{Name: "summary"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "id"}}},
	}

	resp, err := s.client.GraphQL().Get().
		WithClassName("Session").
		WithWhere(where).
		WithFields(fields...).
		WithLimit(1).
		Do(ctx)
	if err != nil {
		return "", fmt.Errorf("session summary query failed: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.SessionQueryResponse](resp)
	if err != nil {
		return "", fmt.Errorf("session summary parse failed: %w", err)
	}
	if len(parsed.Get.Session) == 0 {
		return "", nil
	}
	return parsed.Get.Session[0].Summary, nil
}

// SaveSummary writes the summary onto the session's Session object,
// creating the object first when this session has never been stored.
//
// # Description
//
// Resolves the Session UUID by session_id and merges the new summary
// into the existing object, so concurrent turn writes to other fields
// are not clobbered.
//
// # Inputs
//
//   - ctx: Context for cancellation and timeout.
//   - sessionID: The logical session identifier.
//   - summary: The replacement summary text. May be "".
//
// # Outputs
//
//   - error: Non-nil if the session cannot be resolved or the merge fails.
func (s *WeaviateSessionStore) SaveSummary(ctx context.Context, sessionID string, summary string) error {
	ctx, span := tracer.Start(ctx, "SaveSummary")
	defer span.End()

	sessionUUID, err := datatypes.FindOrCreateSessionUUID(ctx, s.client, sessionID)
	if err != nil {
		return fmt.Errorf("resolve session for summary: %w", err)
	}

	err = s.client.Data().Updater().
		WithClassName("Session").
		WithID(sessionUUID).
		WithMerge().
		WithProperties(map[string]interface{}{
			"summary":   summary,
			"timestamp": time.Now().UnixMilli(),
		}).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("update session summary: %w", err)
	}

	slog.Debug("Saved session summary",
		"session_id", sessionID,
		"uuid", sessionUUID,
		"chars", len(summary))
	return nil
}

// GetRecentTurns loads the last n completed turns for a session as
// prompt-ready messages, oldest first.
//
// # Description
//
// Queries the Conversation class newest-first by timestamp, then
// reverses into chronological order and expands each turn into its user
// and assistant messages. Handlers use this to rebuild conversation
// state for clients that send only a session_id; a client-supplied
// history takes precedence and skips this call.
//
// # Inputs
//
//   - ctx: Context for cancellation and timeout.
//   - sessionID: The session to load from.
//   - n: Maximum number of turns (question/answer pairs) to load.
//
// # Outputs
//
//   - []datatypes.Message: Up to 2n messages, oldest first.
//   - error: Non-nil if the query or response parse fails.
//
// # Limitations
//
//   - Returns fewer than n turns when the session is shorter.
//   - Turns stored without an answer never appear; Conversation.Save
//     drops them at write time.
func (s *WeaviateSessionStore) GetRecentTurns(ctx context.Context, sessionID string, n int) ([]datatypes.Message, error) {
	ctx, span := tracer.Start(ctx, "GetRecentTurns")
	defer span.End()

	if n <= 0 {
		return nil, nil
	}

	where := filters.Where().
		WithPath([]string{"session_id"}).
		WithOperator(filters.Equal).
		WithValueString(sessionID)

	sortBy := graphql.Sort{
		Path:  []string{"timestamp"},
		Order: graphql.Desc,
	}

	fields := []graphql.Field{
		{Name: "question"},
		{Name: "answer"},
		{Name: "timestamp"},
		{Name: "turn_number"},
	}

	resp, err := s.client.GraphQL().Get().
		WithClassName("Conversation").
		WithFields(fields...).
		WithWhere(where).
		WithSort(sortBy).
		WithLimit(n).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("recent turns query failed: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.ConversationQueryResponse](resp)
	if err != nil {
		return nil, fmt.Errorf("recent turns parse failed: %w", err)
	}

	msgs := turnsToMessages(parsed.Get.Conversation)
	slog.Debug("Loaded recent turns", "session_id", sessionID, "messages", len(msgs))
	return msgs, nil
}

// LogTurn appends a completed exchange to the Conversation class,
// creating the parent Session object when needed. Turns with an empty
// answer are dropped by Conversation.Save, so aborted pipeline runs do
// not pollute stored history.
func (s *WeaviateSessionStore) LogTurn(ctx context.Context, turn *datatypes.Conversation) error {
	return turn.Save(ctx, s.client)
}

// turnsToMessages converts newest-first query results into a
// chronological message list. Turns with an empty question are skipped.
func turnsToMessages(turns []datatypes.ConversationResult) []datatypes.Message {
	msgs := make([]datatypes.Message, 0, len(turns)*2)
	for i := len(turns) - 1; i >= 0; i-- {
		turn := turns[i]
		if strings.TrimSpace(turn.Question) == "" {
			continue
		}
		msgs = append(msgs, datatypes.Message{
			Role:    datatypes.RoleUser,
			Content: turn.Question,
		})
		if turn.Answer != "" {
			msgs = append(msgs, datatypes.Message{
				Role:    datatypes.RoleAssistant,
				Content: turn.Answer,
			})
		}
	}
	return msgs
}
