// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"

	"github.com/AleutianAI/Rulebook/services/orchestrator/datatypes"
)

// ListSessions returns the handler for GET /v1/sessions: every stored
// session with its rolling summary and last-activity timestamp.
func ListSessions(client *weaviate.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		slog.Info("Received request to list sessions")
		fields := []graphql.Field{
			{Name: "session_id"},
			{Name: "summary"},
			{Name: "timestamp"},
		}
		result, err := client.GraphQL().Get().
			WithClassName("Session").
			WithFields(fields...).
			Do(c.Request.Context())
		if err != nil {
			slog.Error("failed to query Weaviate for sessions", "error", err)
			c.JSON(http.StatusInternalServerError,
				gin.H{"error": "failed to query Weaviate for sessions"})
			return
		}
		c.JSON(http.StatusOK, result.Data)
	}
}

// GetSessionHistory returns the handler for GET
// /v1/sessions/:sessionId/history: the session's completed turns in
// chronological order. Questions appear as persisted, PII already
// redacted.
func GetSessionHistory(client *weaviate.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		session := c.Param("sessionId")

		where := filters.Where().
			WithPath([]string{"session_id"}).
			WithOperator(filters.Equal).
			WithValueString(session)

		sortBy := graphql.Sort{
			Path:  []string{"timestamp"},
			Order: graphql.Asc,
		}

		fields := []graphql.Field{
			{Name: "session_id"},
			{Name: "question"},
			{Name: "answer"},
			{Name: "topic_domain"},
			{Name: "timestamp"},
			{Name: "turn_number"},
			{Name: "pii_categories"},
		}

		resp, err := client.GraphQL().Get().
			WithClassName("Conversation").
			WithFields(fields...).
			WithWhere(where).
			WithSort(sortBy).
			Do(c.Request.Context())
		if err != nil {
			slog.Error("failed to query Weaviate for session history",
				"sessionId", session, "error", err)
			c.JSON(http.StatusInternalServerError,
				gin.H{"error": "failed to query session history"})
			return
		}

		parsed, err := datatypes.ParseGraphQLResponse[datatypes.ConversationQueryResponse](resp)
		if err != nil {
			slog.Error("failed to parse session history response",
				"sessionId", session, "error", err)
			c.JSON(http.StatusInternalServerError,
				gin.H{"error": "failed to parse session history"})
			return
		}

		turns := parsed.Get.Conversation
		if turns == nil {
			turns = []datatypes.ConversationResult{}
		}
		c.JSON(http.StatusOK, gin.H{
			"session_id": session,
			"turns":      turns,
		})
	}
}

// DeleteSession returns the handler for DELETE /v1/sessions/:sessionId.
// Removes the session's turn log first and the Session anchor second,
// so a partial failure leaves an orphaned anchor rather than orphaned
// turns.
func DeleteSession(client *weaviate.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		session := c.Param("sessionId")
		slog.Info("Received a request to delete a session", "sessionId", session)

		whereFilter := filters.Where().
			WithPath([]string{"session_id"}).
			WithOperator(filters.Equal).
			WithValueString(session)

		response, err := client.Batch().ObjectsBatchDeleter().
			WithClassName("Conversation").
			WithOutput("minimal").
			WithWhere(whereFilter).
			Do(c.Request.Context())
		if err != nil {
			slog.Error("failed to delete conversation turns from the Weaviate DB", "error", err)
		}

		_, err = client.Batch().ObjectsBatchDeleter().
			WithClassName("Session").
			WithOutput("minimal").
			WithWhere(whereFilter).
			Do(c.Request.Context())
		if err != nil {
			slog.Error("failed to delete session object from the Weaviate DB", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fully delete session"})
			return
		}

		if response != nil {
			slog.Debug("Deleted conversation turns", "response", &response.Output)
		}
		slog.Info("Successfully deleted all data for session", "sessionId", session)
		c.JSON(http.StatusOK, gin.H{"status": "success", "deleted_session_id": session})
	}
}
