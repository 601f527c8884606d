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
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/Rulebook/services/orchestrator/datatypes"
	"github.com/AleutianAI/Rulebook/services/orchestrator/observability"
)

var askTracer = otel.Tracer("rulebook.orchestrator.handlers")

// AskHandler returns the handler for POST /v1/ask.
//
// # Description
//
// Runs one full turn and blocks until the answer is ready: validate,
// scan for PII, assemble session context, invoke the pipeline, respond
// with the answer plus citations and any escalation. Turn persistence
// runs out-of-band after the response is written.
//
// # Inputs
//
//   - deps: Turn collaborators. Runner is required; the rest degrade
//     gracefully when absent.
//
// # Outputs
//
//   - gin.HandlerFunc: Handler producing datatypes.AskResponse bodies.
func AskHandler(deps TurnDeps) gin.HandlerFunc {
	if deps.Runner == nil {
		panic("AskHandler: runner is required")
	}

	return func(c *gin.Context) {
		ctx, span := askTracer.Start(c.Request.Context(), "handlers.Ask")
		defer span.End()

		m := observability.DefaultMetrics
		start := time.Now()
		success := false
		defer func() {
			m.RecordRequest(observability.EndpointAsk, success)
		}()

		var req datatypes.AskRequest
		if err := c.BindJSON(&req); err != nil {
			span.RecordError(err)
			m.RecordError(observability.EndpointAsk, observability.ErrorCodeValidation)
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
			return
		}
		if err := req.Validate(); err != nil {
			span.RecordError(err)
			m.RecordError(observability.EndpointAsk, observability.ErrorCodeValidation)
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
			return
		}
		req.EnsureDefaults()

		redactedQuestion, piiCategories := scanQuestion(deps.Scanner, req.Question)
		slog.Debug("Handling ask request",
			"session_id", req.SessionID,
			"request_id", req.RequestID,
			"question", redactedQuestion)

		state := buildTurnState(ctx, deps, &req)

		if _, err := deps.Runner.Invoke(ctx, state); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "pipeline invoke failed")
			if errors.Is(err, context.Canceled) || c.Request.Context().Err() != nil {
				// Client gone; the partial state is discarded.
				m.RecordClientDisconnect(observability.EndpointAsk)
				return
			}
			m.RecordError(observability.EndpointAsk, observability.ErrorCodeInternal)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to answer question"})
			return
		}

		resp := datatypes.NewAskResponse(&req, state)
		resp.ProcessingTimeMs = time.Since(start).Milliseconds()

		success = true
		c.JSON(http.StatusOK, resp)

		slog.Info("Ask turn completed",
			"session_id", state.SessionID,
			"domain", state.TopicDomain,
			"escalated", state.Escalation != nil,
			"citations", len(state.Citations),
			"latency_ms", resp.ProcessingTimeMs)

		go recordTurn(deps, state, redactedQuestion, piiCategories, time.Since(start))
	}
}
