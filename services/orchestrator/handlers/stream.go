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
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/Rulebook/services/orchestrator/datatypes"
	"github.com/AleutianAI/Rulebook/services/orchestrator/observability"
)

var streamTracer = otel.Tracer("rulebook.orchestrator.handlers")

// heartbeatInterval is how often SSE keep-alive comments are sent.
// 15s stays well under typical load balancer idle timeouts (60s for
// ALB and Nginx defaults).
const heartbeatInterval = 15 * time.Second

// StreamAskHandler returns the handler for POST /v1/ask/stream.
//
// # Description
//
// Runs one turn and streams it as Server-Sent Events: text-delta events
// while the answer synthesizes, one citations event, an escalation
// event when the turn is referred, and a final done event carrying the
// session id. Errors surface as an error event instead of an HTTP
// status once streaming has begun.
//
// While deltas stream to the client they also accumulate server-side in
// mlocked memory, so the completed turn can be persisted with an
// integrity hash over exactly the bytes the client saw.
//
// # Inputs
//
//   - deps: Turn collaborators. Runner is required.
//
// # Outputs
//
//   - gin.HandlerFunc: SSE streaming handler.
func StreamAskHandler(deps TurnDeps) gin.HandlerFunc {
	if deps.Runner == nil {
		panic("StreamAskHandler: runner is required")
	}

	return func(c *gin.Context) {
		ctx, span := streamTracer.Start(c.Request.Context(), "handlers.StreamAsk")
		defer span.End()

		m := observability.DefaultMetrics
		endpoint := observability.EndpointStream
		start := time.Now()

		m.StreamStarted(endpoint)
		defer m.StreamEnded(endpoint)

		success := false
		defer func() {
			m.RecordRequest(endpoint, success)
			m.RecordStreamDuration(endpoint, time.Since(start).Seconds(), success)
		}()

		var req datatypes.AskRequest
		if err := c.BindJSON(&req); err != nil {
			span.RecordError(err)
			m.RecordError(endpoint, observability.ErrorCodeValidation)
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
			return
		}
		if err := req.Validate(); err != nil {
			span.RecordError(err)
			m.RecordError(endpoint, observability.ErrorCodeValidation)
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
			return
		}
		req.EnsureDefaults()

		redactedQuestion, piiCategories := scanQuestion(deps.Scanner, req.Question)
		slog.Debug("Handling stream request",
			"session_id", req.SessionID,
			"request_id", req.RequestID,
			"question", redactedQuestion)

		state := buildTurnState(ctx, deps, &req)

		SetSSEHeaders(c.Writer)
		writer, err := NewSSEWriter(c.Writer)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "sse writer init failed")
			m.RecordError(endpoint, observability.ErrorCodeInternal)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Streaming not supported"})
			return
		}

		acc := NewSecureTokenAccumulator()
		defer acc.Destroy()

		heartbeatDone := make(chan struct{})
		defer close(heartbeatDone)
		go runHeartbeat(ctx, writer, endpoint, heartbeatDone)

		var (
			firstDelta   = true
			clientGone   = false
			streamFailed = false
			doneReceived = false
		)

		// write funnels every SSE write through one disconnect check.
		// After the first failed write the rest of the stream is drained
		// without writing, so the pipeline goroutine is never blocked.
		write := func(fn func() error) {
			if clientGone {
				return
			}
			if err := fn(); err != nil {
				clientGone = true
				m.RecordClientDisconnect(endpoint)
				slog.Debug("Client disconnected during stream",
					"session_id", state.SessionID, "error", err)
			}
		}

		for event := range deps.Runner.Stream(ctx, state) {
			switch event.Type {
			case datatypes.StreamTextDelta:
				if firstDelta {
					firstDelta = false
					m.RecordTimeToFirstToken(endpoint, time.Since(start).Seconds())
				}
				if err := acc.Write(event.Delta); err != nil {
					slog.Warn("Accumulator write failed",
						"session_id", state.SessionID, "error", err)
				}
				write(func() error { return writer.WriteDelta(event.Delta) })
			case datatypes.StreamCitations:
				citations := event.Citations
				write(func() error { return writer.WriteCitations(citations) })
			case datatypes.StreamEscalation:
				escalation := event.Escalation
				write(func() error { return writer.WriteEscalation(escalation) })
			case datatypes.StreamError:
				streamFailed = true
				span.SetStatus(codes.Error, event.Err)
				m.RecordError(endpoint, observability.ErrorCodeInternal)
				msg := event.Err
				write(func() error { return writer.WriteError(msg) })
			case datatypes.StreamDone:
				doneReceived = true
				write(func() error { return writer.WriteDone(state.SessionID) })
			}
		}

		// An aborted stream is not persisted: the next turn's history
		// must never contain an answer the client did not receive.
		if ctx.Err() != nil || clientGone {
			if !clientGone {
				m.RecordClientDisconnect(endpoint)
			}
			slog.Info("Stream aborted by client", "session_id", state.SessionID)
			return
		}
		if streamFailed || !doneReceived {
			return
		}

		if _, answerHash, err := acc.Finalize(); err != nil {
			slog.Warn("Failed to finalize answer accumulator",
				"session_id", state.SessionID, "error", err)
		} else {
			slog.Debug("Stream answer finalized",
				"session_id", state.SessionID,
				"accumulator_id", acc.ID(),
				"answer_hash", answerHash)
		}

		success = true
		slog.Info("Stream turn completed",
			"session_id", state.SessionID,
			"domain", state.TopicDomain,
			"escalated", state.Escalation != nil,
			"citations", len(state.Citations),
			"latency_ms", time.Since(start).Milliseconds())

		go recordTurn(deps, state, redactedQuestion, piiCategories, time.Since(start))
	}
}

// runHeartbeat emits keep-alive comments until the stream finishes or
// the client disconnects. Runs as a goroutine alongside event writing;
// the writer's lock keeps the interleaving safe.
func runHeartbeat(ctx context.Context, writer SSEWriter, endpoint observability.Endpoint, done <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				slog.Debug("Keep-alive write failed, stopping heartbeat", "error", err)
				return
			}
			observability.DefaultMetrics.RecordKeepAlive(endpoint)
		}
	}
}
