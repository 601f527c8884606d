// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers provides HTTP request handlers for the orchestrator
// service.
//
// The question endpoints (ask, stream, websocket) share one turn
// lifecycle: bind and validate the request, scan it for PII, assemble
// the conversation state from session memory, run the pipeline, and
// persist the completed turn out-of-band. This file holds that shared
// lifecycle; the per-endpoint files own only their transport mechanics.
package handlers

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/Rulebook/services/orchestrator/analytics"
	"github.com/AleutianAI/Rulebook/services/orchestrator/datatypes"
	"github.com/AleutianAI/Rulebook/services/orchestrator/privacy"
)

var turnTracer = otel.Tracer("rulebook.orchestrator.handlers")

const (
	// maxHistoryTurns caps how many prior turns are loaded from the
	// session store into the prompt context. The window formatter
	// trims further; this bounds the Weaviate read.
	maxHistoryTurns = 20

	// persistTimeout bounds the out-of-band turn persistence, which
	// includes a summarizer model call.
	persistTimeout = 30 * time.Second
)

// =============================================================================
// Collaborator Seams
// =============================================================================

// TurnRunner executes one governance turn. *pipeline.Pipeline satisfies
// it; tests substitute fakes.
type TurnRunner interface {
	Invoke(ctx context.Context, state *datatypes.ConversationState) (*datatypes.ConversationState, error)
	Stream(ctx context.Context, state *datatypes.ConversationState) <-chan datatypes.StreamEvent
}

// SessionStore is the slice of session persistence the question
// endpoints need. *conversation.WeaviateSessionStore satisfies it.
type SessionStore interface {
	GetSummary(ctx context.Context, sessionID string) (string, error)
	GetRecentTurns(ctx context.Context, sessionID string, n int) ([]datatypes.Message, error)
	LogTurn(ctx context.Context, turn *datatypes.Conversation) error
}

// TurnSummarizer folds completed exchanges into the session's rolling
// summary. *conversation.Summarizer satisfies it.
type TurnSummarizer interface {
	Record(ctx context.Context, sessionID, question, answer string) error
}

// TurnDeps bundles the collaborators shared by the question endpoints.
//
// Runner is required. Everything else is optional: without a Store the
// service answers statelessly, without a Scanner questions are logged
// unredacted, and without Analytics no turn points are written.
type TurnDeps struct {
	Runner     TurnRunner
	Store      SessionStore
	Summarizer TurnSummarizer
	Scanner    *privacy.Scanner
	Analytics  analytics.TurnSink
}

// =============================================================================
// Turn Assembly
// =============================================================================

// buildTurnState assembles the per-request conversation state: prior
// turns, the rolling summary, and the incoming question.
//
// # Description
//
// A client-supplied History overrides the stored turns, which keeps
// stateless callers (the Slack bridge, the eval harness) in control of
// their own context. Session memory reads are best-effort: a failed
// lookup degrades to an empty history rather than failing the turn.
func buildTurnState(ctx context.Context, deps TurnDeps, req *datatypes.AskRequest) *datatypes.ConversationState {
	ctx, span := turnTracer.Start(ctx, "handlers.buildTurnState")
	defer span.End()

	history := req.History
	if len(history) == 0 && deps.Store != nil {
		turns, err := deps.Store.GetRecentTurns(ctx, req.SessionID, maxHistoryTurns)
		if err != nil {
			span.RecordError(err)
			slog.Warn("Failed to load session history, answering without it",
				"session_id", req.SessionID, "error", err)
		} else {
			history = turns
		}
	}

	summary := ""
	if deps.Store != nil {
		s, err := deps.Store.GetSummary(ctx, req.SessionID)
		if err != nil {
			span.RecordError(err)
			slog.Warn("Failed to load session summary, answering without it",
				"session_id", req.SessionID, "error", err)
		} else {
			summary = s
		}
	}

	messages := make([]datatypes.Message, 0, len(history)+1)
	messages = append(messages, history...)
	messages = append(messages, datatypes.Message{Role: datatypes.RoleUser, Content: req.Question})

	return &datatypes.ConversationState{
		ConversationID:      req.RequestID,
		SessionID:           req.SessionID,
		StartedAt:           time.Now(),
		Messages:            messages,
		OrgFilter:           req.OrgID,
		ConversationSummary: summary,
	}
}

// scanQuestion runs the PII scanner over the incoming question.
//
// The original question still goes to the pipeline; the redacted copy
// and the category annotations are for logs and persistence only.
// Findings never block the answer.
func scanQuestion(scanner *privacy.Scanner, question string) (redacted string, categories []string) {
	if scanner == nil {
		return question, nil
	}
	findings := scanner.Scan(question)
	if len(findings) == 0 {
		return question, nil
	}
	return scanner.Redact(question, findings), scanner.Categories(findings)
}

// =============================================================================
// Post-turn Persistence
// =============================================================================

// recordTurn persists, summarizes, and records analytics for a finished
// turn. Runs out-of-band: the client already has its answer, so every
// failure here is logged and swallowed.
//
// The persisted question is the redacted copy. Raw PII stays out of the
// turn log and the rolling summary; the category annotations preserve
// what kind of data was seen.
func recordTurn(deps TurnDeps, state *datatypes.ConversationState, redactedQuestion string, piiCategories []string, latency time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	ctx, span := turnTracer.Start(ctx, "handlers.recordTurn")
	defer span.End()

	if deps.Store != nil {
		turn := &datatypes.Conversation{
			SessionId:     state.SessionID,
			Question:      redactedQuestion,
			Answer:        state.Answer,
			TopicDomain:   string(state.TopicDomain),
			TurnNumber:    userTurnCount(state),
			PIICategories: piiCategories,
		}
		if err := deps.Store.LogTurn(ctx, turn); err != nil {
			span.RecordError(err)
			slog.Warn("Failed to persist turn",
				"session_id", state.SessionID, "error", err)
		}
	}

	if deps.Summarizer != nil {
		if err := deps.Summarizer.Record(ctx, state.SessionID, redactedQuestion, state.Answer); err != nil {
			span.RecordError(err)
			slog.Warn("Failed to update session summary",
				"session_id", state.SessionID, "error", err)
		}
	}

	if deps.Analytics != nil {
		if err := deps.Analytics.RecordTurn(ctx, analytics.TurnEventFromState(state, latency)); err != nil {
			span.RecordError(err)
			slog.Warn("Failed to record turn analytics",
				"session_id", state.SessionID, "error", err)
		}
	}
}

// userTurnCount numbers the completed turn by counting user messages in
// the state, history included.
func userTurnCount(state *datatypes.ConversationState) int {
	n := 0
	for _, m := range state.Messages {
		if m.Role == datatypes.RoleUser {
			n++
		}
	}
	return n
}
