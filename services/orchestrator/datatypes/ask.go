// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Request and response types for the question-answering endpoints.
package datatypes

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Limits
// =============================================================================

const (
	// MaxQuestionBytes bounds a single question. Byte length, not runes,
	// so oversized payloads are rejected before any model call.
	MaxQuestionBytes = 32 * 1024

	// MaxHistoryMessages bounds the client-supplied history.
	MaxHistoryMessages = 100
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// askValidate is the validator for ask datatypes, initialized once with the
// custom byte-length rule.
var askValidate *validator.Validate

func init() {
	askValidate = validator.New()
	_ = askValidate.RegisterValidation("maxbytes", validateQuestionBytes)
}

func validateQuestionBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxQuestionBytes
}

// =============================================================================
// Ask Request / Response
// =============================================================================

// AskRequest is the body of POST /v1/ask and /v1/ask/stream.
//
// # Description
//
// Carries one governance question plus optional session context. When
// SessionID is set the orchestrator loads recent turns and the rolling
// summary for that session; a client-supplied History overrides the loaded
// turns for stateless callers (the Slack bridge and the eval harness).
//
// # Validation
//
//   - Question: required, at most 32KB
//   - History: at most 100 messages
//   - OrgID: optional organization filter for retrieval
type AskRequest struct {
	RequestID string    `json:"request_id" validate:"omitempty,uuid4"`
	Timestamp int64     `json:"timestamp" validate:"gte=0"`
	SessionID string    `json:"session_id"`
	Question  string    `json:"question" validate:"required,maxbytes"`
	OrgID     string    `json:"org_id,omitempty"`
	History   []Message `json:"history,omitempty" validate:"max=100,dive"`
}

// Validate checks the request against its validation tags.
func (r *AskRequest) Validate() error {
	return askValidate.Struct(r)
}

// EnsureDefaults fills RequestID, Timestamp, and SessionID when the client
// omitted them so every turn is traceable.
func (r *AskRequest) EnsureDefaults() {
	if r.RequestID == "" {
		r.RequestID = uuid.New().String()
	}
	if r.Timestamp == 0 {
		r.Timestamp = time.Now().UnixMilli()
	}
	if r.SessionID == "" {
		r.SessionID = uuid.New().String()
	}
}

// AskResponse is the body returned by POST /v1/ask.
//
// StageTrajectory names the pipeline stages the turn visited in order.
// The eval harness asserts on it; interactive clients can ignore it.
type AskResponse struct {
	ResponseID       string          `json:"response_id"`
	RequestID        string          `json:"request_id"`
	SessionID        string          `json:"session_id"`
	Timestamp        int64           `json:"timestamp"`
	Answer           string          `json:"answer"`
	Citations        []Citation      `json:"citations,omitempty"`
	Escalation       *EscalationInfo `json:"escalation,omitempty"`
	TopicDomain      TopicDomain     `json:"topic_domain,omitempty"`
	QueryIntent      QueryIntent     `json:"query_intent,omitempty"`
	StageTrajectory  []string        `json:"stage_trajectory,omitempty"`
	ProcessingTimeMs int64           `json:"processing_time_ms,omitempty"`
}

// NewAskResponse builds a response for a completed turn with server-side
// identifiers filled in.
func NewAskResponse(req *AskRequest, state *ConversationState) *AskResponse {
	return &AskResponse{
		ResponseID:      uuid.New().String(),
		RequestID:       req.RequestID,
		SessionID:       state.SessionID,
		Timestamp:       time.Now().UnixMilli(),
		Answer:          state.Answer,
		Citations:       state.Citations,
		Escalation:      state.Escalation,
		TopicDomain:     state.TopicDomain,
		QueryIntent:     state.QueryIntent,
		StageTrajectory: state.StageTrajectory,
	}
}
