// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/Rulebook/services/llm"
	"github.com/AleutianAI/Rulebook/services/orchestrator/conversation"
	"github.com/AleutianAI/Rulebook/services/orchestrator/datatypes"
	"github.com/AleutianAI/Rulebook/services/orchestrator/resilience"
)

// classifierResult mirrors the JSON contract in classifierPrompt.
type classifierResult struct {
	TopicDomain        string   `json:"topic_domain"`
	QueryIntent        string   `json:"query_intent"`
	OrganizationIDs    []string `json:"organization_ids"`
	HasTimeConstraint  bool     `json:"has_time_constraint"`
	NeedsClarification bool     `json:"needs_clarification"`
	EmotionalState     string   `json:"emotional_state"`
}

// runClassifier fills the classification fields of the state.
//
// # Description
//
// One fast-LLM call produces the topic domain, intent, referenced
// organization, and urgency signals. Classification is never allowed to
// kill a turn: any failure (breaker open, timeout, unparsable response)
// falls back to the general domain and general intent, which routes the
// question through the normal retrieval path.
//
// # Limitations
//
//   - The failure fallback can never produce the escalation intent, so a
//     classifier outage temporarily disables the referral branch. Abuse
//     reports still receive an answer that points at the Athlete Ombuds
//     through the standard disclaimer.
func (p *Pipeline) runClassifier(ctx context.Context, state *datatypes.ConversationState) error {
	ctx, span := tracer.Start(ctx, "pipeline.classifier")
	defer span.End()

	result, err := p.classifyImpl(ctx, state)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		cerr := &ClassificationError{Err: err}
		p.recordStageError(StageClassifier, cerr)
		span.RecordError(cerr)
		slog.Warn("Classification failed, proceeding with defaults",
			"conversation_id", state.ConversationID, "error", cerr)
		result = &classifierResult{}
	}

	state.TopicDomain = datatypes.ParseTopicDomain(result.TopicDomain)
	state.QueryIntent = datatypes.ParseQueryIntent(result.QueryIntent)
	state.HasTimeConstraint = result.HasTimeConstraint
	state.NeedsClarification = result.NeedsClarification
	state.EmotionalState = strings.ToLower(strings.TrimSpace(result.EmotionalState))

	// Classification rule: at most one organization per turn. Extras are
	// noise from the model and dropped.
	state.DetectedOrgIDs = nil
	for _, org := range result.OrganizationIDs {
		org = strings.ToLower(strings.TrimSpace(org))
		if org != "" {
			state.DetectedOrgIDs = []string{org}
			break
		}
	}

	span.SetAttributes(
		attribute.String("topic_domain", string(state.TopicDomain)),
		attribute.String("query_intent", string(state.QueryIntent)),
		attribute.Bool("has_time_constraint", state.HasTimeConstraint),
	)
	slog.Debug("Classified question",
		"conversation_id", state.ConversationID,
		"domain", state.TopicDomain,
		"intent", state.QueryIntent,
		"orgs", state.DetectedOrgIDs)
	return nil
}

func (p *Pipeline) classifyImpl(ctx context.Context, state *datatypes.ConversationState) (*classifierResult, error) {
	historyBlock := conversation.FormatWindow(state.History(), state.ConversationSummary, p.window)
	if historyBlock == "" {
		historyBlock = "(first message)"
	}
	prompt := fmt.Sprintf(classifierPrompt, historyBlock, state.LatestQuestion())

	params := llm.GenerationParams{
		Temperature: floatPtr(0),
		MaxTokens:   intPtr(300),
	}

	var raw string
	err := p.breakers.Get(resilience.DepFastLLM).Do(ctx, p.config.ClassifyTimeout,
		func(ctx context.Context) error {
			var callErr error
			raw, callErr = p.fastLLM.Generate(ctx, prompt, params)
			return callErr
		})
	if err != nil {
		return nil, err
	}

	var result classifierResult
	if err := decodeJSONObject(raw, &result); err != nil {
		return nil, fmt.Errorf("classifier response %q: %w", snippet(raw, 120), err)
	}
	return &result, nil
}

// =============================================================================
// Generation Parameter Helpers
// =============================================================================

func floatPtr(v float32) *float32 { return &v }
func intPtr(v int) *int           { return &v }
