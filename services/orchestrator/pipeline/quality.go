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

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/Rulebook/services/llm"
	"github.com/AleutianAI/Rulebook/services/orchestrator/datatypes"
	"github.com/AleutianAI/Rulebook/services/orchestrator/observability"
	"github.com/AleutianAI/Rulebook/services/orchestrator/resilience"
)

// runQuality grades the drafted answer. The gate fails open: it exists
// to catch hallucinated rules, not to become an outage of its own.
//
// # Description
//
// Empty answers and the deterministic fallback skip grading entirely;
// there is nothing useful a grader could say about them. Everything else
// goes to the fast model, whose JSON verdict decides the pass: the answer
// passes when the grader passed it AND no issue is critical; one critical
// issue overrides any score. Grader failures of any kind (open breaker,
// timeout, unparsable response) count as a pass so the user still gets the
// answer. The dispatch loop, not this stage, decides whether a failed
// grade earns the single re-synthesis.
func (p *Pipeline) runQuality(ctx context.Context, state *datatypes.ConversationState) error {
	ctx, span := tracer.Start(ctx, "pipeline.quality")
	defer span.End()

	if !p.config.QualityEnabled {
		state.QualityCheckResult = &datatypes.QualityCheckResult{Passed: true, Critique: "quality gate disabled"}
		p.recordQualityVerdict("disabled")
		return nil
	}

	if state.Answer == "" || IsFallbackAnswer(state.Answer) {
		state.QualityCheckResult = &datatypes.QualityCheckResult{Passed: true, Critique: "not graded: deterministic fallback"}
		p.recordQualityVerdict("auto_pass")
		span.SetAttributes(attribute.String("verdict", "auto_pass"))
		return nil
	}

	verdict, err := p.gradeImpl(ctx, state)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.recordStageError(StageQuality, err)
		span.RecordError(err)
		slog.Warn("Quality grading failed, passing answer through (fail-open)",
			"conversation_id", state.ConversationID, "error", err)
		state.QualityCheckResult = &datatypes.QualityCheckResult{Passed: true, Critique: "not graded: grader unavailable"}
		p.recordQualityVerdict("fail_open")
		span.SetAttributes(attribute.String("verdict", "fail_open"))
		return nil
	}

	// A single critical issue fails the answer no matter what the grader's
	// own pass flag or score said.
	verdict.Passed = verdict.Passed && !verdict.HasCriticalIssue()
	state.QualityCheckResult = verdict

	verdictLabel := "passed"
	if !verdict.Passed {
		verdictLabel = "failed"
	}
	p.recordQualityVerdict(verdictLabel)
	span.SetAttributes(
		attribute.String("verdict", verdictLabel),
		attribute.Float64("score", verdict.Score),
		attribute.Int("issues", len(verdict.Issues)),
	)
	slog.Debug("Quality verdict",
		"conversation_id", state.ConversationID,
		"passed", verdict.Passed,
		"score", verdict.Score,
		"issues", len(verdict.Issues))
	return nil
}

func (p *Pipeline) gradeImpl(ctx context.Context, state *datatypes.ConversationState) (*datatypes.QualityCheckResult, error) {
	prompt := fmt.Sprintf(qualityPrompt,
		state.LatestQuestion(),
		buildSynthesisContext(state),
		state.Answer)
	params := llm.GenerationParams{
		Temperature: floatPtr(0),
		MaxTokens:   intPtr(500),
	}

	var raw string
	err := p.breakers.Get(resilience.DepFastLLM).Do(ctx, p.config.QualityTimeout,
		func(ctx context.Context) error {
			var callErr error
			raw, callErr = p.fastLLM.Generate(ctx, prompt, params)
			return callErr
		})
	if err != nil {
		return nil, err
	}

	var verdict datatypes.QualityCheckResult
	if err := decodeJSONObject(raw, &verdict); err != nil {
		return nil, &QualityGradeParseError{Raw: snippet(raw, 200), Err: err}
	}
	return &verdict, nil
}

func (p *Pipeline) recordQualityVerdict(verdict string) {
	if m := observability.DefaultPipeline; m != nil {
		m.RecordQualityVerdict(verdict)
	}
}
