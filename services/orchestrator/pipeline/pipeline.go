// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline implements the staged flow that turns an athlete
// governance question into a grounded, cited, quality-checked answer.
//
// # Description
//
// One turn is one pass through an explicit state machine:
//
//	classifier ──(escalation intent)──────────────► escalate ──► done
//	    │
//	    ▼
//	retriever ──► router ──► synthesizer ──► quality ──► done
//	                │  ▲          ▲             │
//	                │  │          │             └──(fail, once)──► synthesizer
//	                │  └─ retrieval_expander
//	                └──► researcher ──► synthesizer
//
// The router's transition rules live in Route; the dispatch loop in run
// owns the fixed successors (researcher always proceeds to synthesis, the
// quality gate allows one re-synthesis). Every external call goes through
// the shared circuit-breaker registry with a per-call timeout, and every
// dependency failure degrades the state instead of aborting the turn: the
// caller always gets an answer, even if it is the deterministic fallback.
//
// # Thread Safety
//
// A Pipeline is safe for concurrent use. Each turn owns its
// ConversationState exclusively; only the breaker registry and metrics are
// shared across turns.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/Rulebook/services/llm"
	"github.com/AleutianAI/Rulebook/services/orchestrator/conversation"
	"github.com/AleutianAI/Rulebook/services/orchestrator/datatypes"
	"github.com/AleutianAI/Rulebook/services/orchestrator/escalation"
	"github.com/AleutianAI/Rulebook/services/orchestrator/observability"
	"github.com/AleutianAI/Rulebook/services/orchestrator/resilience"
	"github.com/AleutianAI/Rulebook/services/orchestrator/retrieval"
)

var tracer = otel.Tracer("rulebook.orchestrator.pipeline")

// Dependencies carries the external collaborators a Pipeline needs. All
// shared state (breakers, metrics) is injected here rather than reached
// through globals, so concurrent turns share exactly what they must and
// nothing else.
type Dependencies struct {
	// LLM is the main model used for synthesis and escalation referrals.
	// Required.
	LLM llm.LLMClient

	// FastLLM handles classification, expansion, and grading. Falls back
	// to LLM when nil.
	FastLLM llm.LLMClient

	// Searcher retrieves governance passages. Required.
	Searcher retrieval.DocumentSearcher

	// WebSearcher fetches external corroboration. Optional; without it the
	// researcher stage is a no-op and gray-zone questions synthesize from
	// corpus results alone.
	WebSearcher retrieval.WebSearcher

	// Dedup clusters near-duplicate passages. Defaults to a Deduplicator
	// at the standard threshold when nil.
	Dedup *retrieval.Deduplicator

	// Directory resolves topic domains to escalation contacts. Required.
	Directory *escalation.Directory

	// Breakers is the process-wide circuit breaker registry. Required.
	Breakers *resilience.Registry

	// Window formats conversation history for prompts. Defaults to
	// conversation.DefaultWindowConfig values when zero.
	Window conversation.WindowConfig
}

// Pipeline executes turns. Construct once at startup with New and share
// across requests.
type Pipeline struct {
	llm         llm.LLMClient
	fastLLM     llm.LLMClient
	searcher    retrieval.DocumentSearcher
	webSearcher retrieval.WebSearcher
	dedup       *retrieval.Deduplicator
	directory   *escalation.Directory
	breakers    *resilience.Registry
	window      conversation.WindowConfig
	config      Config
}

// New validates the dependency set and returns a ready Pipeline.
//
// # Inputs
//
//   - deps: External collaborators; LLM, Searcher, Directory, and Breakers
//     are required.
//   - cfg: Tunables; out-of-range values are corrected to defaults.
//
// # Outputs
//
//   - *Pipeline: Ready for concurrent Invoke/Stream calls.
//   - error: Non-nil when a required dependency is missing.
func New(deps Dependencies, cfg Config) (*Pipeline, error) {
	if deps.LLM == nil {
		return nil, fmt.Errorf("pipeline: LLM client is required")
	}
	if deps.Searcher == nil {
		return nil, fmt.Errorf("pipeline: document searcher is required")
	}
	if deps.Directory == nil {
		return nil, fmt.Errorf("pipeline: escalation directory is required")
	}
	if deps.Breakers == nil {
		return nil, fmt.Errorf("pipeline: breaker registry is required")
	}

	fast := deps.FastLLM
	if fast == nil {
		fast = deps.LLM
	}
	dedup := deps.Dedup
	if dedup == nil {
		dedup = retrieval.NewDeduplicator(retrieval.DefaultDedupThreshold)
	}
	window := deps.Window
	if window == (conversation.WindowConfig{}) {
		window = conversation.DefaultWindowConfig()
	}

	return &Pipeline{
		llm:         deps.LLM,
		fastLLM:     fast,
		searcher:    deps.Searcher,
		webSearcher: deps.WebSearcher,
		dedup:       dedup,
		directory:   deps.Directory,
		breakers:    deps.Breakers,
		window:      window,
		config:      validateConfig(cfg),
	}, nil
}

// Invoke runs one full turn and blocks until the final state is ready.
//
// # Inputs
//
//   - ctx: Cancelling it aborts in-flight dependency calls and returns the
//     context error; the partially mutated state must then be discarded.
//   - state: The turn state; Messages must end with the user question.
//
// # Outputs
//
//   - *datatypes.ConversationState: The same pointer, fully populated:
//     answer, citations, quality result, escalation when taken.
//   - error: Non-nil only on cancellation or empty input. Dependency
//     failures degrade the answer instead of surfacing here.
func (p *Pipeline) Invoke(ctx context.Context, state *datatypes.ConversationState) (*datatypes.ConversationState, error) {
	if state.LatestQuestion() == "" {
		return nil, fmt.Errorf("pipeline: state has no user question")
	}
	if _, err := p.run(ctx, state, nil); err != nil {
		return state, err
	}
	return state, nil
}

// Stream runs one turn and emits StreamEvents while it progresses.
//
// # Description
//
// The returned channel carries zero or more text-delta events, at most one
// citations event, at most one escalation event, and exactly one done
// event, then closes. Cancelling ctx closes the channel early without a
// done event. The state pointer stays owned by the turn: callers must not
// read it until the channel has closed, after which it holds the final
// answer exactly as Invoke would have left it.
//
// # Examples
//
//	for event := range p.Stream(ctx, state) {
//	    writeToClient(event)
//	}
//	persist(state) // channel closed, state is final
func (p *Pipeline) Stream(ctx context.Context, state *datatypes.ConversationState) <-chan datatypes.StreamEvent {
	adapter := NewStreamAdapter(ctx, p.config.StreamBuffer)

	go func() {
		defer adapter.Close()

		if state.LatestQuestion() == "" {
			adapter.Fail(fmt.Errorf("state has no user question"))
			return
		}
		if _, err := p.run(ctx, state, adapter); err != nil {
			if ctx.Err() == nil {
				adapter.Fail(err)
			}
			return
		}
		adapter.Finish(state)
	}()

	return adapter.Events()
}

// run is the dispatch loop: advance stage by stage until done, then attach
// the disclaimer and record the assistant message. Returns the visited
// stage trajectory.
func (p *Pipeline) run(ctx context.Context, state *datatypes.ConversationState, adapter *StreamAdapter) ([]Stage, error) {
	ctx, span := tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("conversation_id", state.ConversationID),
		attribute.String("session_id", state.SessionID),
	))
	defer span.End()

	if state.StartedAt.IsZero() {
		state.StartedAt = time.Now()
	}
	if state.TraceID == "" && span.SpanContext().HasTraceID() {
		state.TraceID = span.SpanContext().TraceID().String()
	}
	start := time.Now()

	trajectory := make([]Stage, 0, 8)
	stage := StageClassifier
	for stage != StageDone {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			p.recordTurn("cancelled", start)
			return trajectory, err
		}

		trajectory = append(trajectory, stage)
		next, err := p.step(ctx, stage, state, adapter)
		if err != nil {
			span.RecordError(err)
			p.recordTurn("cancelled", start)
			return trajectory, err
		}
		if adapter != nil {
			adapter.OnStageComplete(state)
		}
		stage = next
	}

	state.StageTrajectory = stageNames(trajectory)
	p.finalize(state, adapter)

	outcome := "answered"
	if state.Escalation != nil {
		outcome = "escalated"
	}
	p.recordTurn(outcome, start)

	slog.Info("Pipeline turn complete",
		"conversation_id", state.ConversationID,
		"trajectory", trajectoryString(trajectory),
		"outcome", outcome,
		"domain", state.TopicDomain,
		"confidence", state.RetrievalConfidence,
		"duration_ms", time.Since(start).Milliseconds())
	return trajectory, nil
}

// step executes one stage and decides its successor. Stage runners degrade
// internally on dependency failure; the only errors surfaced here are
// cancellations.
func (p *Pipeline) step(ctx context.Context, stage Stage, state *datatypes.ConversationState, adapter *StreamAdapter) (Stage, error) {
	start := time.Now()
	defer p.recordStage(stage, start)

	switch stage {
	case StageClassifier:
		if err := p.runClassifier(ctx, state); err != nil {
			return StageDone, err
		}
		if state.QueryIntent == datatypes.IntentEscalation {
			p.recordDecision(StageEscalate)
			return StageEscalate, nil
		}
		return StageRetriever, nil

	case StageRetriever:
		if err := p.runRetriever(ctx, state); err != nil {
			return StageDone, err
		}
		return p.route(state), nil

	case StageExpander:
		if err := p.runExpander(ctx, state); err != nil {
			return StageDone, err
		}
		return p.route(state), nil

	case StageResearcher:
		if err := p.runResearcher(ctx, state); err != nil {
			return StageDone, err
		}
		return StageSynthesizer, nil

	case StageSynthesizer:
		if err := p.runSynthesizer(ctx, state, adapter); err != nil {
			return StageDone, err
		}
		return StageQuality, nil

	case StageQuality:
		if err := p.runQuality(ctx, state); err != nil {
			return StageDone, err
		}
		if !state.QualityCheckResult.Passed && state.QualityRetryCount < maxQualityRetries {
			state.QualityRetryCount++
			slog.Debug("Quality gate failed, re-synthesizing once",
				"conversation_id", state.ConversationID,
				"score", state.QualityCheckResult.Score)
			return StageSynthesizer, nil
		}
		return StageDone, nil

	case StageEscalate:
		if err := p.runEscalate(ctx, state); err != nil {
			return StageDone, err
		}
		return StageDone, nil

	default:
		return StageDone, fmt.Errorf("pipeline: no handler for stage %v", stage)
	}
}

// route applies the confidence rules and records the decision.
func (p *Pipeline) route(state *datatypes.ConversationState) Stage {
	next := Route(state, p.config.Router)
	p.recordDecision(next)
	slog.Debug("Router decision",
		"conversation_id", state.ConversationID,
		"next", next.String(),
		"confidence", state.RetrievalConfidence,
		"expansion_attempted", state.ExpansionAttempted,
		"web_results", len(state.WebSearchResults))
	return next
}

// finalize attaches the disclaimer and appends the assistant message. When
// streaming, the disclaimer goes out through the token path so the client
// receives the exact persisted text.
func (p *Pipeline) finalize(state *datatypes.ConversationState, adapter *StreamAdapter) {
	if state.Answer != "" && !strings.HasSuffix(state.Answer, answerDisclaimer) {
		state.Answer += answerDisclaimer
		if adapter != nil {
			adapter.OnToken(answerDisclaimer)
		}
	}
	if state.Answer != "" {
		state.AppendAssistant(state.Answer)
	}
}

func stageNames(stages []Stage) []string {
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = s.String()
	}
	return names
}

func trajectoryString(stages []Stage) string {
	return strings.Join(stageNames(stages), " -> ")
}

// =============================================================================
// Metrics
// =============================================================================

func (p *Pipeline) recordStage(stage Stage, start time.Time) {
	if m := observability.DefaultPipeline; m != nil {
		m.RecordStage(stage.String(), time.Since(start).Seconds())
	}
}

func (p *Pipeline) recordDecision(next Stage) {
	if m := observability.DefaultPipeline; m != nil {
		m.RecordRouterDecision(next.String())
	}
}

func (p *Pipeline) recordTurn(outcome string, start time.Time) {
	if m := observability.DefaultPipeline; m != nil {
		m.RecordTurn(outcome, time.Since(start).Seconds())
	}
}

func (p *Pipeline) recordStageError(stage Stage, err error) {
	if m := observability.DefaultPipeline; m != nil {
		m.RecordStageError(stage.String(), dependencyErrorCode(err))
	}
}

// dependencyErrorCode buckets a stage failure for the error counter.
func dependencyErrorCode(err error) observability.ErrorCode {
	switch {
	case resilience.IsCircuitOpen(err):
		return observability.ErrorCodeCircuitOpen
	case resilience.IsTimeout(err):
		return observability.ErrorCodeTimeout
	case retrieval.IsRetrievalError(err):
		return observability.ErrorCodeRetrieval
	case IsQualityGradeParseError(err), IsClassificationError(err):
		return observability.ErrorCodeParse
	case errors.Is(err, context.Canceled):
		return observability.ErrorCodeClientDisconnect
	default:
		return observability.ErrorCodeLLMError
	}
}
