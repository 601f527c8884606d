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
	"strings"
	"testing"

	"github.com/AleutianAI/Rulebook/services/orchestrator/datatypes"
)

// gradedState returns a state carrying a drafted answer ready for review.
func gradedState(answer string) *datatypes.ConversationState {
	state := questionState("When are the selection criteria published?")
	state.Answer = answer
	return state
}

func TestRunQuality_Disabled(t *testing.T) {
	t.Parallel()

	fast := &fakeLLM{}
	cfg := DefaultConfig()
	cfg.QualityEnabled = false
	p := newTestPipeline(t, Dependencies{LLM: &fakeLLM{}, FastLLM: fast, Searcher: &fakeSearcher{}}, cfg)

	state := gradedState("Any draft.")
	if err := p.runQuality(context.Background(), state); err != nil {
		t.Fatalf("runQuality: %v", err)
	}

	if !state.QualityCheckResult.Passed {
		t.Error("disabled gate must pass")
	}
	if state.QualityCheckResult.Critique != "quality gate disabled" {
		t.Errorf("Critique = %q", state.QualityCheckResult.Critique)
	}
	if calls := fast.generateCalls(); len(calls) != 0 {
		t.Errorf("grader called %d times with the gate disabled", len(calls))
	}
}

func TestRunQuality_SkipsEmptyAndFallbackAnswers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		answer string
	}{
		{"empty answer", ""},
		{"fallback answer", fallbackAnswer},
		{"fallback with disclaimer", fallbackAnswer + answerDisclaimer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			fast := &fakeLLM{}
			p := newTestPipeline(t, Dependencies{LLM: &fakeLLM{}, FastLLM: fast, Searcher: &fakeSearcher{}}, DefaultConfig())

			state := gradedState(tt.answer)
			if err := p.runQuality(context.Background(), state); err != nil {
				t.Fatalf("runQuality: %v", err)
			}

			if !state.QualityCheckResult.Passed {
				t.Error("want auto-pass")
			}
			if state.QualityCheckResult.Critique != "not graded: deterministic fallback" {
				t.Errorf("Critique = %q", state.QualityCheckResult.Critique)
			}
			if calls := fast.generateCalls(); len(calls) != 0 {
				t.Errorf("grader called %d times for an ungradable answer", len(calls))
			}
		})
	}
}

func TestRunQuality_PassingVerdict(t *testing.T) {
	t.Parallel()

	fast := &fakeLLM{generateFn: func(string) (string, error) {
		return `{"passed": true, "score": 0.85, "issues": [{"severity": "minor", "description": "could be tighter"}], "critique": "Good grounding."}`, nil
	}}
	p := newTestPipeline(t, Dependencies{LLM: &fakeLLM{}, FastLLM: fast, Searcher: &fakeSearcher{}}, DefaultConfig())

	state := gradedState("Criteria are published thirty days before trials.")
	if err := p.runQuality(context.Background(), state); err != nil {
		t.Fatalf("runQuality: %v", err)
	}

	verdict := state.QualityCheckResult
	if !verdict.Passed {
		t.Error("minor issues must not fail the verdict")
	}
	if verdict.Score != 0.85 {
		t.Errorf("Score = %v", verdict.Score)
	}
	if len(verdict.Issues) != 1 || verdict.Issues[0].Severity != datatypes.SeverityMinor {
		t.Errorf("Issues = %+v", verdict.Issues)
	}
}

func TestRunQuality_CriticalIssueOverridesPass(t *testing.T) {
	t.Parallel()

	fast := &fakeLLM{generateFn: func(string) (string, error) {
		return `{"passed": true, "score": 0.9, "issues": [{"severity": "critical", "description": "fabricated section number"}], "critique": "One fabrication."}`, nil
	}}
	p := newTestPipeline(t, Dependencies{LLM: &fakeLLM{}, FastLLM: fast, Searcher: &fakeSearcher{}}, DefaultConfig())

	state := gradedState("Per Section 99.9, criteria are published.")
	if err := p.runQuality(context.Background(), state); err != nil {
		t.Fatalf("runQuality: %v", err)
	}

	if state.QualityCheckResult.Passed {
		t.Error("a critical issue must fail the verdict regardless of the grader's pass flag")
	}
}

func TestRunQuality_GraderErrorFailsOpen(t *testing.T) {
	t.Parallel()

	fast := &fakeLLM{generateFn: func(string) (string, error) {
		return "", fmt.Errorf("grader model down")
	}}
	p := newTestPipeline(t, Dependencies{LLM: &fakeLLM{}, FastLLM: fast, Searcher: &fakeSearcher{}}, DefaultConfig())

	state := gradedState("A draft the grader never saw.")
	if err := p.runQuality(context.Background(), state); err != nil {
		t.Fatalf("runQuality: %v", err)
	}

	if !state.QualityCheckResult.Passed {
		t.Error("grader outage must fail open")
	}
	if state.QualityCheckResult.Critique != "not graded: grader unavailable" {
		t.Errorf("Critique = %q", state.QualityCheckResult.Critique)
	}
}

func TestRunQuality_MalformedVerdictFailsOpen(t *testing.T) {
	t.Parallel()

	fast := &fakeLLM{generateFn: func(string) (string, error) {
		return "I think the answer looks fine to me!", nil
	}}
	p := newTestPipeline(t, Dependencies{LLM: &fakeLLM{}, FastLLM: fast, Searcher: &fakeSearcher{}}, DefaultConfig())

	state := gradedState("A decent draft.")
	if err := p.runQuality(context.Background(), state); err != nil {
		t.Fatalf("runQuality: %v", err)
	}

	if !state.QualityCheckResult.Passed {
		t.Error("unparsable verdict must fail open")
	}
}

func TestRunQuality_FencedVerdictParses(t *testing.T) {
	t.Parallel()

	fast := &fakeLLM{generateFn: func(string) (string, error) {
		return "```json\n{\"passed\": false, \"score\": 0.4, \"issues\": [], \"critique\": \"Unsupported claim about deadlines.\"}\n```", nil
	}}
	p := newTestPipeline(t, Dependencies{LLM: &fakeLLM{}, FastLLM: fast, Searcher: &fakeSearcher{}}, DefaultConfig())

	state := gradedState("Deadlines are always 60 days.")
	if err := p.runQuality(context.Background(), state); err != nil {
		t.Fatalf("runQuality: %v", err)
	}

	if state.QualityCheckResult.Passed {
		t.Error("want the fenced failing verdict to be honored")
	}
	if state.QualityCheckResult.Critique != "Unsupported claim about deadlines." {
		t.Errorf("Critique = %q", state.QualityCheckResult.Critique)
	}
}

func TestRunQuality_PromptCarriesQuestionSourcesAndDraft(t *testing.T) {
	t.Parallel()

	fast := &fakeLLM{generateFn: func(string) (string, error) {
		return passingGrade, nil
	}}
	p := newTestPipeline(t, Dependencies{LLM: &fakeLLM{}, FastLLM: fast, Searcher: &fakeSearcher{}}, DefaultConfig())

	state := gradedState("Criteria are published thirty days before trials.")
	state.RetrievedDocuments = []datatypes.RetrievedDocument{
		doc("2025 Selection Procedures", "Section 4.1", "Criteria shall be published thirty days prior to trials.", 0.9),
	}

	if err := p.runQuality(context.Background(), state); err != nil {
		t.Fatalf("runQuality: %v", err)
	}

	prompts := fast.generateCalls()
	if len(prompts) != 1 {
		t.Fatalf("grader calls = %d, want 1", len(prompts))
	}
	for _, want := range []string{
		state.LatestQuestion(),
		"[Source 1] 2025 Selection Procedures — Section 4.1",
		state.Answer,
	} {
		if !strings.Contains(prompts[0], want) {
			t.Errorf("grader prompt missing %q", want)
		}
	}
}
