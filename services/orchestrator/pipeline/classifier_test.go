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
	"errors"
	"strings"
	"testing"

	"github.com/AleutianAI/Rulebook/services/orchestrator/datatypes"
)

var errFastModelDown = errors.New("fast model down")

func classifierPipeline(t *testing.T, fast *fakeLLM) *Pipeline {
	t.Helper()
	return newTestPipeline(t, Dependencies{LLM: &fakeLLM{}, FastLLM: fast, Searcher: &fakeSearcher{}}, DefaultConfig())
}

func TestRunClassifier_FullResult(t *testing.T) {
	t.Parallel()

	fast := &fakeLLM{generateFn: func(string) (string, error) {
		return `{"topic_domain": "anti_doping", "query_intent": "deadline", "organization_ids": ["USADA"], "has_time_constraint": true, "needs_clarification": false, "emotional_state": " Anxious "}`, nil
	}}
	p := classifierPipeline(t, fast)

	state := questionState("How long do I have to respond to a whereabouts failure?")
	if err := p.runClassifier(context.Background(), state); err != nil {
		t.Fatalf("runClassifier: %v", err)
	}

	if state.TopicDomain != datatypes.DomainAntiDoping {
		t.Errorf("TopicDomain = %q", state.TopicDomain)
	}
	if state.QueryIntent != datatypes.IntentDeadline {
		t.Errorf("QueryIntent = %q", state.QueryIntent)
	}
	if len(state.DetectedOrgIDs) != 1 || state.DetectedOrgIDs[0] != "usada" {
		t.Errorf("DetectedOrgIDs = %v, want [usada]", state.DetectedOrgIDs)
	}
	if !state.HasTimeConstraint {
		t.Error("HasTimeConstraint = false")
	}
	if state.EmotionalState != "anxious" {
		t.Errorf("EmotionalState = %q, want trimmed lowercase", state.EmotionalState)
	}
}

func TestRunClassifier_UnknownValuesNormalizeToGeneral(t *testing.T) {
	t.Parallel()

	fast := &fakeLLM{generateFn: func(string) (string, error) {
		return classifierJSON("hockey_rules", "prediction"), nil
	}}
	p := classifierPipeline(t, fast)

	state := questionState("Who will win the trials?")
	if err := p.runClassifier(context.Background(), state); err != nil {
		t.Fatalf("runClassifier: %v", err)
	}

	if state.TopicDomain != datatypes.DomainGeneral {
		t.Errorf("TopicDomain = %q, want general", state.TopicDomain)
	}
	if state.QueryIntent != datatypes.IntentGeneral {
		t.Errorf("QueryIntent = %q, want general", state.QueryIntent)
	}
}

func TestRunClassifier_SingleOrganizationRule(t *testing.T) {
	t.Parallel()

	fast := &fakeLLM{generateFn: func(string) (string, error) {
		return `{"topic_domain": "team_selection", "query_intent": "factual", "organization_ids": ["", "  ", "USAS", "usatf", "usav"], "has_time_constraint": false, "needs_clarification": false, "emotional_state": ""}`, nil
	}}
	p := classifierPipeline(t, fast)

	state := questionState("What are the time standards?")
	if err := p.runClassifier(context.Background(), state); err != nil {
		t.Fatalf("runClassifier: %v", err)
	}

	// First non-empty organization wins; the rest are dropped.
	if len(state.DetectedOrgIDs) != 1 || state.DetectedOrgIDs[0] != "usas" {
		t.Errorf("DetectedOrgIDs = %v, want [usas]", state.DetectedOrgIDs)
	}
}

func TestRunClassifier_FailureDefaults(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		response string
		err      bool
	}{
		{"model error", "", true},
		{"no JSON in response", "Sorry, I cannot classify this.", false},
		{"truncated JSON", `{"topic_domain": "team_sel`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			fast := &fakeLLM{generateFn: func(string) (string, error) {
				if tt.err {
					return "", errFastModelDown
				}
				return tt.response, nil
			}}
			p := classifierPipeline(t, fast)

			state := questionState("What are the standards?")
			// Stale values from a previous turn must be cleared.
			state.DetectedOrgIDs = []string{"stale"}

			if err := p.runClassifier(context.Background(), state); err != nil {
				t.Fatalf("runClassifier: %v", err)
			}

			if state.TopicDomain != datatypes.DomainGeneral || state.QueryIntent != datatypes.IntentGeneral {
				t.Errorf("degraded classification = %q/%q, want general/general", state.TopicDomain, state.QueryIntent)
			}
			if state.DetectedOrgIDs != nil {
				t.Errorf("DetectedOrgIDs = %v, want cleared", state.DetectedOrgIDs)
			}
		})
	}
}

func TestRunClassifier_FencedResponseParses(t *testing.T) {
	t.Parallel()

	fast := &fakeLLM{generateFn: func(string) (string, error) {
		return "```json\n" + classifierJSON("safesport", "escalation") + "\n```", nil
	}}
	p := classifierPipeline(t, fast)

	state := questionState("I need to report my coach.")
	if err := p.runClassifier(context.Background(), state); err != nil {
		t.Fatalf("runClassifier: %v", err)
	}

	if state.TopicDomain != datatypes.DomainSafeSport || state.QueryIntent != datatypes.IntentEscalation {
		t.Errorf("classification = %q/%q", state.TopicDomain, state.QueryIntent)
	}
}

func TestRunClassifier_PromptContainsQuestion(t *testing.T) {
	t.Parallel()

	fast := &fakeLLM{generateFn: func(string) (string, error) {
		return classifierJSON("general", "general"), nil
	}}
	p := classifierPipeline(t, fast)

	state := questionState("Can I appeal a non-selection decision?")
	if err := p.runClassifier(context.Background(), state); err != nil {
		t.Fatalf("runClassifier: %v", err)
	}

	prompts := fast.generateCalls()
	if len(prompts) != 1 {
		t.Fatalf("classifier calls = %d, want 1", len(prompts))
	}
	if !strings.Contains(prompts[0], "Can I appeal a non-selection decision?") {
		t.Error("prompt missing the question")
	}
	if !strings.Contains(prompts[0], "(first message)") {
		t.Error("prompt missing the empty-history placeholder")
	}
}
