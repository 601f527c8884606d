// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/Rulebook/services/orchestrator/datatypes"
)

// =============================================================================
// Test Fixtures
// =============================================================================

// routingScenarioYAML returns a valid scenario file with the two
// canonical trajectories.
func routingScenarioYAML() string {
	return `metadata:
  id: "routing-smoke"
  version: "1.0.0"
  description: "Canonical routing trajectories"
  author: "rulebook-team"
  created: "2025-08-25"

defaults:
  timeout_seconds: 30
  org_id: "usa-swimming"

cases:
  - name: "high confidence selection question"
    question: "What are the team selection criteria for swimming?"
    expect:
      trajectory: [classifier, retriever, synthesizer]
      min_citations: 1
      escalated: false
      topic_domain: "team_selection"

  - name: "safesport report escalates"
    question: "I need to report my coach for inappropriate behavior."
    expect:
      trajectory: [classifier, escalate]
      escalated: true
      escalation_urgency: "immediate"
      answer_contains: ["720-531-0340"]
      topic_domain: "safesport"
`
}

// selectionResponse is a canned answer for the high-confidence path.
// The trajectory includes the quality gate to prove scenario files do
// not break when it is enabled.
func selectionResponse() datatypes.AskResponse {
	return datatypes.AskResponse{
		ResponseID: "resp-selection",
		SessionID:  "sess-1",
		Answer:     "Team selection for swimming follows the published selection procedures [1].",
		Citations: []datatypes.Citation{
			{Title: "2025 Swimming Selection Procedures", Section: "3.1", AuthorityLevel: "governing_document"},
		},
		TopicDomain:     datatypes.DomainTeamSelection,
		StageTrajectory: []string{"classifier", "retriever", "synthesizer", "quality"},
	}
}

// safesportResponse is a canned escalation answer.
func safesportResponse() datatypes.AskResponse {
	return datatypes.AskResponse{
		ResponseID: "resp-safesport",
		SessionID:  "sess-2",
		Answer:     "Please contact the U.S. Center for SafeSport right away at 720-531-0340.",
		Escalation: &datatypes.EscalationInfo{
			Target:       "U.S. Center for SafeSport",
			Organization: "U.S. Center for SafeSport",
			ContactPhone: "720-531-0340",
			Urgency:      datatypes.UrgencyImmediate,
		},
		TopicDomain:     datatypes.DomainSafeSport,
		StageTrajectory: []string{"classifier", "escalate"},
	}
}

// routingMockServer answers /v1/ask with the canned response matching
// the question, recording each received request.
func routingMockServer(t *testing.T, received *[]datatypes.AskRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/ask", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var req datatypes.AskRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if received != nil {
			*received = append(*received, req)
		}

		resp := selectionResponse()
		if strings.Contains(strings.ToLower(req.Question), "report") {
			resp = safesportResponse()
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Logf("Warning: failed to encode response: %v", err)
		}
	}))
}

func writeScenarioFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func boolPtr(b bool) *bool { return &b }

// =============================================================================
// loadScenario Tests
// =============================================================================

// TestLoadScenario_Success verifies loading and parsing a valid file.
func TestLoadScenario_Success(t *testing.T) {
	path := writeScenarioFile(t, routingScenarioYAML())

	scenario, err := loadScenario(path)

	require.NoError(t, err)
	require.NotNil(t, scenario)
	assert.Equal(t, "routing-smoke", scenario.Metadata.ID)
	assert.Equal(t, "1.0.0", scenario.Metadata.Version)
	assert.Equal(t, 30, scenario.Defaults.TimeoutSeconds)
	assert.Equal(t, "usa-swimming", scenario.Defaults.OrgID)
	require.Len(t, scenario.Cases, 2)

	first := scenario.Cases[0]
	assert.Equal(t, "high confidence selection question", first.Name)
	assert.Equal(t, []string{"classifier", "retriever", "synthesizer"}, first.Expect.Trajectory)
	assert.Equal(t, 1, first.Expect.MinCitations)
	require.NotNil(t, first.Expect.Escalated)
	assert.False(t, *first.Expect.Escalated)

	second := scenario.Cases[1]
	assert.Equal(t, "immediate", second.Expect.EscalationUrgency)
	assert.Equal(t, []string{"720-531-0340"}, second.Expect.AnswerContains)
}

// TestLoadScenario_ShippedFile verifies the example scenario in evals/
// stays parseable.
func TestLoadScenario_ShippedFile(t *testing.T) {
	scenario, err := loadScenario(filepath.Join("..", "..", "evals", "routing_smoke.yaml"))

	require.NoError(t, err)
	assert.Equal(t, "routing-smoke", scenario.Metadata.ID)
	require.Len(t, scenario.Cases, 2)
}

// TestLoadScenario_FileNotFound verifies error on missing file.
func TestLoadScenario_FileNotFound(t *testing.T) {
	scenario, err := loadScenario("/nonexistent/path/scenario.yaml")

	require.Error(t, err)
	assert.Nil(t, scenario)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

// TestLoadScenario_InvalidYAML verifies error on malformed YAML.
func TestLoadScenario_InvalidYAML(t *testing.T) {
	path := writeScenarioFile(t, "{{{{not yaml")

	scenario, err := loadScenario(path)

	require.Error(t, err)
	assert.Nil(t, scenario)
	assert.Contains(t, err.Error(), "failed to parse scenario file")
}

// TestLoadScenario_MissingID verifies validation of metadata.id.
func TestLoadScenario_MissingID(t *testing.T) {
	path := writeScenarioFile(t, `metadata:
  version: "1.0.0"
cases:
  - name: "a case"
    question: "a question"
`)

	_, err := loadScenario(path)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "metadata.id is required")
}

// TestLoadScenario_NoCases verifies a scenario must carry cases.
func TestLoadScenario_NoCases(t *testing.T) {
	path := writeScenarioFile(t, `metadata:
  id: "empty"
`)

	_, err := loadScenario(path)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one case")
}

// TestLoadScenario_CaseWithoutQuestion verifies per-case validation.
func TestLoadScenario_CaseWithoutQuestion(t *testing.T) {
	path := writeScenarioFile(t, `metadata:
  id: "broken"
cases:
  - name: "no question here"
`)

	_, err := loadScenario(path)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no question")
}

// =============================================================================
// Assertion Tests
// =============================================================================

// TestContainsInOrder covers the subsequence matcher the trajectory
// check relies on.
func TestContainsInOrder(t *testing.T) {
	tests := []struct {
		name string
		got  []string
		want []string
		ok   bool
	}{
		{
			name: "exact match",
			got:  []string{"classifier", "retriever", "synthesizer"},
			want: []string{"classifier", "retriever", "synthesizer"},
			ok:   true,
		},
		{
			name: "quality gate between expected stages",
			got:  []string{"classifier", "retriever", "synthesizer", "quality"},
			want: []string{"classifier", "retriever", "synthesizer"},
			ok:   true,
		},
		{
			name: "expansion retry between expected stages",
			got:  []string{"classifier", "retriever", "retrieval_expander", "retriever", "researcher", "synthesizer"},
			want: []string{"classifier", "retrieval_expander", "synthesizer"},
			ok:   true,
		},
		{
			name: "wrong order",
			got:  []string{"classifier", "synthesizer", "retriever"},
			want: []string{"retriever", "synthesizer"},
			ok:   false,
		},
		{
			name: "missing stage",
			got:  []string{"classifier", "retriever", "synthesizer"},
			want: []string{"classifier", "escalate"},
			ok:   false,
		},
		{
			name: "empty want always matches",
			got:  []string{"classifier"},
			want: nil,
			ok:   true,
		},
		{
			name: "empty got fails nonempty want",
			got:  nil,
			want: []string{"classifier"},
			ok:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.ok, containsInOrder(tt.got, tt.want))
		})
	}
}

// TestEvaluateCase_AllChecksPass verifies a fully matching response
// produces no failures.
func TestEvaluateCase_AllChecksPass(t *testing.T) {
	resp := safesportResponse()
	expect := CaseExpectation{
		Trajectory:        []string{"classifier", "escalate"},
		AnswerContains:    []string{"720-531-0340", "safesport"},
		Escalated:         boolPtr(true),
		EscalationUrgency: "immediate",
		TopicDomain:       "safesport",
	}

	failures := evaluateCase(&resp, expect)

	assert.Empty(t, failures)
}

// TestEvaluateCase_TrajectoryMismatch verifies the trajectory failure
// message names both sequences.
func TestEvaluateCase_TrajectoryMismatch(t *testing.T) {
	resp := selectionResponse()
	expect := CaseExpectation{Trajectory: []string{"classifier", "escalate"}}

	failures := evaluateCase(&resp, expect)

	require.Len(t, failures, 1)
	assert.Contains(t, failures[0], "classifier -> escalate")
	assert.Contains(t, failures[0], "classifier -> retriever -> synthesizer -> quality")
}

// TestEvaluateCase_AnswerContains verifies the substring check is
// case-insensitive and reports the missing string.
func TestEvaluateCase_AnswerContains(t *testing.T) {
	resp := selectionResponse()

	failures := evaluateCase(&resp, CaseExpectation{
		AnswerContains: []string{"SELECTION PROCEDURES"},
	})
	assert.Empty(t, failures, "matching should ignore case")

	failures = evaluateCase(&resp, CaseExpectation{
		AnswerContains: []string{"doping control"},
	})
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0], `"doping control"`)
}

// TestEvaluateCase_AnswerOmits verifies banned substrings fail the case.
func TestEvaluateCase_AnswerOmits(t *testing.T) {
	resp := selectionResponse()

	failures := evaluateCase(&resp, CaseExpectation{
		AnswerOmits: []string{"selection procedures"},
	})

	require.Len(t, failures, 1)
	assert.Contains(t, failures[0], "should not contain")
}

// TestEvaluateCase_MinCitations verifies the citation count check.
func TestEvaluateCase_MinCitations(t *testing.T) {
	resp := selectionResponse()

	assert.Empty(t, evaluateCase(&resp, CaseExpectation{MinCitations: 1}))

	failures := evaluateCase(&resp, CaseExpectation{MinCitations: 3})
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0], "got 1 citations, want at least 3")
}

// TestEvaluateCase_EscalatedMismatch verifies both directions of the
// escalated check.
func TestEvaluateCase_EscalatedMismatch(t *testing.T) {
	selection := selectionResponse()
	failures := evaluateCase(&selection, CaseExpectation{Escalated: boolPtr(true)})
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0], "escalated = false, want true")

	safesport := safesportResponse()
	failures = evaluateCase(&safesport, CaseExpectation{Escalated: boolPtr(false)})
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0], "escalated = true, want false")
}

// TestEvaluateCase_EscalationUrgency verifies the urgency check covers
// both a missing escalation and a wrong value.
func TestEvaluateCase_EscalationUrgency(t *testing.T) {
	selection := selectionResponse()
	failures := evaluateCase(&selection, CaseExpectation{EscalationUrgency: "immediate"})
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0], "expected an escalation")

	safesport := safesportResponse()
	failures = evaluateCase(&safesport, CaseExpectation{EscalationUrgency: "standard"})
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0], "urgency = immediate, want standard")
}

// TestEvaluateCase_TopicDomain verifies the classifier domain check.
func TestEvaluateCase_TopicDomain(t *testing.T) {
	resp := selectionResponse()

	assert.Empty(t, evaluateCase(&resp, CaseExpectation{TopicDomain: "team_selection"}))

	failures := evaluateCase(&resp, CaseExpectation{TopicDomain: "safesport"})
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0], "topic domain = team_selection, want safesport")
}

// =============================================================================
// runScenario Tests
// =============================================================================

// TestRunScenario_AllCasesPass runs the full scenario against a mock
// orchestrator and verifies both canonical trajectories pass.
func TestRunScenario_AllCasesPass(t *testing.T) {
	evalJSONOutput = true
	defer func() { evalJSONOutput = false }()

	var received []datatypes.AskRequest
	server := routingMockServer(t, &received)
	defer server.Close()

	path := writeScenarioFile(t, routingScenarioYAML())
	scenario, err := loadScenario(path)
	require.NoError(t, err)

	client := &http.Client{Timeout: 10 * time.Second}
	result := runScenario(context.Background(), client, server.URL, scenario)

	assert.Equal(t, 2, result.Passed)
	assert.Equal(t, 0, result.Failed)
	require.Len(t, result.Cases, 2)
	assert.True(t, result.Cases[0].Passed)
	assert.True(t, result.Cases[1].Passed)
	assert.True(t, strings.HasPrefix(result.RunID, "routing-smoke_v1.0.0_"))

	// The scenario default org_id rides along on every request.
	require.Len(t, received, 2)
	assert.Equal(t, "usa-swimming", received[0].OrgID)
	assert.Equal(t, "usa-swimming", received[1].OrgID)
}

// TestRunScenario_FailedExpectation verifies an unmet expectation marks
// the case failed without aborting the run.
func TestRunScenario_FailedExpectation(t *testing.T) {
	evalJSONOutput = true
	defer func() { evalJSONOutput = false }()

	server := routingMockServer(t, nil)
	defer server.Close()

	scenario := &EvalScenario{
		Metadata: ScenarioMetadata{ID: "strict", Version: "1.0.0"},
		Cases: []EvalCase{
			{
				Name:     "selection demands three citations",
				Question: "What are the team selection criteria for swimming?",
				Expect:   CaseExpectation{MinCitations: 3},
			},
			{
				Name:     "safesport still passes",
				Question: "I need to report my coach.",
				Expect:   CaseExpectation{Escalated: boolPtr(true)},
			},
		},
	}

	client := &http.Client{Timeout: 10 * time.Second}
	result := runScenario(context.Background(), client, server.URL, scenario)

	assert.Equal(t, 1, result.Passed)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Cases, 2)
	assert.False(t, result.Cases[0].Passed)
	assert.NotEmpty(t, result.Cases[0].Failures)
	assert.True(t, result.Cases[1].Passed)
}

// TestRunScenario_ServerError verifies a transport failure fails the
// case with an error instead of a panic or a pass.
func TestRunScenario_ServerError(t *testing.T) {
	evalJSONOutput = true
	defer func() { evalJSONOutput = false }()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "pipeline exploded", http.StatusInternalServerError)
	}))
	defer server.Close()

	scenario := &EvalScenario{
		Metadata: ScenarioMetadata{ID: "errors", Version: "1.0.0"},
		Cases: []EvalCase{
			{Name: "boom", Question: "anything"},
		},
	}

	client := &http.Client{Timeout: 10 * time.Second}
	result := runScenario(context.Background(), client, server.URL, scenario)

	assert.Equal(t, 0, result.Passed)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Cases, 1)
	assert.False(t, result.Cases[0].Passed)
	assert.Contains(t, result.Cases[0].Error, "500")
}

// TestRunCase_CaseOrgOverridesDefault verifies a per-case org_id wins
// over the scenario default.
func TestRunCase_CaseOrgOverridesDefault(t *testing.T) {
	var received []datatypes.AskRequest
	server := routingMockServer(t, &received)
	defer server.Close()

	scenario := &EvalScenario{
		Metadata: ScenarioMetadata{ID: "org-check", Version: "1.0.0"},
	}
	scenario.Defaults.OrgID = "usa-swimming"

	client := &http.Client{Timeout: 10 * time.Second}
	evalCase := EvalCase{
		Name:     "override",
		Question: "What are the team selection criteria?",
		OrgID:    "usrowing",
	}
	cr := runCase(context.Background(), client, server.URL, scenario, evalCase, 10*time.Second)

	assert.True(t, cr.Passed)
	require.Len(t, received, 1)
	assert.Equal(t, "usrowing", received[0].OrgID)
}
