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
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/Rulebook/services/orchestrator/datatypes"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	evalJSONOutput bool // Output results as JSON
	evalStopOnFail bool // Stop at the first failing case
)

func init() {
	evalCmd.Flags().BoolVar(&evalJSONOutput, "json", false,
		"Output results as JSON for scripting")
	evalCmd.Flags().BoolVar(&evalStopOnFail, "fail-fast", false,
		"Stop at the first failing case")
}

// =============================================================================
// Scenario File Format
// =============================================================================

// EvalScenario is one scenario YAML file: metadata plus a list of
// question cases with expectations.
//
// Example:
//
//	metadata:
//	  id: "routing-smoke"
//	  version: "1.0.0"
//	  description: "Core routing trajectories"
//
//	cases:
//	  - name: "high confidence selection question"
//	    question: "What are the team selection criteria for swimming?"
//	    expect:
//	      trajectory: [classifier, retriever, synthesizer]
//	      min_citations: 1
//	      escalated: false
type EvalScenario struct {
	Metadata ScenarioMetadata `yaml:"metadata" json:"metadata"`

	Defaults struct {
		// TimeoutSeconds bounds each case. Default 120.
		TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds"`
		// OrgID restricts retrieval for every case unless overridden.
		OrgID string `yaml:"org_id" json:"org_id"`
	} `yaml:"defaults" json:"defaults"`

	Cases []EvalCase `yaml:"cases" json:"cases"`
}

// ScenarioMetadata identifies a scenario file.
type ScenarioMetadata struct {
	ID          string `yaml:"id" json:"id"`
	Version     string `yaml:"version" json:"version"`
	Description string `yaml:"description" json:"description"`
	Author      string `yaml:"author" json:"author"`
	Created     string `yaml:"created" json:"created"`
}

// EvalCase is one question with its expectations.
type EvalCase struct {
	Name      string `yaml:"name" json:"name"`
	Question  string `yaml:"question" json:"question"`
	SessionID string `yaml:"session_id" json:"session_id"`
	OrgID     string `yaml:"org_id" json:"org_id"`

	Expect CaseExpectation `yaml:"expect" json:"expect"`
}

// CaseExpectation lists the checks applied to a case's response. Empty
// fields are not checked.
type CaseExpectation struct {
	// Trajectory asserts the listed stages appear in this order within
	// the turn's stage trajectory. Intermediate stages (the quality
	// gate, expansion retries) are allowed between them, so scenario
	// files stay valid whether or not the quality gate is enabled.
	Trajectory []string `yaml:"trajectory" json:"trajectory"`

	// AnswerContains asserts each substring appears in the answer
	// (case-insensitive).
	AnswerContains []string `yaml:"answer_contains" json:"answer_contains"`

	// AnswerOmits asserts each substring does NOT appear in the answer
	// (case-insensitive).
	AnswerOmits []string `yaml:"answer_omits" json:"answer_omits"`

	// MinCitations asserts at least this many citations.
	MinCitations int `yaml:"min_citations" json:"min_citations"`

	// Escalated asserts whether the turn was referred to a human
	// contact. Omit the key to skip the check.
	Escalated *bool `yaml:"escalated" json:"escalated"`

	// EscalationUrgency asserts the escalation's urgency value
	// ("immediate" or "standard"). Implies Escalated: true.
	EscalationUrgency string `yaml:"escalation_urgency" json:"escalation_urgency"`

	// TopicDomain asserts the classifier's domain ("safesport",
	// "team_selection", ...).
	TopicDomain string `yaml:"topic_domain" json:"topic_domain"`
}

// =============================================================================
// Results
// =============================================================================

// CaseResult is the outcome of one case.
type CaseResult struct {
	Name      string   `json:"name"`
	Passed    bool     `json:"passed"`
	LatencyMs int64    `json:"latency_ms"`
	Failures  []string `json:"failures,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// ScenarioResult aggregates one scenario file's run.
type ScenarioResult struct {
	RunID    string       `json:"run_id"`
	Scenario string       `json:"scenario"`
	Version  string       `json:"version"`
	Passed   int          `json:"passed"`
	Failed   int          `json:"failed"`
	Cases    []CaseResult `json:"cases"`
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

// runEvalCommand runs every scenario file against the orchestrator and
// exits 1 if any case fails.
func runEvalCommand(cmd *cobra.Command, args []string) {
	baseURL := getServerBaseURL()
	client := &http.Client{Timeout: askTimeout}

	var results []ScenarioResult
	failed := 0

	for _, path := range args {
		scenario, err := loadScenario(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		result := runScenario(cmd.Context(), client, baseURL, scenario)
		results = append(results, result)
		failed += result.Failed

		if !evalJSONOutput {
			printScenarioResult(result)
		}
		if evalStopOnFail && result.Failed > 0 {
			break
		}
	}

	if evalJSONOutput {
		if err := printJSON(results); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
	if failed > 0 {
		os.Exit(1)
	}
}

// loadScenario reads and validates one scenario YAML file.
func loadScenario(path string) (*EvalScenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file %s: %w", path, err)
	}

	var scenario EvalScenario
	if err := yaml.Unmarshal(data, &scenario); err != nil {
		return nil, fmt.Errorf("failed to parse scenario file %s: %w", path, err)
	}

	if scenario.Metadata.ID == "" {
		return nil, fmt.Errorf("scenario %s: metadata.id is required", path)
	}
	if len(scenario.Cases) == 0 {
		return nil, fmt.Errorf("scenario %s: at least one case is required", path)
	}
	for i, c := range scenario.Cases {
		if c.Name == "" {
			return nil, fmt.Errorf("scenario %s: case %d has no name", path, i+1)
		}
		if c.Question == "" {
			return nil, fmt.Errorf("scenario %s: case %q has no question", path, c.Name)
		}
	}
	return &scenario, nil
}

// runScenario sends each case to the orchestrator and evaluates its
// expectations. A transport error fails the case, not the whole run.
func runScenario(ctx context.Context, client *http.Client, baseURL string, scenario *EvalScenario) ScenarioResult {
	timestamp := time.Now().Format("20060102_150405")
	result := ScenarioResult{
		RunID:    fmt.Sprintf("%s_v%s_%s", scenario.Metadata.ID, scenario.Metadata.Version, timestamp),
		Scenario: scenario.Metadata.ID,
		Version:  scenario.Metadata.Version,
	}

	caseTimeout := time.Duration(scenario.Defaults.TimeoutSeconds) * time.Second
	if caseTimeout <= 0 {
		caseTimeout = 120 * time.Second
	}

	if !evalJSONOutput {
		fmt.Printf("\nStarting Eval Run: %s\n", result.RunID)
		fmt.Printf("   Scenario:  %s (v%s)\n", scenario.Metadata.ID, scenario.Metadata.Version)
		if scenario.Metadata.Description != "" {
			fmt.Printf("   About:     %s\n", scenario.Metadata.Description)
		}
		fmt.Printf("   Cases:     %d\n", len(scenario.Cases))
		fmt.Printf("   Server:    %s\n", baseURL)
		fmt.Println("---------------------------------------------------")
	}

	for _, evalCase := range scenario.Cases {
		cr := runCase(ctx, client, baseURL, scenario, evalCase, caseTimeout)
		result.Cases = append(result.Cases, cr)
		if cr.Passed {
			result.Passed++
		} else {
			result.Failed++
		}
		if !evalJSONOutput {
			printCaseResult(cr)
		}
		if !cr.Passed && evalStopOnFail {
			break
		}
	}
	return result
}

// runCase executes one case and checks its expectations.
func runCase(ctx context.Context, client *http.Client, baseURL string, scenario *EvalScenario, evalCase EvalCase, timeout time.Duration) CaseResult {
	cr := CaseResult{Name: evalCase.Name}

	orgID := evalCase.OrgID
	if orgID == "" {
		orgID = scenario.Defaults.OrgID
	}
	req := datatypes.AskRequest{
		Question:  evalCase.Question,
		SessionID: evalCase.SessionID,
		OrgID:     orgID,
	}

	caseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	var resp datatypes.AskResponse
	err := postJSON(caseCtx, client, baseURL+"/v1/ask", &req, &resp)
	cr.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		cr.Error = err.Error()
		return cr
	}

	cr.Failures = evaluateCase(&resp, evalCase.Expect)
	cr.Passed = len(cr.Failures) == 0
	return cr
}

// evaluateCase returns one failure message per unmet expectation.
func evaluateCase(resp *datatypes.AskResponse, expect CaseExpectation) []string {
	var failures []string

	if len(expect.Trajectory) > 0 && !containsInOrder(resp.StageTrajectory, expect.Trajectory) {
		failures = append(failures, fmt.Sprintf("trajectory = %s, want %s in order",
			strings.Join(resp.StageTrajectory, " -> "), strings.Join(expect.Trajectory, " -> ")))
	}

	answer := strings.ToLower(resp.Answer)
	for _, want := range expect.AnswerContains {
		if !strings.Contains(answer, strings.ToLower(want)) {
			failures = append(failures, fmt.Sprintf("answer does not contain %q", want))
		}
	}
	for _, banned := range expect.AnswerOmits {
		if strings.Contains(answer, strings.ToLower(banned)) {
			failures = append(failures, fmt.Sprintf("answer should not contain %q", banned))
		}
	}

	if expect.MinCitations > 0 && len(resp.Citations) < expect.MinCitations {
		failures = append(failures, fmt.Sprintf("got %d citations, want at least %d",
			len(resp.Citations), expect.MinCitations))
	}

	escalated := resp.Escalation != nil
	if expect.Escalated != nil && escalated != *expect.Escalated {
		failures = append(failures, fmt.Sprintf("escalated = %t, want %t", escalated, *expect.Escalated))
	}
	if expect.EscalationUrgency != "" {
		if resp.Escalation == nil {
			failures = append(failures, "expected an escalation, got none")
		} else if string(resp.Escalation.Urgency) != expect.EscalationUrgency {
			failures = append(failures, fmt.Sprintf("escalation urgency = %s, want %s",
				resp.Escalation.Urgency, expect.EscalationUrgency))
		}
	}

	if expect.TopicDomain != "" && string(resp.TopicDomain) != expect.TopicDomain {
		failures = append(failures, fmt.Sprintf("topic domain = %s, want %s",
			resp.TopicDomain, expect.TopicDomain))
	}

	return failures
}

// containsInOrder reports whether want appears as an in-order
// subsequence of got.
func containsInOrder(got, want []string) bool {
	i := 0
	for _, stage := range got {
		if i < len(want) && stage == want[i] {
			i++
		}
	}
	return i == len(want)
}

// =============================================================================
// OUTPUT FORMATTING
// =============================================================================

func printCaseResult(cr CaseResult) {
	if cr.Passed {
		fmt.Printf("PASS  %s (%dms)\n", cr.Name, cr.LatencyMs)
		return
	}
	fmt.Printf("FAIL  %s (%dms)\n", cr.Name, cr.LatencyMs)
	if cr.Error != "" {
		fmt.Printf("      - %s\n", cr.Error)
	}
	for _, f := range cr.Failures {
		fmt.Printf("      - %s\n", f)
	}
}

func printScenarioResult(result ScenarioResult) {
	fmt.Println("---------------------------------------------------")
	total := result.Passed + result.Failed
	if result.Failed == 0 {
		fmt.Printf("✅ %d/%d cases passed\n", result.Passed, total)
	} else {
		fmt.Printf("%d/%d cases passed, %d failed\n", result.Passed, total, result.Failed)
	}
	fmt.Printf("   Run ID: %s\n", result.RunID)
}
