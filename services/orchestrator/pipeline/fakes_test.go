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
	"sync"
	"testing"

	"github.com/AleutianAI/Rulebook/services/llm"
	"github.com/AleutianAI/Rulebook/services/orchestrator/datatypes"
	"github.com/AleutianAI/Rulebook/services/orchestrator/escalation"
	"github.com/AleutianAI/Rulebook/services/orchestrator/resilience"
	"github.com/AleutianAI/Rulebook/services/orchestrator/retrieval"
)

// =============================================================================
// LLM Fake
// =============================================================================

// fakeLLM is a scriptable llm.LLMClient. Generate calls record their
// prompts and Chat calls record their full message lists, so tests can
// assert on what the pipeline actually asked for.
type fakeLLM struct {
	mu sync.Mutex

	generateFn func(prompt string) (string, error)
	chatFn     func(messages []datatypes.Message) (string, error)
	streamFn   func(messages []datatypes.Message, callback llm.StreamCallback) error

	generatePrompts []string
	chatRequests    [][]datatypes.Message
}

var _ llm.LLMClient = (*fakeLLM)(nil)

func (f *fakeLLM) Generate(ctx context.Context, prompt string, params llm.GenerationParams) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	f.generatePrompts = append(f.generatePrompts, prompt)
	fn := f.generateFn
	f.mu.Unlock()
	if fn == nil {
		return "", fmt.Errorf("fakeLLM: no generate response scripted")
	}
	return fn(prompt)
}

func (f *fakeLLM) Chat(ctx context.Context, messages []datatypes.Message, params llm.GenerationParams) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	f.chatRequests = append(f.chatRequests, messages)
	fn := f.chatFn
	f.mu.Unlock()
	if fn == nil {
		return "", fmt.Errorf("fakeLLM: no chat response scripted")
	}
	return fn(messages)
}

// ChatStream runs the scripted stream function, or reports that streaming
// is unsupported so callers exercise the blocking fallback.
func (f *fakeLLM) ChatStream(ctx context.Context, messages []datatypes.Message, params llm.GenerationParams, callback llm.StreamCallback) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	fn := f.streamFn
	f.mu.Unlock()
	if fn == nil {
		return llm.ErrStreamingNotSupported
	}
	return fn(messages, callback)
}

func (f *fakeLLM) generateCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.generatePrompts...)
}

func (f *fakeLLM) chatCalls() [][]datatypes.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]datatypes.Message(nil), f.chatRequests...)
}

// routedGenerate dispatches a Generate prompt to the right canned response
// by its distinctive instruction text. Classification, expansion, and
// grading all arrive through the fast model's Generate, so one router
// serves a whole turn. An empty response for a route means "fail this
// call".
func routedGenerate(classifier, expansion, grade string) func(string) (string, error) {
	return func(prompt string) (string, error) {
		switch {
		case strings.Contains(prompt, "intake classifier"):
			if classifier == "" {
				return "", fmt.Errorf("classifier model down")
			}
			return classifier, nil
		case strings.Contains(prompt, "three search queries"):
			if expansion == "" {
				return "", fmt.Errorf("expansion model down")
			}
			return expansion, nil
		case strings.Contains(prompt, "reviewing a drafted answer"):
			if grade == "" {
				return "", fmt.Errorf("grader model down")
			}
			return grade, nil
		default:
			return "", fmt.Errorf("unscripted generate prompt: %s", snippet(prompt, 60))
		}
	}
}

// classifierJSON builds a minimal classifier response for the given domain
// and intent.
func classifierJSON(domain, intent string) string {
	return fmt.Sprintf(`{"topic_domain": %q, "query_intent": %q, "organization_ids": [], "has_time_constraint": false, "needs_clarification": false, "emotional_state": "calm"}`,
		domain, intent)
}

// passingGrade is a grader verdict that accepts the draft.
const passingGrade = `{"passed": true, "score": 0.9, "issues": [], "critique": ""}`

// =============================================================================
// Search Fakes
// =============================================================================

// fakeSearcher is a scriptable retrieval.DocumentSearcher. Result sets are
// consumed per call in order; the last set repeats once the script runs
// out, so a single-entry script behaves like a constant searcher. A
// searchFn, when set, overrides the queue entirely.
type fakeSearcher struct {
	mu       sync.Mutex
	results  [][]datatypes.RetrievedDocument
	err      error
	searchFn func(query string, scope retrieval.SearchScope) ([]datatypes.RetrievedDocument, error)
	calls    []searchCall
}

type searchCall struct {
	query string
	scope retrieval.SearchScope
}

var _ retrieval.DocumentSearcher = (*fakeSearcher)(nil)

func (f *fakeSearcher) Search(ctx context.Context, query string, scope retrieval.SearchScope) ([]datatypes.RetrievedDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, searchCall{query: query, scope: scope})
	if f.searchFn != nil {
		return f.searchFn(query, scope)
	}
	if f.err != nil {
		return nil, f.err
	}
	if len(f.results) == 0 {
		return nil, nil
	}
	docs := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return append([]datatypes.RetrievedDocument(nil), docs...), nil
}

func (f *fakeSearcher) searchCalls() []searchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]searchCall(nil), f.calls...)
}

// fakeWebSearcher is a scriptable retrieval.WebSearcher.
type fakeWebSearcher struct {
	mu      sync.Mutex
	results []datatypes.WebSearchResult
	err     error
	queries []string
}

var _ retrieval.WebSearcher = (*fakeWebSearcher)(nil)

func (f *fakeWebSearcher) Search(ctx context.Context, query string) ([]datatypes.WebSearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, f.err
	}
	return append([]datatypes.WebSearchResult(nil), f.results...), nil
}

// =============================================================================
// Construction Helpers
// =============================================================================

// testDirectory loads the embedded escalation directory.
func testDirectory(t *testing.T) *escalation.Directory {
	t.Helper()
	dir, err := escalation.NewDirectoryFromPath("")
	if err != nil {
		t.Fatalf("NewDirectoryFromPath: %v", err)
	}
	return dir
}

// newTestPipeline wires a pipeline around the given fakes with the
// embedded escalation directory and a fresh breaker registry. Nil optional
// dependencies stay nil.
func newTestPipeline(t *testing.T, deps Dependencies, cfg Config) *Pipeline {
	t.Helper()

	if deps.Directory == nil {
		deps.Directory = testDirectory(t)
	}
	if deps.Breakers == nil {
		deps.Breakers = resilience.NewRegistry(resilience.Config{})
	}

	p, err := New(deps, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

// questionState returns a state whose last message is the user question.
func questionState(question string) *datatypes.ConversationState {
	return &datatypes.ConversationState{
		ConversationID: "conv-test",
		SessionID:      "sess-test",
		Messages: []datatypes.Message{
			{Role: datatypes.RoleUser, Content: question},
		},
	}
}

// doc builds a retrieved document with enough metadata to produce a
// citation. Contents must be distinct across docs in a test or the
// deduplicator will merge them.
func doc(title, section, content string, score float64) datatypes.RetrievedDocument {
	return datatypes.RetrievedDocument{
		Content: content,
		Score:   score,
		Metadata: datatypes.DocumentMetadata{
			Title:          title,
			Section:        section,
			DocumentType:   "selection_procedures",
			OrganizationID: "usas",
			AuthorityLevel: retrieval.AuthorityGovernanceBody,
		},
	}
}

// stageNamesOf renders a trajectory for comparison failures.
func stageNamesOf(stages []Stage) string {
	return trajectoryString(stages)
}

// wantTrajectory asserts the visited stages match exactly.
func wantTrajectory(t *testing.T, got []Stage, want ...Stage) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("trajectory = %s, want %s", stageNamesOf(got), stageNamesOf(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("trajectory = %s, want %s", stageNamesOf(got), stageNamesOf(want))
		}
	}
}
