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
	"github.com/AleutianAI/Rulebook/services/orchestrator/retrieval"
)

func TestExpandQuery_PrependsOriginalAndCaps(t *testing.T) {
	t.Parallel()

	fast := &fakeLLM{generateFn: func(string) (string, error) {
		return `{"queries": ["variant one", "variant two", "variant three", "variant four", "variant five"]}`, nil
	}}
	p := newTestPipeline(t, Dependencies{LLM: &fakeLLM{}, FastLLM: fast, Searcher: &fakeSearcher{}}, DefaultConfig())

	state := questionState("When are the criteria published?")
	queries, err := p.expandQuery(context.Background(), state)
	if err != nil {
		t.Fatalf("expandQuery: %v", err)
	}

	if len(queries) != expansionVariants+1 {
		t.Fatalf("queries = %v, want the original plus %d variants", queries, expansionVariants)
	}
	if queries[0] != state.LatestQuestion() {
		t.Errorf("queries[0] = %q, want the original question first", queries[0])
	}
	if queries[3] != "variant three" {
		t.Errorf("queries = %v, want the variants kept in order", queries)
	}
}

func TestExpandQuery_DropsEmptyAndEchoedQueries(t *testing.T) {
	t.Parallel()

	fast := &fakeLLM{generateFn: func(string) (string, error) {
		return `{"queries": ["", "When are the criteria published?", "criteria publication deadline"]}`, nil
	}}
	p := newTestPipeline(t, Dependencies{LLM: &fakeLLM{}, FastLLM: fast, Searcher: &fakeSearcher{}}, DefaultConfig())

	state := questionState("When are the criteria published?")
	queries, err := p.expandQuery(context.Background(), state)
	if err != nil {
		t.Fatalf("expandQuery: %v", err)
	}

	want := []string{"When are the criteria published?", "criteria publication deadline"}
	if len(queries) != len(want) {
		t.Fatalf("queries = %v, want %v", queries, want)
	}
	for i := range want {
		if queries[i] != want[i] {
			t.Errorf("queries[%d] = %q, want %q", i, queries[i], want[i])
		}
	}
}

func TestExpandQuery_NoUsableVariantsIsAnError(t *testing.T) {
	t.Parallel()

	fast := &fakeLLM{generateFn: func(string) (string, error) {
		return `{"queries": ["", ""]}`, nil
	}}
	p := newTestPipeline(t, Dependencies{LLM: &fakeLLM{}, FastLLM: fast, Searcher: &fakeSearcher{}}, DefaultConfig())

	_, err := p.expandQuery(context.Background(), questionState("When are the criteria published?"))
	if err == nil || !strings.Contains(err.Error(), "no usable queries") {
		t.Fatalf("err = %v, want no-usable-queries", err)
	}
}

func TestRunExpander_LatchHoldsThroughTotalFailure(t *testing.T) {
	t.Parallel()

	fast := &fakeLLM{generateFn: func(string) (string, error) {
		return "", fmt.Errorf("fast model down")
	}}
	searcher := &fakeSearcher{err: fmt.Errorf("vector store down")}
	p := newTestPipeline(t, Dependencies{LLM: &fakeLLM{}, FastLLM: fast, Searcher: searcher}, DefaultConfig())

	state := questionState("When are the criteria published?")
	if err := p.runExpander(context.Background(), state); err != nil {
		t.Fatalf("runExpander: %v", err)
	}

	if !state.ExpansionAttempted {
		t.Error("ExpansionAttempted = false: the latch must be set before any work")
	}
	// A failed expansion re-searches the original question unscoped.
	calls := searcher.searchCalls()
	if len(calls) != 1 || calls[0].query != state.LatestQuestion() {
		t.Errorf("search calls = %+v, want one with the original question", calls)
	}
}

func TestRunExpander_MergesNewHitsWithExisting(t *testing.T) {
	t.Parallel()

	fast := &fakeLLM{generateFn: func(string) (string, error) {
		return `{"queries": ["criteria publication deadline"]}`, nil
	}}
	searcher := &fakeSearcher{results: [][]datatypes.RetrievedDocument{{
		doc("2025 Selection Procedures", "4.1", "Criteria shall be published thirty days prior to trials.", 0.85),
	}}}
	p := newTestPipeline(t, Dependencies{LLM: &fakeLLM{}, FastLLM: fast, Searcher: searcher}, DefaultConfig())

	state := questionState("When are the criteria published?")
	state.TopicDomain = datatypes.DomainTeamSelection
	state.RetrievedDocuments = []datatypes.RetrievedDocument{
		doc("Old FAQ", "", "A loosely related mention of selection.", 0.30),
	}
	state.RetrievalConfidence = 0.30

	if err := p.runExpander(context.Background(), state); err != nil {
		t.Fatalf("runExpander: %v", err)
	}

	if len(state.RetrievedDocuments) != 2 {
		t.Fatalf("RetrievedDocuments = %d, want old and new merged", len(state.RetrievedDocuments))
	}
	if state.RetrievedDocuments[0].Metadata.Title != "2025 Selection Procedures" {
		t.Errorf("top document = %q, want the new stronger hit", state.RetrievedDocuments[0].Metadata.Title)
	}
	if state.RetrievalConfidence != 0.85 {
		t.Errorf("RetrievalConfidence = %v, want 0.85", state.RetrievalConfidence)
	}
	// Expanded searches keep the organization but drop the domain filter.
	for i, call := range searcher.searchCalls() {
		if call.scope.TopicDomain != "" {
			t.Errorf("call %d kept domain filter %q", i, call.scope.TopicDomain)
		}
	}
}

func TestRunExpander_VariantFailuresDoNotAbort(t *testing.T) {
	t.Parallel()

	fast := &fakeLLM{generateFn: func(string) (string, error) {
		return `{"queries": ["failing variant", "working variant"]}`, nil
	}}
	searcher := &fakeSearcher{searchFn: func(query string, _ retrieval.SearchScope) ([]datatypes.RetrievedDocument, error) {
		if query == "failing variant" {
			return nil, fmt.Errorf("timeout on this shard")
		}
		return []datatypes.RetrievedDocument{
			doc("Procedures", "4.1", "Criteria shall be published thirty days prior to trials.", 0.8),
		}, nil
	}}
	p := newTestPipeline(t, Dependencies{LLM: &fakeLLM{}, FastLLM: fast, Searcher: searcher}, DefaultConfig())

	state := questionState("When are the criteria published?")
	if err := p.runExpander(context.Background(), state); err != nil {
		t.Fatalf("runExpander: %v", err)
	}

	if len(state.RetrievedDocuments) != 1 {
		t.Fatalf("RetrievedDocuments = %d, want the surviving variant's hit", len(state.RetrievedDocuments))
	}
	if state.RetrievalConfidence != 0.8 {
		t.Errorf("RetrievalConfidence = %v", state.RetrievalConfidence)
	}
	if calls := searcher.searchCalls(); len(calls) != 3 {
		t.Errorf("search calls = %d, want all three variants tried", len(calls))
	}
}
