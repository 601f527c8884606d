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
	"testing"

	"github.com/AleutianAI/Rulebook/services/orchestrator/datatypes"
	"github.com/AleutianAI/Rulebook/services/orchestrator/retrieval"
)

func TestCitationsFrom(t *testing.T) {
	t.Parallel()

	docs := []datatypes.RetrievedDocument{
		doc("Procedures", "4.1", "First passage about publication.", 0.9),
		doc("Procedures", "4.1", "Second passage from the same section.", 0.8),
		doc("Procedures", "4.2", "A passage from a different section.", 0.7),
		doc("", "", "Untitled passage that cannot be cited.", 0.6),
	}

	citations := citationsFrom(docs)
	if len(citations) != 2 {
		t.Fatalf("citations = %+v, want one per distinct title/section", citations)
	}
	if citations[0].Section != "4.1" || citations[1].Section != "4.2" {
		t.Errorf("citations = %+v, want retrieval order kept", citations)
	}
}

func TestCitationsFrom_Empty(t *testing.T) {
	t.Parallel()

	if got := citationsFrom(nil); got != nil {
		t.Errorf("citationsFrom(nil) = %+v, want nil", got)
	}
}

func TestTopScore(t *testing.T) {
	t.Parallel()

	if got := topScore(nil); got != 0 {
		t.Errorf("topScore(nil) = %v", got)
	}
	docs := []datatypes.RetrievedDocument{
		doc("A", "", "The strongest passage by score.", 0.91),
		doc("B", "", "A weaker passage further down.", 0.55),
	}
	if got := topScore(docs); got != 0.91 {
		t.Errorf("topScore = %v, want the first (highest) score", got)
	}
}

func TestSearchScope(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, Dependencies{LLM: &fakeLLM{}, Searcher: &fakeSearcher{}}, DefaultConfig())

	tests := []struct {
		name   string
		domain datatypes.TopicDomain
		orgs   []string
		filter string
		want   retrieval.SearchScope
	}{
		{
			name:   "scoped domain and organization",
			domain: datatypes.DomainTeamSelection,
			orgs:   []string{"usas"},
			want:   retrieval.SearchScope{OrganizationID: "usas", TopicDomain: "team_selection"},
		},
		{
			name:   "explicit request filter beats detection",
			domain: datatypes.DomainTeamSelection,
			orgs:   []string{"usas"},
			filter: "usoc",
			want:   retrieval.SearchScope{OrganizationID: "usoc", TopicDomain: "team_selection"},
		},
		{
			name:   "general domain searches the whole corpus",
			domain: datatypes.DomainGeneral,
			orgs:   nil,
			want:   retrieval.SearchScope{},
		},
		{
			name:   "unclassified domain searches the whole corpus",
			domain: "",
			orgs:   nil,
			want:   retrieval.SearchScope{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			state := &datatypes.ConversationState{TopicDomain: tt.domain, DetectedOrgIDs: tt.orgs, OrgFilter: tt.filter}
			if got := p.searchScope(state); got != tt.want {
				t.Errorf("searchScope = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestRunRetriever_FailureLeavesZeroConfidence(t *testing.T) {
	t.Parallel()

	searcher := &fakeSearcher{err: fmt.Errorf("vector store down")}
	p := newTestPipeline(t, Dependencies{LLM: &fakeLLM{}, Searcher: searcher}, DefaultConfig())

	state := questionState("When are criteria published?")
	// Leftovers from a retried turn must not survive a failed search.
	state.RetrievedDocuments = []datatypes.RetrievedDocument{doc("Stale", "", "Old content.", 0.9)}
	state.RetrievalConfidence = 0.9

	if err := p.runRetriever(context.Background(), state); err != nil {
		t.Fatalf("runRetriever: %v", err)
	}

	if len(state.RetrievedDocuments) != 0 {
		t.Errorf("RetrievedDocuments = %d, want none", len(state.RetrievedDocuments))
	}
	if state.RetrievalConfidence != 0 {
		t.Errorf("RetrievalConfidence = %v, want 0", state.RetrievalConfidence)
	}
	if state.Citations != nil {
		t.Errorf("Citations = %+v, want nil", state.Citations)
	}
}

func TestRunRetriever_NearDuplicatesKeepAuthority(t *testing.T) {
	t.Parallel()

	clause := "Selection criteria shall be published no later than thirty days prior to the start of the trials event."

	high := doc("Selection Procedures", "4.1", clause, 0.80)
	low := doc("Team Handbook", "Appendix", clause, 0.95)
	low.Metadata.AuthorityLevel = retrieval.AuthorityEducational

	searcher := &fakeSearcher{results: [][]datatypes.RetrievedDocument{{high, low}}}
	p := newTestPipeline(t, Dependencies{LLM: &fakeLLM{}, Searcher: searcher}, DefaultConfig())

	state := questionState("When are criteria published?")
	if err := p.runRetriever(context.Background(), state); err != nil {
		t.Fatalf("runRetriever: %v", err)
	}

	if len(state.RetrievedDocuments) != 1 {
		t.Fatalf("RetrievedDocuments = %d, want the duplicates merged", len(state.RetrievedDocuments))
	}
	rep := state.RetrievedDocuments[0]
	if rep.Metadata.Title != "Selection Procedures" {
		t.Errorf("representative = %q, want the more authoritative source despite its lower score", rep.Metadata.Title)
	}
	if len(rep.AlternativeSources) != 1 || rep.AlternativeSources[0].Title != "Team Handbook" {
		t.Errorf("AlternativeSources = %+v", rep.AlternativeSources)
	}
	if state.RetrievalConfidence != 0.80 {
		t.Errorf("RetrievalConfidence = %v, want the representative's score", state.RetrievalConfidence)
	}
	if len(state.Citations) != 1 {
		t.Errorf("Citations = %+v, want one", state.Citations)
	}
}
