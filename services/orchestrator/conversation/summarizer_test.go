// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/Rulebook/services/llm"
)

// fakeSummaryLLM scripts Generate responses. Replies are consumed as a
// queue with the last entry repeating. When started or block are set,
// Generate signals and then parks, so tests can hold a call in flight.
type fakeSummaryLLM struct {
	mu      sync.Mutex
	replies []string
	err     error
	prompts []string

	started chan struct{}
	block   chan struct{}
}

func (f *fakeSummaryLLM) Generate(ctx context.Context, prompt string, params llm.GenerationParams) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	reply := ""
	if len(f.replies) > 0 {
		reply = f.replies[0]
		if len(f.replies) > 1 {
			f.replies = f.replies[1:]
		}
	}
	err := f.err
	started := f.started
	block := f.block
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		<-block
	}
	if err != nil {
		return "", err
	}
	return reply, nil
}

func (f *fakeSummaryLLM) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts...)
}

// fakeSummaryStore is an in-memory SummaryStore with scriptable errors.
type fakeSummaryStore struct {
	mu        sync.Mutex
	summaries map[string]string
	getErr    error
	saveErr   error
	saves     int
}

func newFakeSummaryStore() *fakeSummaryStore {
	return &fakeSummaryStore{summaries: make(map[string]string)}
}

func (f *fakeSummaryStore) GetSummary(ctx context.Context, sessionID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return "", f.getErr
	}
	return f.summaries[sessionID], nil
}

func (f *fakeSummaryStore) SaveSummary(ctx context.Context, sessionID string, summary string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saves++
	f.summaries[sessionID] = summary
	return nil
}

func (f *fakeSummaryStore) saved(sessionID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.summaries[sessionID]
}

func (f *fakeSummaryStore) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

func TestRecord_FirstExchangeCreatesSummary(t *testing.T) {
	t.Parallel()

	model := &fakeSummaryLLM{replies: []string{"Athlete asked how team selection appeals work."}}
	store := newFakeSummaryStore()
	s := NewSummarizer(model, store, SummaryConfig{})

	err := s.Record(context.Background(), "sess-1", "How do I appeal a selection decision?", "File with your NGB within 30 days.")
	if err != nil {
		t.Fatalf("Record returned error: %v", err)
	}

	if got := store.saved("sess-1"); got != "Athlete asked how team selection appeals work." {
		t.Fatalf("unexpected stored summary: %q", got)
	}

	prompts := model.calls()
	if len(prompts) != 1 {
		t.Fatalf("expected 1 model call, got %d", len(prompts))
	}
	if !strings.Contains(prompts[0], "Latest exchange:") {
		t.Errorf("prompt missing transcript block:\n%s", prompts[0])
	}
	if !strings.Contains(prompts[0], "How do I appeal a selection decision?") {
		t.Errorf("prompt missing the question:\n%s", prompts[0])
	}
	if strings.Contains(prompts[0], "Current summary:") {
		t.Errorf("first-turn prompt should not carry a prior summary:\n%s", prompts[0])
	}
}

func TestRecord_FoldsPriorSummary(t *testing.T) {
	t.Parallel()

	model := &fakeSummaryLLM{replies: []string{"Selection appeals, then anti-doping whereabouts duties."}}
	store := newFakeSummaryStore()
	store.summaries["sess-1"] = "Athlete asked about selection appeals."
	s := NewSummarizer(model, store, SummaryConfig{})

	err := s.Record(context.Background(), "sess-1", "What are whereabouts requirements?", "Registered testing pool athletes file quarterly.")
	if err != nil {
		t.Fatalf("Record returned error: %v", err)
	}

	prompts := model.calls()
	if len(prompts) != 1 {
		t.Fatalf("expected 1 model call, got %d", len(prompts))
	}
	if !strings.Contains(prompts[0], "Current summary:\nAthlete asked about selection appeals.") {
		t.Errorf("prompt missing prior summary:\n%s", prompts[0])
	}
	if got := store.saved("sess-1"); got != "Selection appeals, then anti-doping whereabouts duties." {
		t.Fatalf("unexpected stored summary: %q", got)
	}
}

func TestRecord_ModelFailureKeepsPriorAndTopic(t *testing.T) {
	t.Parallel()

	model := &fakeSummaryLLM{err: errors.New("model down")}
	store := newFakeSummaryStore()
	store.summaries["sess-1"] = "Athlete asked about selection appeals."
	s := NewSummarizer(model, store, SummaryConfig{})

	err := s.Record(context.Background(), "sess-1", "What are whereabouts requirements?", "Registered testing pool athletes file quarterly.")
	if err != nil {
		t.Fatalf("model outage should degrade, not error: %v", err)
	}

	got := store.saved("sess-1")
	if !strings.Contains(got, "Athlete asked about selection appeals.") {
		t.Errorf("prior summary lost on fallback: %q", got)
	}
	if !strings.Contains(got, "Asked about: What are whereabouts requirements?") {
		t.Errorf("fallback missing topic line: %q", got)
	}
}

func TestRecord_EmptyModelOutputDegrades(t *testing.T) {
	t.Parallel()

	model := &fakeSummaryLLM{replies: []string{"   "}}
	store := newFakeSummaryStore()
	s := NewSummarizer(model, store, SummaryConfig{})

	err := s.Record(context.Background(), "sess-1", "Who hears doping appeals?", "AAA panels, then CAS.")
	if err != nil {
		t.Fatalf("Record returned error: %v", err)
	}
	if got := store.saved("sess-1"); got != "Asked about: Who hears doping appeals?" {
		t.Fatalf("unexpected fallback summary: %q", got)
	}
}

func TestRecord_StoreReadFailureSkipsWrite(t *testing.T) {
	t.Parallel()

	model := &fakeSummaryLLM{replies: []string{"should never be stored"}}
	store := newFakeSummaryStore()
	store.getErr = errors.New("weaviate unreachable")
	s := NewSummarizer(model, store, SummaryConfig{})

	err := s.Record(context.Background(), "sess-1", "question", "answer")
	if err == nil {
		t.Fatal("expected an error when the prior summary cannot be read")
	}
	if store.saveCount() != 0 {
		t.Fatalf("summary written despite unreadable prior state: %d saves", store.saveCount())
	}
}

func TestRecord_IncompleteExchangeSkipped(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		question string
		answer   string
	}{
		{"no answer", "How does funding work?", "   "},
		{"no question", "", "An answer without a question."},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			model := &fakeSummaryLLM{replies: []string{"unused"}}
			store := newFakeSummaryStore()
			s := NewSummarizer(model, store, SummaryConfig{})

			if err := s.Record(context.Background(), "sess-1", tc.question, tc.answer); err != nil {
				t.Fatalf("Record returned error: %v", err)
			}
			if len(model.calls()) != 0 {
				t.Error("model called for an incomplete exchange")
			}
			if store.saveCount() != 0 {
				t.Error("summary stored for an incomplete exchange")
			}
		})
	}
}

func TestRecord_EmptySessionIDRejected(t *testing.T) {
	t.Parallel()

	s := NewSummarizer(&fakeSummaryLLM{}, newFakeSummaryStore(), SummaryConfig{})
	if err := s.Record(context.Background(), "", "q", "a"); err == nil {
		t.Fatal("expected an error for an empty session id")
	}
}

func TestRecord_LongTranscriptFoldsChunkByChunk(t *testing.T) {
	t.Parallel()

	model := &fakeSummaryLLM{replies: []string{"running summary"}}
	store := newFakeSummaryStore()
	s := NewSummarizer(model, store, SummaryConfig{
		MaxSummaryChars: 1500,
		ChunkSize:       80,
		ChunkOverlap:    10,
		MaxTokens:       256,
		Temperature:     0.2,
	})

	answer := strings.Repeat("Athletes in the registered testing pool must file whereabouts each quarter. ", 6)
	err := s.Record(context.Background(), "sess-1", "What are whereabouts requirements?", answer)
	if err != nil {
		t.Fatalf("Record returned error: %v", err)
	}

	prompts := model.calls()
	if len(prompts) < 2 {
		t.Fatalf("expected the transcript to be split into multiple calls, got %d", len(prompts))
	}
	// Later chunks fold into the summary produced by the earlier ones.
	if !strings.Contains(prompts[len(prompts)-1], "Current summary:\nrunning summary") {
		t.Errorf("later chunk prompt missing the running summary:\n%s", prompts[len(prompts)-1])
	}
	if got := store.saved("sess-1"); got != "running summary" {
		t.Fatalf("unexpected stored summary: %q", got)
	}
}

func TestRecord_CapsStoredSummary(t *testing.T) {
	t.Parallel()

	long := "Selection appeals, whereabouts duties, and SafeSport reporting were all covered."
	model := &fakeSummaryLLM{replies: []string{long}}
	store := newFakeSummaryStore()
	s := NewSummarizer(model, store, SummaryConfig{
		MaxSummaryChars: 24,
		ChunkSize:       4000,
		ChunkOverlap:    200,
		MaxTokens:       256,
		Temperature:     0.2,
	})

	if err := s.Record(context.Background(), "sess-1", "q", "a"); err != nil {
		t.Fatalf("Record returned error: %v", err)
	}

	want := string([]rune(long)[:24]) + "..."
	if got := store.saved("sess-1"); got != want {
		t.Fatalf("summary not capped:\n got: %q\nwant: %q", got, want)
	}
}

func TestRecord_CollapsesConcurrentUpdates(t *testing.T) {
	t.Parallel()

	model := &fakeSummaryLLM{
		replies: []string{"summary"},
		started: make(chan struct{}, 2),
		block:   make(chan struct{}),
	}
	store := newFakeSummaryStore()
	s := NewSummarizer(model, store, SummaryConfig{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.Record(context.Background(), "sess-1", "first question", "first answer")
	}()

	select {
	case <-model.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first update never reached the model")
	}

	// Second call for the same session while the first is in flight.
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.Record(context.Background(), "sess-1", "second question", "second answer")
	}()
	time.Sleep(50 * time.Millisecond)
	close(model.block)
	wg.Wait()

	if got := len(model.calls()); got != 1 {
		t.Fatalf("expected concurrent updates to share one model call, got %d", got)
	}
	if store.saveCount() != 1 {
		t.Fatalf("expected one store write, got %d", store.saveCount())
	}
}

func TestRecord_DistinctSessionsRunIndependently(t *testing.T) {
	t.Parallel()

	model := &fakeSummaryLLM{
		replies: []string{"summary"},
		started: make(chan struct{}, 2),
		block:   make(chan struct{}),
	}
	store := newFakeSummaryStore()
	s := NewSummarizer(model, store, SummaryConfig{})

	var wg sync.WaitGroup
	for _, id := range []string{"sess-1", "sess-2"} {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Record(context.Background(), id, "question", "answer")
		}()
	}

	// Both sessions must reach the model concurrently; a shared flight
	// would leave the second signal missing.
	for i := 0; i < 2; i++ {
		select {
		case <-model.started:
		case <-time.After(2 * time.Second):
			t.Fatal("updates for distinct sessions were serialized")
		}
	}
	close(model.block)
	wg.Wait()

	if store.saveCount() != 2 {
		t.Fatalf("expected one write per session, got %d", store.saveCount())
	}
}

func TestValidateSummaryConfig(t *testing.T) {
	t.Parallel()

	if got := validateSummaryConfig(SummaryConfig{}); got != DefaultSummaryConfig() {
		t.Fatalf("zero config should become the default, got %+v", got)
	}

	partial := SummaryConfig{
		MaxSummaryChars: -5,
		ChunkSize:       100,
		ChunkOverlap:    100, // >= ChunkSize, invalid
		MaxTokens:       64,
		Temperature:     1.8,
	}
	got := validateSummaryConfig(partial)
	def := DefaultSummaryConfig()
	if got.MaxSummaryChars != def.MaxSummaryChars {
		t.Errorf("MaxSummaryChars not corrected: %d", got.MaxSummaryChars)
	}
	if got.ChunkSize != 100 {
		t.Errorf("valid ChunkSize was changed: %d", got.ChunkSize)
	}
	if got.ChunkOverlap != def.ChunkOverlap {
		t.Errorf("ChunkOverlap not corrected: %d", got.ChunkOverlap)
	}
	if got.MaxTokens != 64 {
		t.Errorf("valid MaxTokens was changed: %d", got.MaxTokens)
	}
	if got.Temperature != def.Temperature {
		t.Errorf("Temperature not corrected: %v", got.Temperature)
	}
}

func TestAppendFallback(t *testing.T) {
	t.Parallel()

	if got := appendFallback("", "Where do I report abuse?", 1500); got != "Asked about: Where do I report abuse?" {
		t.Fatalf("unexpected first-turn fallback: %q", got)
	}

	got := appendFallback("Prior summary.", "Where do I report abuse?", 1500)
	want := "Prior summary.\nAsked about: Where do I report abuse?"
	if got != want {
		t.Fatalf("fallback append mismatch:\n got: %q\nwant: %q", got, want)
	}
}

func TestClipTail(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"under cap", "short", 10, "short"},
		{"no cap", "anything", 0, "anything"},
		{"cuts to line start", "old line one\nold line two\nnewest line", 25, "old line two\nnewest line"},
		{"plain tail when no break", strings.Repeat("a", 30), 10, strings.Repeat("a", 10)},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := clipTail(tc.in, tc.max); got != tc.want {
				t.Fatalf("clipTail(%q, %d) = %q, want %q", tc.in, tc.max, got, tc.want)
			}
		})
	}
}
