// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conversation maintains per-session memory for the orchestrator.
//
// # Description
//
// Two complementary mechanisms keep long sessions coherent without
// inflating every model call: a bounded verbatim window of recent turns
// rendered into prompts (window.go), and a rolling summary that an LLM
// folds each completed exchange into out-of-band (summarizer.go). The
// summary and the turn log live in Weaviate alongside the governance
// corpus (store.go). Once a summary exists the verbatim window shrinks,
// since the summary carries the older context.
//
// # Thread Safety
//
// All exported types are safe for concurrent use.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/Rulebook/services/llm"
)

var tracer = otel.Tracer("rulebook.orchestrator.conversation")

// fallbackQuestionChars caps the question text recorded when summary
// generation fails and only the topic trail can be kept.
const fallbackQuestionChars = 120

// SummaryGenerator is the one slice of the LLM surface the summarizer
// needs. services/llm.LLMClient satisfies it directly.
type SummaryGenerator interface {
	Generate(ctx context.Context, prompt string, params llm.GenerationParams) (string, error)
}

// SummaryConfig controls rolling summary generation.
//
// # Description
//
// The summary is a compression aid, not a transcript: it stays short
// enough to prepend to every prompt of a long session. Transcripts too
// large for one model call are pre-split and folded in chunk by chunk.
type SummaryConfig struct {
	// MaxSummaryChars caps the stored summary. Model output beyond the
	// cap is truncated; fallback appends drop the oldest lines instead.
	MaxSummaryChars int

	// ChunkSize is the approximate character size of transcript chunks
	// when an exchange is too long to summarize in one call.
	ChunkSize int

	// ChunkOverlap carries context across adjacent transcript chunks.
	ChunkOverlap int

	// MaxTokens bounds the model's summary response.
	MaxTokens int

	// Temperature for summary generation. Low keeps it factual.
	Temperature float32
}

// DefaultSummaryConfig returns the production summary tuning.
func DefaultSummaryConfig() SummaryConfig {
	return SummaryConfig{
		MaxSummaryChars: 1500,
		ChunkSize:       4000,
		ChunkOverlap:    200,
		MaxTokens:       256,
		Temperature:     0.2,
	}
}

// validateSummaryConfig validates and corrects summary configuration
// values. Logs warnings for invalid values and applies defaults.
func validateSummaryConfig(config SummaryConfig) SummaryConfig {
	defaults := DefaultSummaryConfig()
	if config == (SummaryConfig{}) {
		return defaults
	}

	if config.MaxSummaryChars <= 0 {
		slog.Warn("Invalid MaxSummaryChars config, using default",
			"provided", config.MaxSummaryChars, "default", defaults.MaxSummaryChars)
		config.MaxSummaryChars = defaults.MaxSummaryChars
	}

	if config.ChunkSize <= 0 {
		slog.Warn("Invalid ChunkSize config, using default",
			"provided", config.ChunkSize, "default", defaults.ChunkSize)
		config.ChunkSize = defaults.ChunkSize
	}

	if config.ChunkOverlap < 0 || config.ChunkOverlap >= config.ChunkSize {
		slog.Warn("Invalid ChunkOverlap config, using default",
			"provided", config.ChunkOverlap, "default", defaults.ChunkOverlap)
		config.ChunkOverlap = defaults.ChunkOverlap
	}

	if config.MaxTokens <= 0 {
		slog.Warn("Invalid MaxTokens config, using default",
			"provided", config.MaxTokens, "default", defaults.MaxTokens)
		config.MaxTokens = defaults.MaxTokens
	}

	if config.Temperature < 0 || config.Temperature > 1 {
		slog.Warn("Invalid Temperature config, using default",
			"provided", config.Temperature, "default", defaults.Temperature)
		config.Temperature = defaults.Temperature
	}

	return config
}

// Summarizer maintains the rolling summary for each session.
//
// # Description
//
// After a turn completes, the latest question/answer exchange is folded
// into the session's persisted summary with one small model call. The
// summary then stands in for older turns in the prompt window, so a
// session can run for dozens of turns without prompts growing linearly.
//
// Summarization is deliberately best-effort: a model outage degrades to
// a deterministic topic-trail append, and a storage read failure skips
// the update rather than risk overwriting a summary that could not be
// read back.
//
// # Thread Safety
//
// Summarizer is safe for concurrent use. Updates for the same session
// are collapsed so two rapid turns do not race on the stored summary.
//
// # Example
//
//	summarizer := NewSummarizer(llmClient, store, DefaultSummaryConfig())
//	go func() {
//	    ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	    defer cancel()
//	    if err := summarizer.Record(ctx, sessionID, question, answer); err != nil {
//	        slog.Warn("Summary update failed", "error", err)
//	    }
//	}()
type Summarizer struct {
	llm    SummaryGenerator
	store  SummaryStore
	config SummaryConfig
	group  singleflight.Group
}

// NewSummarizer creates a summarizer that generates with the given
// model and persists through the given store. A zero config gets
// DefaultSummaryConfig; partial configs are validated and corrected.
func NewSummarizer(gen SummaryGenerator, store SummaryStore, config SummaryConfig) *Summarizer {
	return &Summarizer{
		llm:    gen,
		store:  store,
		config: validateSummaryConfig(config),
	}
}

// Record folds one completed exchange into the session's rolling summary.
//
// # Description
//
// Runs out-of-band: handlers call it after the answer has been
// delivered, usually from a goroutine with a detached context.
// Concurrent calls for the same session are collapsed into the
// in-flight update; the later exchange is dropped rather than queued,
// which is acceptable because the verbatim window still carries the
// most recent turns.
//
// # Inputs
//
//   - ctx: Context for cancellation and timeout. Shared by collapsed
//     callers, so pass one detached from the request.
//   - sessionID: The session whose summary to update.
//   - question: The user's question for the completed turn.
//   - answer: The delivered answer. Turns without an answer are skipped.
//
// # Outputs
//
//   - error: Non-nil if the prior summary could not be read or the
//     updated one could not be stored. Model failures are not errors;
//     they degrade to a deterministic append.
func (s *Summarizer) Record(ctx context.Context, sessionID, question, answer string) error {
	if sessionID == "" {
		return fmt.Errorf("record summary: session id is empty")
	}
	question = strings.TrimSpace(question)
	answer = strings.TrimSpace(answer)
	if question == "" || answer == "" {
		slog.Debug("Skipping summary update for incomplete exchange", "session_id", sessionID)
		return nil
	}

	_, err, shared := s.group.Do(sessionID, func() (interface{}, error) {
		return nil, s.update(ctx, sessionID, question, answer)
	})
	if shared {
		slog.Debug("Summary update collapsed into in-flight call", "session_id", sessionID)
	}
	return err
}

// update reads, regenerates, and stores one session's summary.
func (s *Summarizer) update(ctx context.Context, sessionID, question, answer string) error {
	ctx, span := tracer.Start(ctx, "Summarizer.update")
	defer span.End()

	prior, err := s.store.GetSummary(ctx, sessionID)
	if err != nil {
		// Skipping one update beats overwriting a summary we could not read.
		return fmt.Errorf("load prior summary: %w", err)
	}

	transcript := fmt.Sprintf("User: %s\nAssistant: %s", question, answer)
	updated, err := s.fold(ctx, prior, transcript)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Warn("Summary generation failed, recording topic only",
			"session_id", sessionID, "error", err)
		updated = appendFallback(prior, question, s.config.MaxSummaryChars)
	}

	if err := s.store.SaveSummary(ctx, sessionID, updated); err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	slog.Debug("Rolling summary updated", "session_id", sessionID, "chars", len(updated))
	return nil
}

// fold regenerates the summary from the prior one plus the latest
// transcript, chunk by chunk when the transcript is long.
func (s *Summarizer) fold(ctx context.Context, prior, transcript string) (string, error) {
	chunks, err := s.splitTranscript(transcript)
	if err != nil {
		return "", err
	}

	temp := s.config.Temperature
	maxTokens := s.config.MaxTokens
	params := llm.GenerationParams{
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	}

	summary := prior
	for _, chunk := range chunks {
		out, err := s.llm.Generate(ctx, summaryPrompt(summary, chunk), params)
		if err != nil {
			return "", err
		}
		out = strings.TrimSpace(out)
		if out == "" {
			return "", fmt.Errorf("model returned an empty summary")
		}
		summary = capMessage(out, s.config.MaxSummaryChars)
	}
	return summary, nil
}

// splitTranscript pre-splits a transcript that exceeds the chunk size,
// so each model call sees a bounded slice of the exchange.
func (s *Summarizer) splitTranscript(transcript string) ([]string, error) {
	if len(transcript) <= s.config.ChunkSize {
		return []string{transcript}, nil
	}

	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(s.config.ChunkSize),
		textsplitter.WithChunkOverlap(s.config.ChunkOverlap),
	)
	chunks, err := splitter.SplitText(transcript)
	if err != nil {
		return nil, fmt.Errorf("split transcript: %w", err)
	}
	if len(chunks) == 0 {
		return []string{transcript}, nil
	}
	return chunks, nil
}

// summaryPrompt asks the model for the full replacement summary given
// the current one and the latest transcript chunk.
func summaryPrompt(prior, chunk string) string {
	var b strings.Builder
	b.WriteString("You maintain the running summary of a conversation between an athlete ")
	b.WriteString("and an assistant that answers sports governance questions.\n\n")
	if strings.TrimSpace(prior) != "" {
		b.WriteString("Current summary:\n")
		b.WriteString(prior)
		b.WriteString("\n\n")
	}
	b.WriteString("Latest exchange:\n")
	b.WriteString(chunk)
	b.WriteString("\n\nRewrite the summary to include what matters from the latest exchange. ")
	b.WriteString("Keep organization names, rule and section citations, dates, and deadlines. ")
	b.WriteString("Stay under 150 words. Respond with the summary text only.")
	return b.String()
}

// appendFallback records the question deterministically when the model
// cannot produce a summary, so the session's topic trail survives an
// LLM outage. The prior summary is preserved and trimmed from the front
// when the cap is exceeded.
func appendFallback(prior, question string, maxChars int) string {
	line := "Asked about: " + capMessage(question, fallbackQuestionChars)
	prior = strings.TrimSpace(prior)
	if prior == "" {
		return line
	}
	return clipTail(prior+"\n"+line, maxChars)
}

// clipTail keeps the last max runes of s. When a line break falls in
// the first half of the kept text, the cut moves forward to it so the
// result starts on a whole line.
func clipTail(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	tail := string(runes[len(runes)-max:])
	if i := strings.IndexByte(tail, '\n'); i >= 0 && i < len(tail)/2 {
		tail = tail[i+1:]
	}
	return tail
}
