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
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/Rulebook/services/llm"
	"github.com/AleutianAI/Rulebook/services/orchestrator/conversation"
	"github.com/AleutianAI/Rulebook/services/orchestrator/datatypes"
	"github.com/AleutianAI/Rulebook/services/orchestrator/resilience"
	"github.com/AleutianAI/Rulebook/services/orchestrator/retrieval"
)

// runSynthesizer produces the grounded answer from whatever the earlier
// stages assembled.
//
// # Description
//
// The prompt is a pure function of the assembled source material, the
// conversation window, the question, and the intent-specific format
// instruction. With a stream adapter attached the call streams token by
// token, appending to state.Answer as it goes; backends that cannot
// stream fall back to a blocking call whose full answer the adapter later
// emits as one delta. On a quality retry the previous draft is replaced
// and the grader's critique is added to the request.
//
// Total failure (LLM error, open breaker) writes the deterministic
// fallback answer instead — the turn always ends with something to show.
func (p *Pipeline) runSynthesizer(ctx context.Context, state *datatypes.ConversationState, adapter *StreamAdapter) error {
	ctx, span := tracer.Start(ctx, "pipeline.synthesizer")
	defer span.End()

	messages := p.assembleMessages(state)
	params := llm.GenerationParams{
		Temperature: floatPtr(0.2),
		MaxTokens:   intPtr(2048),
	}

	state.Answer = ""
	breaker := p.breakers.Get(resilience.DepLLM)

	var err error
	if adapter != nil {
		err = p.synthesizeStreaming(ctx, breaker, messages, params, state, adapter)
	} else {
		err = p.synthesizeBlocking(ctx, breaker, messages, params, state)
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.recordStageError(StageSynthesizer, err)
		span.RecordError(err)
		slog.Error("Synthesis failed, returning fallback answer",
			"conversation_id", state.ConversationID, "error", err)
		state.Answer = fallbackAnswer
		return nil
	}

	span.SetAttributes(
		attribute.Int("answer_chars", len(state.Answer)),
		attribute.Int("retry", state.QualityRetryCount),
	)
	return nil
}

func (p *Pipeline) synthesizeBlocking(ctx context.Context, breaker *resilience.Breaker,
	messages []datatypes.Message, params llm.GenerationParams,
	state *datatypes.ConversationState) error {

	return breaker.Do(ctx, p.config.SynthesisTimeout, func(ctx context.Context) error {
		answer, err := p.llm.Chat(ctx, messages, params)
		if err != nil {
			return err
		}
		state.Answer = strings.TrimSpace(answer)
		return nil
	})
}

func (p *Pipeline) synthesizeStreaming(ctx context.Context, breaker *resilience.Breaker,
	messages []datatypes.Message, params llm.GenerationParams,
	state *datatypes.ConversationState, adapter *StreamAdapter) error {

	err := breaker.Do(ctx, p.config.SynthesisTimeout, func(ctx context.Context) error {
		return p.llm.ChatStream(ctx, messages, params, func(event llm.StreamEvent) error {
			if event.Type != llm.StreamEventToken || event.Content == "" {
				return nil
			}
			state.Answer += event.Content
			adapter.OnToken(event.Content)
			return nil
		})
	})
	if errors.Is(err, llm.ErrStreamingNotSupported) {
		return p.synthesizeBlocking(ctx, breaker, messages, params, state)
	}
	return err
}

// assembleMessages builds the two-message chat request: the grounding
// system prompt plus one user message carrying background, source
// material, and the question.
func (p *Pipeline) assembleMessages(state *datatypes.ConversationState) []datatypes.Message {
	var b strings.Builder

	if background := conversation.FormatWindow(state.History(), state.ConversationSummary, p.window); background != "" {
		b.WriteString("=== Background ===\n")
		b.WriteString(background)
		b.WriteString("\n\n")
	}

	b.WriteString("=== Source Material ===\n")
	b.WriteString(buildSynthesisContext(state))
	b.WriteString("\n\n=== Question ===\n")
	b.WriteString(state.LatestQuestion())

	if state.QualityRetryCount > 0 && state.QualityCheckResult != nil {
		critique := state.QualityCheckResult.Critique
		if critique == "" {
			critique = describeIssues(state.QualityCheckResult.Issues)
		}
		b.WriteString(fmt.Sprintf(revisionInstruction, critique))
	}

	return []datatypes.Message{
		{Role: datatypes.RoleSystem, Content: synthesizerSystemPrompt + "\n\n" + formatInstructions(state.QueryIntent)},
		{Role: datatypes.RoleUser, Content: b.String()},
	}
}

// buildSynthesisContext renders the retrieved documents and web results as
// the source-material block the system prompt's grounding rules refer to.
//
// Documents arrive sorted by score descending and are numbered in that
// order. Each block carries the provenance line the model needs for
// citations, including alternative sources folded in by deduplication.
func buildSynthesisContext(state *datatypes.ConversationState) string {
	if len(state.RetrievedDocuments) == 0 && len(state.WebSearchResults) == 0 {
		return "(no source material was found for this question)"
	}

	var b strings.Builder
	for i, doc := range state.RetrievedDocuments {
		if i > 0 {
			b.WriteString("\n")
		}
		writeDocumentBlock(&b, i+1, doc)
	}

	if len(state.WebSearchResults) > 0 {
		if len(state.RetrievedDocuments) > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Web results (secondary, lower authority than the documents above):\n")
		for i, result := range state.WebSearchResults {
			fmt.Fprintf(&b, "\n[Web %d] %s", i+1, result.Title)
			if result.URL != "" {
				fmt.Fprintf(&b, " (%s)", result.URL)
			}
			b.WriteString("\n")
			b.WriteString(strings.TrimSpace(result.Content))
			b.WriteString("\n")
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

func writeDocumentBlock(b *strings.Builder, n int, doc datatypes.RetrievedDocument) {
	meta := doc.Metadata

	fmt.Fprintf(b, "[Source %d] %s", n, meta.Title)
	if meta.Section != "" {
		fmt.Fprintf(b, " — %s", meta.Section)
	}
	b.WriteString("\n")

	var details []string
	if meta.DocumentType != "" {
		details = append(details, "type: "+meta.DocumentType)
	}
	if meta.OrganizationID != "" {
		details = append(details, "org: "+meta.OrganizationID)
	}
	if meta.EffectiveDate != "" {
		details = append(details, "effective: "+meta.EffectiveDate)
	}
	if meta.AuthorityLevel != "" {
		details = append(details, "authority: "+retrieval.AuthorityLabel(meta.AuthorityLevel))
	}
	if meta.SourceURL != "" {
		details = append(details, "url: "+meta.SourceURL)
	}
	if len(details) > 0 {
		b.WriteString(strings.Join(details, " | "))
		b.WriteString("\n")
	}

	if len(doc.AlternativeSources) > 0 {
		names := make([]string, 0, len(doc.AlternativeSources))
		for _, alt := range doc.AlternativeSources {
			name := alt.Title
			if alt.Section != "" {
				name += " (" + alt.Section + ")"
			}
			names = append(names, name)
		}
		b.WriteString("also stated in: ")
		b.WriteString(strings.Join(names, "; "))
		b.WriteString("\n")
	}

	b.WriteString(strings.TrimSpace(doc.Content))
	b.WriteString("\n")
}

func describeIssues(issues []datatypes.QualityIssue) string {
	if len(issues) == 0 {
		return "The draft did not meet the grounding requirements."
	}
	parts := make([]string, len(issues))
	for i, issue := range issues {
		parts[i] = fmt.Sprintf("[%s] %s", issue.Severity, issue.Description)
	}
	return strings.Join(parts, " ")
}
