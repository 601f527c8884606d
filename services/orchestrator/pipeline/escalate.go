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
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/Rulebook/services/llm"
	"github.com/AleutianAI/Rulebook/services/orchestrator/datatypes"
	"github.com/AleutianAI/Rulebook/services/orchestrator/escalation"
	"github.com/AleutianAI/Rulebook/services/orchestrator/observability"
	"github.com/AleutianAI/Rulebook/services/orchestrator/resilience"
)

// runEscalate refers the question to a human contact instead of answering
// it.
//
// # Description
//
// The contact lookup and urgency rule are deterministic; only the wording
// of the referral involves the LLM. The invariant this stage protects: the
// final answer always contains the primary target's actual contact
// channels. An LLM-authored referral that merely paraphrases them is
// extended with the deterministic contact block, and a failed LLM call
// falls back to that block entirely. Escalation therefore survives a total
// LLM outage.
func (p *Pipeline) runEscalate(ctx context.Context, state *datatypes.ConversationState) error {
	ctx, span := tracer.Start(ctx, "pipeline.escalate")
	defer span.End()

	targets, lookupErr := p.directory.Lookup(state.TopicDomain)
	if lookupErr != nil {
		// Internal signal only: the universal contact was substituted.
		slog.Debug("No escalation targets for domain, using universal contact",
			"conversation_id", state.ConversationID, "domain", state.TopicDomain)
	}

	urgency := escalation.UrgencyFor(state.TopicDomain, state.HasTimeConstraint)
	primary := targets[0]

	state.Escalation = &datatypes.EscalationInfo{
		Target:       targetLabel(primary),
		Organization: primary.Organization,
		ContactEmail: primary.Email,
		ContactPhone: primary.Phone,
		ContactURL:   primary.URL,
		Reason:       escalationReason(state.TopicDomain),
		Urgency:      urgency,
	}

	fallback := escalation.FallbackMessage(targets, urgency)

	referral, err := p.referralImpl(ctx, state, targets, urgency)
	switch {
	case err != nil:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.recordStageError(StageEscalate, err)
		span.RecordError(err)
		slog.Warn("Escalation referral LLM call failed, using deterministic message",
			"conversation_id", state.ConversationID, "error", err)
		state.Answer = fallback
	case !containsContact(referral, primary):
		// The model wrote around the contact details. Keep its wording
		// but guarantee the channels are present.
		state.Answer = referral + "\n\n" + fallback
	default:
		state.Answer = referral
	}

	if m := observability.DefaultPipeline; m != nil {
		m.RecordEscalation(string(state.TopicDomain), string(urgency))
	}
	span.SetAttributes(
		attribute.String("organization", primary.Organization),
		attribute.String("urgency", string(urgency)),
	)
	slog.Info("Question escalated",
		"conversation_id", state.ConversationID,
		"domain", state.TopicDomain,
		"organization", primary.Organization,
		"urgency", urgency)
	return nil
}

func (p *Pipeline) referralImpl(ctx context.Context, state *datatypes.ConversationState,
	targets []escalation.Target, urgency datatypes.EscalationUrgency) (string, error) {

	prompt := fmt.Sprintf(escalationPrompt,
		state.LatestQuestion(),
		escalation.FallbackMessage(targets, urgency),
		urgency)
	params := llm.GenerationParams{
		Temperature: floatPtr(0.4),
		MaxTokens:   intPtr(500),
	}

	var raw string
	err := p.breakers.Get(resilience.DepLLM).Do(ctx, p.config.EscalationTimeout,
		func(ctx context.Context) error {
			var callErr error
			raw, callErr = p.llm.Chat(ctx, []datatypes.Message{
				{Role: datatypes.RoleUser, Content: prompt},
			}, params)
			return callErr
		})
	if err != nil {
		return "", err
	}

	referral := strings.TrimSpace(raw)
	if referral == "" {
		return "", fmt.Errorf("referral response was empty")
	}
	return referral, nil
}

// containsContact reports whether text carries at least one of the
// target's actual contact channels verbatim.
func containsContact(text string, target escalation.Target) bool {
	if target.Phone != "" && strings.Contains(text, target.Phone) {
		return true
	}
	if target.Email != "" && strings.Contains(text, target.Email) {
		return true
	}
	if target.URL != "" && strings.Contains(text, target.URL) {
		return true
	}
	// A target with no channels at all cannot be quoted; nothing to
	// enforce.
	return !target.HasContact()
}

func targetLabel(target escalation.Target) string {
	if target.Role != "" {
		return target.Role
	}
	return target.Organization
}

func escalationReason(domain datatypes.TopicDomain) string {
	switch domain {
	case datatypes.DomainSafeSport:
		return "Reports of abuse, harassment, or misconduct must go to the U.S. Center for SafeSport, not an assistant."
	case datatypes.DomainAntiDoping:
		return "Possible anti-doping violations must be handled by the responsible anti-doping organization."
	default:
		return fmt.Sprintf("This %s question needs a human authority rather than an informational answer.",
			strings.ReplaceAll(string(domain), "_", " "))
	}
}
