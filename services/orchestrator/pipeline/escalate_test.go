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
	"strings"
	"testing"

	"github.com/AleutianAI/Rulebook/services/orchestrator/datatypes"
	"github.com/AleutianAI/Rulebook/services/orchestrator/escalation"
)

func escalationState(domain datatypes.TopicDomain, question string) *datatypes.ConversationState {
	state := questionState(question)
	state.TopicDomain = domain
	state.QueryIntent = datatypes.IntentEscalation
	return state
}

func TestRunEscalate_ReferralQuotingContactStandsAlone(t *testing.T) {
	t.Parallel()

	referral := "Please call the U.S. Center for SafeSport at 720-531-0340 as soon as you can."
	main := &fakeLLM{chatFn: func([]datatypes.Message) (string, error) {
		return referral, nil
	}}
	p := newTestPipeline(t, Dependencies{LLM: main, Searcher: &fakeSearcher{}}, DefaultConfig())

	state := escalationState(datatypes.DomainSafeSport, "I need to report my coach.")
	if err := p.runEscalate(context.Background(), state); err != nil {
		t.Fatalf("runEscalate: %v", err)
	}

	// The referral already quotes a real channel: no appended block.
	if state.Answer != referral {
		t.Errorf("Answer = %q, want the referral untouched", state.Answer)
	}
}

func TestRunEscalate_ParaphrasedReferralGetsContactBlock(t *testing.T) {
	t.Parallel()

	main := &fakeLLM{chatFn: func([]datatypes.Message) (string, error) {
		return "Please reach out to the SafeSport center through their reporting line.", nil
	}}
	p := newTestPipeline(t, Dependencies{LLM: main, Searcher: &fakeSearcher{}}, DefaultConfig())

	state := escalationState(datatypes.DomainSafeSport, "I need to report my coach.")
	if err := p.runEscalate(context.Background(), state); err != nil {
		t.Fatalf("runEscalate: %v", err)
	}

	if !strings.Contains(state.Answer, "reporting line.") {
		t.Errorf("Answer lost the referral wording: %q", state.Answer)
	}
	if !strings.Contains(state.Answer, "720-531-0340") {
		t.Errorf("Answer missing the verbatim phone: %q", state.Answer)
	}
	if !strings.Contains(state.Answer, "This needs direct attention") {
		t.Errorf("Answer missing the immediate-urgency block: %q", state.Answer)
	}
}

func TestRunEscalate_AntiDopingTargets(t *testing.T) {
	t.Parallel()

	main := &fakeLLM{chatFn: func([]datatypes.Message) (string, error) {
		return "Contact USADA's Athlete Express at athleteexpress@usada.org today.", nil
	}}
	p := newTestPipeline(t, Dependencies{LLM: main, Searcher: &fakeSearcher{}}, DefaultConfig())

	state := escalationState(datatypes.DomainAntiDoping, "I think I was given a banned substance.")
	if err := p.runEscalate(context.Background(), state); err != nil {
		t.Fatalf("runEscalate: %v", err)
	}

	if state.Escalation.Organization != "U.S. Anti-Doping Agency (USADA)" {
		t.Errorf("Organization = %q", state.Escalation.Organization)
	}
	if state.Escalation.Urgency != datatypes.UrgencyImmediate {
		t.Errorf("Urgency = %q, want immediate", state.Escalation.Urgency)
	}
	if state.Escalation.ContactEmail != "athleteexpress@usada.org" {
		t.Errorf("ContactEmail = %q", state.Escalation.ContactEmail)
	}
	// The referral quoted the email, so it stands alone.
	if strings.Contains(state.Answer, "This needs direct attention") {
		t.Errorf("Answer got the deterministic block despite quoting a channel: %q", state.Answer)
	}
}

func TestRunEscalate_TimeConstraintRaisesUrgency(t *testing.T) {
	t.Parallel()

	main := &fakeLLM{chatFn: func([]datatypes.Message) (string, error) {
		return "Reach the Athlete Ombuds at 719-866-5000 before the deadline passes.", nil
	}}
	p := newTestPipeline(t, Dependencies{LLM: main, Searcher: &fakeSearcher{}}, DefaultConfig())

	state := escalationState(datatypes.DomainTeamSelection, "The appeal window closes tomorrow, what do I do?")
	state.HasTimeConstraint = true

	if err := p.runEscalate(context.Background(), state); err != nil {
		t.Fatalf("runEscalate: %v", err)
	}

	if state.Escalation.Urgency != datatypes.UrgencyImmediate {
		t.Errorf("Urgency = %q, want immediate under a time constraint", state.Escalation.Urgency)
	}
}

func TestRunEscalate_TargetLabelPrefersRole(t *testing.T) {
	t.Parallel()

	main := &fakeLLM{chatFn: func([]datatypes.Message) (string, error) {
		return "Please call 720-531-0340.", nil
	}}
	p := newTestPipeline(t, Dependencies{LLM: main, Searcher: &fakeSearcher{}}, DefaultConfig())

	state := escalationState(datatypes.DomainSafeSport, "I need to report misconduct.")
	if err := p.runEscalate(context.Background(), state); err != nil {
		t.Fatalf("runEscalate: %v", err)
	}

	if state.Escalation.Target != "Report abuse or misconduct" {
		t.Errorf("Target = %q, want the role label", state.Escalation.Target)
	}
	if !strings.Contains(state.Escalation.Reason, "U.S. Center for SafeSport") {
		t.Errorf("Reason = %q", state.Escalation.Reason)
	}
}

func TestContainsContact(t *testing.T) {
	t.Parallel()

	full := escalation.Target{
		Organization: "U.S. Center for SafeSport",
		Phone:        "720-531-0340",
		URL:          "https://uscenterforsafesport.org/report-a-concern",
	}

	tests := []struct {
		name   string
		text   string
		target escalation.Target
		want   bool
	}{
		{"quotes phone", "Call 720-531-0340 now.", full, true},
		{"quotes URL", "File at https://uscenterforsafesport.org/report-a-concern today.", full, true},
		{"paraphrases everything", "Call their hotline or visit the reporting site.", full, false},
		{"partial phone", "Call 720-531 for help.", full, false},
		{"quotes email", "Write to ombudsman@usathlete.org.", escalation.Target{Email: "ombudsman@usathlete.org"}, true},
		{"channel-less target", "Contact your NGB athlete services.", escalation.Target{Organization: "NGB athlete services"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := containsContact(tt.text, tt.target); got != tt.want {
				t.Errorf("containsContact(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestTargetLabel(t *testing.T) {
	t.Parallel()

	withRole := escalation.Target{Organization: "USOPC", Role: "Athlete Services"}
	if got := targetLabel(withRole); got != "Athlete Services" {
		t.Errorf("targetLabel = %q, want the role", got)
	}
	orgOnly := escalation.Target{Organization: "USOPC"}
	if got := targetLabel(orgOnly); got != "USOPC" {
		t.Errorf("targetLabel = %q, want the organization", got)
	}
}

func TestEscalationReason(t *testing.T) {
	t.Parallel()

	tests := []struct {
		domain datatypes.TopicDomain
		want   string
	}{
		{datatypes.DomainSafeSport, "U.S. Center for SafeSport"},
		{datatypes.DomainAntiDoping, "anti-doping organization"},
		{datatypes.DomainTeamSelection, "This team selection question"},
		{datatypes.DomainDisputeResolution, "This dispute resolution question"},
	}
	for _, tt := range tests {
		if got := escalationReason(tt.domain); !strings.Contains(got, tt.want) {
			t.Errorf("escalationReason(%s) = %q, want it to mention %q", tt.domain, got, tt.want)
		}
	}
}
