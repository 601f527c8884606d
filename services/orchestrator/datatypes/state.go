// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures shared across the orchestrator.
//
// This file defines the conversation state threaded through the answer
// pipeline, together with the enumerations the classifier writes into it.
package datatypes

import (
	"strings"
	"time"
)

// =============================================================================
// Topic Domains
// =============================================================================

// TopicDomain is a governance category assigned by the classifier.
//
// The empty string means "not yet classified". Unknown values coming back
// from an LLM are normalized to DomainGeneral rather than rejected.
type TopicDomain string

const (
	DomainTeamSelection     TopicDomain = "team_selection"
	DomainDisputeResolution TopicDomain = "dispute_resolution"
	DomainSafeSport         TopicDomain = "safesport"
	DomainAntiDoping        TopicDomain = "anti_doping"
	DomainEligibility       TopicDomain = "eligibility"
	DomainGovernance        TopicDomain = "governance"
	DomainAthleteRights     TopicDomain = "athlete_rights"
	DomainFunding           TopicDomain = "funding"
	DomainGeneral           TopicDomain = "general"
)

// AllTopicDomains lists every valid domain, in documentation order.
var AllTopicDomains = []TopicDomain{
	DomainTeamSelection,
	DomainDisputeResolution,
	DomainSafeSport,
	DomainAntiDoping,
	DomainEligibility,
	DomainGovernance,
	DomainAthleteRights,
	DomainFunding,
	DomainGeneral,
}

// IsValid reports whether d is one of the enumerated domains.
func (d TopicDomain) IsValid() bool {
	for _, known := range AllTopicDomains {
		if d == known {
			return true
		}
	}
	return false
}

// ParseTopicDomain normalizes a raw classifier label into a TopicDomain.
// Unknown or empty labels map to DomainGeneral.
func ParseTopicDomain(raw string) TopicDomain {
	d := TopicDomain(strings.ToLower(strings.TrimSpace(raw)))
	if d.IsValid() {
		return d
	}
	return DomainGeneral
}

// =============================================================================
// Query Intents
// =============================================================================

// QueryIntent describes what kind of answer the user is after. It shapes
// the synthesizer's response format.
type QueryIntent string

const (
	IntentFactual    QueryIntent = "factual"
	IntentProcedural QueryIntent = "procedural"
	IntentDeadline   QueryIntent = "deadline"
	IntentEscalation QueryIntent = "escalation"
	IntentGeneral    QueryIntent = "general"
)

// ParseQueryIntent normalizes a raw classifier label into a QueryIntent.
// Unknown or empty labels map to IntentGeneral.
func ParseQueryIntent(raw string) QueryIntent {
	switch QueryIntent(strings.ToLower(strings.TrimSpace(raw))) {
	case IntentFactual:
		return IntentFactual
	case IntentProcedural:
		return IntentProcedural
	case IntentDeadline:
		return IntentDeadline
	case IntentEscalation:
		return IntentEscalation
	default:
		return IntentGeneral
	}
}

// =============================================================================
// Messages
// =============================================================================

// Message is a single conversational message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// =============================================================================
// Quality Check
// =============================================================================

// QualitySeverity grades how serious a quality issue is. A single critical
// issue fails the check regardless of the numeric score.
type QualitySeverity string

const (
	SeverityCritical QualitySeverity = "critical"
	SeverityMajor    QualitySeverity = "major"
	SeverityMinor    QualitySeverity = "minor"
)

// QualityIssue is one problem the grader found with a drafted answer.
type QualityIssue struct {
	Severity    QualitySeverity `json:"severity"`
	Description string          `json:"description"`
}

// QualityCheckResult records the grader's verdict on a drafted answer.
type QualityCheckResult struct {
	Passed   bool           `json:"passed"`
	Score    float64        `json:"score"`
	Issues   []QualityIssue `json:"issues,omitempty"`
	Critique string         `json:"critique,omitempty"`
}

// HasCriticalIssue reports whether any recorded issue is critical.
func (q *QualityCheckResult) HasCriticalIssue() bool {
	if q == nil {
		return false
	}
	for _, issue := range q.Issues {
		if issue.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// =============================================================================
// Escalation
// =============================================================================

// EscalationUrgency indicates how quickly a referred contact should be
// reached.
type EscalationUrgency string

const (
	UrgencyImmediate EscalationUrgency = "immediate"
	UrgencyStandard  EscalationUrgency = "standard"
)

// EscalationInfo describes the human contact a question was referred to.
// Contact fields mirror the escalation directory entry that was selected;
// absent channels are empty strings.
type EscalationInfo struct {
	Target       string            `json:"target"`
	Organization string            `json:"organization"`
	ContactEmail string            `json:"contact_email,omitempty"`
	ContactPhone string            `json:"contact_phone,omitempty"`
	ContactURL   string            `json:"contact_url,omitempty"`
	Reason       string            `json:"reason"`
	Urgency      EscalationUrgency `json:"urgency"`
}

// =============================================================================
// Conversation State
// =============================================================================

// ConversationState is the canonical mutable record threaded through every
// pipeline stage for one user turn.
//
// # Description
//
// A single in-flight turn owns its ConversationState exclusively; nothing is
// shared across turns except the circuit breaker registry and the summary
// store. Messages are append-only within a turn. QualityRetryCount only ever
// increases and is bounded so the quality loop terminates.
// ExpansionAttempted is a one-shot latch: once set it is never cleared within
// the turn, which prevents the retrieval expander from looping.
//
// # Assumptions
//
//   - Messages[len-1] is the user message being answered.
//   - RetrievedDocuments is already deduplicated when stages read it.
type ConversationState struct {
	ConversationID string    `json:"conversation_id"`
	SessionID      string    `json:"session_id"`
	TraceID        string    `json:"trace_id,omitempty"`
	StartedAt      time.Time `json:"started_at"`

	Messages []Message `json:"messages"`

	TopicDomain    TopicDomain `json:"topic_domain,omitempty"`
	QueryIntent    QueryIntent `json:"query_intent,omitempty"`
	DetectedOrgIDs []string    `json:"detected_org_ids,omitempty"`

	// OrgFilter pins retrieval to one organization. Set from the request,
	// never by the classifier; an explicit filter beats a detected one.
	OrgFilter string `json:"org_filter,omitempty"`

	RetrievedDocuments  []RetrievedDocument `json:"retrieved_documents,omitempty"`
	WebSearchResults    []WebSearchResult   `json:"web_search_results,omitempty"`
	WebSearchResultURLs []string            `json:"web_search_result_urls,omitempty"`
	RetrievalConfidence float64             `json:"retrieval_confidence"`
	ExpansionAttempted  bool                `json:"expansion_attempted"`

	Citations []Citation `json:"citations,omitempty"`
	Answer    string     `json:"answer"`

	QualityCheckResult *QualityCheckResult `json:"quality_check_result,omitempty"`
	QualityRetryCount  int                 `json:"quality_retry_count"`

	Escalation *EscalationInfo `json:"escalation,omitempty"`

	// StageTrajectory lists the pipeline stages the turn actually visited,
	// in order. Populated when the turn completes.
	StageTrajectory []string `json:"stage_trajectory,omitempty"`

	ConversationSummary string `json:"conversation_summary,omitempty"`

	HasTimeConstraint  bool   `json:"has_time_constraint"`
	NeedsClarification bool   `json:"needs_clarification"`
	EmotionalState     string `json:"emotional_state,omitempty"`
}

// LatestQuestion returns the content of the most recent user message, or ""
// if there is none.
func (s *ConversationState) LatestQuestion() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleUser {
			return s.Messages[i].Content
		}
	}
	return ""
}

// History returns every message before the latest user message. The caller
// receives the slice as-is and must not mutate it.
func (s *ConversationState) History() []Message {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleUser {
			return s.Messages[:i]
		}
	}
	return s.Messages
}

// AppendAssistant appends an assistant message carrying the final answer.
func (s *ConversationState) AppendAssistant(content string) {
	s.Messages = append(s.Messages, Message{Role: RoleAssistant, Content: content})
}
