// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"fmt"

	"github.com/weaviate/weaviate/entities/models"
)

// =============================================================================
// Generic GraphQL Response Parser
// =============================================================================

// ParseGraphQLResponse parses a Weaviate GraphQL response into the target type.
//
// # Description
//
// This generic function encapsulates the marshal/unmarshal pattern required to
// convert Weaviate's dynamic response (map[string]models.JSONObject) into a
// strongly-typed Go struct. The target type T must have json tags matching
// the expected response shape.
//
// # Inputs
//
//   - resp: The GraphQL response from the Weaviate client's Do() method.
//
// # Outputs
//
//   - *T: Pointer to the parsed struct.
//   - error: Non-nil if the response is nil or parsing fails.
//
// # Limitations
//
//   - Type mismatches yield zero values, not errors.
func ParseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}

	respBytes, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}

	var result T
	if err := json.Unmarshal(respBytes, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into target type: %w", err)
	}

	return &result, nil
}

// =============================================================================
// Common Weaviate Response Types
// =============================================================================

// SessionQueryResponse represents the response from querying the Session class.
type SessionQueryResponse struct {
	Get struct {
		Session []SessionResult `json:"Session"`
	} `json:"Get"`
}

// SessionResult represents a single session from a query.
type SessionResult struct {
	SessionID  string `json:"session_id"`
	Summary    string `json:"summary"`
	Timestamp  int64  `json:"timestamp"`
	Additional struct {
		ID string `json:"id"`
	} `json:"_additional"`
}

// ConversationQueryResponse represents the response from querying the
// Conversation class.
type ConversationQueryResponse struct {
	Get struct {
		Conversation []ConversationResult `json:"Conversation"`
	} `json:"Get"`
}

// ConversationResult represents a single conversation turn from a query.
type ConversationResult struct {
	SessionID     string   `json:"session_id"`
	Question      string   `json:"question"`
	Answer        string   `json:"answer"`
	TopicDomain   string   `json:"topic_domain"`
	Timestamp     int64    `json:"timestamp"`
	TurnNumber    *int     `json:"turn_number"`
	PIICategories []string `json:"pii_categories"`
}

// GovernanceDocumentQueryResponse represents the response from querying the
// GovernanceDocument class.
type GovernanceDocumentQueryResponse struct {
	Get struct {
		GovernanceDocument []GovernanceDocumentResult `json:"GovernanceDocument"`
	} `json:"Get"`
}

// GovernanceDocumentResult represents a single passage from a query,
// including the retrieval certainty Weaviate reports under _additional.
type GovernanceDocumentResult struct {
	Content        string `json:"content"`
	Title          string `json:"title"`
	Section        string `json:"section"`
	SourceURL      string `json:"source_url"`
	DocumentType   string `json:"document_type"`
	OrganizationID string `json:"organization_id"`
	TopicDomain    string `json:"topic_domain"`
	AuthorityLevel string `json:"authority_level"`
	EffectiveDate  string `json:"effective_date"`
	Additional     struct {
		ID        string   `json:"id"`
		Distance  *float32 `json:"distance"`
		Certainty *float32 `json:"certainty"`
	} `json:"_additional"`
}

// =============================================================================
// ToMap Methods for Property Structs (defined in rag.go)
// =============================================================================

// ToMap converts SessionProperties to the map format required by the
// Weaviate client's WithProperties() method.
func (p *SessionProperties) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"session_id": p.SessionId,
		"summary":    p.Summary,
		"timestamp":  p.Timestamp,
	}
}

// ToMap converts ConversationProperties to the map format required by the
// Weaviate client's WithProperties() method.
func (p *ConversationProperties) ToMap() map[string]interface{} {
	pii := p.PIICategories
	if pii == nil {
		pii = []string{}
	}
	return map[string]interface{}{
		"session_id":     p.SessionId,
		"question":       p.Question,
		"answer":         p.Answer,
		"topic_domain":   p.TopicDomain,
		"turn_number":    p.TurnNumber,
		"timestamp":      p.Timestamp,
		"pii_categories": pii,
	}
}

// BeaconRef represents a Weaviate cross-reference beacon.
type BeaconRef struct {
	Beacon string `json:"beacon"`
}

// WithBeacon adds an inSession beacon reference to the properties map.
// The "weaviate://localhost/" prefix is the standard beacon URI scheme;
// localhost is a protocol identifier, not a real host.
func WithBeacon(props map[string]interface{}, sessionUUID string) {
	beacon := BeaconRef{
		Beacon: fmt.Sprintf("weaviate://localhost/Session/%s", sessionUUID),
	}
	props["inSession"] = []BeaconRef{beacon}
}
