// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Retrieved-document and citation types. These are the units the retriever
// returns, the deduplicator clusters, and the synthesizer cites.
package datatypes

// DocumentMetadata describes where a retrieved passage came from.
//
// AuthorityLevel is one of the source-authority tiers ranked by
// retrieval.AuthorityRank (law, international_rule, governance_body, policy,
// independent_office, anti_doping_body, local_policy, event_specific,
// educational). EffectiveDate is a display string, not parsed.
type DocumentMetadata struct {
	Title          string `json:"title"`
	Section        string `json:"section,omitempty"`
	SourceURL      string `json:"source_url,omitempty"`
	DocumentType   string `json:"document_type,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
	EffectiveDate  string `json:"effective_date,omitempty"`
	AuthorityLevel string `json:"authority_level,omitempty"`
}

// AlternativeSource records a near-duplicate passage that was folded into a
// cluster representative by the deduplicator. Provenance is preserved here
// so the synthesizer can cite siblings without spending context tokens on
// duplicate text.
type AlternativeSource struct {
	Title          string  `json:"title"`
	Section        string  `json:"section,omitempty"`
	URL            string  `json:"url,omitempty"`
	AuthorityLevel string  `json:"authority_level,omitempty"`
	Score          float64 `json:"score"`
}

// RetrievedDocument is one passage returned by semantic search.
//
// Score is the retrieval certainty in [0,1]. AlternativeSources is populated
// only by the deduplicator; retrieval itself always returns it empty.
type RetrievedDocument struct {
	Content            string              `json:"content"`
	Score              float64             `json:"score"`
	Metadata           DocumentMetadata    `json:"metadata"`
	AlternativeSources []AlternativeSource `json:"alternative_sources,omitempty"`
}

// WebSearchResult is one hit from the external web search fallback.
type WebSearchResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score,omitempty"`
}

// Citation is the caller-facing provenance record derived from the documents
// that actually grounded the answer.
type Citation struct {
	Title          string `json:"title"`
	Section        string `json:"section,omitempty"`
	URL            string `json:"url,omitempty"`
	AuthorityLevel string `json:"authority_level,omitempty"`
}

// CitationFor builds a Citation from a retrieved document's metadata.
func CitationFor(doc RetrievedDocument) Citation {
	return Citation{
		Title:          doc.Metadata.Title,
		Section:        doc.Metadata.Section,
		URL:            doc.Metadata.SourceURL,
		AuthorityLevel: doc.Metadata.AuthorityLevel,
	}
}
