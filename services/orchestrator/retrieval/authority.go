// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval implements semantic search over the governance corpus,
// near-duplicate clustering with authority-ranked representatives, and the
// external web research fallback.
package retrieval

import "strings"

// Authority levels, most authoritative first. The order is a fixed total
// order used to pick cluster representatives and to annotate context so
// the synthesizer prefers higher authority on conflict.
const (
	AuthorityLaw               = "law"
	AuthorityInternationalRule = "international_rule"
	AuthorityGovernanceBody    = "governance_body"
	AuthorityPolicy            = "policy"
	AuthorityIndependentOffice = "independent_office"
	AuthorityAntiDopingBody    = "anti_doping_body"
	AuthorityLocalPolicy       = "local_policy"
	AuthorityEventSpecific     = "event_specific"
	AuthorityEducational       = "educational"
)

// authorityOrder maps each authority level to its rank. Lower is more
// authoritative.
var authorityOrder = map[string]int{
	AuthorityLaw:               0,
	AuthorityInternationalRule: 1,
	AuthorityGovernanceBody:    2,
	AuthorityPolicy:            3,
	AuthorityIndependentOffice: 4,
	AuthorityAntiDopingBody:    5,
	AuthorityLocalPolicy:       6,
	AuthorityEventSpecific:     7,
	AuthorityEducational:       8,
}

// unknownAuthorityRank sorts unlabeled sources below every known tier.
const unknownAuthorityRank = 9

// AuthorityRank returns the rank of an authority level, case-insensitive.
// Unknown or empty levels rank below all known tiers.
func AuthorityRank(level string) int {
	if rank, ok := authorityOrder[strings.ToLower(strings.TrimSpace(level))]; ok {
		return rank
	}
	return unknownAuthorityRank
}

// AuthorityLabel returns a human-readable annotation for context assembly,
// e.g. "Federal Law" or "Governing Body Rule".
func AuthorityLabel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case AuthorityLaw:
		return "Federal Law"
	case AuthorityInternationalRule:
		return "International Rule"
	case AuthorityGovernanceBody:
		return "Governing Body Rule"
	case AuthorityPolicy:
		return "Official Policy"
	case AuthorityIndependentOffice:
		return "Independent Office Guidance"
	case AuthorityAntiDopingBody:
		return "Anti-Doping Rule"
	case AuthorityLocalPolicy:
		return "Local Policy"
	case AuthorityEventSpecific:
		return "Event Rule"
	case AuthorityEducational:
		return "Educational Material"
	default:
		return "Reference"
	}
}
