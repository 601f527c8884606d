// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/AleutianAI/Rulebook/services/orchestrator/datatypes"
)

// DefaultDedupThreshold is the trigram Jaccard similarity at or above
// which two passages are considered near-duplicates.
const DefaultDedupThreshold = 0.85

// =============================================================================
// Deduplicator
// =============================================================================

// Deduplicator clusters near-duplicate retrieved passages and keeps one
// authority-ranked representative per cluster.
//
// # Description
//
// Governance documents are republished across handbooks, PDFs, and web
// pages, so retrieval routinely returns the same clause several times.
// The deduplicator computes character-trigram Jaccard similarity between
// all pairs, merges pairs at or above the threshold with a union-find
// structure, and keeps the most authoritative member of each cluster
// (ties broken by relevance score). The losing members are preserved on
// the representative as alternative sources so provenance survives
// without duplicating context tokens.
//
// # Assumptions
//
//   - Retrieval top-k is small (≤~30), so the O(n²) pair scan is fine.
type Deduplicator struct {
	threshold float64
}

// NewDeduplicator creates a deduplicator. A threshold outside (0, 1]
// falls back to DefaultDedupThreshold.
func NewDeduplicator(threshold float64) *Deduplicator {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultDedupThreshold
	}
	return &Deduplicator{threshold: threshold}
}

// DedupThresholdFromEnv reads RETRIEVAL_DEDUP_THRESHOLD, falling back to
// DefaultDedupThreshold when unset or outside (0, 1].
func DedupThresholdFromEnv() float64 {
	raw := os.Getenv("RETRIEVAL_DEDUP_THRESHOLD")
	if raw == "" {
		return DefaultDedupThreshold
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 || v > 1 {
		slog.Warn("Invalid RETRIEVAL_DEDUP_THRESHOLD, using default",
			"provided", raw, "default", DefaultDedupThreshold)
		return DefaultDedupThreshold
	}
	return v
}

// Deduplicate clusters near-duplicates and returns representatives sorted
// by score descending. Zero or one input documents are returned unchanged.
//
// Running the output through Deduplicate again is a no-op: surviving
// representatives are below the threshold pairwise by construction.
func (d *Deduplicator) Deduplicate(docs []datatypes.RetrievedDocument) []datatypes.RetrievedDocument {
	if len(docs) <= 1 {
		return docs
	}

	trigrams := make([]map[string]struct{}, len(docs))
	for i, doc := range docs {
		trigrams[i] = trigramSet(doc.Content)
	}

	uf := newUnionFind(len(docs))
	for i := 0; i < len(docs); i++ {
		for j := i + 1; j < len(docs); j++ {
			if jaccard(trigrams[i], trigrams[j]) >= d.threshold {
				uf.union(i, j)
			}
		}
	}

	clusters := make(map[int][]int)
	for i := range docs {
		root := uf.find(i)
		clusters[root] = append(clusters[root], i)
	}

	out := make([]datatypes.RetrievedDocument, 0, len(clusters))
	for _, members := range clusters {
		out = append(out, d.representative(docs, members))
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// representative picks the cluster member with the lowest authority rank,
// tie-broken by highest score, and attaches the rest as alternative
// sources.
func (d *Deduplicator) representative(docs []datatypes.RetrievedDocument, members []int) datatypes.RetrievedDocument {
	best := members[0]
	for _, idx := range members[1:] {
		bestRank := AuthorityRank(docs[best].Metadata.AuthorityLevel)
		idxRank := AuthorityRank(docs[idx].Metadata.AuthorityLevel)
		if idxRank < bestRank {
			best = idx
			continue
		}
		if idxRank == bestRank && docs[idx].Score > docs[best].Score {
			best = idx
		}
	}

	rep := docs[best]
	// Start from the representative's own alternates so re-running the
	// deduplicator never loses provenance collected earlier.
	alternates := append([]datatypes.AlternativeSource(nil), rep.AlternativeSources...)
	for _, idx := range members {
		if idx == best {
			continue
		}
		doc := docs[idx]
		alternates = append(alternates, datatypes.AlternativeSource{
			Title:          doc.Metadata.Title,
			Section:        doc.Metadata.Section,
			URL:            doc.Metadata.SourceURL,
			AuthorityLevel: doc.Metadata.AuthorityLevel,
			Score:          doc.Score,
		})
		alternates = append(alternates, doc.AlternativeSources...)
	}
	rep.AlternativeSources = alternates
	return rep
}

// =============================================================================
// Trigram Similarity
// =============================================================================

// trigramSet returns the set of character trigrams of the content after
// lowercasing and collapsing whitespace runs to single spaces.
func trigramSet(content string) map[string]struct{} {
	normalized := strings.ToLower(strings.Join(strings.Fields(content), " "))
	set := make(map[string]struct{})

	runes := []rune(normalized)
	if len(runes) < 3 {
		return set
	}
	for i := 0; i+3 <= len(runes); i++ {
		set[string(runes[i:i+3])] = struct{}{}
	}
	return set
}

// jaccard computes |a ∩ b| / |a ∪ b|. Empty sets (very short content)
// yield 0 so they are never falsely merged.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	intersection := 0
	for t := range small {
		if _, ok := large[t]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// =============================================================================
// Union-Find
// =============================================================================

// unionFind is a disjoint-set forest with path compression and
// union-by-rank.
type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{
		parent: make([]int, n),
		rank:   make([]int, n),
	}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (uf *unionFind) find(x int) int {
	for uf.parent[x] != x {
		uf.parent[x] = uf.parent[uf.parent[x]] // path compression
		x = uf.parent[x]
	}
	return x
}

func (uf *unionFind) union(x, y int) {
	rx, ry := uf.find(x), uf.find(y)
	if rx == ry {
		return
	}
	if uf.rank[rx] < uf.rank[ry] {
		rx, ry = ry, rx
	}
	uf.parent[ry] = rx
	if uf.rank[rx] == uf.rank[ry] {
		uf.rank[rx]++
	}
}
