// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package privacy detects personal information in inbound questions.
//
// # Description
//
// Athletes asking about abuse reporting or doping procedures routinely
// include their own phone numbers, emails, and birth dates. The scanner
// finds those so handlers can redact the copies that get logged and
// persisted, and annotate the stored turn with what was removed. A
// finding is advisory only: the question still flows to the pipeline
// unmodified and the athlete always gets their answer.
//
// Patterns are embedded in the binary, so the rules are immutable at
// runtime and travel with the executable.
//
// # Thread Safety
//
// A Scanner is immutable after construction and safe for concurrent use.
package privacy

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed pii_patterns.yaml
var piiPatterns []byte

// Scanner matches text against the embedded PII patterns.
type Scanner struct {
	categories []Category
}

// NewScanner parses and compiles the embedded pattern file.
//
// # Outputs
//
//   - *Scanner: Ready to use scanner.
//   - error: Non-nil if the embedded YAML is malformed or a regex does
//     not compile. Treated as fatal at startup; the patterns ship with
//     the binary, so failure means a bad build.
func NewScanner() (*Scanner, error) {
	var file patternFile
	if err := yaml.Unmarshal(piiPatterns, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the embedded pattern file: %w", err)
	}
	if err := file.compileRegexes(); err != nil {
		return nil, fmt.Errorf("failed to compile a pattern: %w", err)
	}
	file.sortByPriority()
	return &Scanner{categories: file.Categories}, nil
}

// Scan reports every PII match in text, ordered by position. Ties at
// the same position keep the more sensitive category first.
//
// # Inputs
//
//   - text: The text to scan, typically a user question.
//
// # Outputs
//
//   - []Finding: Matches with byte offsets into text; nil when clean.
func (s *Scanner) Scan(text string) []Finding {
	var findings []Finding
	for _, cat := range s.categories {
		for _, pattern := range cat.Patterns {
			for _, loc := range pattern.compiled.FindAllStringIndex(text, -1) {
				findings = append(findings, Finding{
					Category:    cat.Name,
					PatternId:   pattern.Id,
					Description: pattern.Description,
					Confidence:  pattern.Confidence,
					Start:       loc[0],
					End:         loc[1],
				})
			}
		}
	}
	sort.SliceStable(findings, func(i, j int) bool {
		return findings[i].Start < findings[j].Start
	})
	return findings
}

// Redact replaces each matched span in text with a "[REDACTED:category]"
// marker. Overlapping matches collapse into one span labeled with the
// earliest match's category; exactly adjacent matches keep their own
// markers.
//
// # Inputs
//
//   - text: The text the findings were produced from.
//   - findings: Output of Scan over the same text.
//
// # Outputs
//
//   - string: text with every finding removed. Unchanged when findings
//     is empty.
func (s *Scanner) Redact(text string, findings []Finding) string {
	if len(findings) == 0 {
		return text
	}

	spans := mergeSpans(findings, len(text))
	var b strings.Builder
	last := 0
	for _, sp := range spans {
		b.WriteString(text[last:sp.start])
		b.WriteString("[REDACTED:")
		b.WriteString(sp.category)
		b.WriteString("]")
		last = sp.end
	}
	b.WriteString(text[last:])
	return b.String()
}

// Categories returns the distinct category names present in findings,
// most sensitive first. Handlers store this as the turn's annotation.
func (s *Scanner) Categories(findings []Finding) []string {
	if len(findings) == 0 {
		return nil
	}
	present := make(map[string]bool, len(findings))
	for _, f := range findings {
		present[f.Category] = true
	}
	var out []string
	for _, cat := range s.categories {
		if present[cat.Name] {
			out = append(out, cat.Name)
		}
	}
	return out
}

// span is a disjoint redaction range.
type span struct {
	start, end int
	category   string
}

// mergeSpans folds overlapping findings into disjoint spans clamped to
// [0, textLen). Findings are processed in position order, so an
// overlapping later match extends the span without relabeling it.
func mergeSpans(findings []Finding, textLen int) []span {
	sorted := make([]Finding, len(findings))
	copy(sorted, findings)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Start < sorted[j].Start
	})

	var spans []span
	for _, f := range sorted {
		start, end := f.Start, f.End
		if start < 0 {
			start = 0
		}
		if end > textLen {
			end = textLen
		}
		if end <= start {
			continue
		}
		if n := len(spans); n > 0 && start < spans[n-1].end {
			if end > spans[n-1].end {
				spans[n-1].end = end
			}
			continue
		}
		spans = append(spans, span{start: start, end: end, category: f.Category})
	}
	return spans
}
