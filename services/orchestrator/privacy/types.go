// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package privacy

import (
	"fmt"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

// ConfidenceLevel grades how likely a pattern match is a true positive.
type ConfidenceLevel string

const (
	Low    ConfidenceLevel = "low"
	Medium ConfidenceLevel = "medium"
	High   ConfidenceLevel = "high"
)

// patternFile mirrors the embedded pii_patterns.yaml.
type patternFile struct {
	Categories []Category `yaml:"categories"`
}

// Category groups the patterns detecting one kind of PII.
type Category struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Priority    int       `yaml:"priority"`
	Patterns    []Pattern `yaml:"patterns"`
}

// Pattern is a single detection rule.
type Pattern struct {
	Id          string          `yaml:"id"`
	Description string          `yaml:"description"`
	Regex       string          `yaml:"regex"`
	Confidence  ConfidenceLevel `yaml:"confidence"`
	compiled    *regexp.Regexp  `yaml:"-"`
}

func (c *ConfidenceLevel) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	incoming := ConfidenceLevel(s)
	switch incoming {
	case High, Medium, Low:
		*c = incoming
		return nil
	default:
		return fmt.Errorf("invalid value for Confidence: %q", incoming)
	}
}

// compileRegexes compiles every pattern, failing on the first invalid one.
func (f *patternFile) compileRegexes() error {
	for i := range f.Categories {
		for j := range f.Categories[i].Patterns {
			pattern := &f.Categories[i].Patterns[j]
			re, err := regexp.Compile(pattern.Regex)
			if err != nil {
				return fmt.Errorf("failed to compile the regex %s: %w", pattern.Regex, err)
			}
			pattern.compiled = re
		}
	}
	return nil
}

// sortByPriority orders categories highest priority first, so the most
// sensitive category labels an overlapping match.
func (f *patternFile) sortByPriority() {
	sort.Slice(f.Categories, func(i, j int) bool {
		return f.Categories[i].Priority > f.Categories[j].Priority
	})
}

// Finding is one PII match in scanned text. It carries byte offsets
// rather than the matched text, so findings can travel through logs and
// annotations without re-leaking what they flagged.
type Finding struct {
	// Category names the kind of PII ("ssn", "dob", "phone", "email").
	Category string `json:"category"`

	// PatternId identifies the rule that fired.
	PatternId string `json:"pattern_id"`

	// Description explains the rule in plain language.
	Description string `json:"description"`

	// Confidence grades the match.
	Confidence ConfidenceLevel `json:"confidence"`

	// Start and End are byte offsets into the scanned text, half-open.
	Start int `json:"start"`
	End   int `json:"end"`
}
