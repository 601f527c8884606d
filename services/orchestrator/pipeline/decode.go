// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Best-effort JSON decoding for LLM responses. Models wrap JSON in code
// fences, preamble text, and trailing commentary no matter how firmly the
// prompt forbids it, so every caller treats decoding as fallible and has a
// degraded path ready.
package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
)

// stripCodeFences removes a leading ```json (or bare ```) fence and its
// closing fence. Text without fences passes through unchanged.
func stripCodeFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}

	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.Index(trimmed, "\n"); idx >= 0 {
		// Drop the language tag line ("json", "JSON", or empty).
		trimmed = trimmed[idx+1:]
	}
	if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return strings.TrimSpace(trimmed)
}

// decodeJSONObject unmarshals the first JSON object found in an LLM
// response into out, tolerating fences and surrounding prose.
func decodeJSONObject(text string, out any) error {
	cleaned := stripCodeFences(text)

	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start == -1 || end <= start {
		return fmt.Errorf("no JSON object in response")
	}

	if err := json.Unmarshal([]byte(cleaned[start:end+1]), out); err != nil {
		return fmt.Errorf("unmarshal response JSON: %w", err)
	}
	return nil
}

// snippet truncates raw text for error records and logs.
func snippet(text string, max int) string {
	text = strings.TrimSpace(text)
	if len(text) <= max {
		return text
	}
	return text[:max] + "..."
}
