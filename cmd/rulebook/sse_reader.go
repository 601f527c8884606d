// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/AleutianAI/Rulebook/services/orchestrator/datatypes"
)

// readStreamEvents consumes an SSE body from /v1/ask/stream, invoking
// fn for each parsed event.
//
// The wire format is `event: <type>\ndata: <json>\n\n` with `: ping`
// comment lines as keep-alives. Only data lines carry payloads; the
// event: line duplicates the type already inside the JSON, and comments
// and blank lines are skipped. Reading stops at the done event, at EOF,
// on context cancellation, or when fn returns an error.
func readStreamEvents(ctx context.Context, r io.Reader, fn func(datatypes.StreamEvent) error) error {
	scanner := bufio.NewScanner(r)
	// Deltas are small but citation events can carry long excerpts.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			// event: lines, ": ping" keep-alives, and blank separators.
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}

		var event datatypes.StreamEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			return fmt.Errorf("malformed stream event: %w", err)
		}

		if err := fn(event); err != nil {
			return err
		}
		if event.Type == datatypes.StreamDone {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream read failed: %w", err)
	}
	// EOF without a done event: the server died mid-turn.
	return fmt.Errorf("stream ended without a done event")
}
