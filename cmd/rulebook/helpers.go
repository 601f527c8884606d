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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	DefaultServerHost = "localhost"
	DefaultServerPort = 12210

	// askTimeout bounds a blocking /v1/ask call. Synthesis over a local
	// LLM can legitimately take minutes.
	askTimeout = 3 * time.Minute

	// opsTimeout bounds health and breaker calls, which only touch
	// in-process state and dependency pings.
	opsTimeout = 15 * time.Second
)

// getServerBaseURL returns the orchestrator address.
//
// Priority: --server flag, then RULEBOOK_SERVER_URL (used by tests and
// container overrides), then the standard host/port.
func getServerBaseURL() string {
	if serverURL != "" {
		return strings.TrimRight(serverURL, "/")
	}
	if url := os.Getenv("RULEBOOK_SERVER_URL"); url != "" {
		return strings.TrimRight(url, "/")
	}
	return fmt.Sprintf("http://%s:%d", DefaultServerHost, DefaultServerPort)
}

// postJSON sends body as JSON and decodes the response into out.
//
// Non-200 statuses are returned as errors carrying the response body so
// the operator sees what the server actually said.
func postJSON(ctx context.Context, client *http.Client, url string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach orchestrator: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("orchestrator returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to parse orchestrator response: %w", err)
	}
	return nil
}

// getJSON fetches url and decodes the response into out. The raw body
// and status are returned alongside so callers can render degraded
// states (the health endpoint answers 503 with a useful body).
func getJSON(ctx context.Context, client *http.Client, url string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to reach orchestrator: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to parse orchestrator response (status %d): %s",
				resp.StatusCode, strings.TrimSpace(string(raw)))
		}
	}
	return resp.StatusCode, nil
}

// streamRequest posts body as JSON and hands back the response body for
// SSE consumption. The caller must close it. No client timeout is set:
// the stream stays open for the whole turn and ctx bounds it instead.
func streamRequest(ctx context.Context, url string, body any) (io.ReadCloser, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach orchestrator: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("orchestrator returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return resp.Body, nil
}

// printJSON writes v to stdout as indented JSON for --json output modes.
func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
