// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/Rulebook/services/orchestrator/datatypes"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter writes Server-Sent Events to an HTTP response.
//
// # Description
//
// SSEWriter abstracts SSE serialization away from response mechanics so
// streaming handlers stay testable. Implementations emit the SSE wire
// format (event: type\ndata: json\n\n) and flush after every event.
//
// Each event is stamped on the way out:
//   - ID: UUID v4 for ordering and deduplication
//   - CreatedAt: Unix timestamp in milliseconds
//   - Hash: SHA-256 of the event content for integrity
//   - PrevHash: hash of the previous event, forming a verifiable chain
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Streaming handlers
// emit pipeline events and keep-alives from different goroutines.
//
// # Assumptions
//
//   - Caller has set SSE headers via SetSSEHeaders before the first write.
type SSEWriter interface {
	// WriteEvent stamps the envelope fields on event and writes it.
	// ID, CreatedAt, Hash, and PrevHash are overwritten; everything
	// else is sent as given.
	WriteEvent(event datatypes.StreamEvent) error

	// WriteDelta writes a text-delta event carrying one answer fragment.
	WriteDelta(delta string) error

	// WriteCitations writes the citations event for the turn.
	WriteCitations(citations []datatypes.Citation) error

	// WriteEscalation writes the escalation event when a turn is
	// referred to a human contact.
	WriteEscalation(info *datatypes.EscalationInfo) error

	// WriteError writes an error event. The message must already be
	// sanitized for client display; internal details stay in the logs.
	WriteError(errMsg string) error

	// WriteDone writes the final done event with the session id, so
	// clients can continue the conversation. Call at most once.
	WriteDone(sessionID string) error

	// WriteKeepAlive sends an SSE comment (": ping") that clients
	// ignore but that resets load balancer idle timers. Comments are
	// not events and do not advance the hash chain.
	WriteKeepAlive() error
}

// =============================================================================
// Struct Definition
// =============================================================================

// sseWriter implements SSEWriter over an http.ResponseWriter.
//
// The writer maintains a hash chain across events: each event's Hash
// covers its content and the previous event's hash, giving clients a
// chain of custody over the streamed answer and its citations.
//
// Thread-safe via mutex. Cannot be reused across requests.
type sseWriter struct {
	writer   http.ResponseWriter
	flusher  http.Flusher
	prevHash string
	mu       sync.Mutex
}

// =============================================================================
// Constructor
// =============================================================================

// NewSSEWriter wraps w for SSE event writing.
//
// # Inputs
//
//   - w: HTTP ResponseWriter. Must implement http.Flusher.
//
// # Outputs
//
//   - SSEWriter: Ready to write SSE events.
//   - error: Non-nil if the ResponseWriter cannot flush.
//
// # Examples
//
//	SetSSEHeaders(c.Writer)
//	writer, err := NewSSEWriter(c.Writer)
//	if err != nil {
//	    c.JSON(http.StatusInternalServerError, gin.H{"error": "Streaming not supported"})
//	    return
//	}
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}

	return &sseWriter{
		writer:   w,
		flusher:  flusher,
		prevHash: "",
	}, nil
}

// =============================================================================
// Methods
// =============================================================================

// WriteEvent populates the envelope, serializes, writes, and flushes.
func (w *sseWriter) WriteEvent(event datatypes.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	event.ID = uuid.New().String()
	event.CreatedAt = time.Now().UnixMilli()
	event.PrevHash = w.prevHash

	// Hash is computed over the event with its Hash field still empty.
	event.Hash = computeEventHash(event)

	w.prevHash = event.Hash

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	w.flusher.Flush()
	return nil
}

// computeEventHash hashes the envelope and content fields. Citations and
// escalation are JSON-serialized so the hash covers the referral and the
// cited passages, not just the text. Shared with the websocket handler,
// which stamps the same envelope on its frames.
func computeEventHash(event datatypes.StreamEvent) string {
	citationsJSON := ""
	if len(event.Citations) > 0 {
		if data, err := json.Marshal(event.Citations); err == nil {
			citationsJSON = string(data)
		}
	}
	escalationJSON := ""
	if event.Escalation != nil {
		if data, err := json.Marshal(event.Escalation); err == nil {
			escalationJSON = string(data)
		}
	}

	hashInput := fmt.Sprintf("%s|%s|%d|%s|%s|%s|%s|%s|%s",
		event.ID,
		event.Type,
		event.CreatedAt,
		event.PrevHash,
		event.Delta,
		event.Err,
		event.SessionID,
		citationsJSON,
		escalationJSON,
	)

	hash := sha256.Sum256([]byte(hashInput))
	return hex.EncodeToString(hash[:])
}

func (w *sseWriter) WriteDelta(delta string) error {
	return w.WriteEvent(datatypes.TextDeltaEvent(delta))
}

func (w *sseWriter) WriteCitations(citations []datatypes.Citation) error {
	return w.WriteEvent(datatypes.CitationsEvent(citations))
}

func (w *sseWriter) WriteEscalation(info *datatypes.EscalationInfo) error {
	return w.WriteEvent(datatypes.EscalationEvent(info))
}

func (w *sseWriter) WriteError(errMsg string) error {
	return w.WriteEvent(datatypes.ErrorEvent(errMsg))
}

func (w *sseWriter) WriteDone(sessionID string) error {
	event := datatypes.DoneEvent()
	event.SessionID = sessionID
	return w.WriteEvent(event)
}

// WriteKeepAlive sends a comment line to keep the connection alive.
// Comments are ignored by SSE clients but reset proxy timeout counters.
func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}

	w.flusher.Flush()
	return nil
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetSSEHeaders configures response headers for SSE streaming.
//
// Sets Content-Type, disables caching, keeps the connection open, and
// turns off nginx response buffering. Must be called before any writes.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ SSEWriter = (*sseWriter)(nil)
