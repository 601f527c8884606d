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

// StreamEventType discriminates the events a streamed turn emits.
type StreamEventType string

const (
	// StreamTextDelta carries newly generated answer text. Deltas are
	// strict suffix growth: concatenating them reproduces the answer.
	StreamTextDelta StreamEventType = "text-delta"

	// StreamCitations carries the citation list, emitted at most once per
	// turn the first time citations become non-empty.
	StreamCitations StreamEventType = "citations"

	// StreamEscalation carries escalation contact details, emitted at most
	// once per turn the first time an escalation is set.
	StreamEscalation StreamEventType = "escalation"

	// StreamDone terminates the sequence. Exactly one is emitted per turn.
	StreamDone StreamEventType = "done"

	// StreamError reports a turn-level failure. The sequence still ends
	// with a StreamDone event.
	StreamError StreamEventType = "error"
)

// StreamEvent is one externally consumable event from a streamed turn.
// Exactly the field matching Type is populated.
//
// The envelope fields (ID, CreatedAt, SessionID, PrevHash, Hash) stay empty
// on events read off the pipeline channel; the SSE and WebSocket writers
// stamp them on the way out so clients can verify the event chain.
type StreamEvent struct {
	Type       StreamEventType `json:"type"`
	Delta      string          `json:"delta,omitempty"`
	Citations  []Citation      `json:"citations,omitempty"`
	Escalation *EscalationInfo `json:"escalation,omitempty"`
	Err        string          `json:"error,omitempty"`

	ID        string `json:"id,omitempty"`
	CreatedAt int64  `json:"created_at,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	PrevHash  string `json:"prev_hash,omitempty"`
	Hash      string `json:"hash,omitempty"`
}

// TextDeltaEvent builds a text-delta event.
func TextDeltaEvent(delta string) StreamEvent {
	return StreamEvent{Type: StreamTextDelta, Delta: delta}
}

// CitationsEvent builds a citations event.
func CitationsEvent(citations []Citation) StreamEvent {
	return StreamEvent{Type: StreamCitations, Citations: citations}
}

// EscalationEvent builds an escalation event.
func EscalationEvent(info *EscalationInfo) StreamEvent {
	return StreamEvent{Type: StreamEscalation, Escalation: info}
}

// DoneEvent builds the terminal event.
func DoneEvent() StreamEvent {
	return StreamEvent{Type: StreamDone}
}

// ErrorEvent builds an error event.
func ErrorEvent(msg string) StreamEvent {
	return StreamEvent{Type: StreamError, Err: msg}
}
