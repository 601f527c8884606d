// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"strings"

	"github.com/AleutianAI/Rulebook/services/orchestrator/datatypes"
	"github.com/AleutianAI/Rulebook/services/orchestrator/observability"
)

// StreamAdapter converts the pipeline's internal progress into the
// caller-facing event sequence.
//
// # Description
//
// The adapter consumes two kinds of input: token deltas from the
// synthesizer (OnToken) and full-state snapshots after each stage
// (OnStageComplete). It guarantees the external contract regardless of
// which mix arrives:
//
//   - zero or more text-delta events, never repeating already-sent text;
//   - at most one citations event, at the first non-empty occurrence;
//   - at most one escalation event, at the first occurrence;
//   - exactly one done event, last (unless cancelled, which just closes).
//
// Snapshot-derived answer deltas are computed as suffix growth of the
// accumulated answer. Once real synthesizer tokens have been seen,
// snapshot-derived deltas are suppressed entirely — the token path is
// authoritative and re-deriving text from snapshots would duplicate it.
//
// # Thread Safety
//
// Producer methods (OnToken, OnStageComplete, Finish, Fail, Close) must
// all be called from the single pipeline goroutine. The events channel may
// be consumed from any other goroutine.
type StreamAdapter struct {
	ctx context.Context
	out chan datatypes.StreamEvent

	emitted        string
	tokensSeen     bool
	citationsSent  bool
	escalationSent bool
	doneSent       bool
	closed         bool
}

// NewStreamAdapter creates an adapter whose channel holds buffer events.
// Sends never block past the buffer: when ctx is cancelled pending sends
// are dropped, because the consumer is gone.
func NewStreamAdapter(ctx context.Context, buffer int) *StreamAdapter {
	if buffer <= 0 {
		buffer = 64
	}
	return &StreamAdapter{
		ctx: ctx,
		out: make(chan datatypes.StreamEvent, buffer),
	}
}

// Events returns the consumer side of the stream.
func (a *StreamAdapter) Events() <-chan datatypes.StreamEvent {
	return a.out
}

// OnToken forwards one synthesizer token delta.
func (a *StreamAdapter) OnToken(delta string) {
	if a.closed || delta == "" {
		return
	}
	a.tokensSeen = true
	a.send(datatypes.TextDeltaEvent(delta))
}

// OnStageComplete inspects a post-stage snapshot and emits whatever became
// visible: answer growth (token mode excluded), first citations, first
// escalation.
func (a *StreamAdapter) OnStageComplete(state *datatypes.ConversationState) {
	if a.closed {
		return
	}

	if !a.tokensSeen && state.Answer != "" && state.Answer != a.emitted {
		if strings.HasPrefix(state.Answer, a.emitted) {
			a.send(datatypes.TextDeltaEvent(state.Answer[len(a.emitted):]))
		} else {
			// Not an extension: the answer was re-synthesized. Ship the
			// revision whole, separated from the draft text.
			a.send(datatypes.TextDeltaEvent("\n\n" + state.Answer))
		}
		a.emitted = state.Answer
	}

	a.maybeSendCitations(state)
	a.maybeSendEscalation(state)
}

// Finish flushes any last citations/escalation, emits the single done
// event, and closes the stream.
func (a *StreamAdapter) Finish(state *datatypes.ConversationState) {
	if a.closed {
		return
	}
	a.maybeSendCitations(state)
	a.maybeSendEscalation(state)
	if !a.doneSent {
		a.doneSent = true
		a.send(datatypes.DoneEvent())
	}
	a.Close()
}

// Fail reports a turn that could not produce any state at all, then
// terminates the stream with the mandatory done event.
func (a *StreamAdapter) Fail(err error) {
	if a.closed {
		return
	}
	a.send(datatypes.ErrorEvent(err.Error()))
	if !a.doneSent {
		a.doneSent = true
		a.send(datatypes.DoneEvent())
	}
	a.Close()
}

// Close closes the event channel without a done event. Used directly only
// on cancellation; Finish and Fail call it after their terminal events.
// Idempotent.
func (a *StreamAdapter) Close() {
	if a.closed {
		return
	}
	a.closed = true
	close(a.out)
}

func (a *StreamAdapter) maybeSendCitations(state *datatypes.ConversationState) {
	if a.citationsSent || len(state.Citations) == 0 {
		return
	}
	a.citationsSent = true
	a.send(datatypes.CitationsEvent(state.Citations))
}

func (a *StreamAdapter) maybeSendEscalation(state *datatypes.ConversationState) {
	if a.escalationSent || state.Escalation == nil {
		return
	}
	a.escalationSent = true
	a.send(datatypes.EscalationEvent(state.Escalation))
}

func (a *StreamAdapter) send(event datatypes.StreamEvent) {
	select {
	case a.out <- event:
		if m := observability.DefaultPipeline; m != nil {
			m.RecordStreamEvent(string(event.Type))
		}
	case <-a.ctx.Done():
		// Consumer gone; the pipeline goroutine must not hang on a full
		// channel nobody drains.
	}
}
