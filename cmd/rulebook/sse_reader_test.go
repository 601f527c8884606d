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
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/Rulebook/services/orchestrator/datatypes"
)

// =============================================================================
// Test Fixtures
// =============================================================================

// turnStream returns a complete wire-format stream for one turn: text
// deltas, citations, keep-alive comments, and the done event.
func turnStream() string {
	return `event: text-delta
data: {"type":"text-delta","delta":"Selection follows "}

: ping

event: text-delta
data: {"type":"text-delta","delta":"the published procedures."}

event: citations
data: {"type":"citations","citations":[{"title":"Selection Procedures","section":"3.1"}]}

event: done
data: {"type":"done","session_id":"sess-9"}

`
}

// =============================================================================
// readStreamEvents Tests
// =============================================================================

// TestReadStreamEvents_FullTurn verifies deltas, citations, and the
// done event all reach the callback in order, while comments and blank
// lines are skipped.
func TestReadStreamEvents_FullTurn(t *testing.T) {
	var events []datatypes.StreamEvent
	err := readStreamEvents(context.Background(), strings.NewReader(turnStream()),
		func(event datatypes.StreamEvent) error {
			events = append(events, event)
			return nil
		})

	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, datatypes.StreamTextDelta, events[0].Type)
	assert.Equal(t, "Selection follows ", events[0].Delta)
	assert.Equal(t, "the published procedures.", events[1].Delta)
	assert.Equal(t, datatypes.StreamCitations, events[2].Type)
	require.Len(t, events[2].Citations, 1)
	assert.Equal(t, "Selection Procedures", events[2].Citations[0].Title)
	assert.Equal(t, datatypes.StreamDone, events[3].Type)
	assert.Equal(t, "sess-9", events[3].SessionID)
}

// TestReadStreamEvents_StopsAtDone verifies nothing after the done
// event is delivered.
func TestReadStreamEvents_StopsAtDone(t *testing.T) {
	stream := `data: {"type":"done"}

data: {"type":"text-delta","delta":"never seen"}

`
	var count int
	err := readStreamEvents(context.Background(), strings.NewReader(stream),
		func(datatypes.StreamEvent) error {
			count++
			return nil
		})

	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

// TestReadStreamEvents_MissingDone verifies a stream that ends without
// a done event is reported as an error. That is the shape of a server
// dying mid-turn.
func TestReadStreamEvents_MissingDone(t *testing.T) {
	stream := `data: {"type":"text-delta","delta":"partial"}

`
	err := readStreamEvents(context.Background(), strings.NewReader(stream),
		func(datatypes.StreamEvent) error { return nil })

	require.Error(t, err)
	assert.Contains(t, err.Error(), "without a done event")
}

// TestReadStreamEvents_MalformedJSON verifies a bad data line fails the
// read instead of being silently dropped.
func TestReadStreamEvents_MalformedJSON(t *testing.T) {
	stream := "data: {not json}\n\n"
	err := readStreamEvents(context.Background(), strings.NewReader(stream),
		func(datatypes.StreamEvent) error { return nil })

	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed stream event")
}

// TestReadStreamEvents_CallbackErrorStops verifies the callback can
// abort the stream.
func TestReadStreamEvents_CallbackErrorStops(t *testing.T) {
	wantErr := errors.New("enough")
	var count int
	err := readStreamEvents(context.Background(), strings.NewReader(turnStream()),
		func(datatypes.StreamEvent) error {
			count++
			return wantErr
		})

	require.ErrorIs(t, err, wantErr)
	assert.Equal(t, 1, count)
}

// TestReadStreamEvents_ContextCancel verifies cancellation interrupts
// the read between lines.
func TestReadStreamEvents_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := readStreamEvents(ctx, strings.NewReader(turnStream()),
		func(datatypes.StreamEvent) error { return nil })

	require.ErrorIs(t, err, context.Canceled)
}
