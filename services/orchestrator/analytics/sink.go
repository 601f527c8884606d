// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package analytics writes one InfluxDB point per completed conversation
// turn: which domain and intent the classifier picked, how confident
// retrieval was, which stages the turn actually visited, and how long it
// took.
//
// The sink is optional. When INFLUXDB_URL is not set, NewSinkFromEnv hands
// back a no-op implementation and the orchestrator runs without analytics.
// A failed write never fails the turn it describes; callers log the error
// and move on.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/AleutianAI/Rulebook/services/orchestrator/datatypes"
)

// TurnMeasurement is the InfluxDB measurement name for per-turn points.
const TurnMeasurement = "conversation_turns"

// Environment variables configuring the InfluxDB connection. All four must
// be set for the sink to activate; URLEnv alone decides whether analytics
// is wanted at all.
const (
	URLEnv    = "INFLUXDB_URL"
	TokenEnv  = "INFLUXDB_TOKEN"
	OrgEnv    = "INFLUXDB_ORG"
	BucketEnv = "INFLUXDB_BUCKET"
)

// =============================================================================
// Turn Events
// =============================================================================

// TurnEvent is the analytics view of one completed turn.
type TurnEvent struct {
	ConversationID string
	SessionID      string
	TraceID        string

	Domain     string
	Intent     string
	Confidence float64

	Trajectory     []string
	QualityRetries int
	Citations      int
	Escalated      bool

	Latency     time.Duration
	CompletedAt time.Time
}

// TurnEventFromState maps a finished turn's state into a TurnEvent.
//
// # Inputs
//
//   - state: The turn state after Invoke or Stream has completed.
//   - latency: Wall-clock duration of the turn as measured by the caller.
//
// # Outputs
//
//   - TurnEvent: Ready to hand to RecordTurn. CompletedAt is stamped now.
func TurnEventFromState(state *datatypes.ConversationState, latency time.Duration) TurnEvent {
	return TurnEvent{
		ConversationID: state.ConversationID,
		SessionID:      state.SessionID,
		TraceID:        state.TraceID,
		Domain:         string(state.TopicDomain),
		Intent:         string(state.QueryIntent),
		Confidence:     state.RetrievalConfidence,
		Trajectory:     state.StageTrajectory,
		QualityRetries: state.QualityRetryCount,
		Citations:      len(state.Citations),
		Escalated:      state.Escalation != nil,
		Latency:        latency,
		CompletedAt:    time.Now(),
	}
}

// =============================================================================
// Sink Interface
// =============================================================================

// TurnSink receives one event per completed turn.
type TurnSink interface {
	// RecordTurn writes one point describing a completed turn.
	RecordTurn(ctx context.Context, event TurnEvent) error

	// Ping verifies the backing store is reachable and healthy.
	Ping(ctx context.Context) error

	// Close releases the underlying client.
	Close()
}

// NewSinkFromEnv builds the sink the INFLUXDB_* environment describes.
//
// # Description
//
// Returns a no-op sink when INFLUXDB_URL is unset (analytics not wanted)
// or when the remaining variables are incomplete (misconfiguration is
// logged, the orchestrator still starts).
func NewSinkFromEnv() TurnSink {
	url := os.Getenv(URLEnv)
	if url == "" {
		slog.Debug("Analytics sink disabled", "reason", URLEnv+" is not set")
		return NewNoopSink()
	}

	token := os.Getenv(TokenEnv)
	org := os.Getenv(OrgEnv)
	bucket := os.Getenv(BucketEnv)
	if token == "" || org == "" || bucket == "" {
		slog.Warn("Analytics sink disabled: incomplete InfluxDB configuration",
			"token_set", token != "",
			"org_set", org != "",
			"bucket_set", bucket != "")
		return NewNoopSink()
	}

	slog.Info("Analytics sink enabled", "url", url, "org", org, "bucket", bucket)
	return NewInfluxSink(url, token, org, bucket)
}

// =============================================================================
// InfluxDB Sink
// =============================================================================

// InfluxSink writes turn events to an InfluxDB 2.x bucket using the
// blocking write API. One point per turn is cheap enough that batching
// buys nothing here.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

// NewInfluxSink connects to InfluxDB and returns a ready sink. The client
// is lazy: connectivity problems surface on the first write or Ping, not
// here.
func NewInfluxSink(url, token, org, bucket string) *InfluxSink {
	client := influxdb2.NewClient(url, token)
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
	}
}

// RecordTurn writes one point for the event.
func (s *InfluxSink) RecordTurn(ctx context.Context, event TurnEvent) error {
	if err := s.writeAPI.WritePoint(ctx, turnPoint(event)); err != nil {
		return fmt.Errorf("analytics write failed: %w", err)
	}
	return nil
}

// Ping checks the InfluxDB health endpoint.
func (s *InfluxSink) Ping(ctx context.Context) error {
	health, err := s.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("influx health check failed: %w", err)
	}
	if health.Status != "pass" {
		return fmt.Errorf("influx health status is %q", health.Status)
	}
	return nil
}

// Close shuts down the underlying HTTP client.
func (s *InfluxSink) Close() {
	s.client.Close()
}

// turnPoint renders the event as a line-protocol point. Domain, intent and
// outcome are tags (bounded cardinality, useful for group-by); everything
// identifying a single turn stays in fields.
func turnPoint(event TurnEvent) *write.Point {
	ts := event.CompletedAt
	if ts.IsZero() {
		ts = time.Now()
	}

	outcome := "answered"
	if event.Escalated {
		outcome = "escalated"
	}

	return influxdb2.NewPoint(TurnMeasurement,
		map[string]string{
			"domain":  tagValue(event.Domain),
			"intent":  tagValue(event.Intent),
			"outcome": outcome,
		},
		map[string]interface{}{
			"confidence":      event.Confidence,
			"latency_ms":      event.Latency.Milliseconds(),
			"trajectory":      strings.Join(event.Trajectory, " -> "),
			"stage_count":     len(event.Trajectory),
			"quality_retries": event.QualityRetries,
			"citations":       event.Citations,
			"conversation_id": event.ConversationID,
			"session_id":      event.SessionID,
			"trace_id":        event.TraceID,
		},
		ts)
}

// tagValue keeps tag cardinality bounded: an empty classifier output
// becomes a single "unknown" series instead of an empty tag the server
// would reject.
func tagValue(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

// =============================================================================
// No-op Sink
// =============================================================================

// noopSink is what the orchestrator runs with when analytics is disabled.
type noopSink struct{}

// NewNoopSink returns a TurnSink that discards every event.
func NewNoopSink() TurnSink { return noopSink{} }

func (noopSink) RecordTurn(ctx context.Context, event TurnEvent) error { return nil }
func (noopSink) Ping(ctx context.Context) error                        { return nil }
func (noopSink) Close()                                                {}
