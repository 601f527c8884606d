// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retention enforces time-bounded storage of conversation data.
// A background sweeper deletes Conversation turns and Session summaries
// older than the configured TTL, with a tighter bound for safesport
// content, and records every purge in a tamper-evident audit log.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/AleutianAI/Rulebook/services/orchestrator/datatypes"
)

// =============================================================================
// Configuration
// =============================================================================

// Environment variables for retention tuning.
const (
	TTLDaysEnv       = "RETENTION_TTL_DAYS"
	SweepIntervalEnv = "RETENTION_SWEEP_INTERVAL_HOURS"
	DryRunEnv        = "RETENTION_DRY_RUN"
)

const (
	defaultTTLDays            = 180
	defaultSafeSportTTLDays   = 30
	defaultSweepIntervalHours = 24
	defaultJitterFactor       = 0.1
)

// Config controls how long conversation data is kept and how often the
// sweeper runs.
//
// # Description
//
// The sweeper computes age cutoffs from these TTLs at sweep time, so
// shortening a TTL applies retroactively to already-stored turns on the
// next cycle. SafeSportTTL bounds retention for safesport-classified
// turns and is clamped to never exceed the general TTL.
//
// # Fields
//
//   - TTL: How long turns and session summaries are kept. Default: 180 days.
//   - SafeSportTTL: Bounded retention for safesport turns. Default: 30 days.
//   - SweepInterval: Base interval between sweeps. Default: 24 hours.
//   - JitterFactor: Fraction of the interval randomized per cycle (0-1).
//   - DryRun: When true, sweeps report matches without deleting anything.
type Config struct {
	TTL           time.Duration
	SafeSportTTL  time.Duration
	SweepInterval time.Duration
	JitterFactor  float64
	DryRun        bool
}

// DefaultConfig returns the production retention tuning.
func DefaultConfig() Config {
	return Config{
		TTL:           defaultTTLDays * 24 * time.Hour,
		SafeSportTTL:  defaultSafeSportTTLDays * 24 * time.Hour,
		SweepInterval: defaultSweepIntervalHours * time.Hour,
		JitterFactor:  defaultJitterFactor,
	}
}

// ConfigFromEnv reads retention tuning from RETENTION_TTL_DAYS,
// RETENTION_SWEEP_INTERVAL_HOURS, and RETENTION_DRY_RUN, falling back
// to defaults for anything unset or invalid.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.TTL = time.Duration(retentionEnvInt(TTLDaysEnv, defaultTTLDays)) * 24 * time.Hour
	cfg.SweepInterval = time.Duration(retentionEnvInt(SweepIntervalEnv, defaultSweepIntervalHours)) * time.Hour
	cfg.DryRun = retentionEnvBool(DryRunEnv, false)
	return validateConfig(cfg)
}

// validateConfig corrects out-of-range values to defaults with a logged
// warning. A zero-value Config gets defaults wholesale.
func validateConfig(config Config) Config {
	def := DefaultConfig()
	if config == (Config{}) {
		slog.Debug("Retention config is zero-valued, using defaults")
		return def
	}
	if config.TTL <= 0 {
		slog.Warn("Invalid retention TTL, using default",
			"ttl", config.TTL.String(), "default", def.TTL.String())
		config.TTL = def.TTL
	}
	if config.SafeSportTTL <= 0 {
		slog.Warn("Invalid safesport retention TTL, using default",
			"ttl", config.SafeSportTTL.String(), "default", def.SafeSportTTL.String())
		config.SafeSportTTL = def.SafeSportTTL
	}
	if config.SafeSportTTL > config.TTL {
		slog.Warn("Safesport retention cannot exceed the general TTL, clamping",
			"safesport_ttl", config.SafeSportTTL.String(), "ttl", config.TTL.String())
		config.SafeSportTTL = config.TTL
	}
	if config.SweepInterval <= 0 {
		slog.Warn("Invalid retention sweep interval, using default",
			"interval", config.SweepInterval.String(), "default", def.SweepInterval.String())
		config.SweepInterval = def.SweepInterval
	}
	if config.JitterFactor < 0 || config.JitterFactor >= 1 {
		slog.Warn("Invalid retention jitter factor, using default",
			"factor", config.JitterFactor, "default", def.JitterFactor)
		config.JitterFactor = def.JitterFactor
	}
	return config
}

// retentionEnvInt reads an integer from the environment, warning and
// returning the fallback when the value is set but unparsable.
func retentionEnvInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("Unparsable integer in environment, using default",
			"env", key, "value", raw, "default", fallback)
		return fallback
	}
	return v
}

// retentionEnvBool reads a boolean from the environment, warning and
// returning the fallback when the value is set but unparsable.
func retentionEnvBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		slog.Warn("Unparsable boolean in environment, using default",
			"env", key, "value", raw, "default", fallback)
		return fallback
	}
	return v
}

// =============================================================================
// Store Seam
// =============================================================================

// ExpiryFilter selects stored objects old enough to purge.
//
// # Fields
//
//   - Class: Weaviate class name ("Conversation" or "Session").
//   - CutoffMs: Objects with timestamp below this Unix-ms value match.
//   - Domain: Optional topic_domain restriction; empty matches all domains.
type ExpiryFilter struct {
	Class    string
	CutoffMs int64
	Domain   string
}

// BatchOutcome reports what a batch delete matched and removed.
//
// # Fields
//
//   - Matched: Objects the filter matched.
//   - Deleted: Objects actually removed. Always 0 in dry-run.
//   - Failed: Objects that matched but could not be removed.
type BatchOutcome struct {
	Matched int64
	Deleted int64
	Failed  int64
}

// BatchDeleteFunc removes (or, in dry-run, counts) objects matching the
// filter.
//
// # Description
//
// Decouples the sweeper from the concrete Weaviate client so unit tests
// can inject fakes. NewWeaviateBatchDelete provides the production
// implementation.
//
// # Inputs
//
//   - ctx: Context for cancellation and timeout.
//   - filter: Age and class selection for the purge.
//   - dryRun: When true, report matches without deleting.
//
// # Outputs
//
//   - BatchOutcome: Counts of matched, deleted, and failed objects.
//   - error: Non-nil if the delete operation itself fails.
type BatchDeleteFunc func(ctx context.Context, filter ExpiryFilter, dryRun bool) (BatchOutcome, error)

// =============================================================================
// Sweep Results
// =============================================================================

// SweepResult summarizes one retention sweep.
//
// # Fields
//
//   - StartTime, EndTime: Bounds of the sweep cycle.
//   - DryRun: True when nothing was actually deleted.
//   - TurnsMatched, TurnsDeleted: Conversation objects across both turn phases.
//   - SessionsMatched, SessionsDeleted: Session objects.
//   - Errors: Per-phase failures; a failed phase never aborts later phases.
type SweepResult struct {
	StartTime       time.Time
	EndTime         time.Time
	DryRun          bool
	TurnsMatched    int64
	TurnsDeleted    int64
	SessionsMatched int64
	SessionsDeleted int64
	Errors          []SweepError
}

// Duration returns the total duration of the sweep.
func (r *SweepResult) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// DurationMs returns the duration in milliseconds for logging.
func (r *SweepResult) DurationMs() int64 {
	return r.Duration().Milliseconds()
}

// HasErrors returns true if any phase failed during the sweep.
func (r *SweepResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// SweepError records a single phase failure.
type SweepError struct {
	Class  string
	Domain string
	Reason string
}

// =============================================================================
// Sweeper
// =============================================================================

// Sweeper runs retention sweeps on a jittered schedule.
//
// # Description
//
// Each sweep runs three phases in order: safesport turns past the
// bounded TTL, all turns past the general TTL, then sessions past the
// general TTL. Turn phases run first so a purged session never leaves
// orphaned turns behind. Phase failures are accumulated in the result
// and do not stop later phases.
//
// # Limitations
//
//   - Weaviate caps the objects one batch delete call may remove; anything
//     beyond the cap is picked up by later sweeps.
//   - In dry-run the turn phases can double-count safesport turns older
//     than the general TTL, since phase one does not actually remove them.
//
// # Thread Safety
//
// All public methods are safe for concurrent use.
type Sweeper struct {
	deleteExpired BatchDeleteFunc
	audit         AuditSink
	config        Config
	done          chan struct{}
	mu            sync.Mutex
	running       bool
}

// NewSweeper creates a retention sweeper.
//
// # Inputs
//
//   - deleteExpired: Batch delete implementation. Must not be nil.
//   - audit: Audit sink for purge records. May be nil for slog-only logging.
//   - config: Retention tuning; out-of-range values are corrected to defaults.
//
// # Outputs
//
//   - *Sweeper: Ready to Start().
func NewSweeper(deleteExpired BatchDeleteFunc, audit AuditSink, config Config) *Sweeper {
	return &Sweeper{
		deleteExpired: deleteExpired,
		audit:         audit,
		config:        validateConfig(config),
		done:          make(chan struct{}),
	}
}

// Start begins the background sweep loop.
//
// # Description
//
// The first sweep fires after one jittered interval rather than at
// startup, so replicas restarted together do not all sweep at once.
// Use RunNow when a sweep cannot wait. The loop runs until Stop() is
// called or the context is cancelled.
//
// # Inputs
//
//   - ctx: Context for cancellation. When cancelled, the loop stops.
//
// # Outputs
//
//   - error: Non-nil if the sweeper is already running.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("retention sweeper is already running")
	}
	s.running = true
	s.done = make(chan struct{}) // Reset for restart after Stop
	s.mu.Unlock()

	slog.Info("Retention sweeper starting",
		"ttl", s.config.TTL.String(),
		"safesport_ttl", s.config.SafeSportTTL.String(),
		"interval", s.config.SweepInterval.String(),
		"dry_run", s.config.DryRun,
	)

	go s.runLoop(ctx)
	return nil
}

// Stop gracefully stops the sweep loop. Safe to call multiple times.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	slog.Info("Retention sweeper stopping")
	close(s.done)
	s.running = false
	return nil
}

// RunNow performs a sweep immediately without waiting for the schedule.
//
// # Inputs
//
//   - ctx: Context for cancellation and timeout.
//
// # Outputs
//
//   - SweepResult: Summary of the sweep.
//   - error: Non-nil only when the context is cancelled mid-sweep.
func (s *Sweeper) RunNow(ctx context.Context) (SweepResult, error) {
	return s.sweep(ctx)
}

// runLoop fires sweeps until stopped, re-jittering the wait each cycle.
func (s *Sweeper) runLoop(ctx context.Context) {
	timer := time.NewTimer(jitterInterval(s.config.SweepInterval, s.config.JitterFactor))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Retention sweeper stopped (context cancelled)")
			return
		case <-s.done:
			slog.Info("Retention sweeper stopped (stop requested)")
			return
		case <-timer.C:
			s.executeSweep(ctx)
			timer.Reset(jitterInterval(s.config.SweepInterval, s.config.JitterFactor))
		}
	}
}

// executeSweep runs one sweep and logs the outcome. Sweep errors never
// crash the loop.
func (s *Sweeper) executeSweep(ctx context.Context) {
	result, err := s.sweep(ctx)
	if err != nil {
		slog.Error("Retention sweep failed", "error", err)
		return
	}

	if result.TurnsMatched > 0 || result.SessionsMatched > 0 || result.HasErrors() {
		slog.Info("Retention sweep completed",
			"turns_matched", result.TurnsMatched,
			"turns_deleted", result.TurnsDeleted,
			"sessions_matched", result.SessionsMatched,
			"sessions_deleted", result.SessionsDeleted,
			"dry_run", result.DryRun,
			"errors", len(result.Errors),
			"duration_ms", result.DurationMs(),
		)
	} else {
		slog.Debug("Retention sweep completed (nothing expired)")
	}

	if s.audit != nil {
		if err := s.audit.RecordSweep(result); err != nil {
			slog.Warn("Failed to write retention sweep summary", "error", err)
		}
	}
}

// sweep runs the three purge phases and accumulates their outcomes.
func (s *Sweeper) sweep(ctx context.Context) (SweepResult, error) {
	now := time.Now()
	result := SweepResult{
		StartTime: now,
		DryRun:    s.config.DryRun,
		Errors:    make([]SweepError, 0),
	}

	phases := []struct {
		op     string
		filter ExpiryFilter
	}{
		{OpPurgeTurns, ExpiryFilter{
			Class:    "Conversation",
			Domain:   string(datatypes.DomainSafeSport),
			CutoffMs: now.Add(-s.config.SafeSportTTL).UnixMilli(),
		}},
		{OpPurgeTurns, ExpiryFilter{
			Class:    "Conversation",
			CutoffMs: now.Add(-s.config.TTL).UnixMilli(),
		}},
		{OpPurgeSessions, ExpiryFilter{
			Class:    "Session",
			CutoffMs: now.Add(-s.config.TTL).UnixMilli(),
		}},
	}

	for _, phase := range phases {
		if err := ctx.Err(); err != nil {
			result.EndTime = time.Now()
			return result, fmt.Errorf("sweep interrupted: %w", err)
		}

		outcome, err := s.deleteExpired(ctx, phase.filter, s.config.DryRun)
		if err != nil {
			slog.Warn("Retention purge failed",
				"class", phase.filter.Class,
				"domain", phase.filter.Domain,
				"error", err,
			)
			result.Errors = append(result.Errors, SweepError{
				Class:  phase.filter.Class,
				Domain: phase.filter.Domain,
				Reason: err.Error(),
			})
			continue
		}

		switch phase.op {
		case OpPurgeTurns:
			result.TurnsMatched += outcome.Matched
			result.TurnsDeleted += outcome.Deleted
		case OpPurgeSessions:
			result.SessionsMatched += outcome.Matched
			result.SessionsDeleted += outcome.Deleted
		}

		if outcome.Failed > 0 {
			slog.Warn("Some expired objects failed to delete",
				"class", phase.filter.Class,
				"domain", phase.filter.Domain,
				"failed", outcome.Failed,
			)
			result.Errors = append(result.Errors, SweepError{
				Class:  phase.filter.Class,
				Domain: phase.filter.Domain,
				Reason: fmt.Sprintf("%d objects failed to delete", outcome.Failed),
			})
		}

		if s.audit != nil && (outcome.Matched > 0 || outcome.Failed > 0) {
			if _, auditErr := s.audit.RecordPurge(phase.op, phase.filter, outcome, s.config.DryRun); auditErr != nil {
				slog.Warn("Failed to write retention audit record", "error", auditErr)
			}
		}
	}

	result.EndTime = time.Now()
	return result, nil
}

// jitterInterval spreads the base interval into [base*(1-factor),
// base*(1+factor)] so replicas sharing a store do not sweep in lockstep.
func jitterInterval(base time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return base
	}
	jitter := (rand.Float64()*2 - 1) * factor
	return time.Duration(float64(base) * (1.0 + jitter))
}
