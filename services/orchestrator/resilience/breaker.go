// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resilience wraps calls to external dependencies (LLM, embeddings,
// vector store, web search) with per-dependency circuit breakers and
// per-call timeouts. Breakers are shared across all concurrent turns via a
// Registry constructed once at startup and injected into the stages that
// need it.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/Rulebook/services/orchestrator/datatypes"
)

// =============================================================================
// Configuration
// =============================================================================

// Config holds the tunable parameters for one circuit breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker.
	FailureThreshold int

	// SuccessThreshold is the number of half-open successes required to
	// close the breaker again.
	SuccessThreshold int

	// OpenTimeout is the cooldown before an open breaker admits a trial
	// call (half-open).
	OpenTimeout time.Duration

	// HalfOpenMax bounds concurrent trial calls while half-open.
	HalfOpenMax int

	// WindowDuration is the rolling window for the failure-rate trip.
	WindowDuration time.Duration

	// FailureRateThreshold opens the breaker when the windowed failure
	// rate reaches it, provided at least MinWindowSamples were observed.
	FailureRateThreshold float64

	// MinWindowSamples gates the failure-rate trip so a couple of early
	// errors cannot open a barely-used breaker.
	MinWindowSamples int

	// OnStateChange, if set, is invoked asynchronously on each transition.
	OnStateChange func(dependency string, from, to datatypes.BreakerState)
}

// DefaultConfig returns the settings used when a dependency does not need
// anything special: open after 5 consecutive failures or a 50% windowed
// failure rate, cool down for 30 seconds, a single trial call closes it.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:     5,
		SuccessThreshold:     1,
		OpenTimeout:          30 * time.Second,
		HalfOpenMax:          1,
		WindowDuration:       60 * time.Second,
		FailureRateThreshold: 0.5,
		MinWindowSamples:     10,
	}
}

// ConfigFromEnv reads breaker tuning from BREAKER_FAILURE_THRESHOLD,
// BREAKER_COOLDOWN_SECONDS, and BREAKER_HALF_OPEN_MAX, falling back to
// defaults for anything unset or invalid.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.FailureThreshold = breakerEnvInt("BREAKER_FAILURE_THRESHOLD", cfg.FailureThreshold)
	cfg.OpenTimeout = time.Duration(breakerEnvInt("BREAKER_COOLDOWN_SECONDS",
		int(cfg.OpenTimeout/time.Second))) * time.Second
	cfg.HalfOpenMax = breakerEnvInt("BREAKER_HALF_OPEN_MAX", cfg.HalfOpenMax)
	return cfg.withDefaults()
}

// breakerEnvInt reads a positive integer from the environment, warning and
// returning the fallback when the value is set but unusable.
func breakerEnvInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		slog.Warn("Invalid breaker setting in environment, using default",
			"env", key, "value", raw, "default", fallback)
		return fallback
	}
	return v
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = def.SuccessThreshold
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = def.OpenTimeout
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = def.HalfOpenMax
	}
	if c.WindowDuration <= 0 {
		c.WindowDuration = def.WindowDuration
	}
	if c.FailureRateThreshold <= 0 || c.FailureRateThreshold > 1 {
		c.FailureRateThreshold = def.FailureRateThreshold
	}
	if c.MinWindowSamples <= 0 {
		c.MinWindowSamples = def.MinWindowSamples
	}
	return c
}

// errTimedOut stands in for the dependency error when a call is cut off by
// its timeout; the caller sees a TimeoutError instead.
var errTimedOut = errors.New("dependency call timed out")

// =============================================================================
// Breaker
// =============================================================================

// Breaker is a circuit breaker protecting a single external dependency.
//
// # Description
//
// In the closed state calls pass through and failures are counted. The
// breaker opens after FailureThreshold consecutive failures, or when the
// windowed failure rate reaches FailureRateThreshold. While open, calls are
// rejected immediately with a CircuitOpenError and counted as rejections.
// After OpenTimeout the breaker admits up to HalfOpenMax trial calls
// (half-open); SuccessThreshold successes close it, any failure reopens it.
//
// # Thread Safety
//
// All methods are safe for concurrent use. State transitions are guarded
// by a mutex; the rolled-up totals are atomics so metric snapshots never
// contend with calls. Each transition bumps a generation counter so a call
// that straddles a transition cannot corrupt the next state's accounting.
type Breaker struct {
	dependency string
	config     Config

	mu                  sync.Mutex
	state               datatypes.BreakerState
	generation          uint64
	consecutiveFailures int
	halfOpenSuccesses   int
	inFlight            int
	openedAt            time.Time
	lastFailure         time.Time
	windowStart         time.Time
	windowRequests      int
	windowFailures      int

	totalRequests   atomic.Uint64
	totalFailures   atomic.Uint64
	totalTimeouts   atomic.Uint64
	totalRejections atomic.Uint64
}

// NewBreaker creates a breaker for one dependency. Zero-valued config
// fields fall back to DefaultConfig.
func NewBreaker(dependency string, config Config) *Breaker {
	return &Breaker{
		dependency:  dependency,
		config:      config.withDefaults(),
		state:       datatypes.BreakerClosed,
		windowStart: time.Now(),
	}
}

// Dependency returns the name of the protected dependency.
func (b *Breaker) Dependency() string {
	return b.dependency
}

// State returns the current state.
func (b *Breaker) State() datatypes.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Do executes fn under the breaker with a per-call timeout.
//
// # Description
//
// If the breaker is open, fn is never invoked and a CircuitOpenError is
// returned carrying the time until the next trial call. Otherwise fn runs
// with a child context bounded by timeout; exceeding it yields a
// TimeoutError, which counts as a breaker failure. Cancellation of the
// parent context (client disconnect) is passed through without being
// counted against the dependency.
//
// # Inputs
//
//   - ctx: Parent context for the call.
//   - timeout: Per-call bound. Zero or negative means no extra bound.
//   - fn: The dependency call. It must honor its context argument.
//
// # Outputs
//
//   - error: CircuitOpenError, TimeoutError, fn's own error, or nil.
func (b *Breaker) Do(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	gen, err := b.allow()
	if err != nil {
		return err
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	err = fn(callCtx)

	// Parent cancellation is the caller going away, not the dependency
	// failing. Let it through without touching the failure counters.
	if ctx.Err() != nil && callCtx.Err() == ctx.Err() {
		b.release(gen)
		return ctx.Err()
	}

	if err != nil && timeout > 0 && callCtx.Err() == context.DeadlineExceeded {
		b.totalTimeouts.Add(1)
		b.recordResult(gen, errTimedOut)
		return &TimeoutError{Op: b.dependency, Timeout: timeout}
	}

	b.recordResult(gen, err)
	return err
}

// allow decides whether a call may proceed, handling the open→half-open
// transition when the cooldown has elapsed. Returns the generation the
// call was admitted under.
func (b *Breaker) allow() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()

	switch b.state {
	case datatypes.BreakerOpen:
		if now.Sub(b.openedAt) < b.config.OpenTimeout {
			b.totalRejections.Add(1)
			return 0, &CircuitOpenError{
				Dependency: b.dependency,
				RetryAfter: b.config.OpenTimeout - now.Sub(b.openedAt),
			}
		}
		b.transitionLocked(datatypes.BreakerHalfOpen)

	case datatypes.BreakerHalfOpen:
		if b.inFlight >= b.config.HalfOpenMax {
			b.totalRejections.Add(1)
			return 0, &CircuitOpenError{
				Dependency: b.dependency,
				RetryAfter: time.Second,
			}
		}
	}

	b.inFlight++
	return b.generation, nil
}

// release undoes the in-flight accounting for a call whose outcome should
// not be scored against the dependency.
func (b *Breaker) release(gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen == b.generation && b.inFlight > 0 {
		b.inFlight--
	}
}

// recordResult scores one completed call and applies the trip rules.
// Calls admitted under an older generation adjust nothing but the totals:
// the state they were scored against no longer exists.
func (b *Breaker) recordResult(gen uint64, err error) {
	b.totalRequests.Add(1)
	if err != nil {
		b.totalFailures.Add(1)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if gen != b.generation {
		return
	}
	if b.inFlight > 0 {
		b.inFlight--
	}

	now := time.Now()
	if now.Sub(b.windowStart) >= b.config.WindowDuration {
		b.windowStart = now
		b.windowRequests = 0
		b.windowFailures = 0
	}
	b.windowRequests++

	if err == nil {
		b.consecutiveFailures = 0
		if b.state == datatypes.BreakerHalfOpen {
			b.halfOpenSuccesses++
			if b.halfOpenSuccesses >= b.config.SuccessThreshold {
				b.transitionLocked(datatypes.BreakerClosed)
			}
		}
		return
	}

	b.windowFailures++
	b.consecutiveFailures++
	b.lastFailure = now

	switch b.state {
	case datatypes.BreakerHalfOpen:
		// Any failure during a trial call reopens immediately.
		b.openLocked(now)

	case datatypes.BreakerClosed:
		if b.consecutiveFailures >= b.config.FailureThreshold {
			b.openLocked(now)
			return
		}
		if b.windowRequests >= b.config.MinWindowSamples {
			rate := float64(b.windowFailures) / float64(b.windowRequests)
			if rate >= b.config.FailureRateThreshold {
				b.openLocked(now)
			}
		}
	}
}

func (b *Breaker) openLocked(now time.Time) {
	b.openedAt = now
	b.transitionLocked(datatypes.BreakerOpen)
}

// transitionLocked moves to a new state and starts a new generation.
// Caller holds b.mu.
func (b *Breaker) transitionLocked(to datatypes.BreakerState) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.generation++
	b.halfOpenSuccesses = 0
	b.inFlight = 0

	slog.Warn("Circuit breaker state change",
		"dependency", b.dependency,
		"from", string(from),
		"to", string(to),
		"consecutive_failures", b.consecutiveFailures)

	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(b.dependency, from, to)
	}
}

// Metrics returns a point-in-time snapshot for the ops surface.
func (b *Breaker) Metrics() datatypes.CircuitBreakerMetrics {
	b.mu.Lock()
	state := b.state
	consecutive := b.consecutiveFailures
	lastFailure := b.lastFailure
	b.mu.Unlock()

	return datatypes.CircuitBreakerMetrics{
		Dependency:          b.dependency,
		State:               state,
		ConsecutiveFailures: consecutive,
		TotalRequests:       b.totalRequests.Load(),
		TotalFailures:       b.totalFailures.Load(),
		TotalTimeouts:       b.totalTimeouts.Load(),
		TotalRejections:     b.totalRejections.Load(),
		LastFailureTime:     lastFailure,
	}
}

// Reset forces the breaker back to closed and clears the failure counters.
// Only tests and explicit ops actions call this.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(datatypes.BreakerClosed)
	b.consecutiveFailures = 0
	b.halfOpenSuccesses = 0
	b.inFlight = 0
	b.windowStart = time.Now()
	b.windowRequests = 0
	b.windowFailures = 0
}
