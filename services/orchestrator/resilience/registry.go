// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resilience

import (
	"sort"
	"sync"

	"github.com/AleutianAI/Rulebook/services/orchestrator/datatypes"
)

// Well-known dependency names. Each external dependency gets its own
// breaker so one failing service does not block unrelated calls.
const (
	DepLLM          = "llm"
	DepFastLLM      = "llm_fast"
	DepEmbedding    = "embedding"
	DepVectorSearch = "vector_search"
	DepVectorWrite  = "vector_write"
	DepWebSearch    = "web_search"
)

// Registry holds the process-wide set of circuit breakers, one per
// dependency, shared by all concurrent turns.
//
// # Thread Safety
//
// Safe for concurrent use. Get uses double-checked locking so the common
// path is a read lock.
type Registry struct {
	mu            sync.RWMutex
	breakers      map[string]*Breaker
	defaultConfig Config
}

// NewRegistry creates a registry whose breakers default to cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		breakers:      make(map[string]*Breaker),
		defaultConfig: cfg.withDefaults(),
	}
}

// Get returns the breaker for a dependency, creating it with the
// registry's default config on first use.
func (r *Registry) Get(dependency string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[dependency]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[dependency]; ok {
		return b
	}
	b = NewBreaker(dependency, r.defaultConfig)
	r.breakers[dependency] = b
	return b
}

// GetWithConfig returns the breaker for a dependency, creating it with the
// given config on first use. An existing breaker keeps its original config.
func (r *Registry) GetWithConfig(dependency string, cfg Config) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[dependency]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[dependency]; ok {
		return b
	}
	b = NewBreaker(dependency, cfg)
	r.breakers[dependency] = b
	return b
}

// States returns the current state of every registered breaker.
func (r *Registry) States() map[string]datatypes.BreakerState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make(map[string]datatypes.BreakerState, len(r.breakers))
	for name, b := range r.breakers {
		states[name] = b.State()
	}
	return states
}

// Snapshot returns per-dependency metrics sorted by dependency name, for
// the ops endpoint and the eval harness.
func (r *Registry) Snapshot() []datatypes.CircuitBreakerMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]datatypes.CircuitBreakerMetrics, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Metrics())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dependency < out[j].Dependency })
	return out
}

// ResetAll forces every breaker back to closed. Test and ops use only.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}
