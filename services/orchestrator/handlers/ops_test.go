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
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/Rulebook/services/orchestrator/datatypes"
	"github.com/AleutianAI/Rulebook/services/orchestrator/resilience"
)

// =============================================================================
// HealthCheck Tests
// =============================================================================

// readyResponder fakes Weaviate's readiness probe.
func readyResponder(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/.well-known/ready" {
			w.WriteHeader(status)
			return
		}
		http.NotFound(w, r)
	}
}

// TestHealthCheck_AllDependenciesHealthy verifies the happy path: every
// configured dependency pings clean.
func TestHealthCheck_AllDependenciesHealthy(t *testing.T) {
	srv := httptest.NewServer(readyResponder(http.StatusOK))
	defer srv.Close()

	deps := HealthDeps{
		Weaviate:  newWeaviateTestClient(t, srv),
		Analytics: NewFakeTurnSink(),
	}
	router := createTestRouter("GET", "/health", HealthCheck(deps))

	w := performRequest(router, "GET", "/health", nil)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "ok", resp.Checks["weaviate"])
	assert.Equal(t, "ok", resp.Checks["analytics"])
}

// TestHealthCheck_WeaviateDownDegrades verifies that an unreachable
// Weaviate turns the endpoint into a 503, since session memory and
// retrieval depend on it.
func TestHealthCheck_WeaviateDownDegrades(t *testing.T) {
	srv := httptest.NewServer(readyResponder(http.StatusServiceUnavailable))
	defer srv.Close()

	deps := HealthDeps{Weaviate: newWeaviateTestClient(t, srv)}
	router := createTestRouter("GET", "/health", HealthCheck(deps))

	w := performRequest(router, "GET", "/health", nil)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "unreachable", resp.Checks["weaviate"])
}

// TestHealthCheck_AnalyticsFailureDoesNotDegrade verifies that a dead
// analytics sink is reported without failing the probe. Turn analytics
// are best-effort.
func TestHealthCheck_AnalyticsFailureDoesNotDegrade(t *testing.T) {
	sink := NewFakeTurnSink()
	sink.PingErr = errors.New("influx unreachable")

	router := createTestRouter("GET", "/health", HealthCheck(HealthDeps{Analytics: sink}))

	w := performRequest(router, "GET", "/health", nil)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "unreachable", resp.Checks["analytics"])
}

// TestHealthCheck_NoDependencies verifies that a bare deployment
// reports healthy with no checks.
func TestHealthCheck_NoDependencies(t *testing.T) {
	router := createTestRouter("GET", "/health", HealthCheck(HealthDeps{}))

	w := performRequest(router, "GET", "/health", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)
}

// =============================================================================
// BreakerStatus / BreakerReset Tests
// =============================================================================

// TestBreakerStatus_ReturnsSnapshot verifies the breaker listing.
func TestBreakerStatus_ReturnsSnapshot(t *testing.T) {
	registry := resilience.NewRegistry(resilience.DefaultConfig())
	registry.Get(resilience.DepLLM)
	registry.Get(resilience.DepVectorSearch)

	router := createTestRouter("GET", "/v1/ops/breakers", BreakerStatus(registry))

	w := performRequest(router, "GET", "/v1/ops/breakers", nil)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Breakers []datatypes.CircuitBreakerMetrics `json:"breakers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Breakers, 2)
	assert.Equal(t, resilience.DepLLM, resp.Breakers[0].Dependency, "snapshot is sorted by name")
	assert.Equal(t, resilience.DepVectorSearch, resp.Breakers[1].Dependency)
	assert.Equal(t, datatypes.BreakerClosed, resp.Breakers[0].State)
}

// TestBreakerReset_ClosesOpenBreakers verifies that the reset endpoint
// closes a tripped breaker and clears its counters.
func TestBreakerReset_ClosesOpenBreakers(t *testing.T) {
	cfg := resilience.DefaultConfig()
	cfg.FailureThreshold = 2
	registry := resilience.NewRegistry(cfg)

	breaker := registry.Get(resilience.DepWebSearch)
	failing := func(ctx context.Context) error { return errors.New("down") }
	for i := 0; i < 3; i++ {
		_ = breaker.Do(context.Background(), time.Second, failing)
	}
	require.Equal(t, datatypes.BreakerOpen, breaker.State(), "breaker should have tripped")

	router := createTestRouter("POST", "/v1/ops/breakers/reset", BreakerReset(registry))
	req, _ := http.NewRequest("POST", "/v1/ops/breakers/reset", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, datatypes.BreakerClosed, breaker.State())

	var resp struct {
		Status   string                            `json:"status"`
		Breakers []datatypes.CircuitBreakerMetrics `json:"breakers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "reset", resp.Status)
	require.Len(t, resp.Breakers, 1)
	assert.Zero(t, resp.Breakers[0].ConsecutiveFailures)
}
