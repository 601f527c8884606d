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
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"github.com/AleutianAI/Rulebook/services/orchestrator/analytics"
	"github.com/AleutianAI/Rulebook/services/orchestrator/resilience"
)

// healthPingTimeout bounds each dependency ping so a hung dependency
// cannot stall the health endpoint past a probe's own deadline.
const healthPingTimeout = 2 * time.Second

// HealthDeps lists the dependencies the health endpoint pings. Nil
// entries are skipped, so lightweight deployments report healthy
// without them.
type HealthDeps struct {
	Weaviate  *weaviate.Client
	Analytics analytics.TurnSink
}

// HealthCheck returns the handler for GET /health.
//
// Reports "healthy" with a per-dependency check map. An unreachable
// Weaviate degrades the status to 503 since session memory and
// retrieval depend on it; an unreachable analytics sink is reported but
// does not degrade, turn analytics being best-effort.
func HealthCheck(deps HealthDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthPingTimeout)
		defer cancel()

		status := http.StatusOK
		checks := gin.H{}

		if deps.Weaviate != nil {
			ready, err := deps.Weaviate.Misc().ReadyChecker().Do(ctx)
			if err != nil || !ready {
				slog.Warn("Health check: weaviate not ready", "error", err)
				checks["weaviate"] = "unreachable"
				status = http.StatusServiceUnavailable
			} else {
				checks["weaviate"] = "ok"
			}
		}

		if deps.Analytics != nil {
			if err := deps.Analytics.Ping(ctx); err != nil {
				slog.Warn("Health check: analytics sink unreachable", "error", err)
				checks["analytics"] = "unreachable"
			} else {
				checks["analytics"] = "ok"
			}
		}

		body := gin.H{"status": "healthy", "checks": checks}
		if status != http.StatusOK {
			body["status"] = "degraded"
		}
		c.JSON(status, body)
	}
}

// BreakerStatus returns the handler for GET /v1/ops/breakers: a
// point-in-time snapshot of every circuit breaker, sorted by
// dependency name.
func BreakerStatus(registry *resilience.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"breakers": registry.Snapshot()})
	}
}

// BreakerReset returns the handler for POST /v1/ops/breakers/reset.
// Closes every breaker and clears its counters. For operators clearing
// a known-stale open state after a dependency recovers.
func BreakerReset(registry *resilience.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		registry.ResetAll()
		slog.Info("Circuit breakers reset by operator request")
		c.JSON(http.StatusOK, gin.H{"status": "reset", "breakers": registry.Snapshot()})
	}
}
