// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"github.com/AleutianAI/Rulebook/services/orchestrator/analytics"
	"github.com/AleutianAI/Rulebook/services/orchestrator/handlers"
	"github.com/AleutianAI/Rulebook/services/orchestrator/resilience"
)

// Deps carries everything the route table hands to handlers.
//
// Turn.Runner is required (the question endpoints panic without it).
// Weaviate and Breakers are optional: without Weaviate the session
// administration routes are not registered and the service answers
// statelessly, without Breakers the ops routes are not registered.
type Deps struct {
	Turn      handlers.TurnDeps
	Weaviate  *weaviate.Client
	Analytics analytics.TurnSink
	Breakers  *resilience.Registry
}

// SetupRoutes registers every endpoint on the router.
func SetupRoutes(router *gin.Engine, deps Deps) {
	router.GET("/health", handlers.HealthCheck(handlers.HealthDeps{
		Weaviate:  deps.Weaviate,
		Analytics: deps.Analytics,
	}))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1")
	{
		v1.POST("/ask", handlers.AskHandler(deps.Turn))
		v1.POST("/ask/stream", handlers.StreamAskHandler(deps.Turn))
		v1.GET("/ask/ws", handlers.WebSocketHandler(deps.Turn))

		// Session administration routes need the session database.
		if deps.Weaviate != nil {
			sessions := v1.Group("/sessions")
			{
				sessions.GET("", handlers.ListSessions(deps.Weaviate))
				sessions.GET("/:sessionId/history", handlers.GetSessionHistory(deps.Weaviate))
				sessions.DELETE("/:sessionId", handlers.DeleteSession(deps.Weaviate))
			}
		}

		if deps.Breakers != nil {
			ops := v1.Group("/ops")
			{
				ops.GET("/breakers", handlers.BreakerStatus(deps.Breakers))
				ops.POST("/breakers/reset", handlers.BreakerReset(deps.Breakers))
			}
		}
	}
}
