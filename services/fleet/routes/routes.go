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
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianFleet/pkg/storage"
	"github.com/AleutianAI/AleutianFleet/services/fleet/analyze"
	"github.com/AleutianAI/AleutianFleet/services/fleet/handlers"
	"github.com/AleutianAI/AleutianFleet/services/fleet/publish"
)

// SetupRoutes registers the fleet daemon's read-only ops API.
func SetupRoutes(router *gin.Engine, store *storage.FleetStore,
	analyzer *analyze.Analyzer, updater *publish.Updater) {

	router.Use(otelgin.Middleware("fleetd"))

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	v1.Use(rateLimit(rate.NewLimiter(rate.Limit(50), 100)))
	{
		metrics := v1.Group("/metrics")
		{
			metrics.GET("/aggregated", handlers.ListAggregates(store))
			metrics.GET("/aggregated/:model", handlers.ModelAggregates(store))
		}
		v1.GET("/advisories", handlers.ListAdvisories(analyzer))
		v1.GET("/scores/updates", handlers.ListScoreUpdates(updater))
	}
}

// rateLimit sheds load once the shared limiter is exhausted.
func rateLimit(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
