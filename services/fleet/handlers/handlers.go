// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the fleet daemon's read-only ops API.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianFleet/pkg/storage"
	"github.com/AleutianAI/AleutianFleet/services/fleet/analyze"
	"github.com/AleutianAI/AleutianFleet/services/fleet/publish"
)

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ListAggregates returns every (model, complexity) aggregate row.
func ListAggregates(store *storage.FleetStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		aggs, err := store.Aggregates(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read aggregates"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"aggregates": aggs, "count": len(aggs)})
	}
}

// ModelAggregates returns the aggregate rows for one model.
func ModelAggregates(store *storage.FleetStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		model := c.Param("model")
		aggs, err := store.AggregatesForModel(c.Request.Context(), model)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read aggregates"})
			return
		}
		if len(aggs) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "no aggregates for model", "model": model})
			return
		}
		c.JSON(http.StatusOK, gin.H{"model": model, "aggregates": aggs})
	}
}

// ListAdvisories returns recent performance advisories, newest first.
func ListAdvisories(analyzer *analyze.Analyzer) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := parseLimit(c, 50)
		advisories := analyzer.Recent(limit)
		c.JSON(http.StatusOK, gin.H{"advisories": advisories, "count": len(advisories)})
	}
}

// ListScoreUpdates returns recently published score updates and the
// instances they fan out to.
func ListScoreUpdates(updater *publish.Updater) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := parseLimit(c, 50)
		events := updater.Recent(limit)
		c.JSON(http.StatusOK, gin.H{
			"updates":   events,
			"count":     len(events),
			"instances": updater.Instances(),
		})
	}
}

func parseLimit(c *gin.Context, def int) int {
	raw := c.Query("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
