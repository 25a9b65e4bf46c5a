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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianFleet/pkg/queue"
	"github.com/AleutianAI/AleutianFleet/pkg/storage"
	"github.com/AleutianAI/AleutianFleet/services/fleet/analyze"
	"github.com/AleutianAI/AleutianFleet/services/fleet/learn"
	"github.com/AleutianAI/AleutianFleet/services/fleet/publish"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(t *testing.T) (*gin.Engine, *storage.FleetStore, *analyze.Analyzer, *publish.Updater) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "fleet.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	store := storage.NewFleetStore(db)
	analyzer := analyze.NewAnalyzer(16, nil)
	updater := publish.NewUpdater("score-updates", queue.NewMemoryQueue(time.Second), 16, nil)

	router := gin.New()
	SetupRoutes(router, store, analyzer, updater)
	return router, store, analyzer, updater
}

func do(t *testing.T, router *gin.Engine, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	router, _, _, _ := newRouter(t)
	w := do(t, router, "/health")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	router, _, _, _ := newRouter(t)
	w := do(t, router, "/metrics")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
}

func TestListAggregates(t *testing.T) {
	router, store, _, _ := newRouter(t)

	_, err := store.ApplyDecision(context.Background(), storage.RoutingDecision{
		InstanceID: "i1", Complexity: "simple", Model: "gpt-4o", Provider: "openai",
		Outcome: storage.OutcomeSuccess,
	})
	if err != nil {
		t.Fatal(err)
	}

	w := do(t, router, "/v1/metrics/aggregated")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp struct {
		Count      int                        `json:"count"`
		Aggregates []storage.AggregatedMetric `json:"aggregates"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 1 || resp.Aggregates[0].Model != "gpt-4o" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestModelAggregates_NotFound(t *testing.T) {
	router, _, _, _ := newRouter(t)
	w := do(t, router, "/v1/metrics/aggregated/ghost")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestListAdvisories(t *testing.T) {
	router, _, analyzer, _ := newRouter(t)

	analyzer.Inspect(storage.AggregatedMetric{
		Model: "gpt-4o", Complexity: "complex", UsageCount: 100, SuccessCount: 50,
	})

	w := do(t, router, "/v1/advisories?limit=10")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 1 {
		t.Errorf("count = %d", resp.Count)
	}
}

func TestListScoreUpdates(t *testing.T) {
	router, _, _, updater := newRouter(t)

	updater.Observe("i1")
	if err := updater.Publish(context.Background(), learn.ScoreUpdateEvent{
		Model: "gpt-4o", Complexity: "complex", OldScore: 2.5, NewScore: 2.8,
	}); err != nil {
		t.Fatal(err)
	}

	w := do(t, router, "/v1/scores/updates")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Count     int      `json:"count"`
		Instances []string `json:"instances"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 1 || len(resp.Instances) != 1 {
		t.Errorf("resp = %+v", resp)
	}
}
