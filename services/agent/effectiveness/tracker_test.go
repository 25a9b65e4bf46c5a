// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package effectiveness

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianFleet/pkg/storage"
)

func newTracker(t *testing.T) (*Tracker, *storage.CheckStore) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "fleet.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	store := storage.NewCheckStore(db)
	return NewTracker(store, 10, nil), store
}

// seed records n runs for checkID with the given number of passes and a
// constant runtime.
func seed(t *testing.T, store *storage.CheckStore, checkID string, runs, passes int, runtimeMS float64) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	for i := 0; i < runs; i++ {
		result := storage.CheckFail
		if i < passes {
			result = storage.CheckPass
		}
		if err := store.Record(ctx, storage.CheckRun{
			CheckID: checkID, Result: result, RuntimeMS: runtimeMS, RecordedAt: now,
		}); err != nil {
			t.Fatal(err)
		}
	}
}

func window() (time.Time, time.Time) {
	now := time.Now().UTC()
	return now.Add(-time.Hour), now.Add(time.Hour)
}

func TestGetValidationWeights_NormalizesToOne(t *testing.T) {
	tracker, store := newTracker(t)
	seed(t, store, "lint", 20, 18, 100)   // effectiveness 0.9
	seed(t, store, "types", 20, 12, 100)  // effectiveness 0.6
	seed(t, store, "bench", 20, 6, 100)   // effectiveness 0.3

	since, until := window()
	weights, err := tracker.GetValidationWeights(context.Background(), since, until)
	if err != nil {
		t.Fatalf("GetValidationWeights() error = %v", err)
	}
	if len(weights) != 3 {
		t.Fatalf("weights = %v", weights)
	}

	sum := 0.0
	for _, w := range weights {
		sum += w
	}
	if math.Abs(sum-1.0) > 1e-6 {
		t.Errorf("weights sum = %v, want 1.0", sum)
	}
	// 0.9 / (0.9+0.6+0.3) = 0.5
	if math.Abs(weights["lint"]-0.5) > 1e-9 {
		t.Errorf("lint weight = %v, want 0.5", weights["lint"])
	}
}

func TestGetValidationWeights_MinDataPointsBoundary(t *testing.T) {
	tracker, store := newTracker(t)
	seed(t, store, "nine", 9, 9, 100)
	seed(t, store, "ten", 10, 10, 100)

	since, until := window()
	weights, err := tracker.GetValidationWeights(context.Background(), since, until)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := weights["nine"]; ok {
		t.Error("check with 9 runs must be excluded")
	}
	if w := weights["ten"]; math.Abs(w-1.0) > 1e-9 {
		t.Errorf("check with 10 runs: weight = %v, want 1.0", w)
	}
}

func TestGetValidationWeights_AllZeroFallsBackToEqual(t *testing.T) {
	tracker, store := newTracker(t)
	seed(t, store, "a", 10, 0, 100)
	seed(t, store, "b", 10, 0, 100)

	since, until := window()
	weights, err := tracker.GetValidationWeights(context.Background(), since, until)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(weights["a"]-0.5) > 1e-9 || math.Abs(weights["b"]-0.5) > 1e-9 {
		t.Errorf("weights = %v, want equal 0.5 each", weights)
	}
}

func TestGetValidationWeights_NoEligibleChecks(t *testing.T) {
	tracker, store := newTracker(t)
	seed(t, store, "sparse", 3, 3, 100)

	since, until := window()
	weights, err := tracker.GetValidationWeights(context.Background(), since, until)
	if err != nil {
		t.Fatal(err)
	}
	if len(weights) != 0 {
		t.Errorf("weights = %v, want empty", weights)
	}
}

func TestAnalyzeCheckPerformance_Recommendations(t *testing.T) {
	cases := []struct {
		name      string
		runs      int
		passes    int
		runtimeMS float64
		want      string
	}{
		// eff 0.4 -> DISABLE regardless of runtime
		{"disable", 10, 4, 100, RecommendDisable},
		// eff 0.6, runtime 1500 -> OPTIMIZE
		{"optimize", 10, 6, 1500, RecommendOptimize},
		// eff 0.6, runtime fast -> falls through to REVIEW
		{"review_mid", 10, 6, 100, RecommendReview},
		// eff 0.95, cost_benefit 19/(500/1000)=38 -> KEEP (excellent)
		{"keep_excellent", 20, 19, 500, RecommendKeepExcellent},
		// eff 0.85 -> KEEP
		{"keep", 20, 17, 500, RecommendKeep},
		// eff 0.95 but runtime so slow cost_benefit <= 10 -> KEEP
		{"slow_excellent", 20, 19, 10000, RecommendKeep},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tracker, store := newTracker(t)
			seed(t, store, "check", tc.runs, tc.passes, tc.runtimeMS)

			a, err := tracker.AnalyzeCheckPerformance(context.Background(), "check")
			if err != nil {
				t.Fatalf("AnalyzeCheckPerformance() error = %v", err)
			}
			if a.Recommendation != tc.want {
				t.Errorf("recommendation = %q, want %q (analysis %+v)", a.Recommendation, tc.want, a)
			}
		})
	}
}

func TestAnalyzeCheckPerformance_Fields(t *testing.T) {
	tracker, store := newTracker(t)
	seed(t, store, "lint", 10, 8, 400)

	a, err := tracker.AnalyzeCheckPerformance(context.Background(), "lint")
	if err != nil {
		t.Fatal(err)
	}
	if a.TruePositives != 8 || a.FalsePositives != 2 {
		t.Errorf("tp=%d fp=%d", a.TruePositives, a.FalsePositives)
	}
	// 8 / (400/1000) = 20
	if math.Abs(a.CostBenefit-20.0) > 1e-9 {
		t.Errorf("cost_benefit = %v, want 20", a.CostBenefit)
	}
}

func TestAnalyzeCheckPerformance_NotFound(t *testing.T) {
	tracker, _ := newTracker(t)
	_, err := tracker.AnalyzeCheckPerformance(context.Background(), "ghost")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestGetImprovementOpportunities_SortedByPriority(t *testing.T) {
	tracker, store := newTracker(t)
	seed(t, store, "mediocre", 10, 6, 100) // eff 0.6 -> priority 2
	seed(t, store, "broken", 10, 2, 100)   // eff 0.2 -> priority 1
	seed(t, store, "good", 10, 9, 100)     // eff 0.9 -> above threshold

	since, until := window()
	opps, err := tracker.GetImprovementOpportunities(context.Background(), 0.70, since, until)
	if err != nil {
		t.Fatalf("GetImprovementOpportunities() error = %v", err)
	}
	if len(opps) != 2 {
		t.Fatalf("opportunities = %+v, want 2", opps)
	}
	if opps[0].CheckID != "broken" || opps[0].Priority != 1 {
		t.Errorf("first = %+v, want broken at priority 1", opps[0])
	}
	if opps[1].CheckID != "mediocre" || opps[1].Priority != 2 {
		t.Errorf("second = %+v, want mediocre at priority 2", opps[1])
	}
	if opps[0].Recommendation != RecommendDisable {
		t.Errorf("broken recommendation = %q", opps[0].Recommendation)
	}
}
