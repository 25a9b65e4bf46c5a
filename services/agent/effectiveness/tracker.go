// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package effectiveness recomputes validation-check weights from the
// checks' own historical pass/fail/runtime records.
//
// # Description
//
// Weights are a view over the append-only check-run history, recomputed on
// demand and never persisted as a source of truth. Checks with too little
// history are excluded until they accumulate enough runs to be
// statistically meaningful.
package effectiveness

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/AleutianAI/AleutianFleet/pkg/logging"
	"github.com/AleutianAI/AleutianFleet/pkg/storage"
)

// Recommendation strings issued by AnalyzeCheckPerformance.
const (
	RecommendDisable       = "DISABLE"
	RecommendOptimize      = "OPTIMIZE"
	RecommendKeepExcellent = "KEEP (excellent)"
	RecommendKeep          = "KEEP"
	RecommendReview        = "REVIEW"
)

// Analysis is the cost/benefit breakdown for one check.
type Analysis struct {
	CheckID        string  `json:"check_id"`
	Effectiveness  float64 `json:"effectiveness"`
	AvgRuntimeMS   float64 `json:"avg_runtime_ms"`
	TruePositives  int64   `json:"true_positives"`
	FalsePositives int64   `json:"false_positives"`
	CostBenefit    float64 `json:"cost_benefit"`
	Recommendation string  `json:"recommendation"`
}

// Opportunity flags a check whose effectiveness fell below threshold.
type Opportunity struct {
	CheckID        string  `json:"check_id"`
	Effectiveness  float64 `json:"effectiveness"`
	Issue          string  `json:"issue"`
	Recommendation string  `json:"recommendation"`

	// Priority: 1 below 0.50, 2 below 0.70, 3 otherwise.
	Priority int `json:"priority"`
}

// Tracker computes check weights and performance analyses.
//
// # Thread Safety
//
// Stateless apart from the store; safe for concurrent use.
type Tracker struct {
	store         *storage.CheckStore
	minDataPoints int64
	logger        *logging.Logger
}

// NewTracker creates a tracker. minDataPoints below 1 falls back to 10.
func NewTracker(store *storage.CheckStore, minDataPoints int, logger *logging.Logger) *Tracker {
	if logger == nil {
		logger = logging.Default()
	}
	if minDataPoints < 1 {
		minDataPoints = 10
	}
	return &Tracker{store: store, minDataPoints: int64(minDataPoints), logger: logger}
}

// GetValidationWeights returns the normalized per-check weight map over
// [since, until).
//
// # Description
//
// Each eligible check's weight is its pass proportion normalized so the
// map sums to 1.0. Checks with fewer than minDataPoints runs in the window
// are excluded. If every eligible check has zero effectiveness the checks
// are weighted equally instead.
func (t *Tracker) GetValidationWeights(ctx context.Context, since, until time.Time) (map[string]float64, error) {
	stats, err := t.store.Stats(ctx, since, until)
	if err != nil {
		return nil, err
	}

	eligible := make([]storage.CheckStats, 0, len(stats))
	total := 0.0
	for _, cs := range stats {
		if cs.Runs < t.minDataPoints {
			t.logger.Debug("check excluded from weighting",
				"check_id", cs.CheckID, "runs", cs.Runs, "min_data_points", t.minDataPoints)
			continue
		}
		eligible = append(eligible, cs)
		total += cs.Effectiveness()
	}

	weights := make(map[string]float64, len(eligible))
	if len(eligible) == 0 {
		return weights, nil
	}
	if total == 0 {
		equal := 1.0 / float64(len(eligible))
		for _, cs := range eligible {
			weights[cs.CheckID] = equal
		}
		return weights, nil
	}
	for _, cs := range eligible {
		weights[cs.CheckID] = cs.Effectiveness() / total
	}
	return weights, nil
}

// AnalyzeCheckPerformance computes the all-time cost/benefit analysis for
// one check. Returns storage.ErrNotFound when the check has no history.
func (t *Tracker) AnalyzeCheckPerformance(ctx context.Context, checkID string) (Analysis, error) {
	cs, err := t.store.StatsFor(ctx, checkID)
	if err != nil {
		return Analysis{}, err
	}

	a := Analysis{
		CheckID:        cs.CheckID,
		Effectiveness:  cs.Effectiveness(),
		AvgRuntimeMS:   cs.AvgRuntimeMS,
		TruePositives:  cs.Passes,
		FalsePositives: cs.Failures,
	}
	a.CostBenefit = costBenefit(cs.Passes, cs.AvgRuntimeMS)
	a.Recommendation = recommend(a.Effectiveness, a.AvgRuntimeMS, a.CostBenefit)
	return a, nil
}

// GetImprovementOpportunities lists checks whose windowed effectiveness is
// below threshold, sorted by priority (most urgent first).
func (t *Tracker) GetImprovementOpportunities(ctx context.Context, threshold float64, since, until time.Time) ([]Opportunity, error) {
	if threshold <= 0 {
		threshold = 0.70
	}
	stats, err := t.store.Stats(ctx, since, until)
	if err != nil {
		return nil, err
	}

	var out []Opportunity
	for _, cs := range stats {
		eff := cs.Effectiveness()
		if eff >= threshold {
			continue
		}
		priority := 3
		switch {
		case eff < 0.50:
			priority = 1
		case eff < 0.70:
			priority = 2
		}
		cb := costBenefit(cs.Passes, cs.AvgRuntimeMS)
		out = append(out, Opportunity{
			CheckID:       cs.CheckID,
			Effectiveness: eff,
			Issue: fmt.Sprintf("effectiveness %.2f below threshold %.2f over %d runs",
				eff, threshold, cs.Runs),
			Recommendation: recommend(eff, cs.AvgRuntimeMS, cb),
			Priority:       priority,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, nil
}

// costBenefit is true positives per second of runtime.
func costBenefit(truePositives int64, avgRuntimeMS float64) float64 {
	if avgRuntimeMS <= 0 {
		if truePositives > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return float64(truePositives) / (avgRuntimeMS / 1000.0)
}

func recommend(eff, avgRuntimeMS, costBenefit float64) string {
	switch {
	case eff < 0.50:
		return RecommendDisable
	case eff < 0.70 && avgRuntimeMS > 1000:
		return RecommendOptimize
	case eff > 0.90 && costBenefit > 10:
		return RecommendKeepExcellent
	case eff > 0.80:
		return RecommendKeep
	default:
		return RecommendReview
	}
}
