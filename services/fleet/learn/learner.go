// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package learn

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianFleet/pkg/logging"
	"github.com/AleutianAI/AleutianFleet/pkg/storage"
	"github.com/AleutianAI/AleutianFleet/services/fleet/observability"
)

// EventPublisher receives the emitted score updates. The publisher fans
// them out to per-instance queues.
type EventPublisher interface {
	Publish(ctx context.Context, ev ScoreUpdateEvent) error
}

// Options tunes the learning cycle. Zero values fall back to the
// documented defaults.
type Options struct {
	Interval           time.Duration // default 60s
	MinSampleThreshold int64         // default 100
	ClampMin           float64       // default 0.0
	ClampMax           float64       // default 5.0
	SuppressionEpsilon float64       // default 0.1
	DefaultScore       float64       // seed for unseen pairs, default 2.5
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 60 * time.Second
	}
	if o.MinSampleThreshold <= 0 {
		o.MinSampleThreshold = 100
	}
	if o.ClampMax <= o.ClampMin {
		o.ClampMin, o.ClampMax = 0.0, 5.0
	}
	if o.SuppressionEpsilon <= 0 {
		o.SuppressionEpsilon = 0.1
	}
	if o.DefaultScore == 0 {
		o.DefaultScore = 2.5
	}
	return o
}

// Learner converts aggregated metrics into bounded score adjustments.
//
// # Description
//
// Each cycle visits every (model, complexity) aggregate with enough
// samples, evaluates four independent additive delta rules, clamps the
// result into the score range, and persists and publishes the update only
// when the movement exceeds the suppression epsilon. Reading a slightly
// stale aggregate snapshot is fine; the next cycle converges on it.
type Learner struct {
	store     *storage.FleetStore
	publisher EventPublisher
	logger    *logging.Logger
	opts      Options
}

// NewLearner creates a learner. publisher may be nil when updates should
// only be persisted, not propagated.
func NewLearner(store *storage.FleetStore, publisher EventPublisher, logger *logging.Logger, opts Options) *Learner {
	if logger == nil {
		logger = logging.Default()
	}
	return &Learner{
		store:     store,
		publisher: publisher,
		logger:    logger,
		opts:      opts.withDefaults(),
	}
}

// Run executes a learning cycle on the configured interval until ctx is
// canceled. Cycle errors are logged and the timer keeps going.
func (l *Learner) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.opts.Interval)
	defer ticker.Stop()

	l.logger.Info("complexity score learner started",
		"interval", l.opts.Interval.String(),
		"min_sample_threshold", l.opts.MinSampleThreshold)
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("complexity score learner stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := l.RunOnce(ctx); err != nil {
				l.logger.Warn("learning cycle failed", "error", err.Error())
			}
		}
	}
}

// RunOnce performs one learning cycle and returns the emitted events.
func (l *Learner) RunOnce(ctx context.Context) ([]ScoreUpdateEvent, error) {
	aggs, err := l.store.Aggregates(ctx)
	if err != nil {
		return nil, err
	}

	var emitted []ScoreUpdateEvent
	for _, agg := range aggs {
		if agg.UsageCount < l.opts.MinSampleThreshold {
			continue
		}
		ev, moved, err := l.adjust(ctx, agg)
		if err != nil {
			return emitted, err
		}
		if !moved {
			continue
		}
		emitted = append(emitted, ev)
		if l.publisher != nil {
			if err := l.publisher.Publish(ctx, ev); err != nil {
				l.logger.Warn("score update publish failed",
					"model", ev.Model, "complexity", ev.Complexity, "error", err.Error())
			}
		}
	}
	observability.RecordLearnCycle()
	l.logger.Info("learning cycle complete",
		"aggregates", len(aggs), "updates", len(emitted))
	return emitted, nil
}

// adjust applies the delta rules to one aggregate.
func (l *Learner) adjust(ctx context.Context, agg storage.AggregatedMetric) (ScoreUpdateEvent, bool, error) {
	oldScore, known, err := l.store.Score(ctx, agg.Model, agg.Complexity)
	if err != nil {
		return ScoreUpdateEvent{}, false, err
	}
	if !known {
		oldScore = l.opts.DefaultScore
	}

	successRate := agg.SuccessRate()
	var delta float64
	var reasons []string

	if successRate > 0.95 {
		delta += 0.2
		reasons = append(reasons, fmt.Sprintf("success_rate %.3f > 0.95 (+0.2)", successRate))
	}
	if successRate < 0.85 {
		delta -= 0.2
		reasons = append(reasons, fmt.Sprintf("success_rate %.3f < 0.85 (-0.2)", successRate))
	}
	if agg.ResponseTimeSamples > 0 {
		if agg.AvgResponseTimeMS < 500 {
			delta += 0.1
			reasons = append(reasons, fmt.Sprintf("avg_response_time %.0fms < 500ms (+0.1)", agg.AvgResponseTimeMS))
		}
		if agg.AvgResponseTimeMS > 2000 {
			delta -= 0.1
			reasons = append(reasons, fmt.Sprintf("avg_response_time %.0fms > 2000ms (-0.1)", agg.AvgResponseTimeMS))
		}
	}

	newScore := clamp(oldScore+delta, l.opts.ClampMin, l.opts.ClampMax)
	if abs(newScore-oldScore) <= l.opts.SuppressionEpsilon {
		observability.RecordScoreUpdateSuppressed()
		return ScoreUpdateEvent{}, false, nil
	}

	if err := l.store.SetScore(ctx, agg.Model, agg.Complexity, newScore); err != nil {
		return ScoreUpdateEvent{}, false, err
	}
	observability.RecordScoreUpdate(newScore, oldScore)

	ev := ScoreUpdateEvent{
		Model:          agg.Model,
		Complexity:     agg.Complexity,
		OldScore:       oldScore,
		NewScore:       newScore,
		Reason:         strings.Join(reasons, "; "),
		Confidence:     successRate,
		BasedOnSamples: agg.UsageCount,
		Timestamp:      time.Now().UTC(),
	}
	l.logger.Info("model score adjusted",
		"model", ev.Model,
		"complexity", ev.Complexity,
		"old_score", ev.OldScore,
		"new_score", ev.NewScore,
		"reason", ev.Reason,
		"based_on_samples", ev.BasedOnSamples)
	return ev, true, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
