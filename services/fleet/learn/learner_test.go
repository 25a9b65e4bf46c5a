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
	"math"
	"path/filepath"
	"testing"

	"github.com/AleutianAI/AleutianFleet/pkg/storage"
)

type capturingPublisher struct {
	events []ScoreUpdateEvent
}

func (p *capturingPublisher) Publish(ctx context.Context, ev ScoreUpdateEvent) error {
	p.events = append(p.events, ev)
	return nil
}

func newFleetStore(t *testing.T) *storage.FleetStore {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "fleet.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return storage.NewFleetStore(db)
}

// seedAggregate drives usage decisions through the store so the aggregate
// is built the same way production builds it.
func seedAggregate(t *testing.T, store *storage.FleetStore, model, complexity string, usage, successes int, avgMS int64) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < usage; i++ {
		outcome := storage.OutcomeFailure
		if i < successes {
			outcome = storage.OutcomeSuccess
		}
		rt := avgMS
		if _, err := store.ApplyDecision(ctx, storage.RoutingDecision{
			InstanceID: "i1", Complexity: complexity, Model: model, Provider: "p",
			Outcome: outcome, ResponseTimeMS: &rt,
		}); err != nil {
			t.Fatal(err)
		}
	}
}

func testOptions() Options {
	return Options{
		MinSampleThreshold: 100,
		ClampMin:           0.0,
		ClampMax:           5.0,
		SuppressionEpsilon: 0.1,
		DefaultScore:       2.5,
	}
}

func TestRunOnce_EndToEndPositiveAdjustment(t *testing.T) {
	ctx := context.Background()
	store := newFleetStore(t)
	pub := &capturingPublisher{}
	l := NewLearner(store, pub, nil, testOptions())

	// 100 decisions, 98 successes, 450ms: +0.2 success, +0.1 latency.
	seedAggregate(t, store, "gpt-4o", "complex", 100, 98, 450)

	events, err := l.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %+v, want 1", events)
	}
	ev := events[0]
	if math.Abs(ev.NewScore-2.8) > 1e-9 {
		t.Errorf("new_score = %v, want 2.5 + 0.3 = 2.8", ev.NewScore)
	}
	if ev.OldScore != 2.5 {
		t.Errorf("old_score = %v", ev.OldScore)
	}
	if math.Abs(ev.Confidence-0.98) > 1e-9 {
		t.Errorf("confidence = %v, want success rate 0.98", ev.Confidence)
	}
	if ev.BasedOnSamples != 100 {
		t.Errorf("based_on_samples = %v", ev.BasedOnSamples)
	}
	if len(pub.events) != 1 {
		t.Errorf("published = %d", len(pub.events))
	}

	score, known, err := store.Score(ctx, "gpt-4o", "complex")
	if err != nil || !known {
		t.Fatalf("score not persisted: %v %v", known, err)
	}
	if math.Abs(score-2.8) > 1e-9 {
		t.Errorf("persisted score = %v", score)
	}
}

func TestRunOnce_SkipsBelowSampleThreshold(t *testing.T) {
	store := newFleetStore(t)
	l := NewLearner(store, nil, nil, testOptions())

	seedAggregate(t, store, "gpt-4o", "simple", 99, 99, 100)

	events, err := l.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Errorf("events = %+v, want none below min_sample_threshold", events)
	}
}

func TestRunOnce_SuppressesMarginalMovement(t *testing.T) {
	store := newFleetStore(t)
	l := NewLearner(store, nil, nil, testOptions())

	// success rate 0.90 (no success delta), 300ms: +0.1 only, which is
	// within the suppression epsilon.
	seedAggregate(t, store, "claude", "medium", 100, 90, 300)

	events, err := l.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Errorf("events = %+v, |delta| <= 0.1 must be suppressed", events)
	}
	if _, known, _ := store.Score(context.Background(), "claude", "medium"); known {
		t.Error("suppressed adjustment must not persist a score")
	}
}

func TestRunOnce_ClampsAtCeiling(t *testing.T) {
	ctx := context.Background()
	store := newFleetStore(t)
	l := NewLearner(store, nil, nil, testOptions())

	if err := store.SetScore(ctx, "gpt-4o", "complex", 4.8); err != nil {
		t.Fatal(err)
	}
	seedAggregate(t, store, "gpt-4o", "complex", 100, 98, 450) // +0.3 raw

	events, err := l.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %+v", events)
	}
	if events[0].NewScore != 5.0 {
		t.Errorf("new_score = %v, want clamped 5.0", events[0].NewScore)
	}
}

func TestRunOnce_ClampsAtFloor(t *testing.T) {
	ctx := context.Background()
	store := newFleetStore(t)
	l := NewLearner(store, nil, nil, testOptions())

	if err := store.SetScore(ctx, "weak-model", "complex", 0.2); err != nil {
		t.Fatal(err)
	}
	// success rate 0.5 (-0.2) and 3000ms (-0.1): -0.3 raw.
	seedAggregate(t, store, "weak-model", "complex", 100, 50, 3000)

	events, err := l.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %+v", events)
	}
	if events[0].NewScore != 0.0 {
		t.Errorf("new_score = %v, want clamped 0.0", events[0].NewScore)
	}
	if events[0].Reason == "" {
		t.Error("reason must name the applied deltas")
	}
}
