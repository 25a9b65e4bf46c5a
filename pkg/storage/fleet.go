// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// Fleet-Side Records
// =============================================================================

// Outcome is the routed/success/failure disposition of a routing decision.
type Outcome string

const (
	OutcomeRouted  Outcome = "routed"
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// RoutingDecision is one append-only audit row.
type RoutingDecision struct {
	InstanceID     string    `json:"instance_id"`
	Complexity     string    `json:"complexity"` // simple, medium, complex
	Model          string    `json:"model"`
	Provider       string    `json:"provider"`
	Score          float64   `json:"score"`
	Outcome        Outcome   `json:"outcome"`
	ResponseTimeMS *int64    `json:"response_time_ms,omitempty"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// AggregatedMetric is the running statistic for one (model, complexity)
// pair. The response-time average is maintained incrementally; the raw
// samples are never re-read.
type AggregatedMetric struct {
	Model               string    `json:"model"`
	Complexity          string    `json:"complexity"`
	UsageCount          int64     `json:"usage_count"`
	SuccessCount        int64     `json:"success_count"`
	AvgResponseTimeMS   float64   `json:"avg_response_time_ms"`
	ResponseTimeSamples int64     `json:"response_time_samples"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// SuccessRate returns success_count / usage_count, or 0 for empty metrics.
func (m AggregatedMetric) SuccessRate() float64 {
	if m.UsageCount == 0 {
		return 0
	}
	return float64(m.SuccessCount) / float64(m.UsageCount)
}

// ModelScore is the learned routing score for one (model, complexity) pair.
type ModelScore struct {
	Model      string    `json:"model"`
	Complexity string    `json:"complexity"`
	Score      float64   `json:"score"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// =============================================================================
// FleetStore
// =============================================================================

// FleetStore persists routing decisions, aggregated metrics, and learned
// model scores.
//
// # Thread Safety
//
// Safe for concurrent use. The single pooled connection serializes every
// transaction, so the aggregate read-modify-write never interleaves.
type FleetStore struct {
	db *sql.DB
}

// NewFleetStore creates a FleetStore over an opened database.
func NewFleetStore(db *DB) *FleetStore {
	return &FleetStore{db: db.Handle()}
}

// ApplyDecision records one routing decision atomically: it inserts the
// immutable audit row and folds the decision into the (model, complexity)
// aggregate using the incremental mean
//
//	avg' = avg + (sample - avg) / samples
//
// Returns the updated aggregate.
func (s *FleetStore) ApplyDecision(ctx context.Context, d RoutingDecision) (AggregatedMetric, error) {
	if d.RecordedAt.IsZero() {
		d.RecordedAt = time.Now().UTC()
	}

	var out AggregatedMetric
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return out, fmt.Errorf("%w: begin: %v", ErrPersistence, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO routing_decisions
			(instance_id, complexity, model, provider, score, outcome, response_time_ms, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.InstanceID, d.Complexity, d.Model, d.Provider, d.Score,
		string(d.Outcome), d.ResponseTimeMS, d.RecordedAt,
	)
	if err != nil {
		return out, fmt.Errorf("%w: insert routing decision: %v", ErrPersistence, err)
	}

	cur := AggregatedMetric{Model: d.Model, Complexity: d.Complexity}
	err = tx.QueryRowContext(ctx, `
		SELECT usage_count, success_count, avg_response_time_ms, response_time_samples
		FROM aggregated_metrics WHERE model = ? AND complexity = ?`,
		d.Model, d.Complexity,
	).Scan(&cur.UsageCount, &cur.SuccessCount, &cur.AvgResponseTimeMS, &cur.ResponseTimeSamples)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return out, fmt.Errorf("%w: read aggregate: %v", ErrPersistence, err)
	}

	cur.UsageCount++
	if d.Outcome == OutcomeSuccess {
		cur.SuccessCount++
	}
	if d.ResponseTimeMS != nil {
		cur.ResponseTimeSamples++
		sample := float64(*d.ResponseTimeMS)
		cur.AvgResponseTimeMS += (sample - cur.AvgResponseTimeMS) / float64(cur.ResponseTimeSamples)
	}
	cur.UpdatedAt = time.Now().UTC()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO aggregated_metrics
			(model, complexity, usage_count, success_count, avg_response_time_ms, response_time_samples, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(model, complexity) DO UPDATE SET
			usage_count = excluded.usage_count,
			success_count = excluded.success_count,
			avg_response_time_ms = excluded.avg_response_time_ms,
			response_time_samples = excluded.response_time_samples,
			updated_at = excluded.updated_at`,
		cur.Model, cur.Complexity, cur.UsageCount, cur.SuccessCount,
		cur.AvgResponseTimeMS, cur.ResponseTimeSamples, cur.UpdatedAt,
	)
	if err != nil {
		return out, fmt.Errorf("%w: upsert aggregate: %v", ErrPersistence, err)
	}

	if err := tx.Commit(); err != nil {
		return out, fmt.Errorf("%w: commit: %v", ErrPersistence, err)
	}
	return cur, nil
}

// Aggregates returns every aggregate row, ordered by model then complexity.
func (s *FleetStore) Aggregates(ctx context.Context) ([]AggregatedMetric, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model, complexity, usage_count, success_count,
		       avg_response_time_ms, response_time_samples, updated_at
		FROM aggregated_metrics ORDER BY model, complexity`)
	if err != nil {
		return nil, fmt.Errorf("%w: query aggregates: %v", ErrPersistence, err)
	}
	defer rows.Close()
	return scanAggregates(rows)
}

// AggregatesForModel returns the aggregate rows for one model.
func (s *FleetStore) AggregatesForModel(ctx context.Context, model string) ([]AggregatedMetric, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model, complexity, usage_count, success_count,
		       avg_response_time_ms, response_time_samples, updated_at
		FROM aggregated_metrics WHERE model = ? ORDER BY complexity`, model)
	if err != nil {
		return nil, fmt.Errorf("%w: query aggregates for %s: %v", ErrPersistence, model, err)
	}
	defer rows.Close()
	return scanAggregates(rows)
}

func scanAggregates(rows *sql.Rows) ([]AggregatedMetric, error) {
	var out []AggregatedMetric
	for rows.Next() {
		var m AggregatedMetric
		if err := rows.Scan(&m.Model, &m.Complexity, &m.UsageCount, &m.SuccessCount,
			&m.AvgResponseTimeMS, &m.ResponseTimeSamples, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan aggregate: %v", ErrPersistence, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Score returns the learned score for (model, complexity) and whether one
// has been recorded yet.
func (s *FleetStore) Score(ctx context.Context, model, complexity string) (float64, bool, error) {
	var score float64
	err := s.db.QueryRowContext(ctx, `
		SELECT score FROM model_scores WHERE model = ? AND complexity = ?`,
		model, complexity,
	).Scan(&score)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("%w: read score: %v", ErrPersistence, err)
	}
	return score, true, nil
}

// SetScore upserts the learned score for (model, complexity). Re-applying
// the same score is a no-op overwrite.
func (s *FleetStore) SetScore(ctx context.Context, model, complexity string, score float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO model_scores (model, complexity, score, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(model, complexity) DO UPDATE SET
			score = excluded.score,
			updated_at = excluded.updated_at`,
		model, complexity, score, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("%w: set score: %v", ErrPersistence, err)
	}
	return nil
}

// DecisionCount reports the number of audit rows for tests and ops checks.
func (s *FleetStore) DecisionCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM routing_decisions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count decisions: %v", ErrPersistence, err)
	}
	return n, nil
}
