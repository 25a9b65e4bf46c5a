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
	"fmt"
	"time"
)

// CheckResult is the recorded outcome of one validation check run.
type CheckResult string

const (
	CheckPass CheckResult = "pass"
	CheckFail CheckResult = "fail"
)

// CheckRun is one append-only validation check record.
type CheckRun struct {
	CheckID    string      `json:"check_id"`
	Result     CheckResult `json:"result"`
	RuntimeMS  float64     `json:"runtime_ms"`
	RecordedAt time.Time   `json:"recorded_at"`
}

// CheckStats summarizes a check's history over a window.
type CheckStats struct {
	CheckID      string  `json:"check_id"`
	Runs         int64   `json:"runs"`
	Passes       int64   `json:"passes"`
	Failures     int64   `json:"failures"`
	AvgRuntimeMS float64 `json:"avg_runtime_ms"`
}

// Effectiveness returns the pass proportion over the window.
func (s CheckStats) Effectiveness() float64 {
	if s.Runs == 0 {
		return 0
	}
	return float64(s.Passes) / float64(s.Runs)
}

// CheckStore persists validation check runs and serves the aggregation
// queries the effectiveness tracker runs on them.
type CheckStore struct {
	db *sql.DB
}

// NewCheckStore creates a CheckStore over an opened database.
func NewCheckStore(db *DB) *CheckStore {
	return &CheckStore{db: db.Handle()}
}

// Record appends one check run. Rows are never updated after insert.
func (s *CheckStore) Record(ctx context.Context, run CheckRun) error {
	if run.RecordedAt.IsZero() {
		run.RecordedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO validation_check_runs (check_id, result, runtime_ms, recorded_at)
		VALUES (?, ?, ?, ?)`,
		run.CheckID, string(run.Result), run.RuntimeMS, run.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: record check run: %v", ErrPersistence, err)
	}
	return nil
}

// Stats returns per-check summaries for runs recorded in [since, until).
func (s *CheckStore) Stats(ctx context.Context, since, until time.Time) ([]CheckStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT check_id,
		       COUNT(*),
		       SUM(CASE WHEN result = 'pass' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN result = 'fail' THEN 1 ELSE 0 END),
		       AVG(runtime_ms)
		FROM validation_check_runs
		WHERE recorded_at >= ? AND recorded_at < ?
		GROUP BY check_id
		ORDER BY check_id`, since, until)
	if err != nil {
		return nil, fmt.Errorf("%w: query check stats: %v", ErrPersistence, err)
	}
	defer rows.Close()

	var out []CheckStats
	for rows.Next() {
		var cs CheckStats
		if err := rows.Scan(&cs.CheckID, &cs.Runs, &cs.Passes, &cs.Failures, &cs.AvgRuntimeMS); err != nil {
			return nil, fmt.Errorf("%w: scan check stats: %v", ErrPersistence, err)
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

// StatsFor returns the all-time summary for one check, or ErrNotFound if
// the check has no recorded runs.
func (s *CheckStore) StatsFor(ctx context.Context, checkID string) (CheckStats, error) {
	cs := CheckStats{CheckID: checkID}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN result = 'pass' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN result = 'fail' THEN 1 ELSE 0 END), 0),
		       COALESCE(AVG(runtime_ms), 0)
		FROM validation_check_runs
		WHERE check_id = ?`, checkID,
	).Scan(&cs.Runs, &cs.Passes, &cs.Failures, &cs.AvgRuntimeMS)
	if err != nil {
		return cs, fmt.Errorf("%w: query check %s: %v", ErrPersistence, checkID, err)
	}
	if cs.Runs == 0 {
		return cs, fmt.Errorf("check %s: %w", checkID, ErrNotFound)
	}
	return cs, nil
}
