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

// schemaStatements is applied in order on every Open. All statements are
// idempotent so reopening an existing database is safe.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS proposals (
		id                   TEXT PRIMARY KEY,
		agent_type           TEXT NOT NULL,
		agent_id             TEXT NOT NULL,
		change_json          TEXT NOT NULL,
		safety_profile_json  TEXT NOT NULL,
		impact_score         REAL NOT NULL,
		risk_score           REAL NOT NULL,
		status               TEXT NOT NULL,
		consensus_votes_json TEXT NOT NULL DEFAULT '{}',
		transitions_json     TEXT NOT NULL DEFAULT '{}',
		metrics_before_json  TEXT,
		metrics_after_json   TEXT,
		rollback_reason      TEXT,
		created_at           TIMESTAMP NOT NULL,
		updated_at           TIMESTAMP NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_proposals_status ON proposals(status);`,
	`CREATE INDEX IF NOT EXISTS idx_proposals_agent ON proposals(agent_type, created_at);`,

	// Append-only audit trail. Rows are never updated after insert.
	`CREATE TABLE IF NOT EXISTS routing_decisions (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		instance_id      TEXT NOT NULL,
		complexity       TEXT NOT NULL,
		model            TEXT NOT NULL,
		provider         TEXT NOT NULL,
		score            REAL NOT NULL,
		outcome          TEXT NOT NULL,
		response_time_ms INTEGER,
		recorded_at      TIMESTAMP NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_decisions_model_complexity
		ON routing_decisions(model, complexity);`,
	`CREATE INDEX IF NOT EXISTS idx_decisions_time_instance
		ON routing_decisions(recorded_at, instance_id);`,

	// One row per (model, complexity); updated incrementally, never
	// recomputed from raw samples, never deleted.
	`CREATE TABLE IF NOT EXISTS aggregated_metrics (
		model                 TEXT NOT NULL,
		complexity            TEXT NOT NULL,
		usage_count           INTEGER NOT NULL DEFAULT 0,
		success_count         INTEGER NOT NULL DEFAULT 0,
		avg_response_time_ms  REAL NOT NULL DEFAULT 0,
		response_time_samples INTEGER NOT NULL DEFAULT 0,
		updated_at            TIMESTAMP NOT NULL,
		PRIMARY KEY (model, complexity)
	);`,

	`CREATE TABLE IF NOT EXISTS model_scores (
		model      TEXT NOT NULL,
		complexity TEXT NOT NULL,
		score      REAL NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (model, complexity)
	);`,

	`CREATE TABLE IF NOT EXISTS validation_check_runs (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		check_id    TEXT NOT NULL,
		result      TEXT NOT NULL,
		runtime_ms  REAL NOT NULL,
		recorded_at TIMESTAMP NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_check_runs_check
		ON validation_check_runs(check_id, recorded_at);`,
}
