// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package proposal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianFleet/pkg/storage"
)

// Store persists proposals and enforces the state machine on every
// transition.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store over an opened database.
func NewStore(db *storage.DB) *Store {
	return &Store{db: db.Handle()}
}

// Insert writes a new proposal. The caller sets ID, Status, and CreatedAt;
// Transitions is initialized with the creation status if empty.
func (s *Store) Insert(ctx context.Context, p *Proposal) error {
	if p.Transitions == nil {
		p.Transitions = map[Status]time.Time{p.Status: p.CreatedAt}
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}

	cols, err := marshalColumns(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO proposals
			(id, agent_type, agent_id, change_json, safety_profile_json,
			 impact_score, risk_score, status, consensus_votes_json,
			 transitions_json, metrics_before_json, metrics_after_json,
			 rollback_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.AgentType, p.AgentID, cols.change, cols.profile,
		p.ImpactScore, p.RiskScore, string(p.Status), cols.votes,
		cols.transitions, cols.metricsBefore, cols.metricsAfter,
		nullable(p.RollbackReason), p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: insert proposal: %v", storage.ErrPersistence, err)
	}
	return nil
}

// Get loads one proposal by id.
func (s *Store) Get(ctx context.Context, id string) (*Proposal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_type, agent_id, change_json, safety_profile_json,
		       impact_score, risk_score, status, consensus_votes_json,
		       transitions_json, metrics_before_json, metrics_after_json,
		       rollback_reason, created_at, updated_at
		FROM proposals WHERE id = ?`, id)
	p, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("proposal %s: %w", id, ErrNotFound)
	}
	return p, err
}

// Status returns just the current status of one proposal.
func (s *Store) Status(ctx context.Context, id string) (Status, error) {
	var st string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM proposals WHERE id = ?`, id).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("proposal %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("%w: read status: %v", storage.ErrPersistence, err)
	}
	return Status(st), nil
}

// Transition moves the proposal to the given status, enforcing the state
// machine under the transaction so concurrent movers cannot both win.
// Returns ErrIllegalTransition when the move is not legal from the current
// state.
func (s *Store) Transition(ctx context.Context, id string, to Status) error {
	return s.transition(ctx, id, to, func(p *Proposal) {})
}

// RecordVotes stores the consensus vote map alongside a transition to the
// decided status (consensus_reached or consensus_failed).
func (s *Store) RecordVotes(ctx context.Context, id string, to Status, votes map[string]string) error {
	return s.transition(ctx, id, to, func(p *Proposal) {
		p.ConsensusVotes = votes
	})
}

// RecordOutcome stores the after-execution metric snapshot with the final
// applied or failed transition.
func (s *Store) RecordOutcome(ctx context.Context, id string, to Status, metricsAfter map[string]any) error {
	return s.transition(ctx, id, to, func(p *Proposal) {
		p.MetricsAfter = metricsAfter
	})
}

// RecordRollback forces the proposal to rolled_back regardless of its
// current status and stores the reason. An applied change being reverted is
// the primary caller. Idempotent: rolling back an already rolled-back
// proposal succeeds without touching the row, and the first recorded reason
// sticks.
func (s *Store) RecordRollback(ctx context.Context, id string, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", storage.ErrPersistence, err)
	}
	defer tx.Rollback()

	p, err := getForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	if p.Status == StatusRolledBack {
		return tx.Commit()
	}

	p.Status = StatusRolledBack
	p.RollbackReason = reason
	p.Transitions[StatusRolledBack] = time.Now().UTC()
	p.UpdatedAt = time.Now().UTC()

	if err := writeBack(ctx, tx, p); err != nil {
		return err
	}
	return commit(tx)
}

// ListByStatus returns proposals in the given status, newest first.
func (s *Store) ListByStatus(ctx context.Context, status Status, limit int) ([]*Proposal, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_type, agent_id, change_json, safety_profile_json,
		       impact_score, risk_score, status, consensus_votes_json,
		       transitions_json, metrics_before_json, metrics_after_json,
		       rollback_reason, created_at, updated_at
		FROM proposals WHERE status = ?
		ORDER BY created_at DESC LIMIT ?`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: query proposals: %v", storage.ErrPersistence, err)
	}
	defer rows.Close()

	var out []*Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// =============================================================================
// Internals
// =============================================================================

func (s *Store) transition(ctx context.Context, id string, to Status, mutate func(*Proposal)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", storage.ErrPersistence, err)
	}
	defer tx.Rollback()

	p, err := getForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	if !CanTransition(p.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, p.Status, to)
	}

	p.Status = to
	p.Transitions[to] = time.Now().UTC()
	p.UpdatedAt = time.Now().UTC()
	mutate(p)

	if err := writeBack(ctx, tx, p); err != nil {
		return err
	}
	return commit(tx)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanProposal(row scannable) (*Proposal, error) {
	var (
		p                            Proposal
		status                       string
		changeJSON, profileJSON      []byte
		votesJSON, transitionsJSON   []byte
		beforeJSON, afterJSON        sql.NullString
		rollbackReason               sql.NullString
	)
	err := row.Scan(&p.ID, &p.AgentType, &p.AgentID, &changeJSON, &profileJSON,
		&p.ImpactScore, &p.RiskScore, &status, &votesJSON,
		&transitionsJSON, &beforeJSON, &afterJSON,
		&rollbackReason, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: scan proposal: %v", storage.ErrPersistence, err)
	}
	p.Status = Status(status)
	p.RollbackReason = rollbackReason.String

	if err := json.Unmarshal(changeJSON, &p.Change); err != nil {
		return nil, fmt.Errorf("%w: decode change: %v", storage.ErrPersistence, err)
	}
	if err := json.Unmarshal(profileJSON, &p.SafetyProfile); err != nil {
		return nil, fmt.Errorf("%w: decode safety profile: %v", storage.ErrPersistence, err)
	}
	if err := json.Unmarshal(votesJSON, &p.ConsensusVotes); err != nil {
		return nil, fmt.Errorf("%w: decode votes: %v", storage.ErrPersistence, err)
	}
	if err := json.Unmarshal(transitionsJSON, &p.Transitions); err != nil {
		return nil, fmt.Errorf("%w: decode transitions: %v", storage.ErrPersistence, err)
	}
	if beforeJSON.Valid && beforeJSON.String != "" {
		if err := json.Unmarshal([]byte(beforeJSON.String), &p.MetricsBefore); err != nil {
			return nil, fmt.Errorf("%w: decode metrics_before: %v", storage.ErrPersistence, err)
		}
	}
	if afterJSON.Valid && afterJSON.String != "" {
		if err := json.Unmarshal([]byte(afterJSON.String), &p.MetricsAfter); err != nil {
			return nil, fmt.Errorf("%w: decode metrics_after: %v", storage.ErrPersistence, err)
		}
	}
	return &p, nil
}

func getForUpdate(ctx context.Context, tx *sql.Tx, id string) (*Proposal, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, agent_type, agent_id, change_json, safety_profile_json,
		       impact_score, risk_score, status, consensus_votes_json,
		       transitions_json, metrics_before_json, metrics_after_json,
		       rollback_reason, created_at, updated_at
		FROM proposals WHERE id = ?`, id)
	p, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("proposal %s: %w", id, ErrNotFound)
	}
	return p, err
}

func writeBack(ctx context.Context, tx *sql.Tx, p *Proposal) error {
	cols, err := marshalColumns(p)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE proposals SET
			status = ?, consensus_votes_json = ?, transitions_json = ?,
			metrics_before_json = ?, metrics_after_json = ?,
			rollback_reason = ?, updated_at = ?
		WHERE id = ?`,
		string(p.Status), cols.votes, cols.transitions,
		cols.metricsBefore, cols.metricsAfter,
		nullable(p.RollbackReason), p.UpdatedAt, p.ID,
	)
	if err != nil {
		return fmt.Errorf("%w: update proposal: %v", storage.ErrPersistence, err)
	}
	return nil
}

func commit(tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", storage.ErrPersistence, err)
	}
	return nil
}

type columns struct {
	change, profile, votes, transitions string
	metricsBefore, metricsAfter         sql.NullString
}

func marshalColumns(p *Proposal) (columns, error) {
	var c columns
	enc := func(v any) (string, error) {
		b, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("%w: encode proposal field: %v", storage.ErrPersistence, err)
		}
		return string(b), nil
	}
	var err error
	if c.change, err = enc(p.Change); err != nil {
		return c, err
	}
	if c.profile, err = enc(p.SafetyProfile); err != nil {
		return c, err
	}
	votes := p.ConsensusVotes
	if votes == nil {
		votes = map[string]string{}
	}
	if c.votes, err = enc(votes); err != nil {
		return c, err
	}
	if c.transitions, err = enc(p.Transitions); err != nil {
		return c, err
	}
	if p.MetricsBefore != nil {
		s, err := enc(p.MetricsBefore)
		if err != nil {
			return c, err
		}
		c.metricsBefore = sql.NullString{String: s, Valid: true}
	}
	if p.MetricsAfter != nil {
		s, err := enc(p.MetricsAfter)
		if err != nil {
			return c, err
		}
		c.metricsAfter = sql.NullString{String: s, Valid: true}
	}
	return c, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
