// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package proposal tracks agent-initiated change requests through their
// safety, consensus, and execution lifecycle.
//
// # Description
//
// A Proposal is one agent-initiated change. It snapshots the agent type's
// safety profile at creation and then moves forward through a fixed state
// machine; rollback is the only transition allowed from every non-terminal
// state, and Store.RecordRollback can additionally force rolled_back out of
// a terminal state so an applied change can be reverted. Proposals are never
// deleted, only transitioned to a terminal state.
//
// # Thread Safety
//
// Store is safe for concurrent use; transition guards run inside a single
// database transaction.
package proposal

import (
	"errors"
	"time"

	"github.com/AleutianAI/AleutianFleet/services/agent/safety"
)

// Status is a proposal lifecycle state.
type Status string

const (
	StatusPending          Status = "pending"
	StatusSentForConsensus Status = "sent_for_consensus"
	StatusConsensusReached Status = "consensus_reached"
	StatusExecuting        Status = "executing"
	StatusApplied          Status = "applied"
	StatusFailed           Status = "failed"
	StatusConsensusFailed  Status = "consensus_failed"
	StatusRolledBack       Status = "rolled_back"
)

// transitions is the forward edge set of the state machine. Rollback is
// handled separately in CanTransition since it is legal from every
// non-terminal state.
var transitions = map[Status][]Status{
	StatusPending:          {StatusSentForConsensus, StatusApplied},
	StatusSentForConsensus: {StatusConsensusReached, StatusConsensusFailed},
	StatusConsensusReached: {StatusExecuting},
	StatusExecuting:        {StatusApplied, StatusFailed},
}

// IsTerminal reports whether s admits no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusApplied, StatusFailed, StatusConsensusFailed, StatusRolledBack:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	if to == StatusRolledBack {
		return !from.IsTerminal()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Sentinel errors for proposal operations.
var (
	// ErrNotFound is returned for an unknown proposal id.
	ErrNotFound = errors.New("proposal not found")

	// ErrIllegalTransition is returned when a status move violates the
	// state machine.
	ErrIllegalTransition = errors.New("illegal status transition")
)

// Proposal is one agent-initiated change request.
type Proposal struct {
	ID        string `json:"id"`
	AgentType string `json:"agent_type"`
	AgentID   string `json:"agent_id"`

	// Change is the opaque payload describing the modification. The only
	// field this package interprets is "type", which is required.
	Change map[string]any `json:"change"`

	// SafetyProfile is snapshotted at creation and never re-read live.
	SafetyProfile safety.Profile `json:"safety_profile"`

	ImpactScore float64 `json:"impact_score"`
	RiskScore   float64 `json:"risk_score"`

	Status Status `json:"status"`

	// ConsensusVotes records the per-voter decision once consensus resolves.
	ConsensusVotes map[string]string `json:"consensus_votes,omitempty"`

	// Transitions records when each status was entered.
	Transitions map[Status]time.Time `json:"transitions"`

	MetricsBefore  map[string]any `json:"metrics_before,omitempty"`
	MetricsAfter   map[string]any `json:"metrics_after,omitempty"`
	RollbackReason string         `json:"rollback_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PriorityScore ranks the proposal by expected value per unit of risk:
//
//	(impact_score x success_rate) / (risk_score x cost_factor)
//
// It is a pure function of stored fields and may be recomputed freely.
// Returns 0 when the denominator would be zero.
func (p *Proposal) PriorityScore() float64 {
	denom := p.RiskScore * p.SafetyProfile.CostFactor
	if denom == 0 {
		return 0
	}
	return (p.ImpactScore * p.SafetyProfile.SuccessRate) / denom
}
