// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package coordinate accepts change candidates from agents and drives them
// through the proposal state machine: safety profile lookup, optional
// fleet consensus, execution, and rollback.
package coordinate

import (
	"errors"

	"github.com/AleutianAI/AleutianFleet/services/agent/safety"
)

// Queue names on the consensus path.
const (
	QueueConsensusRequests  = "consensus-requests"
	QueueConsensusResponses = "consensus-responses"
	QueueLearnedPatterns    = "learned-patterns"
)

// Sentinel errors for coordinator operations.
var (
	// ErrInvalidChange is returned when a change payload lacks the
	// required "type" field.
	ErrInvalidChange = errors.New("invalid change payload")

	// ErrInvalidPattern is returned by RecordPattern for an empty pattern.
	ErrInvalidPattern = errors.New("invalid pattern")

	// ErrConsensusTimeout is returned by AwaitConsensus when no decision
	// arrived within the caller's timeout. The proposal stays in
	// sent_for_consensus; a late decision is still applied.
	ErrConsensusTimeout = errors.New("consensus timeout")
)

// Decision is the outcome of a consensus round. Rejection is a normal
// outcome, not an error, and is distinguishable from a timeout.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// ConsensusRequest is the message published to the consensus-requests
// queue when a proposal needs a fleet-wide vote.
type ConsensusRequest struct {
	ProposalID    string         `json:"proposal_id"`
	Change        map[string]any `json:"change"`
	SafetyProfile safety.Profile `json:"safety_profile"`
}

// ConsensusResponse is the message the voting mechanism publishes back on
// the consensus-responses queue.
type ConsensusResponse struct {
	ProposalID     string            `json:"proposal_id"`
	Decision       Decision          `json:"decision"`
	Votes          map[string]string `json:"votes,omitempty"`
	ConsensusScore float64           `json:"consensus_score"`
}

// PatternEvent is the fire-and-forget message carrying a learned pattern
// to the fleet-learning side.
type PatternEvent struct {
	AgentType string         `json:"agent_type"`
	Category  string         `json:"category"`
	Pattern   map[string]any `json:"pattern"`
}
