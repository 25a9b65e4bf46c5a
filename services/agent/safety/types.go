// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package safety holds per-agent-type policy profiles.
//
// # Description
//
// A Profile controls how much risk an agent type is allowed to take when it
// proposes changes to itself: its error tolerance, whether fleet consensus
// is required before execution, the ceiling on blast radius, and whether a
// failed change rolls back automatically. Agent types without a registered
// profile get a conservative default.
//
// # Thread Safety
//
// Registry is safe for concurrent use after initialization.
package safety

import (
	"errors"
	"fmt"
)

// BlastRadius is the qualitative scope of a change's potential impact.
type BlastRadius string

const (
	BlastLow    BlastRadius = "low"
	BlastMedium BlastRadius = "medium"
	BlastHigh   BlastRadius = "high"
)

// Sentinel errors for profile operations.
var (
	// ErrInvalidProfile is returned when a profile fails validation.
	ErrInvalidProfile = errors.New("invalid safety profile")

	// ErrUnknownAgentType is returned by Update for an unregistered type.
	ErrUnknownAgentType = errors.New("unknown agent type")
)

// ValidationError carries the field-level reason a profile or change was
// rejected. It unwraps to ErrInvalidProfile so callers can match broadly.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidProfile }

// Profile is the policy attached to every proposal an agent type makes.
// The proposal snapshots the profile at creation time and never re-reads it.
type Profile struct {
	// AgentType keys the profile.
	AgentType string `json:"agent_type" yaml:"agent_type" validate:"required"`

	// ErrorThreshold is the tolerated error rate for this agent type.
	ErrorThreshold float64 `json:"error_threshold" yaml:"error_threshold" validate:"gte=0,lte=1"`

	// NeedsConsensus gates execution behind a fleet-wide vote.
	NeedsConsensus bool `json:"needs_consensus" yaml:"needs_consensus"`

	// MaxBlastRadius is the largest change scope this type may attempt.
	MaxBlastRadius BlastRadius `json:"max_blast_radius" yaml:"max_blast_radius" validate:"oneof=low medium high"`

	// AutoRollback reverts the change automatically when execution fails.
	AutoRollback bool `json:"auto_rollback" yaml:"auto_rollback"`

	// SuccessRate and CostFactor feed the proposal priority formula.
	SuccessRate float64 `json:"success_rate" yaml:"success_rate" validate:"gte=0,lte=1"`
	CostFactor  float64 `json:"cost_factor" yaml:"cost_factor" validate:"gt=0"`
}

// DefaultProfile is the conservative policy applied to unregistered agent
// types: tight error tolerance, no consensus round-trip, low blast radius.
func DefaultProfile(agentType string) Profile {
	return Profile{
		AgentType:      agentType,
		ErrorThreshold: 0.05,
		NeedsConsensus: false,
		MaxBlastRadius: BlastLow,
		AutoRollback:   true,
		SuccessRate:    0.9,
		CostFactor:     1.0,
	}
}
