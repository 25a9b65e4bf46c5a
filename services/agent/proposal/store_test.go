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
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianFleet/pkg/storage"
	"github.com/AleutianAI/AleutianFleet/services/agent/safety"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "fleet.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func newProposal(status Status) *Proposal {
	now := time.Now().UTC()
	return &Proposal{
		ID:        uuid.NewString(),
		AgentType: "refactor",
		AgentID:   "agent-7",
		Change:    map[string]any{"type": "rename", "target": "OldName"},
		SafetyProfile: safety.Profile{
			AgentType:      "refactor",
			ErrorThreshold: 0.1,
			NeedsConsensus: true,
			MaxBlastRadius: safety.BlastMedium,
			SuccessRate:    0.95,
			CostFactor:     1.0,
		},
		ImpactScore: 8,
		RiskScore:   2,
		Status:      status,
		CreatedAt:   now,
	}
}

func TestPriorityScore(t *testing.T) {
	p := newProposal(StatusPending)
	// (8 x 0.95) / (2 x 1) = 3.8
	if got := p.PriorityScore(); math.Abs(got-3.8) > 1e-9 {
		t.Errorf("PriorityScore() = %v, want 3.8", got)
	}

	p.RiskScore = 0
	if got := p.PriorityScore(); got != 0 {
		t.Errorf("PriorityScore() with zero risk = %v, want 0", got)
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusSentForConsensus, true},
		{StatusPending, StatusApplied, true},
		{StatusPending, StatusExecuting, false},
		{StatusSentForConsensus, StatusConsensusReached, true},
		{StatusSentForConsensus, StatusConsensusFailed, true},
		{StatusSentForConsensus, StatusApplied, false},
		{StatusConsensusReached, StatusExecuting, true},
		{StatusExecuting, StatusApplied, true},
		{StatusExecuting, StatusFailed, true},
		// Rollback from any non-terminal state.
		{StatusPending, StatusRolledBack, true},
		{StatusSentForConsensus, StatusRolledBack, true},
		{StatusExecuting, StatusRolledBack, true},
		// Never out of a terminal state.
		{StatusApplied, StatusRolledBack, false},
		{StatusConsensusFailed, StatusRolledBack, false},
		{StatusRolledBack, StatusPending, false},
		{StatusApplied, StatusExecuting, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestStore_InsertAndGet(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	p := newProposal(StatusPending)
	if err := s.Insert(ctx, p); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	got, err := s.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("status = %s", got.Status)
	}
	if got.Change["type"] != "rename" {
		t.Errorf("change = %v", got.Change)
	}
	if got.SafetyProfile.SuccessRate != 0.95 {
		t.Errorf("profile = %+v", got.SafetyProfile)
	}
	if _, ok := got.Transitions[StatusPending]; !ok {
		t.Error("creation transition timestamp missing")
	}
}

func TestStore_Get_NotFound(t *testing.T) {
	s := openStore(t)
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestStore_Transition_EnforcesMachine(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	p := newProposal(StatusPending)
	if err := s.Insert(ctx, p); err != nil {
		t.Fatal(err)
	}

	// pending -> executing is not legal.
	err := s.Transition(ctx, p.ID, StatusExecuting)
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("Transition() error = %v, want ErrIllegalTransition", err)
	}

	// Full consensus path.
	for _, to := range []Status{
		StatusSentForConsensus, StatusConsensusReached, StatusExecuting, StatusApplied,
	} {
		if err := s.Transition(ctx, p.ID, to); err != nil {
			t.Fatalf("Transition(%s) error = %v", to, err)
		}
	}

	got, err := s.Get(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusApplied {
		t.Errorf("status = %s, want applied", got.Status)
	}
	for _, st := range []Status{StatusSentForConsensus, StatusConsensusReached, StatusExecuting, StatusApplied} {
		if _, ok := got.Transitions[st]; !ok {
			t.Errorf("transition timestamp for %s missing", st)
		}
	}

	// Terminal states admit nothing.
	if err := s.Transition(ctx, p.ID, StatusExecuting); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("transition out of applied: error = %v", err)
	}
}

func TestStore_RecordVotes(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	p := newProposal(StatusPending)
	if err := s.Insert(ctx, p); err != nil {
		t.Fatal(err)
	}
	if err := s.Transition(ctx, p.ID, StatusSentForConsensus); err != nil {
		t.Fatal(err)
	}

	votes := map[string]string{"instance-a": "approved", "instance-b": "rejected"}
	if err := s.RecordVotes(ctx, p.ID, StatusConsensusReached, votes); err != nil {
		t.Fatalf("RecordVotes() error = %v", err)
	}

	got, err := s.Get(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ConsensusVotes["instance-a"] != "approved" {
		t.Errorf("votes = %v", got.ConsensusVotes)
	}
}

func TestStore_RecordRollback_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	p := newProposal(StatusPending)
	if err := s.Insert(ctx, p); err != nil {
		t.Fatal(err)
	}
	if err := s.Transition(ctx, p.ID, StatusSentForConsensus); err != nil {
		t.Fatal(err)
	}

	if err := s.RecordRollback(ctx, p.ID, "regression detected"); err != nil {
		t.Fatalf("RecordRollback() error = %v", err)
	}
	// Second call is a no-op success.
	if err := s.RecordRollback(ctx, p.ID, "different reason"); err != nil {
		t.Fatalf("repeat RecordRollback() error = %v", err)
	}

	got, err := s.Get(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusRolledBack {
		t.Errorf("status = %s", got.Status)
	}
	if got.RollbackReason != "regression detected" {
		t.Errorf("rollback_reason = %q, first reason must stick", got.RollbackReason)
	}
}

func TestStore_RecordRollback_ForcesFromApplied(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	p := newProposal(StatusPending)
	if err := s.Insert(ctx, p); err != nil {
		t.Fatal(err)
	}
	if err := s.Transition(ctx, p.ID, StatusApplied); err != nil {
		t.Fatal(err)
	}

	// Reverting an applied change is the primary rollback use-case.
	if err := s.RecordRollback(ctx, p.ID, "error rate regressed"); err != nil {
		t.Fatalf("RecordRollback() on applied: error = %v", err)
	}

	got, err := s.Get(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusRolledBack {
		t.Errorf("status = %s, want rolled_back", got.Status)
	}
	if got.RollbackReason != "error rate regressed" {
		t.Errorf("rollback_reason = %q", got.RollbackReason)
	}
	if _, ok := got.Transitions[StatusRolledBack]; !ok {
		t.Error("rolled_back transition timestamp missing")
	}
}

func TestStore_ListByStatus(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	for i := 0; i < 3; i++ {
		p := newProposal(StatusPending)
		p.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		if err := s.Insert(ctx, p); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListByStatus(ctx, StatusPending, 2)
	if err != nil {
		t.Fatalf("ListByStatus() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].CreatedAt.Before(got[1].CreatedAt) {
		t.Error("expected newest first")
	}
}
