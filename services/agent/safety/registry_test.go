// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package safety

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validProfile() Profile {
	return Profile{
		AgentType:      "refactor",
		ErrorThreshold: 0.10,
		NeedsConsensus: true,
		MaxBlastRadius: BlastMedium,
		AutoRollback:   true,
		SuccessRate:    0.92,
		CostFactor:     1.5,
	}
}

func TestRegistry_GetReturnsDefault(t *testing.T) {
	r := NewRegistry(nil)

	p, registered := r.Get("never-seen")
	if registered {
		t.Fatal("expected unregistered agent type")
	}
	if p.AgentType != "never-seen" {
		t.Errorf("default profile agent_type = %q", p.AgentType)
	}
	if p.ErrorThreshold != 0.05 {
		t.Errorf("default error_threshold = %v, want 0.05", p.ErrorThreshold)
	}
	if p.NeedsConsensus {
		t.Error("default profile must not require consensus")
	}
	if p.MaxBlastRadius != BlastLow {
		t.Errorf("default blast radius = %q, want low", p.MaxBlastRadius)
	}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry(nil)

	if err := r.Register(validProfile()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	p, registered := r.Get("refactor")
	if !registered {
		t.Fatal("expected registered profile")
	}
	if !p.NeedsConsensus || p.MaxBlastRadius != BlastMedium {
		t.Errorf("got profile %+v", p)
	}
}

func TestRegistry_RejectsOutOfRangeThreshold(t *testing.T) {
	r := NewRegistry(nil)

	for _, bad := range []float64{-0.01, 1.01} {
		p := validProfile()
		p.ErrorThreshold = bad
		err := r.Register(p)
		if !errors.Is(err, ErrInvalidProfile) {
			t.Errorf("error_threshold=%v: error = %v, want ErrInvalidProfile", bad, err)
		}
		var verr *ValidationError
		if !errors.As(err, &verr) || verr.Field != "ErrorThreshold" {
			t.Errorf("error_threshold=%v: error = %v, want field ErrorThreshold", bad, err)
		}
	}
}

func TestRegistry_RejectsBadBlastRadius(t *testing.T) {
	r := NewRegistry(nil)

	p := validProfile()
	p.MaxBlastRadius = "catastrophic"
	if err := r.Register(p); !errors.Is(err, ErrInvalidProfile) {
		t.Errorf("Register() error = %v, want ErrInvalidProfile", err)
	}
}

func TestRegistry_UpdateRequiresExisting(t *testing.T) {
	r := NewRegistry(nil)

	if err := r.Update(validProfile()); !errors.Is(err, ErrUnknownAgentType) {
		t.Fatalf("Update() error = %v, want ErrUnknownAgentType", err)
	}

	if err := r.Register(validProfile()); err != nil {
		t.Fatal(err)
	}
	p := validProfile()
	p.ErrorThreshold = 0.2
	if err := r.Update(p); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	got, _ := r.Get("refactor")
	if got.ErrorThreshold != 0.2 {
		t.Errorf("error_threshold = %v after update", got.ErrorThreshold)
	}
}

const profilesYAML = `profiles:
  - agent_type: refactor
    error_threshold: 0.10
    needs_consensus: true
    max_blast_radius: medium
    auto_rollback: true
    success_rate: 0.92
    cost_factor: 1.5
  - agent_type: docs
    error_threshold: 0.25
    needs_consensus: false
    max_blast_radius: low
    success_rate: 0.99
    cost_factor: 0.5
`

func TestRegistry_LoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	if err := os.WriteFile(path, []byte(profilesYAML), 0644); err != nil {
		t.Fatal(err)
	}

	r := NewRegistry(nil)
	if err := r.LoadFile(path); err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if got := len(r.AgentTypes()); got != 2 {
		t.Errorf("registered types = %d, want 2", got)
	}
	p, registered := r.Get("docs")
	if !registered || p.CostFactor != 0.5 {
		t.Errorf("docs profile = %+v, registered = %v", p, registered)
	}
}

func TestRegistry_LoadFile_InvalidEntryAborts(t *testing.T) {
	bad := `profiles:
  - agent_type: ok
    error_threshold: 0.1
    max_blast_radius: low
    success_rate: 0.9
    cost_factor: 1.0
  - agent_type: broken
    error_threshold: 7.0
    max_blast_radius: low
    success_rate: 0.9
    cost_factor: 1.0
`
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	if err := os.WriteFile(path, []byte(bad), 0644); err != nil {
		t.Fatal(err)
	}

	r := NewRegistry(nil)
	if err := r.LoadFile(path); err == nil {
		t.Fatal("LoadFile() accepted an out-of-range threshold")
	}
	if _, registered := r.Get("ok"); registered {
		t.Error("a failed load must not register any profile")
	}
}

func TestRegistry_WatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	if err := os.WriteFile(path, []byte(profilesYAML), 0644); err != nil {
		t.Fatal(err)
	}

	r := NewRegistry(nil)
	if err := r.LoadFile(path); err != nil {
		t.Fatal(err)
	}
	if err := r.Watch(path); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	defer r.Close()

	updated := `profiles:
  - agent_type: refactor
    error_threshold: 0.33
    needs_consensus: false
    max_blast_radius: high
    success_rate: 0.8
    cost_factor: 2.0
`
	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p, _ := r.Get("refactor"); p.ErrorThreshold == 0.33 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("profile was not reloaded after file change")
}
