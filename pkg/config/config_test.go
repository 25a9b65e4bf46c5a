// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Fleet.MinSampleThreshold != 100 {
		t.Errorf("MinSampleThreshold = %d, want 100", cfg.Fleet.MinSampleThreshold)
	}
	if cfg.Fleet.SuppressionEpsilon != 0.1 {
		t.Errorf("SuppressionEpsilon = %v, want 0.1", cfg.Fleet.SuppressionEpsilon)
	}
	if cfg.Fleet.ScoreClampMin != 0.0 || cfg.Fleet.ScoreClampMax != 5.0 {
		t.Errorf("clamp range = [%v, %v], want [0, 5]",
			cfg.Fleet.ScoreClampMin, cfg.Fleet.ScoreClampMax)
	}
	if cfg.Agent.MinDataPoints != 10 {
		t.Errorf("MinDataPoints = %d, want 10", cfg.Agent.MinDataPoints)
	}
	if cfg.Agent.ConsensusPollInterval() != 500*time.Millisecond {
		t.Errorf("ConsensusPollInterval = %v, want 500ms", cfg.Agent.ConsensusPollInterval())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config must validate, got %v", err)
	}
}

func TestLoad_FileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	body := []byte(`
fleet:
  batch_size: 1
  poll_interval_ms: 100
  min_sample_threshold: 5
agent:
  instance_id: test-7
`)
	if err := os.WriteFile(path, body, 0640); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Fleet.BatchSize != 1 {
		t.Errorf("BatchSize = %d, want 1", cfg.Fleet.BatchSize)
	}
	if cfg.Fleet.PollInterval() != 100*time.Millisecond {
		t.Errorf("PollInterval = %v, want 100ms", cfg.Fleet.PollInterval())
	}
	if cfg.Agent.InstanceID != "test-7" {
		t.Errorf("InstanceID = %q", cfg.Agent.InstanceID)
	}
	// Untouched fields keep defaults.
	if cfg.Fleet.SuppressionEpsilon != 0.1 {
		t.Errorf("SuppressionEpsilon = %v, want default 0.1", cfg.Fleet.SuppressionEpsilon)
	}
}

func TestLoad_EnvWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	if err := os.WriteFile(path, []byte("fleet:\n  batch_size: 4\n"), 0640); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FLEET_BATCH_SIZE", "8")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Fleet.BatchSize != 8 {
		t.Errorf("BatchSize = %d, want env override 8", cfg.Fleet.BatchSize)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero batch size", func(c *Config) { c.Fleet.BatchSize = 0 }},
		{"zero max errors", func(c *Config) { c.Fleet.MaxConsecutiveErrors = 0 }},
		{"empty clamp range", func(c *Config) { c.Fleet.ScoreClampMin = 5.0 }},
		{"negative epsilon", func(c *Config) { c.Fleet.SuppressionEpsilon = -0.1 }},
		{"zero data points", func(c *Config) { c.Agent.MinDataPoints = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
