// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config holds runtime configuration for the agent and fleet daemons.
//
// Every tunable the control loops depend on is a field here with a default,
// never a compile-time constant: poll cadence, batch sizes, learning
// thresholds, clamp bounds, and timeouts all vary per deployment.
//
// Configuration is resolved in three layers, later layers winning:
//
//  1. DefaultConfig()
//  2. the YAML file passed to Load (if any)
//  3. FLEET_* environment variables for deploy-time overrides
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration shared by agentd and fleetd.
type Config struct {
	Logging  LoggingConfig  `yaml:"logging"`
	Queue    QueueConfig    `yaml:"queue"`
	Storage  StorageConfig  `yaml:"storage"`
	Agent    AgentConfig    `yaml:"agent"`
	Fleet    FleetConfig    `yaml:"fleet"`
	HTTPPort int            `yaml:"http_port"`
}

// LoggingConfig mirrors pkg/logging.Config for the YAML surface.
type LoggingConfig struct {
	Level  string `yaml:"level"`   // debug, info, warn, error
	LogDir string `yaml:"log_dir"` // empty disables file logging
	JSON   bool   `yaml:"json"`
	Quiet  bool   `yaml:"quiet"`
}

// QueueConfig selects and configures the durable queue backend.
type QueueConfig struct {
	// Backend is "badger" (embedded, default), "nats" (JetStream), or
	// "memory" (tests only).
	Backend string `yaml:"backend"`

	// Path is the BadgerDB directory for the badger backend.
	Path string `yaml:"path"`

	// NATSURL is the server URL for the nats backend.
	NATSURL string `yaml:"nats_url"`

	// VisibilityTimeoutMS is how long a dequeued message stays invisible
	// before it is eligible for redelivery (at-least-once semantics).
	VisibilityTimeoutMS int `yaml:"visibility_timeout_ms"`
}

// StorageConfig configures the relational store.
type StorageConfig struct {
	// Path is the sqlite database file. ":memory:" is accepted for tests.
	Path string `yaml:"path"`
}

// AgentConfig holds instance-side settings.
type AgentConfig struct {
	// InstanceID identifies this instance on the per-instance update queue.
	InstanceID string `yaml:"instance_id"`

	// ConsensusTimeoutMS bounds AwaitConsensus. Default 30s.
	ConsensusTimeoutMS int `yaml:"consensus_timeout_ms"`

	// ConsensusPollIntervalMS is the inbox poll cadence inside
	// AwaitConsensus. Default 500ms.
	ConsensusPollIntervalMS int `yaml:"consensus_poll_interval_ms"`

	// MetricsBufferCapacity is the hard cap on buffered agent metrics;
	// overflow drops oldest entries with a warning. Default 10000.
	MetricsBufferCapacity int `yaml:"metrics_buffer_capacity"`

	// MetricsFlushIntervalMS is the reporter flush cadence. Default 10s.
	MetricsFlushIntervalMS int `yaml:"metrics_flush_interval_ms"`

	// MinDataPoints is the minimum historical runs before a validation
	// check participates in weighting. Default 10.
	MinDataPoints int `yaml:"min_data_points"`

	// ProfilesFile optionally points at a YAML file of safety profiles
	// loaded at startup and hot-reloaded on change.
	ProfilesFile string `yaml:"profiles_file"`

	// ScorePollIntervalMS is the score-update subscriber poll cadence.
	// Default 2s.
	ScorePollIntervalMS int `yaml:"score_poll_interval_ms"`
}

// FleetConfig holds fleet-side loop settings.
type FleetConfig struct {
	// PollIntervalMS is the routing-event consumer cadence. Default 3s.
	PollIntervalMS int `yaml:"poll_interval_ms"`

	// BatchSize is the max messages drained per consumer tick. Always
	// operator-configurable; both batch=1 and batch>1 are supported paths.
	BatchSize int `yaml:"batch_size"`

	// MaxConsecutiveErrors halts the consumer once exceeded. Default 10.
	MaxConsecutiveErrors int `yaml:"max_consecutive_errors"`

	// LearnIntervalMS is the score learner cadence. Default 60s.
	LearnIntervalMS int `yaml:"learn_interval_ms"`

	// MinSampleThreshold is the usage count below which a (model,
	// complexity) pair is skipped by the learner. Default 100.
	MinSampleThreshold int `yaml:"min_sample_threshold"`

	// ScoreClampMin/Max bound every learned score. Default [0.0, 5.0].
	ScoreClampMin float64 `yaml:"score_clamp_min"`
	ScoreClampMax float64 `yaml:"score_clamp_max"`

	// SuppressionEpsilon suppresses score updates whose absolute delta
	// does not exceed it. Default 0.1.
	SuppressionEpsilon float64 `yaml:"suppression_epsilon"`

	// DefaultModelScore seeds scores for never-adjusted pairs. Default 2.5.
	DefaultModelScore float64 `yaml:"default_model_score"`

	// InstanceQueuePrefix prefixes per-instance score-update queues.
	// Default "score-updates".
	InstanceQueuePrefix string `yaml:"instance_queue_prefix"`
}

// DefaultConfig returns the documented defaults for every tunable.
func DefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{Level: "info"},
		Queue: QueueConfig{
			Backend:             "badger",
			Path:                "data/queues",
			VisibilityTimeoutMS: 30000,
		},
		Storage: StorageConfig{Path: "data/fleet.db"},
		Agent: AgentConfig{
			InstanceID:              "instance-1",
			ConsensusTimeoutMS:      30000,
			ConsensusPollIntervalMS: 500,
			MetricsBufferCapacity:   10000,
			MetricsFlushIntervalMS:  10000,
			MinDataPoints:           10,
			ScorePollIntervalMS:     2000,
		},
		Fleet: FleetConfig{
			PollIntervalMS:       3000,
			BatchSize:            16,
			MaxConsecutiveErrors: 10,
			LearnIntervalMS:      60000,
			MinSampleThreshold:   100,
			ScoreClampMin:        0.0,
			ScoreClampMax:        5.0,
			SuppressionEpsilon:   0.1,
			DefaultModelScore:    2.5,
			InstanceQueuePrefix:  "score-updates",
		},
		HTTPPort: 12310,
	}
}

// Load resolves configuration from defaults, an optional YAML file, and
// FLEET_* environment variables, in that order.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the control loops cannot run with.
func (c Config) Validate() error {
	if c.Fleet.BatchSize < 1 {
		return fmt.Errorf("fleet.batch_size must be >= 1, got %d", c.Fleet.BatchSize)
	}
	if c.Fleet.MaxConsecutiveErrors < 1 {
		return fmt.Errorf("fleet.max_consecutive_errors must be >= 1, got %d", c.Fleet.MaxConsecutiveErrors)
	}
	if c.Fleet.ScoreClampMin >= c.Fleet.ScoreClampMax {
		return fmt.Errorf("fleet score clamp range [%v, %v] is empty",
			c.Fleet.ScoreClampMin, c.Fleet.ScoreClampMax)
	}
	if c.Fleet.SuppressionEpsilon < 0 {
		return fmt.Errorf("fleet.suppression_epsilon must be >= 0, got %v", c.Fleet.SuppressionEpsilon)
	}
	if c.Agent.MinDataPoints < 1 {
		return fmt.Errorf("agent.min_data_points must be >= 1, got %d", c.Agent.MinDataPoints)
	}
	if c.Agent.ConsensusPollIntervalMS < 1 {
		return fmt.Errorf("agent.consensus_poll_interval_ms must be >= 1, got %d",
			c.Agent.ConsensusPollIntervalMS)
	}
	return nil
}

// Duration helpers keep millisecond YAML fields ergonomic at call sites.

// PollInterval returns the consumer cadence as a time.Duration.
func (c FleetConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// LearnInterval returns the learner cadence as a time.Duration.
func (c FleetConfig) LearnInterval() time.Duration {
	return time.Duration(c.LearnIntervalMS) * time.Millisecond
}

// ConsensusTimeout returns the AwaitConsensus bound as a time.Duration.
func (c AgentConfig) ConsensusTimeout() time.Duration {
	return time.Duration(c.ConsensusTimeoutMS) * time.Millisecond
}

// ConsensusPollInterval returns the inbox poll cadence as a time.Duration.
func (c AgentConfig) ConsensusPollInterval() time.Duration {
	return time.Duration(c.ConsensusPollIntervalMS) * time.Millisecond
}

// MetricsFlushInterval returns the reporter flush cadence as a time.Duration.
func (c AgentConfig) MetricsFlushInterval() time.Duration {
	return time.Duration(c.MetricsFlushIntervalMS) * time.Millisecond
}

// ScorePollInterval returns the subscriber poll cadence as a time.Duration.
func (c AgentConfig) ScorePollInterval() time.Duration {
	return time.Duration(c.ScorePollIntervalMS) * time.Millisecond
}

// VisibilityTimeout returns the redelivery window as a time.Duration.
func (c QueueConfig) VisibilityTimeout() time.Duration {
	return time.Duration(c.VisibilityTimeoutMS) * time.Millisecond
}

// applyEnv overlays FLEET_* environment variables onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("FLEET_HTTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HTTPPort = n
		}
	}
	if v := os.Getenv("FLEET_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("FLEET_QUEUE_BACKEND"); v != "" {
		cfg.Queue.Backend = v
	}
	if v := os.Getenv("FLEET_QUEUE_PATH"); v != "" {
		cfg.Queue.Path = v
	}
	if v := os.Getenv("FLEET_NATS_URL"); v != "" {
		cfg.Queue.NATSURL = v
	}
	if v := os.Getenv("FLEET_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("FLEET_INSTANCE_ID"); v != "" {
		cfg.Agent.InstanceID = v
	}
	if v := os.Getenv("FLEET_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Fleet.BatchSize = n
		}
	}
	if v := os.Getenv("FLEET_POLL_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Fleet.PollIntervalMS = n
		}
	}
}
