// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command agentd runs the instance-side loops: the consensus response
// pump for the change coordinator, the metrics reporter flush loop, and
// the score update subscriber that keeps the local routing cache fresh.
//
// # Usage
//
//	go build -o agentd ./cmd/agentd
//	./agentd --config /etc/aleutian/agent.yaml
//
// The agent embedding this daemon drives proposals through the
// coordinator; agentd keeps the background machinery running.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianFleet/pkg/config"
	"github.com/AleutianAI/AleutianFleet/pkg/logging"
	"github.com/AleutianAI/AleutianFleet/pkg/queue"
	"github.com/AleutianAI/AleutianFleet/pkg/storage"
	"github.com/AleutianAI/AleutianFleet/services/agent/coordinate"
	"github.com/AleutianAI/AleutianFleet/services/agent/metrics"
	"github.com/AleutianAI/AleutianFleet/services/agent/proposal"
	"github.com/AleutianAI/AleutianFleet/services/agent/safety"
	"github.com/AleutianAI/AleutianFleet/services/agent/scores"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:          "agentd",
		Short:        "Instance-side coordination and learning loops",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to YAML config file")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	instanceID := cfg.Agent.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.LogDir,
		Service: "agentd",
		JSON:    cfg.Logging.JSON,
		Quiet:   cfg.Logging.Quiet,
	})
	defer logger.Close()

	db, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	q, err := openQueue(cfg.Queue)
	if err != nil {
		return err
	}
	defer q.Close()

	registry := safety.NewRegistry(logger.With("component", "safety"))
	if cfg.Agent.ProfilesFile != "" {
		if err := registry.LoadFile(cfg.Agent.ProfilesFile); err != nil {
			return err
		}
		if err := registry.Watch(cfg.Agent.ProfilesFile); err != nil {
			logger.Warn("profile hot reload unavailable", "error", err.Error())
		}
		defer registry.Close()
	}

	coordinator := coordinate.NewCoordinator(
		proposal.NewStore(db), registry, q, nil,
		logger.With("component", "coordinator"),
		coordinate.Options{
			AwaitPollInterval: cfg.Agent.ConsensusPollInterval(),
		})
	reporter := metrics.NewReporter(instanceID, q, cfg.Agent.MetricsBufferCapacity,
		logger.With("component", "metrics"))
	subscriber := scores.NewSubscriber(
		scores.QueueName(cfg.Fleet.InstanceQueuePrefix, instanceID), q,
		cfg.Fleet.DefaultModelScore, cfg.Agent.ScorePollInterval(),
		logger.With("component", "scores"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("agentd starting",
		"instance_id", instanceID,
		"queue_backend", cfg.Queue.Backend,
		"storage_path", cfg.Storage.Path)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coordinator.Run(ctx) })
	g.Go(func() error { return reporter.Run(ctx, cfg.Agent.MetricsFlushInterval()) })
	g.Go(func() error { return subscriber.Run(ctx) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info("agentd shut down")
		return nil
	}
	if err != nil {
		logger.Error("agentd exited with error", "error", err.Error())
	}
	return err
}

// openQueue constructs the configured durable queue backend.
func openQueue(cfg config.QueueConfig) (queue.Queue, error) {
	switch cfg.Backend {
	case "badger", "":
		bc := queue.DefaultBadgerConfig(cfg.Path)
		bc.Visibility = cfg.VisibilityTimeout()
		return queue.OpenBadger(bc)
	case "nats":
		return queue.OpenNATS(queue.NATSConfig{
			URL:     cfg.NATSURL,
			AckWait: cfg.VisibilityTimeout(),
		})
	case "memory":
		return queue.NewMemoryQueue(cfg.VisibilityTimeout()), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}
