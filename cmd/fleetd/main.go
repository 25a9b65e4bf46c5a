// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command fleetd runs the fleet-side learning loop: the routing-event
// consumer, the complexity score learner, the score update publisher,
// and the read-only ops API.
//
// # Usage
//
//	# Build
//	go build -o fleetd ./cmd/fleetd
//
//	# Run with a config file
//	./fleetd --config /etc/aleutian/fleet.yaml
//
// Configuration values can also be overridden through FLEET_* environment
// variables; see pkg/config.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianFleet/pkg/config"
	"github.com/AleutianAI/AleutianFleet/pkg/logging"
	"github.com/AleutianAI/AleutianFleet/pkg/queue"
	"github.com/AleutianAI/AleutianFleet/pkg/storage"
	"github.com/AleutianAI/AleutianFleet/services/fleet/analyze"
	"github.com/AleutianAI/AleutianFleet/services/fleet/consume"
	"github.com/AleutianAI/AleutianFleet/services/fleet/learn"
	"github.com/AleutianAI/AleutianFleet/services/fleet/publish"
	"github.com/AleutianAI/AleutianFleet/services/fleet/routes"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:          "fleetd",
		Short:        "Fleet-side learning loop and ops API",
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

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.LogDir,
		Service: "fleetd",
		JSON:    cfg.Logging.JSON,
		Quiet:   cfg.Logging.Quiet,
	})
	defer logger.Close()

	shutdownTracing, err := initTracing()
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing()

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

	store := storage.NewFleetStore(db)
	analyzer := analyze.NewAnalyzer(256, logger.With("component", "analyzer"))
	updater := publish.NewUpdater(cfg.Fleet.InstanceQueuePrefix, q, 256,
		logger.With("component", "publisher"))
	consumer := consume.NewConsumer(store, q, analyzer, updater,
		logger.With("component", "consumer"), consume.Options{
			PollInterval:         cfg.Fleet.PollInterval(),
			BatchSize:            cfg.Fleet.BatchSize,
			MaxConsecutiveErrors: cfg.Fleet.MaxConsecutiveErrors,
		})
	learner := learn.NewLearner(store, updater,
		logger.With("component", "learner"), learn.Options{
			Interval:           cfg.Fleet.LearnInterval(),
			MinSampleThreshold: int64(cfg.Fleet.MinSampleThreshold),
			ClampMin:           cfg.Fleet.ScoreClampMin,
			ClampMax:           cfg.Fleet.ScoreClampMax,
			SuppressionEpsilon: cfg.Fleet.SuppressionEpsilon,
			DefaultScore:       cfg.Fleet.DefaultModelScore,
		})

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	routes.SetupRoutes(router, store, analyzer, updater)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("fleetd starting",
		"http_port", cfg.HTTPPort,
		"queue_backend", cfg.Queue.Backend,
		"storage_path", cfg.Storage.Path)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(ctx) })
	g.Go(func() error { return learner.Run(ctx) })
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info("fleetd shut down")
		return nil
	}
	if err != nil {
		logger.Error("fleetd exited with error", "error", err.Error())
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

// initTracing installs a stdout span exporter. A collector endpoint can
// replace this without touching the instrumented code.
func initTracing() (func(), error) {
	exporter, err := stdouttrace.New()
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}, nil
}
