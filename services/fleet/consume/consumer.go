// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package consume drains routing-decision events into the fleet store.
package consume

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianFleet/pkg/logging"
	"github.com/AleutianAI/AleutianFleet/pkg/queue"
	"github.com/AleutianAI/AleutianFleet/pkg/storage"
	"github.com/AleutianAI/AleutianFleet/services/fleet/analyze"
	"github.com/AleutianAI/AleutianFleet/services/fleet/observability"
)

// QueueRoutingDecisions carries routing-decision events from instances.
const QueueRoutingDecisions = "routing-decisions"

// ErrConsumerHalted is returned by Run after max consecutive errors.
var ErrConsumerHalted = errors.New("consumer halted after repeated errors")

// DecisionEvent is the wire shape of one routing decision.
type DecisionEvent struct {
	InstanceID     string    `json:"instance_id"`
	Complexity     string    `json:"complexity"`
	Model          string    `json:"model"`
	Provider       string    `json:"provider"`
	Score          float64   `json:"score"`
	Outcome        string    `json:"outcome"`
	ResponseTimeMS *int64    `json:"response_time_ms,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// InstanceObserver learns which instances exist from the event stream.
// The publisher implements it to know where to fan score updates out to.
type InstanceObserver interface {
	Observe(instanceID string)
}

// Options tunes the consumer loop.
type Options struct {
	PollInterval         time.Duration
	BatchSize            int
	MaxConsecutiveErrors int
}

// Consumer drains the routing-decision queue into the fleet store and
// feeds each updated aggregate to the performance analyzer.
//
// # Description
//
// One consumer owns the queue; processing within a poll tick is
// sequential, which is what keeps the incremental-mean update safe. The
// loop never crashes on a bad message: failures are counted, and after
// MaxConsecutiveErrors in a row the consumer halts and surfaces
// ErrConsumerHalted instead of retrying a poisoned input forever.
type Consumer struct {
	store    *storage.FleetStore
	queue    queue.Queue
	analyzer *analyze.Analyzer
	observer InstanceObserver
	logger   *logging.Logger
	opts     Options

	mu                sync.Mutex
	consecutiveErrors int
	processedTotal    uint64
}

// NewConsumer creates a consumer. analyzer and observer may be nil.
func NewConsumer(
	store *storage.FleetStore,
	q queue.Queue,
	analyzer *analyze.Analyzer,
	observer InstanceObserver,
	logger *logging.Logger,
	opts Options,
) *Consumer {
	if logger == nil {
		logger = logging.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 3 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 16
	}
	if opts.MaxConsecutiveErrors <= 0 {
		opts.MaxConsecutiveErrors = 10
	}
	return &Consumer{
		store:    store,
		queue:    q,
		analyzer: analyzer,
		observer: observer,
		logger:   logger,
		opts:     opts,
	}
}

// Run polls until ctx is canceled or the error budget is exhausted.
func (c *Consumer) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	c.logger.Info("routing event consumer started",
		"poll_interval", c.opts.PollInterval.String(),
		"batch_size", c.opts.BatchSize)
	observability.SetConsumerHalted(false)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("routing event consumer stopped")
			return ctx.Err()
		case <-ticker.C:
			if halted := c.pollOnce(ctx); halted {
				observability.SetConsumerHalted(true)
				c.logger.Error("routing event consumer halted",
					"consecutive_errors", c.ConsecutiveErrors(),
					"max_consecutive_errors", c.opts.MaxConsecutiveErrors)
				return ErrConsumerHalted
			}
		}
	}
}

// pollOnce drains one batch. Returns true when the consumer must halt.
func (c *Consumer) pollOnce(ctx context.Context) bool {
	deliveries, err := c.queue.Dequeue(ctx, QueueRoutingDecisions, c.opts.BatchSize)
	if err != nil {
		return c.recordFailure("dequeue failed", err)
	}

	for _, d := range deliveries {
		if err := c.process(ctx, d.Body); err != nil {
			// Left unacked for redelivery; the error budget bounds how
			// long a poisoned message can churn.
			if c.recordFailure("message processing failed", err) {
				return true
			}
			continue
		}
		if err := c.queue.Ack(ctx, QueueRoutingDecisions, d.AckToken); err != nil {
			c.logger.Warn("ack failed", "error", err.Error())
		}
		c.recordSuccess()
	}
	return false
}

func (c *Consumer) process(ctx context.Context, body []byte) error {
	var ev DecisionEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("decode decision event: %w", err)
	}
	if ev.Model == "" || ev.Complexity == "" {
		return fmt.Errorf("decision event missing model/complexity")
	}

	agg, err := c.store.ApplyDecision(ctx, storage.RoutingDecision{
		InstanceID:     ev.InstanceID,
		Complexity:     ev.Complexity,
		Model:          ev.Model,
		Provider:       ev.Provider,
		Score:          ev.Score,
		Outcome:        storage.Outcome(ev.Outcome),
		ResponseTimeMS: ev.ResponseTimeMS,
		RecordedAt:     ev.Timestamp,
	})
	if err != nil {
		return err
	}
	observability.RecordDecisionConsumed(ev.Outcome)

	if c.observer != nil && ev.InstanceID != "" {
		c.observer.Observe(ev.InstanceID)
	}
	// Fire and forget: advisories never fail the message.
	if c.analyzer != nil {
		for _, adv := range c.analyzer.Inspect(agg) {
			observability.RecordAdvisory(adv.Kind)
		}
	}
	return nil
}

func (c *Consumer) recordFailure(msg string, err error) (halt bool) {
	observability.RecordConsumeFailure()
	c.mu.Lock()
	c.consecutiveErrors++
	n := c.consecutiveErrors
	c.mu.Unlock()
	c.logger.Warn(msg, "error", err.Error(), "consecutive_errors", n)
	return n >= c.opts.MaxConsecutiveErrors
}

func (c *Consumer) recordSuccess() {
	c.mu.Lock()
	c.consecutiveErrors = 0
	c.processedTotal++
	c.mu.Unlock()
}

// ConsecutiveErrors reports the current failure streak.
func (c *Consumer) ConsecutiveErrors() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consecutiveErrors
}

// Processed reports the total successfully processed messages.
func (c *Consumer) Processed() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.processedTotal
}
