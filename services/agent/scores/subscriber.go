// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scores keeps the instance-local routing score cache in sync
// with fleet-published score updates.
package scores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/AleutianAI/AleutianFleet/pkg/logging"
	"github.com/AleutianAI/AleutianFleet/pkg/queue"
	"github.com/AleutianAI/AleutianFleet/services/fleet/learn"
)

// Subscriber drains this instance's score-update queue into a local cache.
//
// # Description
//
// Delivery from the fleet side is at-least-once, so Apply must be
// idempotent: re-applying the same event overwrites the cached score with
// the same value rather than accumulating.
//
// # Thread Safety
//
// Safe for concurrent use.
type Subscriber struct {
	queueName    string
	queue        queue.Queue
	cache        *gocache.Cache
	defaultScore float64
	logger       *logging.Logger
	pollInterval time.Duration
	batchSize    int
}

// NewSubscriber creates a subscriber for one instance's update queue.
//
// # Inputs
//
//   - queueName: Usually "<prefix>.<instance_id>".
//   - defaultScore: Returned for pairs with no learned score yet.
func NewSubscriber(queueName string, q queue.Queue, defaultScore float64, pollInterval time.Duration, logger *logging.Logger) *Subscriber {
	if logger == nil {
		logger = logging.Default()
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Subscriber{
		queueName:    queueName,
		queue:        q,
		cache:        gocache.New(gocache.NoExpiration, 10*time.Minute),
		defaultScore: defaultScore,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    16,
	}
}

func cacheKey(model, complexity string) string {
	return model + "|" + complexity
}

// Apply stores one score update. Idempotent overwrite.
func (s *Subscriber) Apply(ev learn.ScoreUpdateEvent) {
	s.cache.Set(cacheKey(ev.Model, ev.Complexity), ev.NewScore, gocache.NoExpiration)
	s.logger.Info("routing score updated",
		"model", ev.Model,
		"complexity", ev.Complexity,
		"old_score", ev.OldScore,
		"new_score", ev.NewScore,
		"reason", ev.Reason)
}

// Score returns the cached score for (model, complexity), or the default
// when no update has arrived yet. The second return reports which it was.
func (s *Subscriber) Score(model, complexity string) (float64, bool) {
	if v, ok := s.cache.Get(cacheKey(model, complexity)); ok {
		return v.(float64), true
	}
	return s.defaultScore, false
}

// Run polls the update queue until ctx is canceled.
func (s *Subscriber) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.logger.Info("score subscriber started", "queue", s.queueName)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("score subscriber stopped", "queue", s.queueName)
			return ctx.Err()
		case <-ticker.C:
			s.drain(ctx)
		}
	}
}

func (s *Subscriber) drain(ctx context.Context) {
	deliveries, err := s.queue.Dequeue(ctx, s.queueName, s.batchSize)
	if err != nil {
		s.logger.Warn("score update dequeue failed",
			"queue", s.queueName, "error", err.Error())
		return
	}
	for _, d := range deliveries {
		var ev learn.ScoreUpdateEvent
		if err := json.Unmarshal(d.Body, &ev); err != nil {
			s.logger.Warn("dropping malformed score update", "error", err.Error())
		} else if ev.Model == "" || ev.Complexity == "" {
			s.logger.Warn("dropping score update without model/complexity")
		} else {
			s.Apply(ev)
		}
		if err := s.queue.Ack(ctx, s.queueName, d.AckToken); err != nil {
			s.logger.Warn("score update ack failed", "error", err.Error())
		}
	}
}

// QueueName formats the per-instance update queue name.
func QueueName(prefix, instanceID string) string {
	return fmt.Sprintf("%s.%s", prefix, instanceID)
}
