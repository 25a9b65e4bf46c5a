// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package publish fans score updates out to per-instance queues.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/AleutianAI/AleutianFleet/pkg/logging"
	"github.com/AleutianAI/AleutianFleet/pkg/queue"
	"github.com/AleutianAI/AleutianFleet/services/fleet/learn"
	"github.com/AleutianAI/AleutianFleet/services/fleet/observability"
)

// Updater publishes each ScoreUpdateEvent onto every known instance's
// update queue.
//
// # Description
//
// The instance set is learned from the routing-decision stream: the
// consumer calls Observe with each event's instance id. Delivery to the
// instances is at-least-once; subscribers apply events as idempotent
// overwrites, so a duplicate is harmless. A bounded ring of recently
// published events is kept for the ops API.
//
// # Thread Safety
//
// Safe for concurrent use.
type Updater struct {
	queuePrefix string
	queue       queue.Queue
	logger      *logging.Logger
	capacity    int

	mu        sync.RWMutex
	instances map[string]struct{}
	ring      []learn.ScoreUpdateEvent
}

// NewUpdater creates an updater publishing to "<queuePrefix>.<instance>".
func NewUpdater(queuePrefix string, q queue.Queue, ringCapacity int, logger *logging.Logger) *Updater {
	if logger == nil {
		logger = logging.Default()
	}
	if ringCapacity <= 0 {
		ringCapacity = 256
	}
	return &Updater{
		queuePrefix: queuePrefix,
		queue:       q,
		logger:      logger,
		capacity:    ringCapacity,
		instances:   make(map[string]struct{}),
	}
}

// Observe registers an instance as a fan-out target.
func (u *Updater) Observe(instanceID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.instances[instanceID]; !ok {
		u.instances[instanceID] = struct{}{}
		u.logger.Info("instance registered for score updates", "instance_id", instanceID)
	}
}

// Instances lists the known fan-out targets, sorted.
func (u *Updater) Instances() []string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]string, 0, len(u.instances))
	for id := range u.instances {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Publish sends one event to every known instance queue. A partial
// fan-out failure is returned after attempting all remaining instances.
func (u *Updater) Publish(ctx context.Context, ev learn.ScoreUpdateEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode score update: %w", err)
	}

	var firstErr error
	for _, id := range u.Instances() {
		name := fmt.Sprintf("%s.%s", u.queuePrefix, id)
		if err := u.queue.Enqueue(ctx, name, body); err != nil {
			u.logger.Warn("score update delivery failed",
				"instance_id", id, "queue", name, "error", err.Error())
			if firstErr == nil {
				firstErr = fmt.Errorf("deliver to %s: %w", id, err)
			}
			continue
		}
		observability.RecordEventPublished()
	}

	u.mu.Lock()
	u.ring = append(u.ring, ev)
	if overflow := len(u.ring) - u.capacity; overflow > 0 {
		u.ring = u.ring[overflow:]
	}
	u.mu.Unlock()
	return firstErr
}

// Recent returns up to n published events, newest first.
func (u *Updater) Recent(n int) []learn.ScoreUpdateEvent {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if n <= 0 || n > len(u.ring) {
		n = len(u.ring)
	}
	out := make([]learn.ScoreUpdateEvent, n)
	for i := 0; i < n; i++ {
		out[i] = u.ring[len(u.ring)-1-i]
	}
	return out
}
