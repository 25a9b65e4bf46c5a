// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is an in-process Queue for tests. It honors the same
// visibility-window redelivery semantics as the durable backends so
// consumer tests exercise realistic at-least-once behavior.
type MemoryQueue struct {
	mu         sync.Mutex
	queues     map[string][]*memoryEntry
	visibility time.Duration
	closed     bool

	// now is swappable so tests can advance time deterministically.
	now func() time.Time
}

type memoryEntry struct {
	msg       Message
	token     string
	invisible time.Time // zero when the entry is available
}

// NewMemoryQueue creates a MemoryQueue with the given visibility window.
// A zero visibility defaults to 30 seconds.
func NewMemoryQueue(visibility time.Duration) *MemoryQueue {
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	return &MemoryQueue{
		queues:     make(map[string][]*memoryEntry),
		visibility: visibility,
		now:        time.Now,
	}
}

// Enqueue appends a message to the named queue.
func (q *MemoryQueue) Enqueue(ctx context.Context, queue string, body []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueUnavailable
	}
	entry := &memoryEntry{
		msg: Message{
			ID:         uuid.NewString(),
			Body:       append([]byte(nil), body...),
			EnqueuedAt: q.now(),
		},
	}
	q.queues[queue] = append(q.queues[queue], entry)
	return nil
}

// Dequeue returns up to max available messages in FIFO order.
func (q *MemoryQueue) Dequeue(ctx context.Context, queue string, max int) ([]Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueUnavailable
	}
	if max < 1 {
		max = 1
	}

	now := q.now()
	var out []Delivery
	for _, entry := range q.queues[queue] {
		if len(out) >= max {
			break
		}
		if !entry.invisible.IsZero() && now.Before(entry.invisible) {
			continue
		}
		entry.invisible = now.Add(q.visibility)
		entry.token = uuid.NewString()
		out = append(out, Delivery{AckToken: entry.token, Message: entry.msg})
	}
	return out, nil
}

// Ack removes the in-flight message identified by ackToken.
func (q *MemoryQueue) Ack(ctx context.Context, queue string, ackToken string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueUnavailable
	}
	entries := q.queues[queue]
	for i, entry := range entries {
		if entry.token == ackToken {
			q.queues[queue] = append(entries[:i], entries[i+1:]...)
			return nil
		}
	}
	return ErrUnknownAck
}

// Close marks the queue unusable.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

// Depth reports how many messages (available or in flight) remain.
// Test helper; not part of the Queue contract.
func (q *MemoryQueue) Depth(queue string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[queue])
}

var _ Queue = (*MemoryQueue)(nil)
