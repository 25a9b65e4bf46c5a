// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package queue defines the durable queue contract the fleet loops run on,
// plus three interchangeable backends:
//
//   - BadgerQueue: embedded log-backed queue (default deployment)
//   - NATSQueue:   JetStream-backed queue for brokered deployments
//   - MemoryQueue: in-process queue for tests
//
// # Delivery Semantics
//
// All backends are at-least-once. Dequeue makes a message invisible for a
// visibility window; a message that is not acked within the window becomes
// eligible for redelivery. Consumers must therefore be idempotent.
//
// Exactly-once is explicitly not attempted.
package queue

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for queue operations.
var (
	// ErrQueueUnavailable is returned when the backend cannot be reached
	// or has been closed.
	ErrQueueUnavailable = errors.New("queue unavailable")

	// ErrUnknownAck is returned when an ack token does not correspond to
	// an in-flight delivery. Acking twice is one way to get here; callers
	// treating it as fatal will fight the at-least-once model.
	ErrUnknownAck = errors.New("unknown ack token")
)

// Message is one durable queue entry.
type Message struct {
	// ID uniquely identifies the message for idempotent handling.
	ID string `json:"id"`

	// Body is the JSON-serialized payload.
	Body []byte `json:"body"`

	// EnqueuedAt records when the message entered the queue.
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Delivery pairs a message with the token required to ack it. The message
// fields are promoted, so consumers read d.ID and d.Body directly.
type Delivery struct {
	// AckToken must be passed to Ack to retire the message.
	AckToken string

	Message
}

// Queue is the broker-agnostic durable queue contract. Any durable broker
// (log-based, DB-backed, or a dedicated message queue) can satisfy it.
type Queue interface {
	// Enqueue appends a message to the named queue.
	Enqueue(ctx context.Context, queue string, body []byte) error

	// Dequeue returns up to max messages, marking each invisible until
	// acked or until the visibility window lapses. Returns an empty slice
	// when the queue is drained; it never blocks waiting for messages.
	Dequeue(ctx context.Context, queue string, max int) ([]Delivery, error)

	// Ack retires a delivered message so it is never redelivered.
	Ack(ctx context.Context, queue string, ackToken string) error

	// Close releases backend resources.
	Close() error
}
