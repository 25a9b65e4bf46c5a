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
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// NATSQueue implements Queue on NATS JetStream for deployments that
// already run a broker. One stream is created per queue name; delivery
// uses a shared durable pull consumer, so JetStream provides the
// visibility window and redelivery.
type NATSQueue struct {
	nc *nats.Conn
	js nats.JetStreamContext

	mu       sync.Mutex
	subs     map[string]*nats.Subscription
	inflight map[string]*nats.Msg
	streams  map[string]bool
	closed   bool
}

// NATSConfig configures the JetStream backend.
type NATSConfig struct {
	// URL is the NATS server URL, e.g. nats://localhost:4222.
	URL string

	// AckWait is the JetStream visibility window. Default: 30s.
	AckWait time.Duration
}

const natsDurableName = "fleet-workers"

// OpenNATS connects to the broker and returns a ready NATSQueue.
func OpenNATS(cfg NATSConfig) (*NATSQueue, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}

	nc, err := nats.Connect(cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: connect to %s: %v", ErrQueueUnavailable, cfg.URL, err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("%w: jetstream context: %v", ErrQueueUnavailable, err)
	}

	return &NATSQueue{
		nc:       nc,
		js:       js,
		subs:     make(map[string]*nats.Subscription),
		inflight: make(map[string]*nats.Msg),
		streams:  make(map[string]bool),
	}, nil
}

// streamName maps a queue name to a JetStream-legal stream name.
func streamName(queue string) string {
	s := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(queue)
	return "FLEET_" + strings.ToUpper(s)
}

func subjectName(queue string) string {
	return "fleet.queue." + strings.ReplaceAll(queue, " ", "_")
}

func (q *NATSQueue) ensureStream(queue string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.streams[queue] {
		return nil
	}
	_, err := q.js.AddStream(&nats.StreamConfig{
		Name:      streamName(queue),
		Subjects:  []string{subjectName(queue)},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
	})
	// AddStream is idempotent for an identical config; a name collision
	// with different config surfaces here.
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("%w: create stream for %s: %v", ErrQueueUnavailable, queue, err)
	}
	q.streams[queue] = true
	return nil
}

// Enqueue publishes a message onto the queue's stream.
func (q *NATSQueue) Enqueue(ctx context.Context, queue string, body []byte) error {
	if q.isClosed() {
		return ErrQueueUnavailable
	}
	if err := q.ensureStream(queue); err != nil {
		return err
	}
	if _, err := q.js.Publish(subjectName(queue), body, nats.Context(ctx)); err != nil {
		return fmt.Errorf("%w: publish to %s: %v", ErrQueueUnavailable, queue, err)
	}
	return nil
}

func (q *NATSQueue) subscription(queue string) (*nats.Subscription, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if sub, ok := q.subs[queue]; ok {
		return sub, nil
	}
	sub, err := q.js.PullSubscribe(subjectName(queue), natsDurableName,
		nats.BindStream(streamName(queue)),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: pull subscribe %s: %v", ErrQueueUnavailable, queue, err)
	}
	q.subs[queue] = sub
	return sub, nil
}

// Dequeue fetches up to max messages. JetStream owns the visibility
// window; unacked messages are redelivered by the broker.
func (q *NATSQueue) Dequeue(ctx context.Context, queue string, max int) ([]Delivery, error) {
	if q.isClosed() {
		return nil, ErrQueueUnavailable
	}
	if max < 1 {
		max = 1
	}
	if err := q.ensureStream(queue); err != nil {
		return nil, err
	}
	sub, err := q.subscription(queue)
	if err != nil {
		return nil, err
	}

	msgs, err := sub.Fetch(max, nats.MaxWait(500*time.Millisecond))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) {
			return nil, nil // drained
		}
		return nil, fmt.Errorf("%w: fetch from %s: %v", ErrQueueUnavailable, queue, err)
	}

	out := make([]Delivery, 0, len(msgs))
	q.mu.Lock()
	for _, msg := range msgs {
		token := uuid.NewString()
		q.inflight[token] = msg

		var ts time.Time
		if meta, err := msg.Metadata(); err == nil {
			ts = meta.Timestamp
		}
		out = append(out, Delivery{
			AckToken: token,
			Message: Message{
				ID:         token,
				Body:       msg.Data,
				EnqueuedAt: ts,
			},
		})
	}
	q.mu.Unlock()
	return out, nil
}

// Ack acknowledges the underlying JetStream message.
func (q *NATSQueue) Ack(ctx context.Context, queue string, ackToken string) error {
	q.mu.Lock()
	msg, ok := q.inflight[ackToken]
	if ok {
		delete(q.inflight, ackToken)
	}
	closed := q.closed
	q.mu.Unlock()

	if closed {
		return ErrQueueUnavailable
	}
	if !ok {
		return ErrUnknownAck
	}
	if err := msg.Ack(); err != nil {
		return fmt.Errorf("%w: ack on %s: %v", ErrQueueUnavailable, queue, err)
	}
	return nil
}

// Close drains the connection.
func (q *NATSQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	q.nc.Close()
	return nil
}

func (q *NATSQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

var _ Queue = (*NATSQueue)(nil)
