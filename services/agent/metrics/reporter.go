// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package metrics buffers agent execution metrics locally and flushes them
// to the fleet-learning side in batches.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianFleet/pkg/logging"
	"github.com/AleutianAI/AleutianFleet/pkg/queue"
)

// QueueAgentMetrics receives flushed metric batches.
const QueueAgentMetrics = "agent-metrics"

var (
	metricsRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aleutian_fleet",
		Subsystem: "agent",
		Name:      "metrics_recorded_total",
		Help:      "Metrics accepted into the local buffer.",
	})
	metricsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aleutian_fleet",
		Subsystem: "agent",
		Name:      "metrics_dropped_total",
		Help:      "Metrics dropped because the buffer was full.",
	})
	batchesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aleutian_fleet",
		Subsystem: "agent",
		Name:      "metric_batches_sent_total",
		Help:      "Successfully flushed metric batches.",
	})
	flushFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aleutian_fleet",
		Subsystem: "agent",
		Name:      "metric_flush_failures_total",
		Help:      "Flush attempts that failed and retained the buffer.",
	})
)

// Metric is one buffered measurement.
type Metric struct {
	AgentType  string    `json:"agent_type"`
	Name       string    `json:"name"`
	Value      float64   `json:"value"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Batch is the wire shape of one flush.
type Batch struct {
	InstanceID string    `json:"instance_id"`
	Metrics    []Metric  `json:"metrics"`
	SentAt     time.Time `json:"sent_at"`
}

// Counters are the reporter's self-observable totals.
type Counters struct {
	BatchesSent     uint64
	MetricsRecorded uint64
	MetricsDropped  uint64
}

// Reporter buffers metrics in memory and flushes them as one batch.
//
// # Description
//
// The buffer is cleared only after a successful send; a failed flush
// retains every entry for the next attempt, so delivery is at-least-once.
// When the buffer hits capacity the oldest entries are dropped with a
// logged warning rather than blocking the recording agent.
//
// # Thread Safety
//
// Safe for concurrent use.
type Reporter struct {
	instanceID string
	queue      queue.Queue
	logger     *logging.Logger
	capacity   int

	// flushMu serializes Flush calls so only one in-flight batch exists;
	// overlapping flushes would double-send and double-trim the buffer.
	flushMu sync.Mutex

	mu       sync.Mutex
	buffer   []Metric
	counters Counters
}

// NewReporter creates a reporter with the given buffer capacity.
func NewReporter(instanceID string, q queue.Queue, capacity int, logger *logging.Logger) *Reporter {
	if logger == nil {
		logger = logging.Default()
	}
	if capacity <= 0 {
		capacity = 10000
	}
	return &Reporter{
		instanceID: instanceID,
		queue:      q,
		logger:     logger,
		capacity:   capacity,
	}
}

// RecordMetric appends one measurement to the buffer.
func (r *Reporter) RecordMetric(agentType, name string, value float64) {
	r.record(Metric{
		AgentType:  agentType,
		Name:       name,
		Value:      value,
		RecordedAt: time.Now().UTC(),
	})
}

// RecordMetrics appends one measurement per map entry.
func (r *Reporter) RecordMetrics(agentType string, values map[string]float64) {
	now := time.Now().UTC()
	for name, value := range values {
		r.record(Metric{AgentType: agentType, Name: name, Value: value, RecordedAt: now})
	}
}

func (r *Reporter) record(m Metric) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buffer) >= r.capacity {
		dropped := len(r.buffer) - r.capacity + 1
		r.buffer = r.buffer[dropped:]
		r.counters.MetricsDropped += uint64(dropped)
		metricsDropped.Add(float64(dropped))
		r.logger.Warn("metric buffer full, dropping oldest entries",
			"dropped", dropped, "capacity", r.capacity)
	}
	r.buffer = append(r.buffer, m)
	r.counters.MetricsRecorded++
	metricsRecorded.Inc()
}

// Flush sends the whole buffer downstream as one batch. The buffer is
// cleared only when the send succeeds; on failure every entry is retained
// for the next attempt. An empty buffer is a no-op.
func (r *Reporter) Flush(ctx context.Context) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	if len(r.buffer) == 0 {
		r.mu.Unlock()
		return nil
	}
	batch := Batch{
		InstanceID: r.instanceID,
		Metrics:    append([]Metric(nil), r.buffer...),
		SentAt:     time.Now().UTC(),
	}
	droppedAtSnapshot := r.counters.MetricsDropped
	r.mu.Unlock()

	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode metric batch: %w", err)
	}
	if err := r.queue.Enqueue(ctx, QueueAgentMetrics, body); err != nil {
		flushFailures.Inc()
		r.logger.Warn("metric flush failed, retaining buffer",
			"buffered", len(batch.Metrics), "error", err.Error())
		return err
	}

	r.mu.Lock()
	// Trim only the batch prefix. Entries recorded during the send stay
	// buffered for the next flush; capacity evictions during the send
	// already removed batch entries from the front, so discount them.
	trim := len(batch.Metrics) - int(r.counters.MetricsDropped-droppedAtSnapshot)
	if trim < 0 {
		trim = 0
	}
	if trim > len(r.buffer) {
		trim = len(r.buffer)
	}
	r.buffer = r.buffer[trim:]
	r.counters.BatchesSent++
	r.mu.Unlock()
	batchesSent.Inc()
	return nil
}

// Counters returns a snapshot of the self-observable totals.
func (r *Reporter) Counters() Counters {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters
}

// Buffered reports the current buffer length.
func (r *Reporter) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffer)
}

// Run flushes on the given interval until ctx is canceled, with one final
// flush on the way out.
func (r *Reporter) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.Flush(flushCtx); err != nil {
				r.logger.Warn("final metric flush failed", "error", err.Error())
			}
			return ctx.Err()
		case <-ticker.C:
			if err := r.Flush(ctx); err != nil {
				continue
			}
		}
	}
}
