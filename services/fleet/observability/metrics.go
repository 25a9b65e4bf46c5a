// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability exposes the fleet daemon's Prometheus metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	decisionsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aleutian_fleet",
		Subsystem: "consumer",
		Name:      "decisions_consumed_total",
		Help:      "Routing decision events folded into aggregates.",
	}, []string{"outcome"})

	consumeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aleutian_fleet",
		Subsystem: "consumer",
		Name:      "failures_total",
		Help:      "Messages that failed to process.",
	})

	consumerHalted = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "aleutian_fleet",
		Subsystem: "consumer",
		Name:      "halted",
		Help:      "1 when the consumer stopped after too many consecutive errors.",
	})

	learnCycles = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aleutian_fleet",
		Subsystem: "learner",
		Name:      "cycles_total",
		Help:      "Completed learning cycles.",
	})

	scoreUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aleutian_fleet",
		Subsystem: "learner",
		Name:      "score_updates_total",
		Help:      "Score update events emitted, by direction.",
	}, []string{"direction"})

	scoreUpdatesSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aleutian_fleet",
		Subsystem: "learner",
		Name:      "score_updates_suppressed_total",
		Help:      "Adjustments below the suppression epsilon.",
	})

	eventsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aleutian_fleet",
		Subsystem: "publisher",
		Name:      "events_published_total",
		Help:      "Score update events fanned out to instance queues.",
	})

	advisoriesEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aleutian_fleet",
		Subsystem: "analyzer",
		Name:      "advisories_total",
		Help:      "Performance advisories, by kind.",
	}, []string{"kind"})
)

func RecordDecisionConsumed(outcome string) { decisionsConsumed.WithLabelValues(outcome).Inc() }

func RecordConsumeFailure() { consumeFailures.Inc() }
func SetConsumerHalted(halted bool) {
	if halted {
		consumerHalted.Set(1)
	} else {
		consumerHalted.Set(0)
	}
}
func RecordLearnCycle() { learnCycles.Inc() }
func RecordScoreUpdate(newScore, oldScore float64) {
	if newScore >= oldScore {
		scoreUpdates.WithLabelValues("up").Inc()
	} else {
		scoreUpdates.WithLabelValues("down").Inc()
	}
}
func RecordScoreUpdateSuppressed() { scoreUpdatesSuppressed.Inc() }

func RecordEventPublished() { eventsPublished.Inc() }

func RecordAdvisory(kind string) { advisoriesEmitted.WithLabelValues(kind).Inc() }
