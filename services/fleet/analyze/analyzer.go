// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package analyze detects anomalies in aggregated routing metrics.
package analyze

import (
	"sync"
	"time"

	"github.com/AleutianAI/AleutianFleet/pkg/logging"
	"github.com/AleutianAI/AleutianFleet/pkg/storage"
)

// Advisory kinds.
const (
	AdvisoryLowSuccessRate = "low_success_rate"
	AdvisorySlowResponse   = "slow_response"
)

// Detection thresholds.
const (
	lowSuccessRateThreshold = 0.85
	slowResponseThresholdMS = 5000.0
)

// Advisory is one emitted anomaly observation. Advisories never mutate
// metric or proposal state.
type Advisory struct {
	Kind       string    `json:"kind"`
	Model      string    `json:"model"`
	Complexity string    `json:"complexity"`
	Value      float64   `json:"value"`
	Threshold  float64   `json:"threshold"`
	EmittedAt  time.Time `json:"emitted_at"`
}

// Analyzer inspects aggregate snapshots and keeps a bounded ring of the
// advisories it emitted, newest last.
//
// # Thread Safety
//
// Safe for concurrent use.
type Analyzer struct {
	logger   *logging.Logger
	capacity int

	mu   sync.Mutex
	ring []Advisory
}

// NewAnalyzer creates an analyzer retaining up to capacity advisories.
func NewAnalyzer(capacity int, logger *logging.Logger) *Analyzer {
	if logger == nil {
		logger = logging.Default()
	}
	if capacity <= 0 {
		capacity = 256
	}
	return &Analyzer{logger: logger, capacity: capacity}
}

// Inspect checks one aggregate snapshot and returns any advisories it
// triggered. Stateless with respect to the metric itself.
func (a *Analyzer) Inspect(m storage.AggregatedMetric) []Advisory {
	now := time.Now().UTC()
	var out []Advisory

	if sr := m.SuccessRate(); m.UsageCount > 0 && sr < lowSuccessRateThreshold {
		out = append(out, Advisory{
			Kind:       AdvisoryLowSuccessRate,
			Model:      m.Model,
			Complexity: m.Complexity,
			Value:      sr,
			Threshold:  lowSuccessRateThreshold,
			EmittedAt:  now,
		})
	}
	if m.ResponseTimeSamples > 0 && m.AvgResponseTimeMS > slowResponseThresholdMS {
		out = append(out, Advisory{
			Kind:       AdvisorySlowResponse,
			Model:      m.Model,
			Complexity: m.Complexity,
			Value:      m.AvgResponseTimeMS,
			Threshold:  slowResponseThresholdMS,
			EmittedAt:  now,
		})
	}

	if len(out) > 0 {
		a.mu.Lock()
		a.ring = append(a.ring, out...)
		if overflow := len(a.ring) - a.capacity; overflow > 0 {
			a.ring = a.ring[overflow:]
		}
		a.mu.Unlock()
		for _, adv := range out {
			a.logger.Warn("performance advisory",
				"kind", adv.Kind,
				"model", adv.Model,
				"complexity", adv.Complexity,
				"value", adv.Value,
				"threshold", adv.Threshold)
		}
	}
	return out
}

// Recent returns up to n advisories, newest first.
func (a *Analyzer) Recent(n int) []Advisory {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n <= 0 || n > len(a.ring) {
		n = len(a.ring)
	}
	out := make([]Advisory, n)
	for i := 0; i < n; i++ {
		out[i] = a.ring[len(a.ring)-1-i]
	}
	return out
}
