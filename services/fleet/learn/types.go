// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package learn turns aggregated routing metrics into bounded model-score
// adjustments.
package learn

import "time"

// ScoreUpdateEvent is published once per learning cycle for each
// (model, complexity) pair whose score moved beyond the suppression
// threshold. Immutable after publication; subscribers apply it as an
// overwrite, so redelivery is harmless.
type ScoreUpdateEvent struct {
	Model          string    `json:"model"`
	Complexity     string    `json:"complexity"`
	OldScore       float64   `json:"old_score"`
	NewScore       float64   `json:"new_score"`
	Reason         string    `json:"reason"`
	Confidence     float64   `json:"confidence"`
	BasedOnSamples int64     `json:"based_on_samples"`
	Timestamp      time.Time `json:"timestamp"`
}
