// Package ratelimit discovers the upstream's undocumented (requests, window)
// limit by live probing, persists the result, and enforces a safety margin
// under it on later runs.
package ratelimit

import (
	"math"
	"time"
)

type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Boundary is the empirically detected limit for one detector key. It is
// immutable once written; re-detection replaces it wholesale.
type Boundary struct {
	MaxRequests     int        `json:"max_requests"`
	WindowSeconds   int        `json:"window_seconds"`
	WaitTimeSeconds int        `json:"wait_time_seconds"`
	DetectedAt      time.Time  `json:"detected_at"`
	Confidence      Confidence `json:"confidence"`

	// derived safety parameters, stored so a later run can enforce them
	// without recomputing
	SafeBatchSize int `json:"safe_batch_size"`
	SafePauseTime int `json:"safe_pause_time"`
}

// deriveSafety fills in the enforcement parameters: stay at 80% of the
// detected request budget and pause 120% of the detected window.
func (b *Boundary) deriveSafety() {
	b.SafeBatchSize = int(math.Floor(0.8 * float64(b.MaxRequests)))
	b.SafePauseTime = int(math.Ceil(1.2 * float64(b.WindowSeconds)))
}

// confidenceForProbes maps the number of probes needed for confirmation to a
// confidence grade: the fewer probes, the tighter the window estimate.
func confidenceForProbes(probes int) Confidence {
	switch {
	case probes <= 1:
		return ConfidenceHigh
	case probes <= 3:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}
