package ratelimit

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type Phase string

const (
	PhaseNormal    Phase = "normal"
	PhasePaused    Phase = "paused"
	PhaseProbing   Phase = "probing"
	PhaseConfirmed Phase = "confirmed"
)

const (
	// probeInterval is how long to wait after a rate-limit trip (and between
	// failed probes) before issuing the next live probe.
	probeInterval = 300 * time.Second

	// probeHoldInterval is how long callers other than the prober are held
	// while a probe is in flight, so only one live request tests the limit.
	probeHoldInterval = 5 * time.Second

	// historyRetention bounds the sliding window of success timestamps.
	historyRetention = 20 * time.Minute
)

// Detector is the per-upstream-key state machine that turns observed
// rate-limit failures into a confirmed Boundary. One instance is shared by
// all workers of a run; every method is safe for concurrent use.
//
// Lifecycle per trip:
//
//	NORMAL --rate limit--> PAUSED --interval elapsed--> PROBING
//	PROBING --probe ok--> CONFIRMED (boundary persisted)
//	PROBING --rate limit--> PAUSED (next probe scheduled)
//	PROBING --other error--> PAUSED (immediate re-probe, inconclusive)
//	CONFIRMED --rate limit--> PAUSED (boundary discarded, full re-detection)
type Detector struct {
	mu sync.Mutex

	key   string
	store *Store

	phase   Phase
	history []time.Time

	successCount  int
	triggerCount  int
	triggerTime   time.Time
	probeCount    int
	nextProbeTime time.Time

	boundary *Boundary

	now func() time.Time
}

// NewDetector builds the detector for a composite key like
// "eastmoney.kline.daily". If the store already holds a boundary for the key
// the detector starts CONFIRMED with the saved safety parameters, which is
// what makes a discovered limit survive process restarts.
func NewDetector(key string, store *Store) *Detector {
	d := &Detector{
		key:   key,
		store: store,
		phase: PhaseNormal,
		now:   time.Now,
	}

	if b := store.Boundary(key); b != nil {
		d.boundary = b
		d.phase = PhaseConfirmed
		log.Info().
			Str("key", key).
			Int("max_requests", b.MaxRequests).
			Int("window_seconds", b.WindowSeconds).
			Str("confidence", string(b.Confidence)).
			Msg("Loaded persisted rate-limit boundary")
	}

	return d
}

// RecordSuccess notes one successful upstream call, in any phase.
func (d *Detector) RecordSuccess() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.history = append(d.history, now)
	d.successCount++
	d.trimHistoryLocked(now)
}

// OnRateLimitError routes a classified rate-limit failure into the machine.
func (d *Detector) OnRateLimitError() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.store.IncrRateLimitErrors(d.key)
	now := d.now()

	switch d.phase {
	case PhaseNormal:
		log.Warn().Str("key", d.key).Msg("Rate limit hit, starting boundary detection")
		d.tripLocked(now)

	case PhasePaused:
		// already waiting for the next probe window

	case PhaseProbing:
		log.Warn().Str("key", d.key).Int("probe_count", d.probeCount).Msg("Probe rejected, still limited")
		d.phase = PhasePaused
		d.nextProbeTime = now.Add(probeInterval)

	case PhaseConfirmed:
		log.Warn().Str("key", d.key).Msg("Rate limit hit despite confirmed boundary, re-detecting")
		d.boundary = nil
		d.store.ClearBoundary(d.key)
		d.probeCount = 0
		d.tripLocked(now)
	}
}

func (d *Detector) tripLocked(now time.Time) {
	d.triggerCount = d.successCount
	d.triggerTime = now
	d.nextProbeTime = now.Add(probeInterval)
	d.phase = PhasePaused
}

// ShouldPause tells the caller whether to sleep before the next request and
// for how long. Returning (false, 0) while PROBING instructs the caller to
// issue exactly one live request and report the outcome.
func (d *Detector) ShouldPause() (bool, time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()

	switch d.phase {
	case PhasePaused:
		if now.Before(d.nextProbeTime) {
			return true, d.nextProbeTime.Sub(now)
		}
		d.phase = PhaseProbing
		d.probeCount++
		d.store.IncrProbes(d.key)
		log.Info().Str("key", d.key).Int("probe", d.probeCount).Msg("Probe window open, issuing live probe")
		return false, 0

	case PhaseProbing:
		// a probe is already in flight; hold everyone else until it resolves
		return true, probeHoldInterval

	case PhaseConfirmed:
		// a boundary with no request budget carries no enforceable limit;
		// treating it as binding would pause every caller forever
		if d.boundary == nil || d.boundary.SafeBatchSize <= 0 {
			return false, 0
		}
		d.trimHistoryLocked(now)
		windowStart := now.Add(-time.Duration(d.boundary.WindowSeconds) * time.Second)
		inWindow := 0
		for _, ts := range d.history {
			if !ts.Before(windowStart) {
				inWindow++
			}
		}
		if inWindow >= d.boundary.SafeBatchSize {
			pause := time.Duration(d.boundary.SafePauseTime) * time.Second
			log.Info().
				Str("key", d.key).
				Int("in_window", inWindow).
				Int("safe_batch_size", d.boundary.SafeBatchSize).
				Dur("pause", pause).
				Msg("Approaching detected limit, cooling down")
			return true, pause
		}
		return false, 0

	default:
		return false, 0
	}
}

// OnProbeSuccess confirms the boundary: the elapsed time since the trip is
// the window estimate, and the successes recorded before the trip estimate
// the request budget.
func (d *Detector) OnProbeSuccess() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.phase != PhaseProbing {
		return
	}

	now := d.now()
	elapsed := int(now.Sub(d.triggerTime).Seconds())

	b := Boundary{
		MaxRequests:     d.triggerCount,
		WindowSeconds:   elapsed,
		WaitTimeSeconds: elapsed,
		DetectedAt:      now,
		Confidence:      confidenceForProbes(d.probeCount),
	}
	b.deriveSafety()

	d.boundary = &b
	d.phase = PhaseConfirmed
	d.store.RecordDetection(d.key, b, d.triggerTime, d.probeCount)

	log.Info().
		Str("key", d.key).
		Int("max_requests", b.MaxRequests).
		Int("window_seconds", b.WindowSeconds).
		Str("confidence", string(b.Confidence)).
		Int("safe_batch_size", b.SafeBatchSize).
		Int("safe_pause_time", b.SafePauseTime).
		Msg("Rate-limit boundary confirmed")
}

// OnProbeError resolves a probe that failed for a reason other than rate
// limiting. The attempt is inconclusive: the next caller may probe again
// immediately, and the confidence grade is not degraded.
func (d *Detector) OnProbeError() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.phase != PhaseProbing {
		return
	}

	log.Warn().Str("key", d.key).Msg("Probe inconclusive, rescheduling")
	d.phase = PhasePaused
	d.nextProbeTime = d.now()
	d.probeCount--
}

func (d *Detector) Phase() Phase {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phase
}

// Boundary returns a copy of the active boundary, or nil before confirmation.
func (d *Detector) Boundary() *Boundary {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.boundary == nil {
		return nil
	}
	b := *d.boundary
	return &b
}

func (d *Detector) SuccessCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.successCount
}

func (d *Detector) trimHistoryLocked(now time.Time) {
	cutoff := now.Add(-historyRetention)
	i := 0
	for ; i < len(d.history); i++ {
		if !d.history[i].Before(cutoff) {
			break
		}
	}
	if i > 0 {
		d.history = append(d.history[:0], d.history[i:]...)
	}
}
