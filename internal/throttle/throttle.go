// Package throttle implements the adaptive inter-request delay that sits in
// front of every upstream call. Delay grows on consecutive failures and decays
// back toward the base after successes.
package throttle

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Throttle is private to one collector instance and is not safe for
// concurrent use; the owning collector serializes calls.
type Throttle struct {
	baseDelay time.Duration
	minDelay  time.Duration
	maxDelay  time.Duration

	currentDelay        time.Duration
	consecutiveFailures int
	lastCall            time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New clamps base into [min, max] so the delay invariant holds from the
// first request on.
func New(base, min, max time.Duration) *Throttle {
	if base < min {
		base = min
	}
	if base > max {
		base = max
	}

	return &Throttle{
		baseDelay:    base,
		minDelay:     min,
		maxDelay:     max,
		currentDelay: base,
		now:          time.Now,
		sleep:        sleepCtx,
	}
}

// Wait blocks until at least the current delay has passed since the previous
// Wait returned. It is the sole admission point before an upstream fetch.
func (t *Throttle) Wait(ctx context.Context) error {
	elapsed := t.now().Sub(t.lastCall)
	if elapsed < t.currentDelay {
		wait := t.currentDelay - elapsed
		log.Debug().Dur("wait", wait).Dur("current_delay", t.currentDelay).Msg("Throttle waiting")
		if err := t.sleep(ctx, wait); err != nil {
			return err
		}
	}
	t.lastCall = t.now()
	return nil
}

// OnSuccess resets the failure streak and decays the delay 10% toward base.
func (t *Throttle) OnSuccess() {
	t.consecutiveFailures = 0

	if t.currentDelay > t.baseDelay {
		t.currentDelay = t.clamp(time.Duration(float64(t.currentDelay) * 0.9))
		if t.currentDelay < t.baseDelay {
			t.currentDelay = t.baseDelay
		}
		log.Debug().Dur("current_delay", t.currentDelay).Msg("Throttle delay recovering")
	}
}

// OnFailure grows the delay on a schedule keyed on the new consecutive
// failure count: x1.5, x2.0, then x2.5 for every further failure.
func (t *Throttle) OnFailure() {
	t.consecutiveFailures++

	var multiplier float64
	switch t.consecutiveFailures {
	case 1:
		multiplier = 1.5
	case 2:
		multiplier = 2.0
	default:
		multiplier = 2.5
	}

	old := t.currentDelay
	t.currentDelay = t.clamp(time.Duration(float64(t.currentDelay) * multiplier))

	log.Warn().
		Int("consecutive_failures", t.consecutiveFailures).
		Dur("old_delay", old).
		Dur("new_delay", t.currentDelay).
		Msg("Throttle delay increased")
}

// Reset returns the delay to base and zeroes the failure streak.
func (t *Throttle) Reset() {
	t.currentDelay = t.baseDelay
	t.consecutiveFailures = 0
	log.Info().Dur("base_delay", t.baseDelay).Msg("Throttle reset")
}

func (t *Throttle) CurrentDelay() time.Duration { return t.currentDelay }

func (t *Throttle) ConsecutiveFailures() int { return t.consecutiveFailures }

func (t *Throttle) clamp(d time.Duration) time.Duration {
	if d < t.minDelay {
		return t.minDelay
	}
	if d > t.maxDelay {
		return t.maxDelay
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
