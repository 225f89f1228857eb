// Package breaker pauses the whole run after too many consecutive failures,
// giving the upstream time to recover before any further attempts.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Breaker is shared by all workers of a run; every method is safe for
// concurrent use.
type Breaker struct {
	mu sync.Mutex

	threshold     int
	pauseDuration time.Duration
	enabled       bool

	consecutiveFailures int
	totalFailures       int
	pauseUntil          time.Time
	pauseCount          int

	now func() time.Time
}

type Stats struct {
	ConsecutiveFailures int           `json:"consecutive_failures"`
	TotalFailures       int           `json:"total_failures"`
	PauseCount          int           `json:"pause_count"`
	IsPaused            bool          `json:"is_paused"`
	RemainingPause      time.Duration `json:"remaining_pause"`
}

func New(threshold int, pauseDuration time.Duration, enabled bool) *Breaker {
	return &Breaker{
		threshold:     threshold,
		pauseDuration: pauseDuration,
		enabled:       enabled,
		now:           time.Now,
	}
}

// OnSuccess resets the consecutive-failure streak. An existing pause window
// is left untouched.
func (b *Breaker) OnSuccess() {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.consecutiveFailures > 0 {
		log.Info().Int("previous_streak", b.consecutiveFailures).Msg("Breaker streak reset after success")
		b.consecutiveFailures = 0
	}
}

// OnFailure counts the failure and trips the breaker once the streak reaches
// the threshold.
func (b *Breaker) OnFailure(reason string) {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	b.totalFailures++

	log.Warn().
		Int("consecutive", b.consecutiveFailures).
		Int("total", b.totalFailures).
		Str("reason", reason).
		Msg("Collect failure recorded")

	if b.consecutiveFailures >= b.threshold {
		b.pauseUntil = b.now().Add(b.pauseDuration)
		b.pauseCount++
		log.Error().
			Int("consecutive", b.consecutiveFailures).
			Int("threshold", b.threshold).
			Dur("pause", b.pauseDuration).
			Int("pause_count", b.pauseCount).
			Msg("Breaker tripped, pausing run")
	}
}

func (b *Breaker) ShouldPause() bool {
	if !b.enabled {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.now().Before(b.pauseUntil)
}

func (b *Breaker) RemainingPause() time.Duration {
	if !b.enabled {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remainingLocked()
}

func (b *Breaker) remainingLocked() time.Duration {
	remaining := b.pauseUntil.Sub(b.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// WaitIfPaused blocks until the pause window passes, then resets the
// consecutive streak so the run restarts with a clean slate. Total failures
// are preserved for reporting.
func (b *Breaker) WaitIfPaused(ctx context.Context) error {
	if !b.enabled {
		return nil
	}

	b.mu.Lock()
	remaining := b.remainingLocked()
	b.mu.Unlock()

	if remaining == 0 {
		return nil
	}

	log.Warn().Dur("remaining", remaining).Msg("Waiting for breaker pause to end")

	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	log.Info().Msg("Breaker pause over, resuming")

	// give the run a clean restart after the cooldown
	b.mu.Lock()
	b.consecutiveFailures = 0
	b.mu.Unlock()
	return nil
}

// Reset clears the streak and any pause but keeps the total failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.pauseUntil = time.Time{}
	log.Info().Msg("Breaker reset")
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		ConsecutiveFailures: b.consecutiveFailures,
		TotalFailures:       b.totalFailures,
		PauseCount:          b.pauseCount,
		IsPaused:            b.enabled && b.now().Before(b.pauseUntil),
		RemainingPause:      b.remainingLocked(),
	}
}
