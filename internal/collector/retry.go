package collector

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/YibaiLin/a-share-hub/internal/ratelimit"
	"github.com/YibaiLin/a-share-hub/internal/shared"
)

const baseBackoff = 2 * time.Second
const maxBackoff = 10 * time.Second

// RetryCollector retries transient failures with exponential backoff and
// jitter. Rate-limit-shaped errors surface immediately: they belong to the
// boundary detector, and hammering a limited upstream only deepens the ban.
type RetryCollector struct {
	Base    shared.Collector
	Retries int

	// Backoff overrides the wait schedule; nil means exponential + jitter.
	Backoff func(attempt int) time.Duration
}

func (rc *RetryCollector) Collect(ctx context.Context, tsCode, startDate, endDate string) ([]shared.DailyBar, error) {
	var lastErr error

	for i := 0; i < rc.Retries; i++ {
		bars, err := rc.Base.Collect(ctx, tsCode, startDate, endDate)
		if err == nil {
			return bars, nil
		}
		lastErr = err

		if ratelimit.IsRateLimitError(err) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, err
		}

		backoffFn := rc.Backoff
		if backoffFn == nil {
			backoffFn = generateExponentialBackoff
		}
		backoff := backoffFn(i)
		log.Warn().Err(err).Str("ts_code", tsCode).Int("attempt", i+1).Dur("backoff", backoff).Msg("Collect retry")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return nil, lastErr
}

func generateExponentialBackoff(i int) time.Duration {
	backoff := time.Duration(math.Min(float64(baseBackoff)*math.Pow(2, float64(i)), float64(maxBackoff)))
	jitter := time.Duration(rand.Float64() * float64(backoff) * 0.5)

	return backoff + jitter
}
