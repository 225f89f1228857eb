// Package collector fetches and normalizes data from the upstream quote API.
package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/YibaiLin/a-share-hub/internal/shared"
	"github.com/YibaiLin/a-share-hub/internal/throttle"
)

// KlineFetcher is the raw upstream call; *QuoteClient satisfies it.
type KlineFetcher interface {
	FetchKlines(ctx context.Context, symbol, startDate, endDate string) ([]string, error)
}

// DailyCollector runs the full pipeline for one symbol: throttle wait ->
// fetch -> transform -> validate. It owns a private Throttle and notifies it
// of every outcome; callers must not share one collector across goroutines.
type DailyCollector struct {
	fetcher  KlineFetcher
	throttle *throttle.Throttle
	onDelay  func(time.Duration)
}

func NewDailyCollector(fetcher KlineFetcher, th *throttle.Throttle) *DailyCollector {
	return &DailyCollector{fetcher: fetcher, throttle: th}
}

// SetDelayObserver registers a callback that receives the throttle's current
// delay after every collect outcome. Used to feed the delay gauge.
func (c *DailyCollector) SetDelayObserver(fn func(time.Duration)) {
	c.onDelay = fn
}

func (c *DailyCollector) reportDelay() {
	if c.onDelay != nil {
		c.onDelay(c.throttle.CurrentDelay())
	}
}

func (c *DailyCollector) Collect(ctx context.Context, tsCode, startDate, endDate string) ([]shared.DailyBar, error) {
	if err := c.throttle.Wait(ctx); err != nil {
		return nil, err
	}

	symbol := shared.StripTsSuffix(tsCode)
	start, err := shared.NormalizeDate(startDate)
	if err != nil {
		return nil, err
	}
	end, err := shared.NormalizeDate(endDate)
	if err != nil {
		return nil, err
	}
	if end == "" {
		end = shared.Today()
	}

	klines, err := c.fetcher.FetchKlines(ctx, symbol, start, end)
	if err != nil {
		c.throttle.OnFailure()
		c.reportDelay()
		return nil, fmt.Errorf("fetch klines for %s: %w", tsCode, err)
	}

	if len(klines) == 0 {
		// suspended or delisted: no data is still a successful call
		log.Debug().Str("ts_code", tsCode).Msg("No kline data")
		c.throttle.OnSuccess()
		c.reportDelay()
		return nil, nil
	}

	bars, err := transformKlines(klines)
	if err != nil {
		c.throttle.OnFailure()
		c.reportDelay()
		return nil, fmt.Errorf("transform %s: %w", tsCode, err)
	}

	if err := validateBars(bars); err != nil {
		c.throttle.OnFailure()
		c.reportDelay()
		return nil, fmt.Errorf("validation failed for %s: %w", tsCode, err)
	}

	log.Debug().Str("ts_code", tsCode).Int("bars", len(bars)).Msg("Collected daily bars")
	c.throttle.OnSuccess()
	c.reportDelay()
	return bars, nil
}

// Throttle exposes the private throttle for observability only.
func (c *DailyCollector) Throttle() *throttle.Throttle { return c.throttle }
