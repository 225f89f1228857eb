// Package ingest drives a backfill run: a bounded worker pool that pulls
// items from the checkpoint's remaining set, gates every fetch behind the
// circuit breaker and the boundary detector, and records each outcome.
package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/YibaiLin/a-share-hub/internal/breaker"
	"github.com/YibaiLin/a-share-hub/internal/checkpoint"
	"github.com/YibaiLin/a-share-hub/internal/metrics"
	"github.com/YibaiLin/a-share-hub/internal/ratelimit"
	"github.com/YibaiLin/a-share-hub/internal/shared"
)

type Coordinator struct {
	newCollector func() shared.Collector
	store        shared.BarStore
	breaker      *breaker.Breaker
	detector     *ratelimit.Detector
	tracker      *checkpoint.Tracker
	metrics      *metrics.PrometheusMetrics

	workers   int
	startDate string
	endDate   string
}

type Report struct {
	TotalItems   int
	Success      int
	Failed       int
	TotalRecords int
	Duration     time.Duration
	FailedStocks []string
}

// NewCoordinator wires a run. newCollector is called once per worker so each
// worker owns a private throttle; the breaker, detector and tracker are the
// run-wide shared singletons. An empty startDate selects incremental mode:
// each symbol resumes from its latest stored trade date.
func NewCoordinator(
	newCollector func() shared.Collector,
	store shared.BarStore,
	brk *breaker.Breaker,
	detector *ratelimit.Detector,
	tracker *checkpoint.Tracker,
	met *metrics.PrometheusMetrics,
	workers int,
	startDate, endDate string,
) *Coordinator {
	if workers < 1 {
		workers = 1
	}
	return &Coordinator{
		newCollector: newCollector,
		store:        store,
		breaker:      brk,
		detector:     detector,
		tracker:      tracker,
		metrics:      met,
		workers:      workers,
		startDate:    startDate,
		endDate:      endDate,
	}
}

// Run processes every code and returns the run report. Cancelling ctx stops
// new items from being picked up; in-flight items finish or fail normally.
func (c *Coordinator) Run(ctx context.Context, codes []string) Report {
	start := time.Now()
	log.Info().
		Int("items", len(codes)).
		Int("workers", c.workers).
		Str("start_date", c.startDate).
		Str("end_date", c.endDate).
		Msg("Backfill run starting")

	jobs := make(chan string)
	var wg sync.WaitGroup

	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			c.worker(ctx, workerID, jobs)
		}(i)
	}

feed:
	for _, code := range codes {
		select {
		case <-ctx.Done():
			log.Warn().Msg("Interrupt received, draining in-flight items")
			break feed
		case jobs <- code:
		}
	}
	close(jobs)

	wg.Wait()
	c.syncBreakerGauge()
	log.Info().Msg("All workers shut down cleanly")

	sum := c.tracker.Summary()
	report := Report{
		TotalItems:   sum.TotalItems,
		Success:      sum.Success,
		Failed:       sum.Failed,
		TotalRecords: sum.TotalRecords,
		Duration:     time.Since(start),
		FailedStocks: c.tracker.FailedCodes(),
	}
	report.log()
	return report
}

func (c *Coordinator) worker(ctx context.Context, id int, jobs <-chan string) {
	logger := log.With().Int("worker_id", id).Logger()
	col := c.newCollector()

	for code := range jobs {
		if ctx.Err() != nil {
			return
		}
		c.processOne(ctx, logger, col, code)
	}
}

func (c *Coordinator) processOne(ctx context.Context, logger zerolog.Logger, col shared.Collector, code string) {
	itemLog := logger.With().Str("ts_code", code).Logger()

	c.syncBreakerGauge()
	if err := c.breaker.WaitIfPaused(ctx); err != nil {
		return
	}
	if err := c.waitForDetector(ctx, itemLog); err != nil {
		return
	}

	// one success while PROBING is the probe confirmation
	probing := c.detector.Phase() == ratelimit.PhaseProbing
	if probing && c.metrics != nil {
		c.metrics.Probes.Inc()
	}

	startDate := c.startDate
	if startDate == "" {
		// incremental mode: pick up where this symbol's stored data ends;
		// the overlap day is removed by the storage dedup
		latest, err := c.store.LatestDate(ctx, code)
		if err != nil {
			itemLog.Warn().Err(err).Msg("Latest-date lookup failed, fetching full range")
		} else if latest != "" {
			startDate = latest
		}
	}

	start := time.Now()
	bars, err := col.Collect(ctx, code, startDate, c.endDate)
	if err != nil {
		if ctx.Err() != nil {
			// shutdown, not an item failure; it stays in the remaining set
			return
		}
		c.onCollectError(itemLog, code, err, probing)
		return
	}

	c.breaker.OnSuccess()
	c.detector.RecordSuccess()
	if probing {
		c.detector.OnProbeSuccess()
	}

	inserted, err := c.store.InsertDaily(ctx, code, bars, true)
	if err != nil {
		itemLog.Error().Err(err).Msg("Storage insert failed")
		c.breaker.OnFailure(err.Error())
		c.tracker.MarkFailed(code, "storage: "+err.Error())
		c.countError("storage")
		return
	}

	c.tracker.MarkSuccess(code, inserted)
	itemLog.Info().Int("records", inserted).Msg("Item completed")

	if c.metrics != nil {
		c.metrics.ItemsCollected.WithLabelValues().Inc()
		c.metrics.RecordsInserted.Add(float64(inserted))
		c.metrics.CollectDuration.WithLabelValues().Observe(time.Since(start).Seconds())
	}
}

// waitForDetector sleeps as long as the detector instructs. Loops because a
// paused detector may hand back a fresh pause after a cooldown.
func (c *Coordinator) waitForDetector(ctx context.Context, itemLog zerolog.Logger) error {
	for {
		pause, wait := c.detector.ShouldPause()
		if !pause {
			return nil
		}

		itemLog.Info().Dur("wait", wait).Msg("Detector pause")
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Coordinator) onCollectError(itemLog zerolog.Logger, code string, err error, probing bool) {
	if ratelimit.IsRateLimitError(err) {
		itemLog.Warn().Err(err).Msg("Rate-limit error")
		c.detector.OnRateLimitError()
		if c.metrics != nil {
			c.metrics.RateLimitHits.Inc()
		}
		c.countError("rate_limit")
	} else {
		itemLog.Error().Err(err).Msg("Collect failed")
		if probing {
			// the probe request itself failed for an unrelated reason; the
			// detector must not stay stuck waiting for its outcome
			c.detector.OnProbeError()
		}
		c.breaker.OnFailure(err.Error())
		c.countError("collect")
	}

	// a single item's failure never aborts the run
	c.tracker.MarkFailed(code, err.Error())
}

func (c *Coordinator) countError(kind string) {
	if c.metrics != nil {
		c.metrics.CollectErrors.WithLabelValues(kind).Inc()
	}
}

// syncBreakerGauge mirrors the breaker's trip count into the gauge. The
// breaker itself is the source of truth, so concurrent workers observing the
// same pause cannot inflate it.
func (c *Coordinator) syncBreakerGauge() {
	if c.metrics != nil {
		c.metrics.BreakerPauses.Set(float64(c.breaker.Stats().PauseCount))
	}
}

func (r Report) log() {
	log.Info().
		Int("total_items", r.TotalItems).
		Int("success", r.Success).
		Int("failed", r.Failed).
		Int("total_records", r.TotalRecords).
		Dur("duration", r.Duration).
		Msg("Backfill run finished")

	if len(r.FailedStocks) > 0 {
		preview := r.FailedStocks
		if len(preview) > 10 {
			preview = preview[:10]
		}
		log.Warn().
			Int("failed_count", len(r.FailedStocks)).
			Strs("failed_stocks", preview).
			Msg("Some items failed; rerun with the retry command")
	}
}
