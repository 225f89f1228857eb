package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YibaiLin/a-share-hub/internal/breaker"
	"github.com/YibaiLin/a-share-hub/internal/checkpoint"
	"github.com/YibaiLin/a-share-hub/internal/metrics"
	"github.com/YibaiLin/a-share-hub/internal/ratelimit"
	"github.com/YibaiLin/a-share-hub/internal/shared"
)

type collectorFunc func(ctx context.Context, tsCode, startDate, endDate string) ([]shared.DailyBar, error)

func (f collectorFunc) Collect(ctx context.Context, tsCode, startDate, endDate string) ([]shared.DailyBar, error) {
	return f(ctx, tsCode, startDate, endDate)
}

type fakeStore struct {
	mu       sync.Mutex
	inserted map[string]int
	failFor  map[string]bool
	latest   map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		inserted: map[string]int{},
		failFor:  map[string]bool{},
		latest:   map[string]string{},
	}
}

func (s *fakeStore) InsertDaily(_ context.Context, tsCode string, bars []shared.DailyBar, _ bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFor[tsCode] {
		return 0, errors.New("connection refused by postgres")
	}
	s.inserted[tsCode] += len(bars)
	return len(bars), nil
}

func (s *fakeStore) LatestDate(_ context.Context, tsCode string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest[tsCode], nil
}

func testDeps(t *testing.T) (*breaker.Breaker, *ratelimit.Detector, *checkpoint.Tracker) {
	t.Helper()
	dir := t.TempDir()

	store, err := ratelimit.OpenStore(filepath.Join(dir, "boundaries.json"))
	require.NoError(t, err)

	tracker, err := checkpoint.Load(filepath.Join(dir, "progress.json"))
	require.NoError(t, err)

	brk := breaker.New(100, time.Millisecond, true)
	return brk, ratelimit.NewDetector("test.daily", store), tracker
}

func bars(n int) []shared.DailyBar {
	out := make([]shared.DailyBar, n)
	for i := range out {
		out[i] = shared.DailyBar{TradeDate: "20240102"}
	}
	return out
}

func TestRunCompletesAllItems(t *testing.T) {
	brk, det, tracker := testDeps(t)
	store := newFakeStore()
	codes := []string{"600000.SH", "000001.SZ", "300750.SZ"}
	tracker.Init(checkpoint.DateRange{StartDate: "20240101", EndDate: "20240131"}, len(codes))

	collect := collectorFunc(func(_ context.Context, tsCode, startDate, endDate string) ([]shared.DailyBar, error) {
		assert.Equal(t, "20240101", startDate)
		assert.Equal(t, "20240131", endDate)
		return bars(5), nil
	})

	coord := NewCoordinator(
		func() shared.Collector { return collect },
		store, brk, det, tracker, nil, 2, "20240101", "20240131",
	)
	report := coord.Run(context.Background(), codes)

	assert.Equal(t, 3, report.Success)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, 15, report.TotalRecords)
	assert.Empty(t, report.FailedStocks)
	for _, code := range codes {
		assert.Equal(t, 5, store.inserted[code])
		assert.True(t, tracker.IsCompleted(code))
	}
	assert.Equal(t, 3, det.SuccessCount())
}

func TestRunFailureDoesNotAbort(t *testing.T) {
	brk, det, tracker := testDeps(t)
	store := newFakeStore()
	codes := []string{"600000.SH", "000001.SZ", "300750.SZ"}
	tracker.Init(checkpoint.DateRange{}, len(codes))

	collect := collectorFunc(func(_ context.Context, tsCode, _, _ string) ([]shared.DailyBar, error) {
		if tsCode == "000001.SZ" {
			return nil, errors.New("upstream returned malformed payload")
		}
		return bars(2), nil
	})

	coord := NewCoordinator(
		func() shared.Collector { return collect },
		store, brk, det, tracker, nil, 1, "", "",
	)
	report := coord.Run(context.Background(), codes)

	assert.Equal(t, 2, report.Success)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, []string{"000001.SZ"}, report.FailedStocks)

	items := tracker.FailedItems()
	require.Len(t, items, 1)
	assert.Contains(t, items[0].Reason, "malformed payload")
	assert.Equal(t, 1, brk.Stats().TotalFailures)
}

func TestRunRateLimitErrorTripsDetector(t *testing.T) {
	brk, det, tracker := testDeps(t)
	store := newFakeStore()
	// rate-limited item last so nothing waits behind the tripped detector
	codes := []string{"600000.SH", "000001.SZ", "830799.BJ"}
	tracker.Init(checkpoint.DateRange{}, len(codes))

	collect := collectorFunc(func(_ context.Context, tsCode, _, _ string) ([]shared.DailyBar, error) {
		if tsCode == "830799.BJ" {
			return nil, errors.New("non-200 status code: 429")
		}
		return bars(1), nil
	})

	coord := NewCoordinator(
		func() shared.Collector { return collect },
		store, brk, det, tracker, nil, 1, "", "",
	)
	report := coord.Run(context.Background(), codes)

	assert.Equal(t, 2, report.Success)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, ratelimit.PhasePaused, det.Phase())
	// rate-limit errors belong to the detector, not the breaker
	assert.Equal(t, 0, brk.Stats().TotalFailures)
}

func TestRunStorageErrorMarksFailed(t *testing.T) {
	brk, det, tracker := testDeps(t)
	store := newFakeStore()
	store.failFor["000001.SZ"] = true
	codes := []string{"600000.SH", "000001.SZ"}
	tracker.Init(checkpoint.DateRange{}, len(codes))

	collect := collectorFunc(func(context.Context, string, string, string) ([]shared.DailyBar, error) {
		return bars(3), nil
	})

	coord := NewCoordinator(
		func() shared.Collector { return collect },
		store, brk, det, tracker, nil, 1, "", "",
	)
	report := coord.Run(context.Background(), codes)

	assert.Equal(t, 1, report.Success)
	assert.Equal(t, 1, report.Failed)

	items := tracker.FailedItems()
	require.Len(t, items, 1)
	assert.Equal(t, "000001.SZ", items[0].TsCode)
	assert.Contains(t, items[0].Reason, "storage:")
}

func TestRunInterruptLeavesRemainderUntouched(t *testing.T) {
	brk, det, tracker := testDeps(t)
	store := newFakeStore()
	codes := []string{"600000.SH", "000001.SZ", "300750.SZ", "688981.SH"}
	tracker.Init(checkpoint.DateRange{}, len(codes))

	ctx, cancel := context.WithCancel(context.Background())
	collect := collectorFunc(func(_ context.Context, tsCode, _, _ string) ([]shared.DailyBar, error) {
		if tsCode == "000001.SZ" {
			cancel()
		}
		return bars(1), nil
	})

	coord := NewCoordinator(
		func() shared.Collector { return collect },
		store, brk, det, tracker, nil, 1, "", "",
	)
	report := coord.Run(ctx, codes)

	// interrupted items stay unmarked so a resumed run picks them up
	assert.Less(t, report.Success+report.Failed, len(codes))
	remaining := tracker.Remaining(codes)
	assert.NotEmpty(t, remaining)
	for _, code := range remaining {
		assert.False(t, tracker.IsCompleted(code))
	}
}

func TestRunIncrementalStartsFromLatestStoredDate(t *testing.T) {
	brk, det, tracker := testDeps(t)
	store := newFakeStore()
	store.latest["600000.SH"] = "20240601"
	codes := []string{"600000.SH", "000001.SZ"}
	tracker.Init(checkpoint.DateRange{}, len(codes))

	var mu sync.Mutex
	starts := map[string]string{}
	collect := collectorFunc(func(_ context.Context, tsCode, startDate, _ string) ([]shared.DailyBar, error) {
		mu.Lock()
		starts[tsCode] = startDate
		mu.Unlock()
		return bars(1), nil
	})

	coord := NewCoordinator(
		func() shared.Collector { return collect },
		store, brk, det, tracker, nil, 1, "", "20240630",
	)
	report := coord.Run(context.Background(), codes)
	require.Equal(t, 2, report.Success)

	mu.Lock()
	defer mu.Unlock()
	// symbols with stored data resume from their latest date; the overlap
	// day is deduped by storage. New symbols fetch the full range.
	assert.Equal(t, "20240601", starts["600000.SH"])
	assert.Equal(t, "", starts["000001.SZ"])
}

func TestRunBreakerGaugeCountsTrips(t *testing.T) {
	_, det, tracker := testDeps(t)
	brk := breaker.New(2, time.Millisecond, true)
	store := newFakeStore()
	met := newTestMetrics()
	codes := []string{"600000.SH", "000001.SZ", "300750.SZ"}
	tracker.Init(checkpoint.DateRange{}, len(codes))

	collect := collectorFunc(func(context.Context, string, string, string) ([]shared.DailyBar, error) {
		return nil, errors.New("timeout")
	})

	coord := NewCoordinator(
		func() shared.Collector { return collect },
		store, brk, det, tracker, met, 1, "", "",
	)
	report := coord.Run(context.Background(), codes)

	assert.Equal(t, 3, report.Failed)
	// the gauge mirrors the breaker's trip count, not per-item observations
	assert.Equal(t, float64(brk.Stats().PauseCount), testutil.ToFloat64(met.BreakerPauses))
	assert.Equal(t, 1, brk.Stats().PauseCount)
}

func newTestMetrics() *metrics.PrometheusMetrics {
	return &metrics.PrometheusMetrics{
		ItemsCollected:  prometheus.NewCounterVec(prometheus.CounterOpts{Name: "items_collected_total"}, []string{}),
		CollectErrors:   prometheus.NewCounterVec(prometheus.CounterOpts{Name: "collect_errors_total"}, []string{"kind"}),
		RateLimitHits:   prometheus.NewCounter(prometheus.CounterOpts{Name: "rate_limit_hits_total"}),
		Probes:          prometheus.NewCounter(prometheus.CounterOpts{Name: "probes_total"}),
		RecordsInserted: prometheus.NewCounter(prometheus.CounterOpts{Name: "records_inserted_total"}),
		ItemsRemaining:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "items_remaining"}),
		ThrottleDelay:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "throttle_delay_seconds"}),
		BreakerPauses:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "breaker_pauses"}),
		CollectDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "collect_duration_seconds"}, []string{}),
	}
}

func TestRunEachWorkerGetsOwnCollector(t *testing.T) {
	brk, det, tracker := testDeps(t)
	store := newFakeStore()
	codes := []string{"600000.SH", "000001.SZ"}
	tracker.Init(checkpoint.DateRange{}, len(codes))

	var mu sync.Mutex
	made := 0
	newCollector := func() shared.Collector {
		mu.Lock()
		made++
		mu.Unlock()
		return collectorFunc(func(context.Context, string, string, string) ([]shared.DailyBar, error) {
			return bars(1), nil
		})
	}

	coord := NewCoordinator(newCollector, store, brk, det, tracker, nil, 3, "", "")
	coord.Run(context.Background(), codes)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, made)
}
