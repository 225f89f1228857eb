package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/YibaiLin/a-share-hub/internal/checkpoint"
)

type PrometheusMetrics struct {
	ItemsCollected  *prometheus.CounterVec
	CollectErrors   *prometheus.CounterVec
	RateLimitHits   prometheus.Counter
	Probes          prometheus.Counter
	RecordsInserted prometheus.Counter

	ItemsRemaining prometheus.Gauge
	ThrottleDelay  prometheus.Gauge
	BreakerPauses  prometheus.Gauge

	CollectDuration *prometheus.HistogramVec
}

func NewMetrics() *PrometheusMetrics {
	return &PrometheusMetrics{
		ItemsCollected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_items_collected_total",
				Help: "Total number of items collected successfully",
			},
			[]string{},
		),
		CollectErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_collect_errors_total",
				Help: "Total number of collect errors by kind",
			},
			[]string{"kind"},
		),
		RateLimitHits: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_rate_limit_hits_total",
				Help: "Rate-limit errors routed into the boundary detector",
			},
		),
		Probes: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_probes_total",
				Help: "Live probes issued while detecting the rate-limit boundary",
			},
		),
		RecordsInserted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_records_inserted_total",
				Help: "Daily bar rows written to storage",
			},
		),
		BreakerPauses: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_breaker_pauses",
				Help: "Times the circuit breaker has tripped this run",
			},
		),
		ItemsRemaining: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_items_remaining",
				Help: "Items not yet completed in the current run",
			},
		),
		ThrottleDelay: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_throttle_delay_seconds",
				Help: "Current adaptive inter-request delay",
			},
		),
		CollectDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "harvester_collect_duration_seconds",
				Help: "Time taken to collect and store one item",
			},
			[]string{},
		),
	}
}

func StartNewMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Info().Msgf("Metrics server starting on %s", addr)

	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Msg("Metrics server failed")
	}
}

// MonitorProgress keeps the remaining-items gauge in sync with the
// checkpoint while a run is in flight.
func (m *PrometheusMetrics) MonitorProgress(ctx context.Context, tracker *checkpoint.Tracker) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ItemsRemaining.Set(float64(tracker.Summary().Remaining))
		}
	}
}
