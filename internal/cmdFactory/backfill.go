package cmdfactory

import (
	"context"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/YibaiLin/a-share-hub/internal/breaker"
	"github.com/YibaiLin/a-share-hub/internal/checkpoint"
	"github.com/YibaiLin/a-share-hub/internal/ingest"
	"github.com/YibaiLin/a-share-hub/internal/metrics"
	"github.com/YibaiLin/a-share-hub/internal/ratelimit"
	"github.com/YibaiLin/a-share-hub/internal/shared"
	"github.com/YibaiLin/a-share-hub/internal/storage"
)

// BoundaryKey identifies the upstream endpoint whose rate-limit boundary we
// learn; one key per endpoint in the boundary file.
const BoundaryKey = "eastmoney.kline.daily"

type backfillFactory struct {
	*commonFactory
	Stocks        shared.StockLister
	Store         *storage.PostgresStore
	Breaker       *breaker.Breaker
	BoundaryStore *ratelimit.Store
	Detector      *ratelimit.Detector
	Tracker       *checkpoint.Tracker
	Coordinator   *ingest.Coordinator
}

func BackfillNew(cfg *Config) *backfillFactory {
	rdb := newRedis(cfg)
	met := metrics.NewMetrics()
	go metrics.StartNewMetricsServer(":" + strconv.Itoa(cfg.MetricsPort))

	f := &backfillFactory{
		commonFactory: &commonFactory{
			RDB:     rdb,
			Metrics: met,
		},
	}

	boundaryStore, err := ratelimit.OpenStore(cfg.BoundaryFile)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.BoundaryFile).Msg("Failed to open boundary store")
	}
	f.BoundaryStore = boundaryStore
	f.Detector = ratelimit.NewDetector(BoundaryKey, boundaryStore)

	tracker, err := checkpoint.Load(cfg.CheckpointFile)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.CheckpointFile).Msg("Failed to load checkpoint")
	}
	f.Tracker = tracker

	f.Breaker = breaker.New(cfg.BreakerThreshold, cfg.BreakerPause, cfg.BreakerEnabled)
	f.Store = newStorage(cfg)

	client := newQuoteClient(cfg)
	f.Stocks = newStockLister(cfg, client, rdb)

	go met.MonitorProgress(context.Background(), tracker)

	f.Coordinator = ingest.NewCoordinator(
		newCollectorFactory(cfg, client, met),
		f.Store,
		f.Breaker,
		f.Detector,
		f.Tracker,
		met,
		cfg.WorkerCount,
		cfg.StartDate,
		cfg.EndDate,
	)
	return f
}
