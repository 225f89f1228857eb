package cmdfactory

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/YibaiLin/a-share-hub/internal/cache"
	"github.com/YibaiLin/a-share-hub/internal/collector"
	"github.com/YibaiLin/a-share-hub/internal/metrics"
	"github.com/YibaiLin/a-share-hub/internal/shared"
	"github.com/YibaiLin/a-share-hub/internal/storage"
	"github.com/YibaiLin/a-share-hub/internal/throttle"
)

type Config struct {
	// Postgres
	PgDSN       string
	PgBatchSize int

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Upstream API
	APIBaseURL string
	UserAgent  string
	Retries    int

	// State files
	CheckpointFile string
	BoundaryFile   string

	// Run shape
	WorkerCount int
	MetricsPort int
	StartDate   string
	EndDate     string
	Symbols     []string
	Resume      bool
	Clean       bool
	RefreshList bool

	// Throttle
	BaseDelay time.Duration
	MinDelay  time.Duration
	MaxDelay  time.Duration

	// Circuit breaker
	BreakerThreshold int
	BreakerPause     time.Duration
	BreakerEnabled   bool

	// Stock list cache
	CacheTTL time.Duration
}

type commonFactory struct {
	RDB     *redis.Client
	Metrics *metrics.PrometheusMetrics
}

func newRedis(cfg *Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword, // no password set
		DB:       cfg.RedisDB,
	})
}

func newQuoteClient(cfg *Config) *collector.QuoteClient {
	return collector.NewQuoteClient(cfg.APIBaseURL, cfg.UserAgent, 15*time.Second)
}

// newCollectorFactory builds the per-worker collector chain: private adaptive
// throttle, daily pipeline, retry wrapper.
func newCollectorFactory(cfg *Config, client *collector.QuoteClient, met *metrics.PrometheusMetrics) func() shared.Collector {
	return func() shared.Collector {
		th := throttle.New(cfg.BaseDelay, cfg.MinDelay, cfg.MaxDelay)
		dc := collector.NewDailyCollector(client, th)
		if met != nil {
			dc.SetDelayObserver(func(d time.Duration) {
				met.ThrottleDelay.Set(d.Seconds())
			})
		}
		return &collector.RetryCollector{Base: dc, Retries: cfg.Retries}
	}
}

func newStockLister(cfg *Config, client *collector.QuoteClient, rdb *redis.Client) shared.StockLister {
	rc := cache.NewRedisCache(rdb)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !rc.Ping(ctx) {
		log.Warn().Msg("Redis unreachable, stock list cache disabled")
		return collector.NewStockListCollector(client, nil, 0)
	}
	return collector.NewStockListCollector(client, rc, cfg.CacheTTL)
}

func newStorage(cfg *Config) *storage.PostgresStore {
	store, err := storage.NewPostgresStore(context.Background(), cfg.PgDSN, cfg.PgBatchSize)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize storage")
	}
	if err := store.InitSchema(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize schema")
	}
	return store
}
