package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/YibaiLin/a-share-hub/internal/shared"
)

const stockListCacheKey = "ashub:stock_list"

// ListFetcher is the raw listing call; *QuoteClient satisfies it.
type ListFetcher interface {
	FetchStockList(ctx context.Context) ([]shared.StockInfo, error)
}

// StockListCollector resolves the full symbol universe, served through the
// cache when possible. A cache outage degrades to a live fetch.
type StockListCollector struct {
	fetcher ListFetcher
	cache   shared.Cache
	ttl     time.Duration
}

func NewStockListCollector(fetcher ListFetcher, cache shared.Cache, ttl time.Duration) *StockListCollector {
	return &StockListCollector{fetcher: fetcher, cache: cache, ttl: ttl}
}

// Invalidate drops the cached list so the next AllStocks fetches live; used
// when the operator wants newly listed symbols picked up before the TTL runs
// out.
func (s *StockListCollector) Invalidate(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	if err := s.cache.Delete(ctx, stockListCacheKey); err != nil {
		return fmt.Errorf("invalidate stock list cache: %w", err)
	}
	log.Info().Msg("Stock list cache invalidated")
	return nil
}

// AllStocks returns every listed ts_code (exchange suffix applied).
func (s *StockListCollector) AllStocks(ctx context.Context) ([]string, error) {
	if s.cache != nil {
		var cached []string
		ok, err := s.cache.GetJSON(ctx, stockListCacheKey, &cached)
		if err != nil {
			log.Warn().Err(err).Msg("Stock list cache read failed, fetching live")
		} else if ok && len(cached) > 0 {
			log.Info().Int("count", len(cached)).Msg("Stock list served from cache")
			return cached, nil
		}
	}

	infos, err := s.fetcher.FetchStockList(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch stock list: %w", err)
	}
	if len(infos) == 0 {
		return nil, fmt.Errorf("upstream returned empty stock list")
	}

	codes := make([]string, 0, len(infos))
	for _, info := range infos {
		codes = append(codes, shared.FormatTsCode(info.TsCode))
	}
	log.Info().Int("count", len(codes)).Msg("Stock list fetched")

	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, stockListCacheKey, codes, s.ttl); err != nil {
			log.Warn().Err(err).Msg("Stock list cache write failed")
		}
	}

	return codes, nil
}
