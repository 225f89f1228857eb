package shared

import (
	"context"
	"time"
)

// interfaces
type Collector interface {
	Collect(ctx context.Context, tsCode, startDate, endDate string) ([]DailyBar, error)
}
type StockLister interface {
	AllStocks(ctx context.Context) ([]string, error)
	Invalidate(ctx context.Context) error
}
type BarStore interface {
	InsertDaily(ctx context.Context, tsCode string, bars []DailyBar, dedupe bool) (int, error)
	LatestDate(ctx context.Context, tsCode string) (string, error)
}
type Cache interface {
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// structs

// DailyBar is one normalized daily OHLCV record. Prices and amounts are
// stored as int64 cents (raw value x100), pct_change in hundredths of a
// percent. -1 marks a value missing upstream.
type DailyBar struct {
	TradeDate string `json:"trade_date"`
	Open      int64  `json:"open"`
	High      int64  `json:"high"`
	Low       int64  `json:"low"`
	Close     int64  `json:"close"`
	PreClose  int64  `json:"pre_close"`
	Change    int64  `json:"change"`
	PctChange int64  `json:"pct_change"`
	Volume    int64  `json:"volume"`
	Amount    int64  `json:"amount"`
}

type StockInfo struct {
	TsCode string `json:"ts_code"`
	Name   string `json:"name"`
}
