package collector

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/YibaiLin/a-share-hub/internal/shared"
)

// kline field order: date, open, close, high, low, volume, amount,
// amplitude, pct_change, change, turnover
const klineFields = 11

// transformKlines converts raw kline strings into normalized bars.
func transformKlines(klines []string) ([]shared.DailyBar, error) {
	bars := make([]shared.DailyBar, 0, len(klines))
	for _, line := range klines {
		bar, err := parseKline(line)
		if err != nil {
			return nil, err
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func parseKline(line string) (shared.DailyBar, error) {
	fields := strings.Split(line, ",")
	if len(fields) < klineFields {
		return shared.DailyBar{}, fmt.Errorf("malformed kline %q: want %d fields, got %d", line, klineFields, len(fields))
	}

	date, err := shared.NormalizeDate(fields[0])
	if err != nil {
		return shared.DailyBar{}, fmt.Errorf("malformed kline date: %w", err)
	}

	bar := shared.DailyBar{
		TradeDate: date,
		Open:      toCents(fields[1]),
		Close:     toCents(fields[2]),
		High:      toCents(fields[3]),
		Low:       toCents(fields[4]),
		Volume:    toInt64(fields[5]),
		Amount:    toCents(fields[6]),
		PctChange: toCents(fields[8]),
		Change:    toCents(fields[9]),
		PreClose:  -1,
	}
	return bar, nil
}

// toCents scales a decimal value x100 into an integer, -1 when missing.
func toCents(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" || s == "-" {
		return -1
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return -1
	}
	return int64(math.Round(f * 100))
}

func toInt64(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" || s == "-" {
		return -1
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return -1
	}
	return int64(f)
}

// validateBars checks the invariants the sink relies on. An empty slice is
// valid: suspended listings legitimately return no data.
func validateBars(bars []shared.DailyBar) error {
	for _, b := range bars {
		if b.TradeDate == "" {
			return fmt.Errorf("bar missing trade_date")
		}
		for name, v := range map[string]int64{
			"open": b.Open, "high": b.High, "low": b.Low, "close": b.Close,
		} {
			if v < -1 {
				return fmt.Errorf("%s: unreasonable price %d on %s", b.TradeDate, v, name)
			}
		}
		if b.High != -1 && b.Low != -1 && b.High < b.Low {
			return fmt.Errorf("%s: high %d below low %d", b.TradeDate, b.High, b.Low)
		}
	}
	return nil
}
