// Package storage is the durable sink for collected bars, backed by
// Postgres through pgx.
package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/YibaiLin/a-share-hub/internal/shared"
)

const schema = `
CREATE TABLE IF NOT EXISTS stock_daily (
	ts_code    text   NOT NULL,
	trade_date text   NOT NULL,
	open       bigint NOT NULL,
	high       bigint NOT NULL,
	low        bigint NOT NULL,
	close      bigint NOT NULL,
	pre_close  bigint NOT NULL,
	change     bigint NOT NULL,
	pct_change bigint NOT NULL,
	volume     bigint NOT NULL,
	amount     bigint NOT NULL,
	PRIMARY KEY (ts_code, trade_date)
);
CREATE INDEX IF NOT EXISTS idx_stock_daily_date ON stock_daily (trade_date);
`

type PostgresStore struct {
	pool      *pgxpool.Pool
	batchSize int
}

func NewPostgresStore(ctx context.Context, dsn string, batchSize int) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if batchSize <= 0 {
		batchSize = 1000
	}
	log.Info().Int("batch_size", batchSize).Msg("Postgres store connected")
	return &PostgresStore{pool: pool, batchSize: batchSize}, nil
}

func (s *PostgresStore) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

// InsertDaily inserts bars for one symbol and returns the number of rows
// actually written. With dedupe it first queries trade dates already present
// in the batch's min/max range and drops those records; ON CONFLICT is kept
// as a second fence against concurrent writers.
func (s *PostgresStore) InsertDaily(ctx context.Context, tsCode string, bars []shared.DailyBar, dedupe bool) (int, error) {
	if len(bars) == 0 {
		log.Debug().Str("ts_code", tsCode).Msg("No bars to insert")
		return 0, nil
	}

	if dedupe {
		existing, err := s.existingDates(ctx, tsCode, bars)
		if err != nil {
			// dedup is an optimization; ON CONFLICT still protects us
			log.Warn().Err(err).Str("ts_code", tsCode).Msg("Dedup query failed, inserting all")
		} else {
			before := len(bars)
			bars = filterNewBars(bars, existing)
			if len(bars) < before {
				log.Info().
					Str("ts_code", tsCode).
					Int("incoming", before).
					Int("existing", before-len(bars)).
					Int("new", len(bars)).
					Msg("Dedup filtered existing bars")
			}
			if len(bars) == 0 {
				return 0, nil
			}
		}
	}

	total := 0
	for start := 0; start < len(bars); start += s.batchSize {
		end := start + s.batchSize
		if end > len(bars) {
			end = len(bars)
		}

		inserted, err := s.insertBatch(ctx, tsCode, bars[start:end])
		if err != nil {
			return total, fmt.Errorf("insert daily %s: %w", tsCode, err)
		}
		total += inserted
	}

	log.Info().Str("ts_code", tsCode).Int("inserted", total).Msg("Daily bars inserted")
	return total, nil
}

func (s *PostgresStore) insertBatch(ctx context.Context, tsCode string, bars []shared.DailyBar) (int, error) {
	batch := &pgx.Batch{}
	for _, b := range bars {
		batch.Queue(
			`INSERT INTO stock_daily
			   (ts_code, trade_date, open, high, low, close, pre_close, change, pct_change, volume, amount)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
			 ON CONFLICT (ts_code, trade_date) DO NOTHING`,
			tsCode, b.TradeDate, b.Open, b.High, b.Low, b.Close,
			b.PreClose, b.Change, b.PctChange, b.Volume, b.Amount,
		)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	inserted := 0
	for range bars {
		tag, err := results.Exec()
		if err != nil {
			return inserted, err
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

func (s *PostgresStore) existingDates(ctx context.Context, tsCode string, bars []shared.DailyBar) (map[string]struct{}, error) {
	minDate, maxDate := dateRange(bars)

	rows, err := s.pool.Query(ctx,
		`SELECT trade_date FROM stock_daily
		 WHERE ts_code = $1 AND trade_date >= $2 AND trade_date <= $3`,
		tsCode, minDate, maxDate,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	existing := map[string]struct{}{}
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		existing[d] = struct{}{}
	}
	return existing, rows.Err()
}

// QueryDaily returns bars for one symbol in [startDate, endDate], newest
// first. Empty bounds are open-ended.
func (s *PostgresStore) QueryDaily(ctx context.Context, tsCode, startDate, endDate string, limit int) ([]shared.DailyBar, error) {
	sql := `SELECT trade_date, open, high, low, close, pre_close, change, pct_change, volume, amount
	        FROM stock_daily WHERE ts_code = $1`
	args := []any{tsCode}

	if startDate != "" {
		args = append(args, startDate)
		sql += fmt.Sprintf(" AND trade_date >= $%d", len(args))
	}
	if endDate != "" {
		args = append(args, endDate)
		sql += fmt.Sprintf(" AND trade_date <= $%d", len(args))
	}
	sql += " ORDER BY trade_date DESC"
	if limit > 0 {
		args = append(args, limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query daily %s: %w", tsCode, err)
	}
	defer rows.Close()

	var bars []shared.DailyBar
	for rows.Next() {
		var b shared.DailyBar
		if err := rows.Scan(&b.TradeDate, &b.Open, &b.High, &b.Low, &b.Close,
			&b.PreClose, &b.Change, &b.PctChange, &b.Volume, &b.Amount); err != nil {
			return nil, err
		}
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// LatestDate returns the newest stored trade date for a symbol, empty string
// when the symbol has no data yet.
func (s *PostgresStore) LatestDate(ctx context.Context, tsCode string) (string, error) {
	var latest *string
	err := s.pool.QueryRow(ctx,
		`SELECT max(trade_date) FROM stock_daily WHERE ts_code = $1`, tsCode,
	).Scan(&latest)
	if err != nil {
		return "", fmt.Errorf("latest date %s: %w", tsCode, err)
	}
	if latest == nil {
		return "", nil
	}
	return *latest, nil
}

func dateRange(bars []shared.DailyBar) (string, string) {
	minDate, maxDate := bars[0].TradeDate, bars[0].TradeDate
	for _, b := range bars[1:] {
		if b.TradeDate < minDate {
			minDate = b.TradeDate
		}
		if b.TradeDate > maxDate {
			maxDate = b.TradeDate
		}
	}
	return minDate, maxDate
}

func filterNewBars(bars []shared.DailyBar, existing map[string]struct{}) []shared.DailyBar {
	if len(existing) == 0 {
		return bars
	}
	out := bars[:0:0]
	for _, b := range bars {
		if _, dup := existing[b.TradeDate]; !dup {
			out = append(out, b)
		}
	}
	return out
}
