// Package checkpoint is the durable per-item progress ledger that makes
// backfill runs resumable. Every mutation writes through to disk, so a crash
// loses at most the single in-flight item.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const timeLayout = "2006-01-02 15:04:05"

type DateRange struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

type Statistics struct {
	Success      int `json:"success"`
	Failed       int `json:"failed"`
	TotalRecords int `json:"total_records"`
}

type FailedItem struct {
	TsCode string `json:"ts_code"`
	Reason string `json:"reason"`
}

type fileFormat struct {
	DateRange       DateRange    `json:"date_range"`
	TotalItems      int          `json:"total_items"`
	CompletedStocks []string     `json:"completed_stocks"`
	FailedStocks    []FailedItem `json:"failed_stocks"`
	Statistics      Statistics   `json:"statistics"`
	StartTime       string       `json:"start_time"`
	LastUpdate      string       `json:"last_update"`
}

type Summary struct {
	TotalItems      int
	Completed       int
	Remaining       int
	Success         int
	Failed          int
	TotalRecords    int
	ProgressPercent float64
}

// Tracker keeps the in-memory view and mirrors it to one JSON file. Shared
// by all workers of a run; every method is safe for concurrent use.
type Tracker struct {
	mu   sync.Mutex
	path string

	dateRange      DateRange
	totalItems     int
	completedOrder []string
	completed      map[string]struct{}
	failed         map[string]string
	failedOrder    []string
	stats          Statistics
	startTime      string
}

// Load reads an existing ledger from path, or starts empty if none exists.
func Load(path string) (*Tracker, error) {
	t := &Tracker{
		path:      path,
		completed: map[string]struct{}{},
		failed:    map[string]string{},
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		log.Info().Str("path", path).Msg("No checkpoint yet, starting fresh")
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var f fileFormat
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", path, err)
	}

	t.dateRange = f.DateRange
	t.totalItems = f.TotalItems
	t.stats = f.Statistics
	t.startTime = f.StartTime
	for _, code := range f.CompletedStocks {
		t.completed[code] = struct{}{}
		t.completedOrder = append(t.completedOrder, code)
	}
	for _, item := range f.FailedStocks {
		t.failed[item.TsCode] = item.Reason
		t.failedOrder = append(t.failedOrder, item.TsCode)
	}

	log.Info().Str("path", path).Int("completed", len(t.completed)).Msg("Checkpoint loaded")
	return t, nil
}

// Init starts a new ledger, discarding any previous progress.
func (t *Tracker) Init(dr DateRange, totalItems int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.dateRange = dr
	t.totalItems = totalItems
	t.completed = map[string]struct{}{}
	t.completedOrder = nil
	t.failed = map[string]string{}
	t.failedOrder = nil
	t.stats = Statistics{}
	t.startTime = time.Now().Format(timeLayout)

	t.saveLocked()
	log.Info().
		Str("start_date", dr.StartDate).
		Str("end_date", dr.EndDate).
		Int("total_items", totalItems).
		Msg("Checkpoint initialized")
}

// MarkSuccess records a completed item. An item is never in both sets:
// success removes any earlier failure entry.
func (t *Tracker) MarkSuccess(tsCode string, records int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.completed[tsCode]; !ok {
		t.completed[tsCode] = struct{}{}
		t.completedOrder = append(t.completedOrder, tsCode)
	}
	t.removeFailedLocked(tsCode)

	// success/failed mirror the sets so a retried item is never counted twice
	t.stats.Success = len(t.completed)
	t.stats.Failed = len(t.failed)
	t.stats.TotalRecords += records

	t.saveLocked()
}

// MarkFailed records a failure with its reason and removes the item from the
// completed set if present.
func (t *Tracker) MarkFailed(tsCode, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.failed[tsCode]; !ok {
		t.failedOrder = append(t.failedOrder, tsCode)
	}
	t.failed[tsCode] = reason

	if _, ok := t.completed[tsCode]; ok {
		delete(t.completed, tsCode)
		for i, c := range t.completedOrder {
			if c == tsCode {
				t.completedOrder = append(t.completedOrder[:i], t.completedOrder[i+1:]...)
				break
			}
		}
	}

	t.stats.Success = len(t.completed)
	t.stats.Failed = len(t.failed)

	t.saveLocked()
}

func (t *Tracker) removeFailedLocked(tsCode string) {
	if _, ok := t.failed[tsCode]; !ok {
		return
	}
	delete(t.failed, tsCode)
	for i, c := range t.failedOrder {
		if c == tsCode {
			t.failedOrder = append(t.failedOrder[:i], t.failedOrder[i+1:]...)
			break
		}
	}
}

// Remaining returns all items not yet completed, preserving input order.
func (t *Tracker) Remaining(all []string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	remaining := make([]string, 0, len(all))
	for _, code := range all {
		if _, done := t.completed[code]; !done {
			remaining = append(remaining, code)
		}
	}
	return remaining
}

// HasProgress reports whether a persisted ledger with at least one completed
// item exists on disk.
func (t *Tracker) HasProgress() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := os.Stat(t.path); err != nil {
		return false
	}
	return len(t.completed) > 0
}

// Clear deletes the persisted ledger and resets in-memory state.
func (t *Tracker) Clear() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := os.Remove(t.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove checkpoint: %w", err)
	}

	t.dateRange = DateRange{}
	t.totalItems = 0
	t.completed = map[string]struct{}{}
	t.completedOrder = nil
	t.failed = map[string]string{}
	t.failedOrder = nil
	t.stats = Statistics{}
	t.startTime = ""

	log.Info().Str("path", t.path).Msg("Checkpoint cleared")
	return nil
}

func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Summary{
		TotalItems:   t.totalItems,
		Completed:    len(t.completed),
		Remaining:    t.totalItems - len(t.completed),
		Success:      t.stats.Success,
		Failed:       t.stats.Failed,
		TotalRecords: t.stats.TotalRecords,
	}
	if t.totalItems > 0 {
		s.ProgressPercent = float64(len(t.completed)) / float64(t.totalItems) * 100
	}
	return s
}

func (t *Tracker) FailedCodes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, len(t.failedOrder))
	copy(out, t.failedOrder)
	return out
}

func (t *Tracker) FailedItems() []FailedItem {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]FailedItem, 0, len(t.failedOrder))
	for _, code := range t.failedOrder {
		out = append(out, FailedItem{TsCode: code, Reason: t.failed[code]})
	}
	return out
}

func (t *Tracker) DateRange() DateRange {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dateRange
}

func (t *Tracker) IsCompleted(tsCode string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.completed[tsCode]
	return ok
}

// saveLocked writes through to disk. Write failures are logged, never fatal:
// the in-memory ledger stays authoritative for the rest of the run.
func (t *Tracker) saveLocked() {
	f := fileFormat{
		DateRange:       t.dateRange,
		TotalItems:      t.totalItems,
		CompletedStocks: t.completedOrder,
		FailedStocks:    make([]FailedItem, 0, len(t.failedOrder)),
		Statistics:      t.stats,
		StartTime:       t.startTime,
		LastUpdate:      time.Now().Format(timeLayout),
	}
	if f.CompletedStocks == nil {
		f.CompletedStocks = []string{}
	}
	for _, code := range t.failedOrder {
		f.FailedStocks = append(f.FailedStocks, FailedItem{TsCode: code, Reason: t.failed[code]})
	}

	raw, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal checkpoint")
		return
	}
	if err := os.WriteFile(t.path, raw, 0o644); err != nil {
		log.Error().Err(err).Str("path", t.path).Msg("Failed to persist checkpoint")
	}
}
