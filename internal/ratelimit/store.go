package ratelimit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const storeVersion = 1

// DetectionRecord is one confirmed detection, kept as history next to the
// current boundary.
type DetectionRecord struct {
	Boundary    Boundary  `json:"boundary"`
	TriggeredAt time.Time `json:"triggered_at"`
	ProbeCount  int       `json:"probe_count"`
}

type KeyStats struct {
	TotalDetections      int `json:"total_detections"`
	TotalRateLimitErrors int `json:"total_rate_limit_errors"`
	TotalProbes          int `json:"total_probes"`
}

type keyEntry struct {
	CurrentBoundary *Boundary         `json:"current_boundary"`
	History         []DetectionRecord `json:"history"`
	Statistics      KeyStats          `json:"statistics"`
}

type storeFile struct {
	Version    int                  `json:"version"`
	Boundaries map[string]*keyEntry `json:"boundaries"`
	Metadata   map[string]string    `json:"metadata"`
}

// Store is the durable map from detector key to boundary state. One JSON
// file holds every key so independent upstream interfaces don't clobber each
// other. All access goes through a single mutex; write failures are logged
// and the in-memory state stays authoritative.
type Store struct {
	mu   sync.Mutex
	path string
	data storeFile
}

// OpenStore loads the boundary file if present, otherwise starts empty. A
// corrupt file is an error: silently dropping confirmed boundaries would
// restart detection from scratch.
func OpenStore(path string) (*Store, error) {
	s := &Store{
		path: path,
		data: storeFile{
			Version:    storeVersion,
			Boundaries: map[string]*keyEntry{},
			Metadata:   map[string]string{},
		},
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		log.Info().Str("path", path).Msg("No boundary store yet, starting empty")
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read boundary store: %w", err)
	}

	if err := json.Unmarshal(raw, &s.data); err != nil {
		return nil, fmt.Errorf("parse boundary store %s: %w", path, err)
	}
	if s.data.Boundaries == nil {
		s.data.Boundaries = map[string]*keyEntry{}
	}
	if s.data.Metadata == nil {
		s.data.Metadata = map[string]string{}
	}

	log.Info().Str("path", path).Int("keys", len(s.data.Boundaries)).Msg("Boundary store loaded")
	return s, nil
}

// Boundary returns a copy of the current boundary for key, or nil.
func (s *Store) Boundary(key string) *Boundary {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.data.Boundaries[key]
	if !ok || entry.CurrentBoundary == nil {
		return nil
	}
	b := *entry.CurrentBoundary
	return &b
}

func (s *Store) Stats(key string) KeyStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.data.Boundaries[key]; ok {
		return entry.Statistics
	}
	return KeyStats{}
}

// RecordDetection overwrites the current boundary for key, appends a history
// record, and persists.
func (s *Store) RecordDetection(key string, b Boundary, triggeredAt time.Time, probes int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.entryLocked(key)
	entry.CurrentBoundary = &b
	entry.History = append(entry.History, DetectionRecord{
		Boundary:    b,
		TriggeredAt: triggeredAt,
		ProbeCount:  probes,
	})
	entry.Statistics.TotalDetections++

	s.saveLocked()
}

// ClearBoundary drops the current boundary for key (re-detection pending)
// but keeps history and statistics.
func (s *Store) ClearBoundary(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.data.Boundaries[key]; ok {
		entry.CurrentBoundary = nil
		s.saveLocked()
	}
}

func (s *Store) IncrRateLimitErrors(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entryLocked(key).Statistics.TotalRateLimitErrors++
	s.saveLocked()
}

func (s *Store) IncrProbes(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entryLocked(key).Statistics.TotalProbes++
	s.saveLocked()
}

// Dump returns the whole store as indented JSON for operator inspection.
func (s *Store) Dump() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.MarshalIndent(s.data, "", "  ")
}

func (s *Store) entryLocked(key string) *keyEntry {
	entry, ok := s.data.Boundaries[key]
	if !ok {
		entry = &keyEntry{}
		s.data.Boundaries[key] = entry
	}
	return entry
}

// saveLocked writes through to disk. A failed write is logged, not fatal:
// memory remains the source of truth for the rest of the run.
func (s *Store) saveLocked() {
	s.data.Metadata["last_update"] = time.Now().Format(time.RFC3339)

	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal boundary store")
		return
	}
	if err := os.WriteFile(s.path, raw, 0o644); err != nil {
		log.Error().Err(err).Str("path", s.path).Msg("Failed to persist boundary store")
	}
}
