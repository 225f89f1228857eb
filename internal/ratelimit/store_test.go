package ratelimit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBoundary(maxReq, window int) Boundary {
	b := Boundary{
		MaxRequests:     maxReq,
		WindowSeconds:   window,
		WaitTimeSeconds: window,
		DetectedAt:      time.Now(),
		Confidence:      ConfidenceHigh,
	}
	b.deriveSafety()
	return b
}

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boundaries.json")

	s, err := OpenStore(path)
	require.NoError(t, err)
	assert.Nil(t, s.Boundary("eastmoney.kline.daily"))

	s.RecordDetection("eastmoney.kline.daily", testBoundary(50, 300), time.Now(), 1)

	reloaded, err := OpenStore(path)
	require.NoError(t, err)

	b := reloaded.Boundary("eastmoney.kline.daily")
	require.NotNil(t, b)
	assert.Equal(t, 50, b.MaxRequests)
	assert.Equal(t, 40, b.SafeBatchSize)
	assert.Equal(t, 360, b.SafePauseTime)
	assert.Equal(t, 1, reloaded.Stats("eastmoney.kline.daily").TotalDetections)
}

func TestStoreKeysAreIsolated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boundaries.json")

	s, err := OpenStore(path)
	require.NoError(t, err)

	s.RecordDetection("eastmoney.kline.daily", testBoundary(50, 300), time.Now(), 1)
	s.RecordDetection("eastmoney.list.stocks", testBoundary(200, 60), time.Now(), 2)
	s.IncrRateLimitErrors("eastmoney.kline.daily")

	reloaded, err := OpenStore(path)
	require.NoError(t, err)

	assert.Equal(t, 50, reloaded.Boundary("eastmoney.kline.daily").MaxRequests)
	assert.Equal(t, 200, reloaded.Boundary("eastmoney.list.stocks").MaxRequests)
	assert.Equal(t, 1, reloaded.Stats("eastmoney.kline.daily").TotalRateLimitErrors)
	assert.Equal(t, 0, reloaded.Stats("eastmoney.list.stocks").TotalRateLimitErrors)
}

func TestClearBoundaryKeepsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boundaries.json")

	s, err := OpenStore(path)
	require.NoError(t, err)
	s.RecordDetection("k", testBoundary(10, 60), time.Now(), 3)

	s.ClearBoundary("k")
	assert.Nil(t, s.Boundary("k"))
	assert.Equal(t, 1, s.Stats("k").TotalDetections)

	reloaded, err := OpenStore(path)
	require.NoError(t, err)
	assert.Nil(t, reloaded.Boundary("k"))
}

func TestStoreFileShape(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boundaries.json")

	s, err := OpenStore(path)
	require.NoError(t, err)
	s.RecordDetection("eastmoney.kline.daily", testBoundary(50, 300), time.Now(), 1)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Contains(t, doc, "version")
	assert.Contains(t, doc, "boundaries")
	assert.Contains(t, doc, "metadata")

	var boundaries map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(doc["boundaries"], &boundaries))
	assert.Contains(t, boundaries, "eastmoney.kline.daily")
}

func TestOpenStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boundaries.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := OpenStore(path)
	assert.Error(t, err)
}
