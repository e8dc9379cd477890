package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/observability"
)

func setupTestAnalyzer(t *testing.T) (*Analyzer, *EmbeddingCache, func()) {
	t.Helper()
	cache, _, cleanup := setupTestCache(t, nil)
	analyzer := NewAnalyzer(cache, observability.NewNoopLogger())
	return analyzer, cache, cleanup
}

func TestAnalyzerSnapshotAndHistory(t *testing.T) {
	analyzer, cache, cleanup := setupTestAnalyzer(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "text", "openai", "m", []float64{1}))
	cache.Get(ctx, "text", "openai", "m")

	snap, err := analyzer.TakeSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Stats.Hits)

	history, err := analyzer.History(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, int64(1), history[0].Stats.Hits)

	// A cutoff in the future filters everything out
	history, err = analyzer.History(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestHealthScoreFormula(t *testing.T) {
	// Perfect hit rate, tiny entries, no evictions
	score := HealthScore(Stats{Hits: 80, Misses: 20, Entries: 100, MemoryBytes: 100 * 1024})
	assert.InDelta(t, 1.0, score, 0.01)

	// No traffic at all scores the memory and eviction components only
	score = HealthScore(Stats{})
	assert.InDelta(t, 0.6, score, 0.001)

	// Heavy eviction pressure zeroes the eviction component
	score = HealthScore(Stats{Hits: 80, Misses: 20, Evictions: 50, Entries: 10, MemoryBytes: 1024})
	assert.InDelta(t, 0.7, score, 0.01)

	// Bloated entries zero the memory component
	score = HealthScore(Stats{Hits: 80, Misses: 20, Entries: 1, MemoryBytes: 20 * 1024 * 1024})
	assert.InDelta(t, 0.7, score, 0.01)
}

func TestTrendDetection(t *testing.T) {
	mk := func(rates ...float64) []Snapshot {
		out := make([]Snapshot, len(rates))
		for i, r := range rates {
			out[i] = Snapshot{Timestamp: time.Now(), Stats: Stats{HitRate: r}}
		}
		return out
	}

	// No history to compare against
	assert.Equal(t, TrendUnknown, trendOf(0.5, nil))

	// Current rate more than 0.05 above the daily average
	assert.Equal(t, TrendImproving, trendOf(0.7, mk(0.2, 0.3, 0.4)))

	// Current rate more than 0.05 below the daily average
	assert.Equal(t, TrendDeclining, trendOf(0.2, mk(0.6, 0.7)))

	// Movement inside the noise band
	assert.Equal(t, TrendStable, trendOf(0.52, mk(0.50, 0.52, 0.51)))
	assert.Equal(t, TrendStable, trendOf(0.55, mk(0.5)))
}

func TestHealthRating(t *testing.T) {
	assert.Equal(t, "excellent", Rating(0.95))
	assert.Equal(t, "excellent", Rating(0.8))
	assert.Equal(t, "good", Rating(0.6))
	assert.Equal(t, "fair", Rating(0.4))
	assert.Equal(t, "poor", Rating(0.39))
	assert.Equal(t, "poor", Rating(0))
}

func TestAnalyzerReport(t *testing.T) {
	analyzer, cache, cleanup := setupTestAnalyzer(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "text", "openai", "text-embedding-3-small", []float64{1}))
	cache.Get(ctx, "text", "openai", "text-embedding-3-small")
	cache.Get(ctx, "missing", "openai", "text-embedding-3-small")

	report, err := analyzer.Report(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Stats.Hits)
	assert.Equal(t, int64(1), report.Stats.Misses)
	assert.Greater(t, report.HealthScore, 0.0)
	assert.Equal(t, Rating(report.HealthScore), report.HealthRating)
	assert.InDelta(t, 0.5, report.HitRateTrends.Current, 0.001)
	assert.Equal(t, TrendUnknown, report.HitRateTrends.Trend, "no snapshots yet")
	assert.NotEmpty(t, report.Recommendations)

	require.Len(t, report.Models, 1)
	assert.Equal(t, "openai", report.Models[0].Provider)
	assert.Equal(t, "text-embedding-3-small", report.Models[0].Model)
	assert.Equal(t, int64(1), report.Models[0].Hits)
	assert.Equal(t, int64(1), report.Models[0].Misses)
	assert.InDelta(t, 0.5, report.Models[0].HitRate, 0.001)
}

func TestAnalyzerRecommendations(t *testing.T) {
	analyzer, _, cleanup := setupTestAnalyzer(t)
	defer cleanup()

	recs := analyzer.recommend(Stats{Hits: 10, Misses: 90, HitRate: 0.1}, TrendStable)
	assert.Contains(t, recs[0], "hit rate is low")

	recs = analyzer.recommend(Stats{Hits: 80, Misses: 20, Evictions: 50, HitRate: 0.8}, TrendStable)
	assert.Contains(t, recs[0], "eviction pressure")

	recs = analyzer.recommend(Stats{Hits: 80, Misses: 20, HitRate: 0.8}, TrendStable)
	assert.Contains(t, recs[0], "normal parameters")
}

func TestAnalyzerExport(t *testing.T) {
	analyzer, cache, cleanup := setupTestAnalyzer(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "text", "openai", "m", []float64{1}))
	_, err := analyzer.TakeSnapshot(ctx)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, analyzer.Export(ctx, &buf))

	var decoded struct {
		Report  *Report    `json:"report"`
		History []Snapshot `json:"history"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.NotNil(t, decoded.Report)
	assert.NotEqual(t, TrendUnknown, decoded.Report.HitRateTrends.Trend, "a snapshot exists")
	assert.Len(t, decoded.History, 1)
}

func TestAnalyzerPeriodicLoop(t *testing.T) {
	cache, _, cleanup := setupTestCache(t, nil)
	defer cleanup()
	cache.config.SnapshotInterval = 10 * time.Millisecond

	analyzer := NewAnalyzer(cache, observability.NewNoopLogger())
	analyzer.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	analyzer.Stop()

	history, err := analyzer.History(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.NotEmpty(t, history)
}
