package cache

import (
	"context"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/observability"
)

func setupTestCache(t *testing.T, config *Config) (*EmbeddingCache, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	resilient := NewResilientRedisClient(client, observability.NewNoopLogger(), observability.NewNoopMetricsClient())

	if config == nil {
		config = DefaultConfig()
	}
	cache, err := NewEmbeddingCache(resilient, config, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	require.NoError(t, err)

	cleanup := func() {
		_ = resilient.Close()
		mr.Close()
	}
	return cache, mr, cleanup
}

func TestCacheSetGet(t *testing.T) {
	cache, _, cleanup := setupTestCache(t, nil)
	defer cleanup()
	ctx := context.Background()

	vector := []float64{0.1, 0.2, 0.3}
	require.NoError(t, cache.Set(ctx, "hello world", "openai", "text-embedding-3-small", vector))

	got, ok := cache.Get(ctx, "hello world", "openai", "text-embedding-3-small")
	require.True(t, ok)
	assert.Equal(t, vector, got)
}

func TestCacheNormalizationEquivalence(t *testing.T) {
	cache, _, cleanup := setupTestCache(t, nil)
	defer cleanup()
	ctx := context.Background()

	vector := []float64{0.5, 0.5}
	require.NoError(t, cache.Set(ctx, "Hello   World", "openai", "text-embedding-3-small", vector))

	got, ok := cache.Get(ctx, "  hello world  ", "openai", "text-embedding-3-small")
	require.True(t, ok)
	assert.Equal(t, vector, got)

	got, ok = cache.Get(ctx, "HELLO\tWORLD", "openai", "text-embedding-3-small")
	require.True(t, ok)
	assert.Equal(t, vector, got)
}

func TestCacheNormalizationNone(t *testing.T) {
	config := DefaultConfig()
	config.Normalization = NormalizationNone
	cache, _, cleanup := setupTestCache(t, config)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "Hello World", "openai", "text-embedding-3-small", []float64{1}))

	_, ok := cache.Get(ctx, "hello world", "openai", "text-embedding-3-small")
	assert.False(t, ok, "case must matter when normalization is disabled")

	_, ok = cache.Get(ctx, "Hello World", "openai", "text-embedding-3-small")
	assert.True(t, ok)
}

func TestCacheKeysIsolatedByModel(t *testing.T) {
	cache, _, cleanup := setupTestCache(t, nil)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "same text", "openai", "text-embedding-3-small", []float64{1, 2}))

	_, ok := cache.Get(ctx, "same text", "openai", "text-embedding-3-large")
	assert.False(t, ok, "a different model must not share entries")

	_, ok = cache.Get(ctx, "same text", "bedrock", "text-embedding-3-small")
	assert.False(t, ok, "a different provider must not share entries")
}

func TestCacheEmptyTextNeverHits(t *testing.T) {
	cache, _, cleanup := setupTestCache(t, nil)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "", "openai", "text-embedding-3-small", []float64{1}))

	_, ok := cache.Get(ctx, "", "openai", "text-embedding-3-small")
	assert.False(t, ok)

	stats, err := cache.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Sets, "empty text must not be stored")
	assert.Equal(t, int64(0), stats.Misses, "empty text is excluded from stats")
}

func TestCacheWhitespaceOnlyTextNeverHits(t *testing.T) {
	cache, _, cleanup := setupTestCache(t, nil)
	defer cleanup()
	ctx := context.Background()

	// Whitespace-only texts normalize to the same key as the empty
	// string, so they must be dropped on write and miss on read.
	require.NoError(t, cache.Set(ctx, "   ", "openai", "text-embedding-3-small", []float64{0.5}))

	_, ok := cache.Get(ctx, "\t \t", "openai", "text-embedding-3-small")
	assert.False(t, ok)

	result := cache.GetBatch(ctx, []string{"real text", " \n "}, "openai", "text-embedding-3-small")
	assert.Empty(t, result.Found)
	assert.Equal(t, []int{0, 1}, result.MissingIndices)

	stats, err := cache.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Sets, "whitespace-only text must not be stored")
	assert.Equal(t, int64(1), stats.Misses, "only the real text counts as a miss")
}

func TestCacheGetBatchPreservesOrder(t *testing.T) {
	cache, _, cleanup := setupTestCache(t, nil)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "cached one", "openai", "m", []float64{1}))
	require.NoError(t, cache.Set(ctx, "cached two", "openai", "m", []float64{2}))

	texts := []string{"missing a", "cached one", "", "missing b", "cached two"}
	result := cache.GetBatch(ctx, texts, "openai", "m")

	assert.Equal(t, []float64{1}, result.Found[1])
	assert.Equal(t, []float64{2}, result.Found[4])
	assert.Equal(t, []int{0, 2, 3}, result.MissingIndices)
}

func TestCacheGetBatchStatsExcludeEmptyInputs(t *testing.T) {
	cache, _, cleanup := setupTestCache(t, nil)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "Foo", "A", "M1", []float64{1, 2, 3}))

	result := cache.GetBatch(ctx, []string{"Foo", "Bar", ""}, "A", "M1")
	assert.Equal(t, []float64{1, 2, 3}, result.Found[0])
	assert.Equal(t, []int{1, 2}, result.MissingIndices)

	stats, err := cache.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses, "the empty string is not a counted miss")
}

func TestCacheInvalidateByModel(t *testing.T) {
	cache, _, cleanup := setupTestCache(t, nil)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "a", "openai", "m1", []float64{1}))
	require.NoError(t, cache.Set(ctx, "b", "openai", "m2", []float64{2}))
	require.NoError(t, cache.Set(ctx, "c", "bedrock", "m1", []float64{3}))

	removed, err := cache.Invalidate(ctx, "openai", "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, ok := cache.Get(ctx, "a", "openai", "m1")
	assert.False(t, ok)
	_, ok = cache.Get(ctx, "b", "openai", "m2")
	assert.True(t, ok)
	_, ok = cache.Get(ctx, "c", "bedrock", "m1")
	assert.True(t, ok)

	// Provider-wide invalidation
	removed, err = cache.Invalidate(ctx, "openai", "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
	_, ok = cache.Get(ctx, "b", "openai", "m2")
	assert.False(t, ok)
}

func TestCacheSetBatchLengthMismatch(t *testing.T) {
	cache, _, cleanup := setupTestCache(t, nil)
	defer cleanup()

	err := cache.SetBatch(context.Background(), []string{"a", "b"}, "openai", "m", [][]float64{{1}})
	assert.Error(t, err)
}

func TestCacheCorruptEntryEvictedOnRead(t *testing.T) {
	cache, mr, cleanup := setupTestCache(t, nil)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "poisoned", "openai", "m", []float64{1}))
	key := cache.Normalizer().RedisKey("poisoned", "openai", "m")
	mr.HSet(key, fieldVector, "not json")

	_, ok := cache.Get(ctx, "poisoned", "openai", "m")
	assert.False(t, ok)
	assert.False(t, mr.Exists(key), "corrupt entry must be removed")
}

func TestCacheEvictionAtCeiling(t *testing.T) {
	config := DefaultConfig()
	config.MaxEntries = 10
	cache, mr, cleanup := setupTestCache(t, config)
	defer cleanup()
	ctx := context.Background()

	texts := []string{"t0", "t1", "t2", "t3", "t4", "t5", "t6", "t7", "t8", "t9"}
	for i, text := range texts {
		require.NoError(t, cache.Set(ctx, text, "openai", "m", []float64{float64(i)}))
		// Distinct timestamps so the LRU order is unambiguous
		mr.HSet(cache.Normalizer().RedisKey(text, "openai", "m"), fieldLastAccessed,
			strconv.FormatInt(int64(1000+i), 10))
	}

	require.NoError(t, cache.Set(ctx, "overflow", "openai", "m", []float64{99}))

	_, ok := cache.Get(ctx, "t0", "openai", "m")
	assert.False(t, ok, "oldest entry must be evicted")
	_, ok = cache.Get(ctx, "t9", "openai", "m")
	assert.True(t, ok, "recent entries survive")
	_, ok = cache.Get(ctx, "overflow", "openai", "m")
	assert.True(t, ok)

	stats, err := cache.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Evictions)
}

func TestCacheStatsPersistAcrossInstances(t *testing.T) {
	cache, mr, cleanup := setupTestCache(t, nil)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "text", "openai", "m", []float64{1}))
	cache.Get(ctx, "text", "openai", "m")
	cache.Get(ctx, "other", "openai", "m")

	// A second instance over the same backend sees the same counters
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	resilient := NewResilientRedisClient(client, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	defer func() { _ = resilient.Close() }()
	other, err := NewEmbeddingCache(resilient, DefaultConfig(), observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	require.NoError(t, err)

	stats, err := other.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Sets)
	assert.InDelta(t, 0.5, stats.HitRate, 0.001)
}

func TestCacheClear(t *testing.T) {
	cache, mr, cleanup := setupTestCache(t, nil)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "a", "openai", "m", []float64{1}))
	require.NoError(t, cache.Set(ctx, "b", "openai", "m", []float64{2}))

	removed, err := cache.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	_, ok := cache.Get(ctx, "a", "openai", "m")
	assert.False(t, ok)

	// Control keys survive a clear
	assert.True(t, mr.Exists(StatsKey))

	stats, err := cache.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Entries)
}

func TestCacheDegradesToMissOnBackendFailure(t *testing.T) {
	cache, mr, cleanup := setupTestCache(t, nil)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "text", "openai", "m", []float64{1}))
	mr.Close()

	_, ok := cache.Get(ctx, "text", "openai", "m")
	assert.False(t, ok, "backend failure must read as a miss")

	assert.NoError(t, cache.Set(ctx, "new", "openai", "m", []float64{2}),
		"writes are dropped silently when the backend is down")

	result := cache.GetBatch(ctx, []string{"a", "b"}, "openai", "m")
	assert.Empty(t, result.Found)
	assert.Equal(t, []int{0, 1}, result.MissingIndices)
}

func TestCacheTouchUpdatesAccessCount(t *testing.T) {
	cache, mr, cleanup := setupTestCache(t, nil)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "text", "openai", "m", []float64{1}))
	key := cache.Normalizer().RedisKey("text", "openai", "m")

	cache.Get(ctx, "text", "openai", "m")
	cache.Get(ctx, "text", "openai", "m")

	assert.Equal(t, "2", mr.HGet(key, fieldAccessCount))
}

func TestNormalizerKeyDeterminism(t *testing.T) {
	n := NewTextNormalizer(NormalizationWhitespaceLowercase)

	k1 := n.Key("Some  Text", "openai", "m")
	k2 := n.Key("some text", "openai", "m")
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 64)

	k3 := n.Key("some text", "openai", "other-model")
	assert.NotEqual(t, k1, k3)
}

func TestConfigValidate(t *testing.T) {
	config := DefaultConfig()
	assert.NoError(t, config.Validate())

	config.MaxEntries = 0
	assert.Error(t, config.Validate())

	config = DefaultConfig()
	config.Normalization = "bogus"
	assert.Error(t, config.Validate())
}
