package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/observability"
)

// Entry hash fields
const (
	fieldTextHash     = "text_hash"
	fieldProvider     = "provider"
	fieldModel        = "model"
	fieldVector       = "vector"
	fieldCreatedAt    = "created_at"
	fieldLastAccessed = "last_accessed"
	fieldAccessCount  = "access_count"
	fieldTextLength   = "text_length"
)

// entryKeyHashLen is the hex length of a SHA-256 entry key suffix.
// Used to tell entry keys apart from control keys under the same prefix.
const entryKeyHashLen = 64

// evictFraction is the share of the ceiling removed per eviction pass
const evictFraction = 0.10

// EmbeddingCache caches embedding vectors in Redis keyed by the
// normalized (text, provider, model) triple. All backend failures
// degrade to misses; the cache never fails a read path.
type EmbeddingCache struct {
	redis      *ResilientRedisClient
	normalizer *TextNormalizer
	config     *Config
	stats      *statsStore
	logger     observability.Logger
	metrics    observability.MetricsClient
}

// NewEmbeddingCache creates an embedding cache over the given client
func NewEmbeddingCache(
	client *ResilientRedisClient,
	config *Config,
	logger observability.Logger,
	metrics observability.MetricsClient,
) (*EmbeddingCache, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = observability.NewLogger("embedding.cache")
	}
	if metrics == nil {
		metrics = observability.NewMetricsClient()
	}

	return &EmbeddingCache{
		redis:      client,
		normalizer: NewTextNormalizer(config.Normalization),
		config:     config,
		stats:      newStatsStore(client, logger),
		logger:     logger,
		metrics:    metrics,
	}, nil
}

// Normalizer exposes the cache's key derivation for callers that need
// to compute keys without touching the backend.
func (c *EmbeddingCache) Normalizer() *TextNormalizer {
	return c.normalizer
}

// Config returns the active configuration
func (c *EmbeddingCache) Config() *Config {
	return c.config
}

// Get looks up a single embedding. The second return value reports
// whether the lookup was a hit. Empty or whitespace-only text never hits.
func (c *EmbeddingCache) Get(ctx context.Context, text, provider, model string) ([]float64, bool) {
	ctx, span := observability.StartSpan(ctx, "cache.Get")
	defer span.End()

	// Empty and whitespace-only texts are permanent misses and never
	// count toward stats
	if strings.TrimSpace(text) == "" {
		return nil, false
	}

	key := c.normalizer.RedisKey(text, provider, model)
	result, err := c.redis.Execute(ctx, func() (interface{}, error) {
		return c.redis.Client().HGetAll(ctx, key).Result()
	})
	if err != nil {
		c.degrade(ctx, "get", err)
		return nil, false
	}

	fields, ok := result.(map[string]string)
	if !ok || len(fields) == 0 {
		c.stats.RecordMisses(ctx, 1)
		c.recordModelLookup(provider, model, false)
		return nil, false
	}

	vector, parseErr := parseEntryVector(fields, provider, model)
	if parseErr != nil {
		// Corrupt entries are evicted rather than returned
		c.logger.Warn("Evicting corrupt cache entry", map[string]interface{}{
			"key":   key,
			"error": parseErr.Error(),
		})
		c.deleteEntries(ctx, key)
		c.stats.RecordMisses(ctx, 1)
		return nil, false
	}

	c.touch(ctx, key)
	c.stats.RecordHits(ctx, 1)
	c.recordModelLookup(provider, model, true)
	return vector, true
}

// GetBatch looks up many texts in one pipelined round trip. Found is
// indexed by input position; MissingIndices preserves input order so
// the caller can request residual embeddings and zip results back.
func (c *EmbeddingCache) GetBatch(ctx context.Context, texts []string, provider, model string) *BatchResult {
	ctx, span := observability.StartSpan(ctx, "cache.GetBatch")
	defer span.End()

	out := &BatchResult{Found: make(map[int][]float64)}
	if len(texts) == 0 {
		return out
	}

	keys := make([]string, len(texts))
	for i, text := range texts {
		keys[i] = c.normalizer.RedisKey(text, provider, model)
	}

	result, err := c.redis.Execute(ctx, func() (interface{}, error) {
		pipe := c.redis.Client().Pipeline()
		cmds := make([]*redis.StringStringMapCmd, len(texts))
		for i, text := range texts {
			if strings.TrimSpace(text) == "" {
				continue
			}
			cmds[i] = pipe.HGetAll(ctx, keys[i])
		}
		if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
			return nil, err
		}
		return cmds, nil
	})
	if err != nil {
		c.degrade(ctx, "get_batch", err)
		for i := range texts {
			out.MissingIndices = append(out.MissingIndices, i)
		}
		return out
	}

	cmds := result.([]*redis.StringStringMapCmd)
	var hitKeys []string
	var hits, misses int64
	for i := range texts {
		if cmds[i] == nil {
			// Blank input, permanent miss, excluded from stats
			out.MissingIndices = append(out.MissingIndices, i)
			continue
		}
		fields, cmdErr := cmds[i].Result()
		if cmdErr != nil || len(fields) == 0 {
			out.MissingIndices = append(out.MissingIndices, i)
			misses++
			continue
		}
		vector, parseErr := parseEntryVector(fields, provider, model)
		if parseErr != nil {
			c.deleteEntries(ctx, keys[i])
			out.MissingIndices = append(out.MissingIndices, i)
			misses++
			continue
		}
		out.Found[i] = vector
		hitKeys = append(hitKeys, keys[i])
		hits++
	}

	if len(hitKeys) > 0 {
		c.touch(ctx, hitKeys...)
	}
	c.stats.RecordHits(ctx, hits)
	c.stats.RecordMisses(ctx, misses)
	if hits > 0 {
		c.recordModelLookups(provider, model, hits, true)
	}
	if misses > 0 {
		c.recordModelLookups(provider, model, misses, false)
	}
	return out
}

// Set stores one embedding. Blank texts and empty vectors are dropped
// silently so degenerate inputs can never poison the cache.
func (c *EmbeddingCache) Set(ctx context.Context, text, provider, model string, vector []float64) error {
	return c.SetBatch(ctx, []string{text}, provider, model, [][]float64{vector})
}

// SetBatch stores many embeddings in one pipelined round trip.
// texts and vectors must be the same length.
func (c *EmbeddingCache) SetBatch(ctx context.Context, texts []string, provider, model string, vectors [][]float64) error {
	ctx, span := observability.StartSpan(ctx, "cache.SetBatch")
	defer span.End()

	if len(texts) != len(vectors) {
		return fmt.Errorf("texts and vectors length mismatch: %d != %d", len(texts), len(vectors))
	}
	if len(texts) == 0 {
		return nil
	}

	type pending struct {
		key    string
		fields map[string]interface{}
		size   int64
	}
	now := time.Now()
	var writes []pending
	for i, text := range texts {
		if strings.TrimSpace(text) == "" || len(vectors[i]) == 0 {
			continue
		}
		payload, err := json.Marshal(vectors[i])
		if err != nil {
			return fmt.Errorf("failed to encode vector: %w", err)
		}
		key := c.normalizer.RedisKey(text, provider, model)
		writes = append(writes, pending{
			key: key,
			fields: map[string]interface{}{
				fieldTextHash:     c.normalizer.Key(text, provider, model),
				fieldProvider:     provider,
				fieldModel:        model,
				fieldVector:       string(payload),
				fieldCreatedAt:    now.Unix(),
				fieldLastAccessed: now.Unix(),
				fieldAccessCount:  0,
				fieldTextLength:   len(text),
			},
			size: int64(len(payload)) + 200,
		})
	}
	if len(writes) == 0 {
		return nil
	}

	if err := c.evictIfNeeded(ctx, len(writes)); err != nil {
		c.degrade(ctx, "evict", err)
	}

	result, err := c.redis.Execute(ctx, func() (interface{}, error) {
		pipe := c.redis.Client().Pipeline()
		existsCmds := make([]*redis.IntCmd, len(writes))
		for i, w := range writes {
			existsCmds[i] = pipe.Exists(ctx, w.key)
			pipe.HSet(ctx, w.key, w.fields)
			pipe.Expire(ctx, w.key, c.config.TTL)
		}
		if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
			return nil, err
		}
		return existsCmds, nil
	})
	if err != nil {
		c.degrade(ctx, "set_batch", err)
		return nil
	}

	var newEntries, newBytes int64
	existsCmds := result.([]*redis.IntCmd)
	for i, cmd := range existsCmds {
		if n, _ := cmd.Result(); n == 0 {
			newEntries++
			newBytes += writes[i].size
		}
	}
	c.stats.RecordSets(ctx, int64(len(writes)))
	c.stats.AdjustEntries(ctx, newEntries, newBytes)
	return nil
}

// Clear removes every cache entry. Control keys (stats, warming queue,
// analytics) survive; only embeddings are dropped.
func (c *EmbeddingCache) Clear(ctx context.Context) (int64, error) {
	ctx, span := observability.StartSpan(ctx, "cache.Clear")
	defer span.End()

	keys, err := c.scanEntryKeys(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to scan cache entries: %w", err)
	}
	if len(keys) > 0 {
		if err := c.redis.Del(ctx, keys...); err != nil {
			return 0, fmt.Errorf("failed to delete cache entries: %w", err)
		}
	}
	c.stats.ResetEntries(ctx)
	c.logger.Info("Cache cleared", map[string]interface{}{"removed": len(keys)})
	return int64(len(keys)), nil
}

// Invalidate removes entries matching the provider and model filters.
// An empty filter matches everything, so Invalidate(ctx, "", "") is a
// full clear of the entry keyspace.
func (c *EmbeddingCache) Invalidate(ctx context.Context, provider, model string) (int64, error) {
	ctx, span := observability.StartSpan(ctx, "cache.Invalidate")
	defer span.End()

	if provider == "" && model == "" {
		return c.Clear(ctx)
	}

	keys, err := c.scanEntryKeys(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to scan cache entries: %w", err)
	}

	var victims []string
	for _, key := range keys {
		result, err := c.redis.Execute(ctx, func() (interface{}, error) {
			return c.redis.Client().HMGet(ctx, key, fieldProvider, fieldModel).Result()
		})
		if err != nil {
			continue
		}
		vals := result.([]interface{})
		entryProvider, _ := vals[0].(string)
		entryModel, _ := vals[1].(string)
		if provider != "" && entryProvider != provider {
			continue
		}
		if model != "" && entryModel != model {
			continue
		}
		victims = append(victims, key)
	}

	if len(victims) > 0 {
		if err := c.redis.Del(ctx, victims...); err != nil {
			return 0, fmt.Errorf("failed to delete invalidated entries: %w", err)
		}
		c.stats.AdjustEntries(ctx, -int64(len(victims)), 0)
	}
	c.logger.Info("Cache entries invalidated", map[string]interface{}{
		"provider": provider,
		"model":    model,
		"removed":  len(victims),
	})
	return int64(len(victims)), nil
}

// Stats returns a point-in-time view of cache counters
func (c *EmbeddingCache) Stats(ctx context.Context) (*Stats, error) {
	return c.stats.Snapshot(ctx)
}

// Reconcile recounts live entries and repairs the persisted entry
// counter, which drifts as TTLs fire without notification.
func (c *EmbeddingCache) Reconcile(ctx context.Context) (int64, error) {
	keys, err := c.scanEntryKeys(ctx)
	if err != nil {
		return 0, err
	}
	actual := int64(len(keys))
	c.stats.SetEntries(ctx, actual)
	return actual, nil
}

// evictIfNeeded removes the least recently used entries when the
// incoming batch would push the cache past its ceiling. The pass
// removes a tenth of the ceiling so eviction amortizes across writes.
func (c *EmbeddingCache) evictIfNeeded(ctx context.Context, incoming int) error {
	snapshot, err := c.stats.Snapshot(ctx)
	if err != nil {
		return err
	}
	if snapshot.Entries+int64(incoming) <= int64(c.config.MaxEntries) {
		return nil
	}

	// The counter can over-report after TTL expiry; recount before
	// actually evicting.
	keys, err := c.scanEntryKeys(ctx)
	if err != nil {
		return err
	}
	c.stats.SetEntries(ctx, int64(len(keys)))
	if len(keys)+incoming <= c.config.MaxEntries {
		return nil
	}

	toEvict := int(float64(c.config.MaxEntries) * evictFraction)
	if toEvict < 1 {
		toEvict = 1
	}

	type candidate struct {
		key          string
		lastAccessed int64
	}
	result, err := c.redis.Execute(ctx, func() (interface{}, error) {
		pipe := c.redis.Client().Pipeline()
		cmds := make([]*redis.StringCmd, len(keys))
		for i, key := range keys {
			cmds[i] = pipe.HGet(ctx, key, fieldLastAccessed)
		}
		if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
			return nil, err
		}
		return cmds, nil
	})
	if err != nil {
		return err
	}

	cmds := result.([]*redis.StringCmd)
	candidates := make([]candidate, len(keys))
	for i, key := range keys {
		// Entries without a readable timestamp sort oldest
		var accessed int64
		if raw, cmdErr := cmds[i].Result(); cmdErr == nil {
			accessed, _ = strconv.ParseInt(raw, 10, 64)
		}
		candidates[i] = candidate{key: key, lastAccessed: accessed}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastAccessed < candidates[j].lastAccessed
	})

	if toEvict > len(candidates) {
		toEvict = len(candidates)
	}
	victims := make([]string, toEvict)
	for i := 0; i < toEvict; i++ {
		victims[i] = candidates[i].key
	}
	if err := c.redis.Del(ctx, victims...); err != nil {
		return err
	}

	// Memory accounting is an estimate; shrink it by the average
	// per-entry footprint observed so far.
	avgBytes := int64(0)
	if snapshot.Entries > 0 {
		avgBytes = snapshot.MemoryBytes / snapshot.Entries
	}
	c.stats.RecordEvictions(ctx, int64(toEvict))
	c.stats.AdjustEntries(ctx, -int64(toEvict), -int64(toEvict)*avgBytes)
	c.metrics.IncrementCounterWithLabels("cache_evictions", float64(toEvict), nil)
	c.logger.Info("Evicted least recently used entries", map[string]interface{}{
		"evicted": toEvict,
		"ceiling": c.config.MaxEntries,
	})
	return nil
}

// scanEntryKeys iterates the entry keyspace, skipping control keys
// that share the prefix.
func (c *EmbeddingCache) scanEntryKeys(ctx context.Context) ([]string, error) {
	var keys []string
	var cursor uint64
	prefixLen := len(EntryPrefix) + 1
	for {
		batch, next, err := c.redis.Client().Scan(ctx, cursor, EntryPrefix+":*", 500).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range batch {
			if len(key) == prefixLen+entryKeyHashLen {
				keys = append(keys, key)
			}
		}
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// touch refreshes access bookkeeping and the sliding TTL for hit keys
func (c *EmbeddingCache) touch(ctx context.Context, keys ...string) {
	now := time.Now().Unix()
	_, err := c.redis.Execute(ctx, func() (interface{}, error) {
		pipe := c.redis.Client().Pipeline()
		for _, key := range keys {
			pipe.HIncrBy(ctx, key, fieldAccessCount, 1)
			pipe.HSet(ctx, key, fieldLastAccessed, now)
			pipe.Expire(ctx, key, c.config.TTL)
		}
		_, err := pipe.Exec(ctx)
		return nil, err
	})
	if err != nil {
		c.logger.Debug("Failed to refresh entry access metadata", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (c *EmbeddingCache) deleteEntries(ctx context.Context, keys ...string) {
	if err := c.redis.Del(ctx, keys...); err != nil {
		c.logger.Debug("Failed to delete cache entries", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	c.stats.AdjustEntries(ctx, -int64(len(keys)), 0)
}

// degrade records a backend failure and lets the caller proceed as if
// the cache had missed.
func (c *EmbeddingCache) degrade(ctx context.Context, operation string, err error) {
	c.stats.RecordErrors(ctx, 1)
	c.metrics.IncrementCounterWithLabels("cache_backend_errors", 1, map[string]string{
		"operation": operation,
	})
	c.logger.Warn("Cache backend unavailable, degrading to miss", map[string]interface{}{
		"operation": operation,
		"error":     err.Error(),
	})
}

func (c *EmbeddingCache) recordModelLookup(provider, model string, hit bool) {
	c.recordModelLookups(provider, model, 1, hit)
}

// recordModelLookups maintains the per-model breakdown consumed by
// analytics. Failures here are invisible to callers.
func (c *EmbeddingCache) recordModelLookups(provider, model string, n int64, hit bool) {
	if !c.config.EnableMetrics {
		return
	}
	field := "misses"
	if hit {
		field = "hits"
	}
	key := fmt.Sprintf("%s:%s:%s", MetricsPrefix, provider, model)
	ctx := context.Background()
	_, _ = c.redis.Execute(ctx, func() (interface{}, error) {
		pipe := c.redis.Client().Pipeline()
		pipe.HIncrBy(ctx, key, field, n)
		pipe.Expire(ctx, key, c.config.AnalyticsRetention)
		_, err := pipe.Exec(ctx)
		return nil, err
	})
}

// parseEntryVector decodes and validates one stored entry. Mismatched
// provider or model fields mean a key collision or corruption; both
// are treated as corrupt.
func parseEntryVector(fields map[string]string, provider, model string) ([]float64, error) {
	if fields[fieldProvider] != provider || fields[fieldModel] != model {
		return nil, fmt.Errorf("entry provider/model mismatch")
	}
	raw, ok := fields[fieldVector]
	if !ok || raw == "" {
		return nil, fmt.Errorf("entry has no vector")
	}
	var vector []float64
	if err := json.Unmarshal([]byte(raw), &vector); err != nil {
		return nil, fmt.Errorf("corrupt vector payload: %w", err)
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("entry vector is empty")
	}
	return vector, nil
}
