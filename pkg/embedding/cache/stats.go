package cache

import (
	"context"
	"strconv"

	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/observability"
)

// Stats hash fields
const (
	statHits        = "hits"
	statMisses      = "misses"
	statSets        = "sets"
	statEvictions   = "evictions"
	statErrors      = "errors"
	statEntries     = "entries"
	statMemoryBytes = "memory_bytes"
)

// statsStore persists cache counters in a single Redis hash so they
// survive restarts and are shared across processes. Every mutation is
// best-effort; losing a counter update never fails a cache operation.
type statsStore struct {
	redis  *ResilientRedisClient
	logger observability.Logger
}

func newStatsStore(redis *ResilientRedisClient, logger observability.Logger) *statsStore {
	return &statsStore{redis: redis, logger: logger}
}

func (s *statsStore) RecordHits(ctx context.Context, n int64)      { s.incr(ctx, statHits, n) }
func (s *statsStore) RecordMisses(ctx context.Context, n int64)    { s.incr(ctx, statMisses, n) }
func (s *statsStore) RecordSets(ctx context.Context, n int64)      { s.incr(ctx, statSets, n) }
func (s *statsStore) RecordEvictions(ctx context.Context, n int64) { s.incr(ctx, statEvictions, n) }
func (s *statsStore) RecordErrors(ctx context.Context, n int64)    { s.incr(ctx, statErrors, n) }

// AdjustEntries moves the entry count and memory estimate together
func (s *statsStore) AdjustEntries(ctx context.Context, entries, bytes int64) {
	if entries == 0 && bytes == 0 {
		return
	}
	_, err := s.redis.Execute(ctx, func() (interface{}, error) {
		pipe := s.redis.Client().Pipeline()
		if entries != 0 {
			pipe.HIncrBy(ctx, StatsKey, statEntries, entries)
		}
		if bytes != 0 {
			pipe.HIncrBy(ctx, StatsKey, statMemoryBytes, bytes)
		}
		_, err := pipe.Exec(ctx)
		return nil, err
	})
	if err != nil {
		s.warn(err)
	}
}

// SetEntries overwrites the entry counter after a recount
func (s *statsStore) SetEntries(ctx context.Context, entries int64) {
	_, err := s.redis.Execute(ctx, func() (interface{}, error) {
		return nil, s.redis.Client().HSet(ctx, StatsKey, statEntries, entries).Err()
	})
	if err != nil {
		s.warn(err)
	}
}

// ResetEntries zeroes the occupancy counters after a full clear.
// Lifetime counters (hits, misses, evictions) are kept.
func (s *statsStore) ResetEntries(ctx context.Context) {
	_, err := s.redis.Execute(ctx, func() (interface{}, error) {
		pipe := s.redis.Client().Pipeline()
		pipe.HSet(ctx, StatsKey, statEntries, 0)
		pipe.HSet(ctx, StatsKey, statMemoryBytes, 0)
		_, err := pipe.Exec(ctx)
		return nil, err
	})
	if err != nil {
		s.warn(err)
	}
}

// Snapshot reads all counters and derives the hit rate
func (s *statsStore) Snapshot(ctx context.Context) (*Stats, error) {
	result, err := s.redis.Execute(ctx, func() (interface{}, error) {
		return s.redis.Client().HGetAll(ctx, StatsKey).Result()
	})
	if err != nil {
		return nil, err
	}
	fields := result.(map[string]string)
	parse := func(name string) int64 {
		v, _ := strconv.ParseInt(fields[name], 10, 64)
		return v
	}
	stats := &Stats{
		Hits:        parse(statHits),
		Misses:      parse(statMisses),
		Sets:        parse(statSets),
		Evictions:   parse(statEvictions),
		Errors:      parse(statErrors),
		Entries:     parse(statEntries),
		MemoryBytes: parse(statMemoryBytes),
	}
	if stats.Entries < 0 {
		stats.Entries = 0
	}
	if stats.MemoryBytes < 0 {
		stats.MemoryBytes = 0
	}
	if total := stats.Requests(); total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats, nil
}

func (s *statsStore) incr(ctx context.Context, field string, n int64) {
	if n == 0 {
		return
	}
	_, err := s.redis.Execute(ctx, func() (interface{}, error) {
		return nil, s.redis.Client().HIncrBy(ctx, StatsKey, field, n).Err()
	})
	if err != nil {
		s.warn(err)
	}
}

func (s *statsStore) warn(err error) {
	s.logger.Debug("Failed to persist cache stats", map[string]interface{}{
		"error": err.Error(),
	})
}
