package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/observability"
)

// Trend describes how the hit rate is moving across recent snapshots
type Trend string

// Trend values
const (
	TrendImproving Trend = "improving"
	TrendDeclining Trend = "declining"
	TrendStable    Trend = "stable"
	TrendUnknown   Trend = "unknown"
)

// trendDelta is the hit-rate change below which movement counts as noise
const trendDelta = 0.05

// Snapshot is one periodic sample of the cache counters
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Stats     Stats     `json:"stats"`
}

// ModelStats is the per-model lookup breakdown
type ModelStats struct {
	Provider string  `json:"provider"`
	Model    string  `json:"model"`
	Hits     int64   `json:"hits"`
	Misses   int64   `json:"misses"`
	HitRate  float64 `json:"hit_rate"`
}

// HitRateTrends compares the live hit rate against the daily and
// weekly snapshot averages.
type HitRateTrends struct {
	Current float64 `json:"current"`
	Avg24h  float64 `json:"avg_24h"`
	Avg7d   float64 `json:"avg_7d"`
	Trend   Trend   `json:"trend"`
}

// Report is a full analytics read-out
type Report struct {
	GeneratedAt     time.Time     `json:"generated_at"`
	Stats           Stats         `json:"stats"`
	HealthScore     float64       `json:"health_score"`
	HealthRating    string        `json:"health_rating"`
	HitRateTrends   HitRateTrends `json:"hit_rate_trends"`
	Models          []ModelStats  `json:"models"`
	Recommendations []string      `json:"recommendations"`
}

// Analyzer samples cache counters on a fixed interval, keeps a bounded
// history, and derives health and trend summaries from it.
type Analyzer struct {
	cache  *EmbeddingCache
	redis  *ResilientRedisClient
	config *Config
	logger observability.Logger
	stop   chan struct{}
	done   chan struct{}
}

// NewAnalyzer creates an analyzer over the given cache
func NewAnalyzer(cache *EmbeddingCache, logger observability.Logger) *Analyzer {
	if logger == nil {
		logger = observability.NewLogger("embedding.cache.analytics")
	}
	return &Analyzer{
		cache:  cache,
		redis:  cache.redis,
		config: cache.config,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start begins periodic snapshotting. Call Stop to end it.
func (a *Analyzer) Start(ctx context.Context) {
	go func() {
		defer close(a.done)
		ticker := time.NewTicker(a.config.SnapshotInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := a.TakeSnapshot(ctx); err != nil {
					a.logger.Warn("Failed to take analytics snapshot", map[string]interface{}{
						"error": err.Error(),
					})
				}
			case <-a.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts periodic snapshotting and waits for the loop to exit
func (a *Analyzer) Stop() {
	close(a.stop)
	<-a.done
}

// TakeSnapshot samples the counters and persists them under an
// epoch-stamped key with the retention TTL.
func (a *Analyzer) TakeSnapshot(ctx context.Context) (*Snapshot, error) {
	stats, err := a.cache.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache stats: %w", err)
	}
	snap := &Snapshot{Timestamp: time.Now(), Stats: *stats}
	payload, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	key := fmt.Sprintf("%s:%d", HistoryPrefix, snap.Timestamp.Unix())
	if err := a.redis.Set(ctx, key, payload, a.config.AnalyticsRetention); err != nil {
		return nil, fmt.Errorf("failed to persist snapshot: %w", err)
	}
	return snap, nil
}

// History returns stored snapshots since the given time, oldest first
func (a *Analyzer) History(ctx context.Context, since time.Time) ([]Snapshot, error) {
	var snapshots []Snapshot
	var cursor uint64
	for {
		keys, next, err := a.redis.Client().Scan(ctx, cursor, HistoryPrefix+":*", 500).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot history: %w", err)
		}
		for _, key := range keys {
			epoch, err := strconv.ParseInt(key[len(HistoryPrefix)+1:], 10, 64)
			if err != nil || time.Unix(epoch, 0).Before(since) {
				continue
			}
			raw, err := a.redis.Get(ctx, key)
			if err != nil {
				continue
			}
			var snap Snapshot
			if err := json.Unmarshal([]byte(raw), &snap); err != nil {
				continue
			}
			snapshots = append(snapshots, snap)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Timestamp.Before(snapshots[j].Timestamp)
	})
	return snapshots, nil
}

// Report assembles the current stats, health score, trend, per-model
// breakdown, and recommendations into one read-out.
func (a *Analyzer) Report(ctx context.Context) (*Report, error) {
	ctx, span := observability.StartSpan(ctx, "cache.analytics.Report")
	defer span.End()

	stats, err := a.cache.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache stats: %w", err)
	}

	now := time.Now()
	weekly, err := a.History(ctx, now.Add(-7*24*time.Hour))
	if err != nil {
		a.logger.Warn("Snapshot history unavailable", map[string]interface{}{
			"error": err.Error(),
		})
	}
	var daily []Snapshot
	dayAgo := now.Add(-24 * time.Hour)
	for _, snap := range weekly {
		if !snap.Timestamp.Before(dayAgo) {
			daily = append(daily, snap)
		}
	}

	models, err := a.modelBreakdown(ctx)
	if err != nil {
		a.logger.Warn("Model breakdown unavailable", map[string]interface{}{
			"error": err.Error(),
		})
	}

	score := HealthScore(*stats)
	report := &Report{
		GeneratedAt:  now,
		Stats:        *stats,
		HealthScore:  score,
		HealthRating: Rating(score),
		HitRateTrends: HitRateTrends{
			Current: stats.HitRate,
			Avg24h:  meanHitRate(daily),
			Avg7d:   meanHitRate(weekly),
			Trend:   trendOf(stats.HitRate, daily),
		},
		Models: models,
	}
	report.Recommendations = a.recommend(*stats, report.HitRateTrends.Trend)
	return report, nil
}

// Export writes the report and full snapshot history as JSON
func (a *Analyzer) Export(ctx context.Context, w io.Writer) error {
	report, err := a.Report(ctx)
	if err != nil {
		return err
	}
	history, err := a.History(ctx, time.Now().Add(-a.config.AnalyticsRetention))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Report  *Report    `json:"report"`
		History []Snapshot `json:"history"`
	}{Report: report, History: history})
}

// HealthScore scores cache effectiveness on [0, 1]. It blends the hit
// rate against an 0.8 target, the per-entry memory footprint against a
// 10 MB budget, and eviction pressure against request volume.
func HealthScore(stats Stats) float64 {
	requests := stats.Requests()
	hitRate := 0.0
	if requests > 0 {
		hitRate = float64(stats.Hits) / float64(requests)
	}
	hitComponent := hitRate / 0.8
	if hitComponent > 1 {
		hitComponent = 1
	}

	mbPerEntry := 0.0
	if stats.Entries > 0 {
		mbPerEntry = float64(stats.MemoryBytes) / float64(stats.Entries) / (1024 * 1024)
	}
	memComponent := 1 - mbPerEntry/10
	if memComponent < 0 {
		memComponent = 0
	}

	evictComponent := 1.0
	if requests > 0 {
		evictComponent = 1 - 10*float64(stats.Evictions)/float64(requests)
		if evictComponent < 0 {
			evictComponent = 0
		}
	}

	return 0.4*hitComponent + 0.3*memComponent + 0.3*evictComponent
}

// Rating maps a health score onto its operator-facing label
func Rating(score float64) string {
	switch {
	case score >= 0.8:
		return "excellent"
	case score >= 0.6:
		return "good"
	case score >= 0.4:
		return "fair"
	default:
		return "poor"
	}
}

// trendOf compares the live hit rate against the daily snapshot average
func trendOf(current float64, last24h []Snapshot) Trend {
	if len(last24h) == 0 {
		return TrendUnknown
	}
	avg := meanHitRate(last24h)
	switch {
	case current-avg > trendDelta:
		return TrendImproving
	case avg-current > trendDelta:
		return TrendDeclining
	default:
		return TrendStable
	}
}

func meanHitRate(snapshots []Snapshot) float64 {
	if len(snapshots) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range snapshots {
		sum += s.Stats.HitRate
	}
	return sum / float64(len(snapshots))
}

func (a *Analyzer) modelBreakdown(ctx context.Context) ([]ModelStats, error) {
	var models []ModelStats
	var cursor uint64
	for {
		keys, next, err := a.redis.Client().Scan(ctx, cursor, MetricsPrefix+":*", 500).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			parts := strings.SplitN(key[len(MetricsPrefix)+1:], ":", 2)
			if len(parts) != 2 {
				continue
			}
			result, err := a.redis.Execute(ctx, func() (interface{}, error) {
				return a.redis.Client().HGetAll(ctx, key).Result()
			})
			if err != nil {
				if err == redis.Nil {
					continue
				}
				return nil, err
			}
			fields := result.(map[string]string)
			hits, _ := strconv.ParseInt(fields["hits"], 10, 64)
			misses, _ := strconv.ParseInt(fields["misses"], 10, 64)
			m := ModelStats{Provider: parts[0], Model: parts[1], Hits: hits, Misses: misses}
			if total := hits + misses; total > 0 {
				m.HitRate = float64(hits) / float64(total)
			}
			models = append(models, m)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Slice(models, func(i, j int) bool {
		if models[i].Provider != models[j].Provider {
			return models[i].Provider < models[j].Provider
		}
		return models[i].Model < models[j].Model
	})
	return models, nil
}

func (a *Analyzer) recommend(stats Stats, trend Trend) []string {
	var recs []string
	requests := stats.Requests()
	if requests >= 100 && stats.HitRate < 0.4 {
		recs = append(recs, "hit rate is low; warm the cache with frequent queries or review text normalization")
	}
	if requests > 0 && float64(stats.Evictions)/float64(requests) > 0.05 {
		recs = append(recs, "eviction pressure is high; raise the entry ceiling or shorten the TTL")
	}
	if stats.Entries > 0 {
		mbPerEntry := float64(stats.MemoryBytes) / float64(stats.Entries) / (1024 * 1024)
		if mbPerEntry > 5 {
			recs = append(recs, "per-entry memory footprint is large; consider a smaller embedding model for cached content")
		}
	}
	if stats.Errors > 0 {
		recs = append(recs, "backend errors were recorded; check Redis connectivity and circuit breaker state")
	}
	if trend == TrendDeclining {
		recs = append(recs, "hit rate is trending down; recent query patterns may have shifted away from cached content")
	}
	if len(recs) == 0 {
		recs = append(recs, "cache is operating within normal parameters")
	}
	return recs
}
