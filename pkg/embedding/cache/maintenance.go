package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/observability"
)

const maintenanceLastRunKey = MaintenancePrefix + ":last_run"

// MaintenanceReport summarizes one maintenance pass
type MaintenanceReport struct {
	StartedAt      time.Time `json:"started_at"`
	DurationMs     int64     `json:"duration_ms"`
	Scanned        int       `json:"scanned"`
	CorruptRemoved int       `json:"corrupt_removed"`
	EntriesAfter   int64     `json:"entries_after"`
}

// Maintainer runs periodic hygiene over the entry keyspace: it drops
// corrupt entries and reconciles the persisted entry counter. Passes
// are rate limited so overlapping schedulers cannot thrash the cache.
type Maintainer struct {
	cache  *EmbeddingCache
	redis  *ResilientRedisClient
	config *Config
	logger observability.Logger
}

// NewMaintainer creates a maintainer over the given cache
func NewMaintainer(cache *EmbeddingCache, logger observability.Logger) *Maintainer {
	if logger == nil {
		logger = observability.NewLogger("embedding.cache.maintenance")
	}
	return &Maintainer{
		cache:  cache,
		redis:  cache.redis,
		config: cache.config,
		logger: logger,
	}
}

// Run executes one maintenance pass. Returns ErrMaintenanceTooSoon if
// the minimum interval since the previous pass has not elapsed; pass
// force to override.
func (m *Maintainer) Run(ctx context.Context, force bool) (*MaintenanceReport, error) {
	ctx, span := observability.StartSpan(ctx, "cache.maintenance.Run")
	defer span.End()

	if !force {
		if last, err := m.lastRun(ctx); err == nil && time.Since(last) < m.config.MaintenanceMinInterval {
			return nil, ErrMaintenanceTooSoon
		}
	}

	start := time.Now()
	if err := m.redis.Set(ctx, maintenanceLastRunKey, start.Unix(), 0); err != nil {
		return nil, fmt.Errorf("failed to record maintenance start: %w", err)
	}

	keys, err := m.cache.scanEntryKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to scan cache entries: %w", err)
	}

	report := &MaintenanceReport{StartedAt: start, Scanned: len(keys)}
	var corrupt []string
	for _, key := range keys {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		result, err := m.redis.Execute(ctx, func() (interface{}, error) {
			return m.redis.Client().HGetAll(ctx, key).Result()
		})
		if err != nil {
			continue
		}
		fields := result.(map[string]string)
		if len(fields) == 0 {
			continue
		}
		if !entryWellFormed(fields) {
			corrupt = append(corrupt, key)
		}
	}

	if len(corrupt) > 0 {
		if err := m.redis.Del(ctx, corrupt...); err != nil {
			return nil, fmt.Errorf("failed to remove corrupt entries: %w", err)
		}
		report.CorruptRemoved = len(corrupt)
	}

	entries, err := m.cache.Reconcile(ctx)
	if err != nil {
		m.logger.Warn("Entry counter reconciliation failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	report.EntriesAfter = entries
	report.DurationMs = time.Since(start).Milliseconds()

	m.appendLog(ctx, report)
	m.logger.Info("Maintenance pass complete", map[string]interface{}{
		"scanned":         report.Scanned,
		"corrupt_removed": report.CorruptRemoved,
		"entries_after":   report.EntriesAfter,
		"duration_ms":     report.DurationMs,
	})
	return report, nil
}

// History returns retained maintenance reports, oldest first
func (m *Maintainer) History(ctx context.Context) ([]MaintenanceReport, error) {
	var reports []MaintenanceReport
	var cursor uint64
	for {
		keys, next, err := m.redis.Client().Scan(ctx, cursor, MaintenancePrefix+":log:*", 500).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			raw, err := m.redis.Get(ctx, key)
			if err != nil {
				continue
			}
			var report MaintenanceReport
			if err := json.Unmarshal([]byte(raw), &report); err != nil {
				continue
			}
			reports = append(reports, report)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	for i := 1; i < len(reports); i++ {
		for j := i; j > 0 && reports[j].StartedAt.Before(reports[j-1].StartedAt); j-- {
			reports[j], reports[j-1] = reports[j-1], reports[j]
		}
	}
	return reports, nil
}

func (m *Maintainer) lastRun(ctx context.Context) (time.Time, error) {
	raw, err := m.redis.Get(ctx, maintenanceLastRunKey)
	if err != nil {
		return time.Time{}, err
	}
	epoch, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(epoch, 0), nil
}

func (m *Maintainer) appendLog(ctx context.Context, report *MaintenanceReport) {
	payload, err := json.Marshal(report)
	if err != nil {
		return
	}
	key := fmt.Sprintf("%s:log:%d", MaintenancePrefix, report.StartedAt.Unix())
	if err := m.redis.Set(ctx, key, payload, m.config.AnalyticsRetention); err != nil {
		m.logger.Debug("Failed to persist maintenance log", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// entryWellFormed checks the structural invariants of a stored entry
func entryWellFormed(fields map[string]string) bool {
	if fields[fieldProvider] == "" || fields[fieldModel] == "" {
		return false
	}
	raw := fields[fieldVector]
	if raw == "" {
		return false
	}
	var vector []float64
	if err := json.Unmarshal([]byte(raw), &vector); err != nil {
		return false
	}
	return len(vector) > 0
}
