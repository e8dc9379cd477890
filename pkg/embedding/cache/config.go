package cache

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Key namespaces in the cache backend. These are part of the persisted
// contract; renaming one invalidates existing data.
const (
	EntryPrefix       = "embedding_cache"
	StatsKey          = "embedding_cache:stats"
	WarmingQueueKey   = "cache_warming:queue"
	WarmingTaskPrefix = "cache_warming:task"
	AnalyticsPrefix   = "cache_analytics"
	MetricsPrefix     = "cache_metrics"
	HistoryPrefix     = "cache_history"
	MaintenancePrefix = "cache_maintenance"
)

// NormalizationMode selects the text normalization policy. Changing it
// on a populated cache implicitly invalidates every entry.
type NormalizationMode string

// Normalization modes
const (
	NormalizationWhitespaceLowercase NormalizationMode = "whitespace+lowercase"
	NormalizationNone                NormalizationMode = "none"
)

// Config holds the embedding cache configuration
type Config struct {
	// MaxEntries is the LRU ceiling across all entries
	MaxEntries int
	// TTL for individual cache entries
	TTL time.Duration
	// Normalization policy applied identically on read and write
	Normalization NormalizationMode

	// Warming settings
	WarmingBatchSize     int
	WarmingMaxConcurrent int
	WarmingTaskRetention time.Duration
	WarmingLockTTL       time.Duration

	// Maintenance settings
	MaintenanceMinInterval time.Duration

	// Analytics settings
	SnapshotInterval   time.Duration
	AnalyticsRetention time.Duration

	EnableMetrics bool
}

// DefaultConfig returns the default cache configuration
func DefaultConfig() *Config {
	return &Config{
		MaxEntries:             10000,
		TTL:                    7 * 24 * time.Hour,
		Normalization:          NormalizationWhitespaceLowercase,
		WarmingBatchSize:       10,
		WarmingMaxConcurrent:   3,
		WarmingTaskRetention:   7 * 24 * time.Hour,
		WarmingLockTTL:         10 * time.Minute,
		MaintenanceMinInterval: time.Hour,
		SnapshotInterval:       300 * time.Second,
		AnalyticsRetention:     30 * 24 * time.Hour,
		EnableMetrics:          true,
	}
}

// Validate checks configuration bounds
func (c *Config) Validate() error {
	if c.MaxEntries <= 0 {
		return fmt.Errorf("cache.ceiling must be positive")
	}
	if c.TTL <= 0 {
		return fmt.Errorf("cache.ttl_seconds must be positive")
	}
	switch c.Normalization {
	case NormalizationWhitespaceLowercase, NormalizationNone:
	default:
		return fmt.Errorf("invalid cache.normalization: %s", c.Normalization)
	}
	if c.WarmingBatchSize <= 0 {
		return fmt.Errorf("warming.batch_size must be positive")
	}
	return nil
}

// LoadConfigFromViper loads cache configuration from viper keys
func LoadConfigFromViper() (*Config, error) {
	config := DefaultConfig()

	if ceiling := viper.GetInt("cache.ceiling"); ceiling > 0 {
		config.MaxEntries = ceiling
	}
	if ttl := viper.GetInt("cache.ttl_seconds"); ttl > 0 {
		config.TTL = time.Duration(ttl) * time.Second
	}
	if mode := viper.GetString("cache.normalization"); mode != "" {
		config.Normalization = NormalizationMode(mode)
	}
	if batch := viper.GetInt("warming.batch_size"); batch > 0 {
		config.WarmingBatchSize = batch
	}
	if concurrent := viper.GetInt("warming.max_concurrent"); concurrent > 0 {
		config.WarmingMaxConcurrent = concurrent
	}
	if days := viper.GetInt("warming.task_retention_days"); days > 0 {
		config.WarmingTaskRetention = time.Duration(days) * 24 * time.Hour
	}
	if interval := viper.GetInt("maintenance.min_interval_seconds"); interval > 0 {
		config.MaintenanceMinInterval = time.Duration(interval) * time.Second
	}
	if snapshot := viper.GetInt("analytics.snapshot_seconds"); snapshot > 0 {
		config.SnapshotInterval = time.Duration(snapshot) * time.Second
	}
	if days := viper.GetInt("analytics.retention_days"); days > 0 {
		config.AnalyticsRetention = time.Duration(days) * 24 * time.Hour
	}
	config.EnableMetrics = viper.GetBool("monitoring.metrics.enabled")

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cache config: %w", err)
	}
	return config, nil
}
