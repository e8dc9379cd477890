package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// loadConfig initializes the global viper instance from defaults, an
// optional config file, and ECCMS_-prefixed environment variables.
func loadConfig() error {
	// A missing .env file is fine; real deployments use the environment
	_ = godotenv.Load()

	setDefaults()

	configFile := os.Getenv("ECCMS_CONFIG_FILE")
	if configFile == "" {
		configFile = "configs/config.yaml"
	}
	viper.SetConfigFile(configFile)

	viper.SetEnvPrefix("ECCMS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !os.IsNotExist(err) {
				return fmt.Errorf("error reading config file: %w", err)
			}
		}
	}
	return nil
}

func setDefaults() {
	// API
	viper.SetDefault("api.listen_address", ":8080")
	viper.SetDefault("api.read_timeout_seconds", 30)
	viper.SetDefault("api.write_timeout_seconds", 30)
	viper.SetDefault("api.idle_timeout_seconds", 90)
	viper.SetDefault("api.enable_cors", false)

	// Database
	viper.SetDefault("database.dsn", "postgres://localhost:5432/eccms?sslmode=disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.auto_migrate", true)
	viper.SetDefault("database.migrations_path", "migrations")

	// Redis
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	// Cache (consumed by cache.LoadConfigFromViper)
	viper.SetDefault("cache.ceiling", 10000)
	viper.SetDefault("cache.ttl_seconds", 7*24*3600)
	viper.SetDefault("cache.normalization", "whitespace+lowercase")
	viper.SetDefault("warming.batch_size", 10)
	viper.SetDefault("warming.max_concurrent", 3)
	viper.SetDefault("warming.interval_seconds", 30)
	viper.SetDefault("maintenance.min_interval_seconds", 3600)
	viper.SetDefault("analytics.snapshot_seconds", 300)
	viper.SetDefault("monitoring.metrics.enabled", true)

	// Providers
	viper.SetDefault("providers.mock.enabled", false)
	viper.SetDefault("providers.openai.enabled", true)
	viper.SetDefault("providers.openai.api_key", "")
	viper.SetDefault("providers.openai.base_url", "")
	viper.SetDefault("providers.bedrock.enabled", false)
	viper.SetDefault("providers.bedrock.region", "us-east-1")

	// Migration
	viper.SetDefault("migration.max_concurrent", 3)

	// Compat
	viper.SetDefault("compat.cache_size", 256)
	viper.SetDefault("compat.cache_ttl_hours", 24)

	// Dedup
	viper.SetDefault("dedup.enabled", true)
	viper.SetDefault("dedup.strategy", "conservative")
	viper.SetDefault("dedup.allow_cross_document", false)
	viper.SetDefault("dedup.thresholds.exact", 1.0)
	viper.SetDefault("dedup.thresholds.high", 0.95)
	viper.SetDefault("dedup.thresholds.medium", 0.85)
	viper.SetDefault("dedup.thresholds.low", 0.70)
}
