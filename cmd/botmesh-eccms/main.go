// Command botmesh-eccms serves the embedding cache, compatibility, and
// migration subsystem of the retrieval backend.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/spf13/viper"

	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/api"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/auth"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/embedding"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/embedding/audit"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/embedding/cache"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/embedding/compat"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/embedding/dedup"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/embedding/migration"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/embedding/providers"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/observability"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/repository"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/vectorstore"
)

func main() {
	if err := loadConfig(); err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger("eccms")
	metrics := observability.NewMetricsClient()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	db, err := sqlx.Connect("postgres", viper.GetString("database.dsn"))
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(viper.GetInt("database.max_open_conns"))
	db.SetMaxIdleConns(viper.GetInt("database.max_idle_conns"))

	if viper.GetBool("database.auto_migrate") {
		if err := runMigrations(db); err != nil {
			log.Fatalf("Failed to run schema migrations: %v", err)
		}
	}

	// Redis and cache
	redisClient := redis.NewClient(&redis.Options{
		Addr:     viper.GetString("redis.addr"),
		Password: viper.GetString("redis.password"),
		DB:       viper.GetInt("redis.db"),
	})
	resilient := cache.NewResilientRedisClient(redisClient, logger, metrics)
	defer resilient.Close()

	cacheConfig, err := cache.LoadConfigFromViper()
	if err != nil {
		log.Fatalf("Invalid cache configuration: %v", err)
	}
	embeddingCache, err := cache.NewEmbeddingCache(resilient, cacheConfig, logger, metrics)
	if err != nil {
		log.Fatalf("Failed to create embedding cache: %v", err)
	}

	// Repositories
	tenants := repository.NewTenantRepository(db)
	chunks := repository.NewChunkRepository(db)
	collections := repository.NewCollectionMetadataRepository(db)
	credentials := repository.NewCredentialRepository(db)
	dimensions := repository.NewDimensionCompatRepository(db)

	// Providers and credential resolution
	registry := buildRegistry(logger)
	defer registry.Close()

	resolver := auth.NewKeyResolver(credentials, map[string]string{
		"openai": viper.GetString("providers.openai.api_key"),
	}, logger)

	// Vector store. The in-memory implementation serves single-node
	// deployments; a remote backend plugs in behind the same interface.
	vectors := vectorstore.NewMemoryStore()

	// Embedding service and cache workers
	service, err := embedding.NewService(embeddingCache, registry, resolver, logger, metrics)
	if err != nil {
		log.Fatalf("Failed to create embedding service: %v", err)
	}
	indexer, err := embedding.NewIndexer(service, vectors, collections, logger, metrics)
	if err != nil {
		log.Fatalf("Failed to create indexer: %v", err)
	}
	warmer, err := cache.NewWarmer(embeddingCache, service.WarmEmbedFunc(), logger, metrics)
	if err != nil {
		log.Fatalf("Failed to create cache warmer: %v", err)
	}
	analyzer := cache.NewAnalyzer(embeddingCache, logger)
	analyzer.Start(ctx)
	defer analyzer.Stop()
	maintainer := cache.NewMaintainer(embeddingCache, logger)

	go warmingLoop(ctx, warmer, logger)

	// Audit trail, migration engine, compatibility validator
	auditStore := audit.NewStore(db, logger)
	engine, err := migration.NewEngine(tenants, chunks, collections, vectors, registry, resolver, auditStore,
		&migration.EngineConfig{MaxConcurrent: viper.GetInt("migration.max_concurrent")}, logger, metrics)
	if err != nil {
		log.Fatalf("Failed to create migration engine: %v", err)
	}

	estimator := func(chunkCount, batchSize int) compat.Estimate {
		e := migration.EstimateDuration(chunkCount, batchSize)
		return compat.Estimate{Chunks: e.Chunks, Batches: e.Batches, Duration: e.Duration, Human: e.Human}
	}
	validator, err := compat.NewValidator(registry, tenants, chunks, collections, dimensions, estimator,
		&compat.Config{
			CacheTTL:         time.Duration(viper.GetInt("compat.cache_ttl_hours")) * time.Hour,
			CacheSize:        viper.GetInt("compat.cache_size"),
			DefaultBatchSize: 50,
		}, logger)
	if err != nil {
		log.Fatalf("Failed to create compatibility validator: %v", err)
	}

	// Deduplication
	dedupEngine, err := dedup.NewEngine(chunks, vectors, auditStore, logger)
	if err != nil {
		log.Fatalf("Failed to create dedup engine: %v", err)
	}
	dedupManager := dedup.NewManager(dedupEngine, auditStore, engine, logger)
	if err := dedupManager.SetFallbackPolicy(dedupPolicyFromConfig()); err != nil {
		log.Fatalf("Invalid dedup configuration: %v", err)
	}

	// HTTP surface
	serverConfig := api.Config{
		ListenAddress: viper.GetString("api.listen_address"),
		ReadTimeout:   time.Duration(viper.GetInt("api.read_timeout_seconds")) * time.Second,
		WriteTimeout:  time.Duration(viper.GetInt("api.write_timeout_seconds")) * time.Second,
		IdleTimeout:   time.Duration(viper.GetInt("api.idle_timeout_seconds")) * time.Second,
		EnableCORS:    viper.GetBool("api.enable_cors"),
	}
	server := api.NewServer(serverConfig,
		api.NewCacheAPI(service, indexer, embeddingCache, analyzer, warmer, maintainer, logger),
		api.NewMigrationAPI(engine, validator, logger),
		api.NewDedupAPI(dedupManager, logger),
		logger, metrics)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("Shutting down", map[string]interface{}{"signal": sig.String()})
	case err := <-errCh:
		if err != nil {
			logger.Error("Server failed", map[string]interface{}{"error": err.Error()})
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown incomplete", map[string]interface{}{"error": err.Error()})
	}
}

// runMigrations applies the SQL schema under database.migrations_path
func runMigrations(db *sqlx.DB) error {
	driver, err := postgres.WithInstance(db.DB, &postgres.Config{})
	if err != nil {
		return err
	}
	migrator, err := migrate.NewWithDatabaseInstance(
		"file://"+viper.GetString("database.migrations_path"), "postgres", driver)
	if err != nil {
		return err
	}
	if err := migrator.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// buildRegistry constructs the provider registry from configuration
func buildRegistry(logger observability.Logger) *providers.Registry {
	registry := providers.NewRegistry()

	if viper.GetBool("providers.openai.enabled") {
		if baseURL := viper.GetString("providers.openai.base_url"); baseURL != "" {
			registry.Register(providers.NewOpenAIProviderWithBaseURL(baseURL))
		} else {
			registry.Register(providers.NewOpenAIProvider())
		}
	}
	if viper.GetBool("providers.bedrock.enabled") {
		bedrock, err := providers.NewBedrockProvider(viper.GetString("providers.bedrock.region"))
		if err != nil {
			logger.Warn("Bedrock provider unavailable", map[string]interface{}{"error": err.Error()})
		} else {
			registry.Register(bedrock)
		}
	}
	if viper.GetBool("providers.mock.enabled") {
		registry.Register(providers.NewMockProvider("mock"))
	}
	return registry
}

// dedupPolicyFromConfig builds the fallback dedup policy from the
// dedup.* configuration keys.
func dedupPolicyFromConfig() dedup.Policy {
	return dedup.Policy{
		Enabled:            viper.GetBool("dedup.enabled"),
		Strategy:           dedup.Strategy(viper.GetString("dedup.strategy")),
		AllowCrossDocument: viper.GetBool("dedup.allow_cross_document"),
		Thresholds: dedup.Thresholds{
			Exact:  viper.GetFloat64("dedup.thresholds.exact"),
			High:   viper.GetFloat64("dedup.thresholds.high"),
			Medium: viper.GetFloat64("dedup.thresholds.medium"),
			Low:    viper.GetFloat64("dedup.thresholds.low"),
		},
	}
}

// warmingLoop drains the warming queue on a fixed interval. A second
// process holding the lock is not an error.
func warmingLoop(ctx context.Context, warmer *cache.Warmer, logger observability.Logger) {
	interval := time.Duration(viper.GetInt("warming.interval_seconds")) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := warmer.ProcessQueue(ctx); err != nil && err != cache.ErrWarmingInProgress && ctx.Err() == nil {
				logger.Warn("Warming pass failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}
