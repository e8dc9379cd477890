package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/observability"
)

// Config holds the HTTP server settings
type Config struct {
	ListenAddress string        `mapstructure:"listen_address"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	EnableCORS    bool          `mapstructure:"enable_cors"`
}

// DefaultConfig returns the server defaults
func DefaultConfig() Config {
	return Config{
		ListenAddress: ":8080",
		ReadTimeout:   30 * time.Second,
		WriteTimeout:  30 * time.Second,
		IdleTimeout:   90 * time.Second,
	}
}

// Server is the admin HTTP surface over the cache, migration, and
// dedup subsystems.
type Server struct {
	router *gin.Engine
	server *http.Server
	logger observability.Logger
}

// NewServer wires the handlers into a gin engine. Any nil API is left
// unregistered so partial deployments keep working.
func NewServer(
	cfg Config,
	cacheAPI *CacheAPI,
	migrationAPI *MigrationAPI,
	dedupAPI *DedupAPI,
	logger observability.Logger,
	metrics observability.MetricsClient,
) *Server {
	if logger == nil {
		logger = observability.NewLogger("api.server")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLogger(logger))
	router.Use(MetricsMiddleware(metrics))
	if cfg.EnableCORS {
		router.Use(CORSMiddleware())
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	if cacheAPI != nil {
		cacheAPI.RegisterRoutes(v1)
	}
	if migrationAPI != nil {
		migrationAPI.RegisterRoutes(v1)
	}
	if dedupAPI != nil {
		dedupAPI.RegisterRoutes(v1)
	}

	return &Server{
		router: router,
		logger: logger,
		server: &http.Server{
			Addr:         cfg.ListenAddress,
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
	}
}

// Router exposes the gin engine, mostly for tests
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("API server listening", map[string]interface{}{
		"address": s.server.Addr,
	})
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
