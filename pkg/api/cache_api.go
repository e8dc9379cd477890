package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/embedding"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/embedding/cache"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/observability"
)

// CacheAPI exposes the embedding cache: lookups, stats, warming,
// maintenance, and analytics.
type CacheAPI struct {
	service    *embedding.Service
	indexer    *embedding.Indexer
	cache      *cache.EmbeddingCache
	analyzer   *cache.Analyzer
	warmer     *cache.Warmer
	maintainer *cache.Maintainer
	logger     observability.Logger
}

// NewCacheAPI creates the cache API handler
func NewCacheAPI(
	service *embedding.Service,
	indexer *embedding.Indexer,
	embeddingCache *cache.EmbeddingCache,
	analyzer *cache.Analyzer,
	warmer *cache.Warmer,
	maintainer *cache.Maintainer,
	logger observability.Logger,
) *CacheAPI {
	if logger == nil {
		logger = observability.NewLogger("api.cache")
	}
	return &CacheAPI{
		service:    service,
		indexer:    indexer,
		cache:      embeddingCache,
		analyzer:   analyzer,
		warmer:     warmer,
		maintainer: maintainer,
		logger:     logger,
	}
}

// RegisterRoutes registers cache routes on the given group
func (api *CacheAPI) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/embeddings", api.GetEmbeddings)
	router.POST("/index", api.IndexChunks)
	router.GET("/providers/models", api.ListModels)

	cacheRoutes := router.Group("/cache")
	{
		cacheRoutes.GET("/stats", api.GetStats)
		cacheRoutes.POST("/invalidate", api.Invalidate)
		cacheRoutes.POST("/clear", api.Clear)
		cacheRoutes.GET("/health", api.GetHealth)
		cacheRoutes.GET("/analytics/report", api.GetReport)
		cacheRoutes.GET("/analytics/history", api.GetHistory)
		cacheRoutes.POST("/warm", api.EnqueueWarming)
		cacheRoutes.GET("/warm/tasks", api.ListWarmingTasks)
		cacheRoutes.GET("/warm/tasks/:taskID", api.GetWarmingTask)
		cacheRoutes.DELETE("/warm/tasks/:taskID", api.CancelWarmingTask)
		cacheRoutes.POST("/maintenance", api.RunMaintenance)
		cacheRoutes.GET("/maintenance/history", api.MaintenanceHistory)
	}
}

// GetEmbeddings serves the embedding data flow
func (api *CacheAPI) GetEmbeddings(c *gin.Context) {
	var req embedding.EmbedTextsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if len(req.Texts) == 0 {
		badRequest(c, "texts cannot be empty")
		return
	}

	resp, err := api.service.GetEmbeddings(c.Request.Context(), req)
	if err != nil {
		api.logger.Error("Embedding request failed", map[string]interface{}{
			"provider": req.Provider,
			"model":    req.Model,
			"error":    err.Error(),
		})
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// IndexChunks embeds chunks and stores the vectors in the tenant's
// collection
func (api *CacheAPI) IndexChunks(c *gin.Context) {
	if api.indexer == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "indexing is not enabled"})
		return
	}

	var req embedding.IndexRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	result, err := api.indexer.Index(c.Request.Context(), req)
	if err != nil {
		api.logger.Error("Indexing request failed", map[string]interface{}{
			"tenant_id": req.TenantID.String(),
			"provider":  req.Provider,
			"error":     err.Error(),
		})
		writeError(c, err)
		return
	}

	api.logger.Info("Indexed chunks", map[string]interface{}{
		"tenant_id": req.TenantID.String(),
		"indexed":   result.Indexed,
	})
	c.JSON(http.StatusOK, result)
}

// ListModels returns the models of one or all providers
func (api *CacheAPI) ListModels(c *gin.Context) {
	models, err := api.service.ListModels(c.Query("provider"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": models})
}

// GetStats returns the live cache counters
func (api *CacheAPI) GetStats(c *gin.Context) {
	stats, err := api.cache.Stats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Invalidate drops every entry for one provider/model pair
func (api *CacheAPI) Invalidate(c *gin.Context) {
	var req struct {
		Provider string `json:"provider"`
		Model    string `json:"model"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.Provider == "" || req.Model == "" {
		badRequest(c, "provider and model are required")
		return
	}

	removed, err := api.cache.Invalidate(c.Request.Context(), req.Provider, req.Model)
	if err != nil {
		writeError(c, err)
		return
	}
	api.logger.Info("Cache invalidated", map[string]interface{}{
		"provider": req.Provider,
		"model":    req.Model,
		"removed":  removed,
	})
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// Clear drops the whole cache keyspace
func (api *CacheAPI) Clear(c *gin.Context) {
	removed, err := api.cache.Clear(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// GetHealth returns the cache health score with the underlying stats
func (api *CacheAPI) GetHealth(c *gin.Context) {
	stats, err := api.cache.Stats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	score := cache.HealthScore(*stats)
	c.JSON(http.StatusOK, gin.H{
		"health_score":  score,
		"health_rating": cache.Rating(score),
		"stats":         stats,
	})
}

// GetReport returns the full analytics read-out
func (api *CacheAPI) GetReport(c *gin.Context) {
	report, err := api.analyzer.Report(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// GetHistory returns snapshots since the given RFC3339 timestamp,
// defaulting to the last 24 hours.
func (api *CacheAPI) GetHistory(c *gin.Context) {
	since := time.Now().Add(-24 * time.Hour)
	if raw := c.Query("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			badRequest(c, "since must be RFC3339")
			return
		}
		since = parsed
	}

	history, err := api.analyzer.History(c.Request.Context(), since)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": history})
}

// EnqueueWarming queues texts for cache warming
func (api *CacheAPI) EnqueueWarming(c *gin.Context) {
	var req struct {
		Texts    []string `json:"texts"`
		Provider string   `json:"provider"`
		Model    string   `json:"model"`
		Priority int      `json:"priority"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	task, err := api.warmer.Enqueue(c.Request.Context(), req.Texts, req.Provider, req.Model, req.Priority)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, task)
}

// ListWarmingTasks returns all known warming tasks
func (api *CacheAPI) ListWarmingTasks(c *gin.Context) {
	tasks, err := api.warmer.ListTasks(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	depth, err := api.warmer.QueueDepth(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "queue_depth": depth})
}

// GetWarmingTask returns one warming task by id
func (api *CacheAPI) GetWarmingTask(c *gin.Context) {
	task, err := api.warmer.GetTask(c.Request.Context(), c.Param("taskID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// CancelWarmingTask cancels a queued warming task
func (api *CacheAPI) CancelWarmingTask(c *gin.Context) {
	if err := api.warmer.CancelTask(c.Request.Context(), c.Param("taskID")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

// RunMaintenance triggers a maintenance pass. `force=true` bypasses the
// rate limit.
func (api *CacheAPI) RunMaintenance(c *gin.Context) {
	force := c.Query("force") == "true"
	report, err := api.maintainer.Run(c.Request.Context(), force)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// MaintenanceHistory returns past maintenance reports
func (api *CacheAPI) MaintenanceHistory(c *gin.Context) {
	history, err := api.maintainer.History(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reports": history})
}
