package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/embedding/audit"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/embedding/dedup"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/observability"
)

// DedupAPI exposes deduplication runs, conflict resolution, and the
// audit trail.
type DedupAPI struct {
	manager *dedup.Manager
	logger  observability.Logger
}

// NewDedupAPI creates the dedup API handler
func NewDedupAPI(manager *dedup.Manager, logger observability.Logger) *DedupAPI {
	if logger == nil {
		logger = observability.NewLogger("api.dedup")
	}
	return &DedupAPI{manager: manager, logger: logger}
}

// RegisterRoutes registers dedup routes under /tenants/:tenantID
func (api *DedupAPI) RegisterRoutes(router *gin.RouterGroup) {
	dedupRoutes := router.Group("/tenants/:tenantID/dedup")
	{
		dedupRoutes.GET("/policy", api.GetPolicy)
		dedupRoutes.PUT("/policy", api.SetPolicy)
		dedupRoutes.POST("/detect", api.Detect)
		dedupRoutes.POST("/run", api.Run)
		dedupRoutes.POST("/documents/:documentID", api.RunDocument)
		dedupRoutes.GET("/conflicts", api.ListConflicts)
		dedupRoutes.POST("/conflicts/:caseID/resolve", api.ResolveConflict)
		dedupRoutes.GET("/audit/export", api.ExportAudit)
		dedupRoutes.GET("/audit/stats", api.AuditStats)
		dedupRoutes.POST("/audit/cleanup", api.CleanupAudit)
	}
}

func tenantParam(c *gin.Context) (uuid.UUID, bool) {
	tenantID, err := uuid.Parse(c.Param("tenantID"))
	if err != nil {
		badRequest(c, "tenant id must be a UUID")
		return uuid.Nil, false
	}
	return tenantID, true
}

// GetPolicy returns the tenant's deduplication policy
func (api *DedupAPI) GetPolicy(c *gin.Context) {
	tenantID, ok := tenantParam(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, api.manager.PolicyFor(tenantID))
}

// SetPolicy replaces the tenant's deduplication policy
func (api *DedupAPI) SetPolicy(c *gin.Context) {
	tenantID, ok := tenantParam(c)
	if !ok {
		return
	}
	var policy dedup.Policy
	if err := c.ShouldBindJSON(&policy); err != nil {
		badRequest(c, err.Error())
		return
	}

	if err := api.manager.Configure(c.Request.Context(), tenantID, policy, actorOf(c)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, policy)
}

// Detect scores chunk pairs without changing anything
func (api *DedupAPI) Detect(c *gin.Context) {
	tenantID, ok := tenantParam(c)
	if !ok {
		return
	}
	var req struct {
		ChunkIDs  []uuid.UUID `json:"chunk_ids"`
		Threshold float64     `json:"threshold"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	similarities, err := api.manager.Detect(c.Request.Context(), tenantID, req.ChunkIDs, req.Threshold)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"similarities": similarities})
}

// Run deduplicates the tenant's chunks, or a subset of them
func (api *DedupAPI) Run(c *gin.Context) {
	tenantID, ok := tenantParam(c)
	if !ok {
		return
	}
	var req struct {
		ChunkIDs []uuid.UUID `json:"chunk_ids"`
		Force    bool        `json:"force"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	result, err := api.manager.Deduplicate(c.Request.Context(), tenantID, req.ChunkIDs, req.Force, actorOf(c))
	if err != nil {
		writeError(c, err)
		return
	}
	api.logger.Info("Deduplication run finished", map[string]interface{}{
		"tenant_id": tenantID.String(),
		"merged":    result.Merged,
		"preserved": result.Preserved,
		"conflicts": len(result.Conflicts),
	})
	c.JSON(http.StatusOK, result)
}

// RunDocument deduplicates within one document
func (api *DedupAPI) RunDocument(c *gin.Context) {
	tenantID, ok := tenantParam(c)
	if !ok {
		return
	}
	documentID, err := uuid.Parse(c.Param("documentID"))
	if err != nil {
		badRequest(c, "document id must be a UUID")
		return
	}

	result, err := api.manager.DeduplicateDocument(c.Request.Context(), tenantID, documentID,
		c.Query("force") == "true", actorOf(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ListConflicts returns the tenant's unresolved conflict cases
func (api *DedupAPI) ListConflicts(c *gin.Context) {
	tenantID, ok := tenantParam(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": api.manager.ActiveConflicts(tenantID)})
}

// ResolveConflict applies a manual resolution to a conflict case
func (api *DedupAPI) ResolveConflict(c *gin.Context) {
	if _, ok := tenantParam(c); !ok {
		return
	}
	caseID, err := uuid.Parse(c.Param("caseID"))
	if err != nil {
		badRequest(c, "case id must be a UUID")
		return
	}
	var req struct {
		Action string `json:"action"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	decision, err := api.manager.Resolve(c.Request.Context(), caseID, req.Action, actorOf(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": true, "decision": decision})
}

// ExportAudit streams the audit trail as JSON or CSV
func (api *DedupAPI) ExportAudit(c *gin.Context) {
	tenantID, ok := tenantParam(c)
	if !ok {
		return
	}
	format := c.DefaultQuery("format", audit.FormatJSON)

	var since, until time.Time
	if raw := c.Query("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			badRequest(c, "since must be RFC3339")
			return
		}
		since = parsed
	}
	if raw := c.Query("until"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			badRequest(c, "until must be RFC3339")
			return
		}
		until = parsed
	}

	payload, err := api.manager.ExportAudit(c.Request.Context(), tenantID, format, since, until)
	if err != nil {
		writeError(c, err)
		return
	}

	contentType := "application/json"
	if format == audit.FormatCSV {
		contentType = "text/csv"
	}
	c.Data(http.StatusOK, contentType, payload)
}

// AuditStats aggregates the audit trail over a trailing window
func (api *DedupAPI) AuditStats(c *gin.Context) {
	tenantID, ok := tenantParam(c)
	if !ok {
		return
	}
	windowDays := 30
	if raw := c.Query("window_days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			badRequest(c, "window_days must be a positive integer")
			return
		}
		windowDays = parsed
	}

	stats, err := api.manager.AuditStats(c.Request.Context(), tenantID, windowDays)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// CleanupAudit deletes audit records older than the retention window
func (api *DedupAPI) CleanupAudit(c *gin.Context) {
	tenantID, ok := tenantParam(c)
	if !ok {
		return
	}
	var req struct {
		RetentionDays int `json:"retention_days"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	removed, err := api.manager.CleanupAudit(c.Request.Context(), tenantID, req.RetentionDays)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// actorOf identifies the caller for audit attribution
func actorOf(c *gin.Context) string {
	if actor := c.GetHeader("X-Actor"); actor != "" {
		return actor
	}
	return "api"
}
