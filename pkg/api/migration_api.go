package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/embedding/compat"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/embedding/migration"
	apperrors "github.com/WalkingStatue/multi-rag-bot-sub002/pkg/errors"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/observability"
)

// MigrationAPI exposes the migration engine and the compatibility
// validator.
type MigrationAPI struct {
	engine    *migration.Engine
	validator *compat.Validator
	logger    observability.Logger
}

// NewMigrationAPI creates the migration API handler
func NewMigrationAPI(engine *migration.Engine, validator *compat.Validator, logger observability.Logger) *MigrationAPI {
	if logger == nil {
		logger = observability.NewLogger("api.migration")
	}
	return &MigrationAPI{engine: engine, validator: validator, logger: logger}
}

// RegisterRoutes registers migration and compatibility routes
func (api *MigrationAPI) RegisterRoutes(router *gin.RouterGroup) {
	migrationRoutes := router.Group("/migrations")
	{
		migrationRoutes.POST("", api.StartMigration)
		migrationRoutes.GET("/estimate", api.Estimate)
		migrationRoutes.GET("/:migrationID", api.GetProgress)
		migrationRoutes.POST("/:migrationID/cancel", api.CancelMigration)
		migrationRoutes.POST("/:migrationID/rollback", api.RollbackMigration)
	}
	router.GET("/tenants/:tenantID/migration", api.GetTenantMigration)

	compatRoutes := router.Group("/compat")
	{
		compatRoutes.POST("/validate", api.Validate)
		compatRoutes.POST("/validate-change", api.ValidateChange)
		compatRoutes.GET("/validate-all", api.ValidateAll)
		compatRoutes.GET("/alternatives", api.Alternatives)
	}
}

type startMigrationRequest struct {
	TenantID       uuid.UUID `json:"tenant_id"`
	TargetProvider string    `json:"target_provider"`
	TargetModel    string    `json:"target_model"`
	RequestedBy    uuid.UUID `json:"requested_by"`
	Reason         string    `json:"reason"`
	BatchSize      int       `json:"batch_size"`
	MaxRetries     int       `json:"max_retries"`
	RetryBackoffMs int       `json:"retry_backoff_ms"`
	TimeoutSeconds int       `json:"timeout_seconds"`
	Verify         bool      `json:"verify"`
	EnableRollback *bool     `json:"enable_rollback"`
}

// StartMigration launches a migration and returns its initial progress
func (api *MigrationAPI) StartMigration(c *gin.Context) {
	var req startMigrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	// Rollback defaults to on; callers must opt out explicitly
	enableRollback := true
	if req.EnableRollback != nil {
		enableRollback = *req.EnableRollback
	}

	config := migration.Config{
		TenantID:       req.TenantID,
		TargetProvider: req.TargetProvider,
		TargetModel:    req.TargetModel,
		RequestedBy:    req.RequestedBy,
		Reason:         req.Reason,
		BatchSize:      req.BatchSize,
		MaxRetries:     req.MaxRetries,
		RetryBackoff:   time.Duration(req.RetryBackoffMs) * time.Millisecond,
		Timeout:        time.Duration(req.TimeoutSeconds) * time.Second,
		Verify:         req.Verify,
		EnableRollback: enableRollback,
	}

	progress, err := api.engine.Start(c.Request.Context(), config)
	if err != nil {
		writeError(c, err)
		return
	}
	api.logger.Info("Migration accepted", map[string]interface{}{
		"migration_id": progress.MigrationID.String(),
		"tenant_id":    config.TenantID.String(),
		"target":       config.TargetProvider + "/" + config.TargetModel,
	})
	c.JSON(http.StatusAccepted, progress)
}

// GetProgress returns the state of one migration
func (api *MigrationAPI) GetProgress(c *gin.Context) {
	id, err := uuid.Parse(c.Param("migrationID"))
	if err != nil {
		badRequest(c, "migration id must be a UUID")
		return
	}
	progress := api.engine.GetProgress(id)
	if progress == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": errorBody{
			Code:    apperrors.CodeNotFound,
			Message: "migration " + id.String() + " not found",
		}})
		return
	}
	c.JSON(http.StatusOK, progress)
}

// GetTenantMigration returns the tenant's most recent migration
func (api *MigrationAPI) GetTenantMigration(c *gin.Context) {
	tenantID, err := uuid.Parse(c.Param("tenantID"))
	if err != nil {
		badRequest(c, "tenant id must be a UUID")
		return
	}
	progress := api.engine.GetTenantMigration(tenantID)
	if progress == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": errorBody{
			Code:    apperrors.CodeNotFound,
			Message: "no migration for tenant " + tenantID.String(),
		}})
		return
	}
	c.JSON(http.StatusOK, progress)
}

// CancelMigration requests cancellation of a running migration
func (api *MigrationAPI) CancelMigration(c *gin.Context) {
	id, err := uuid.Parse(c.Param("migrationID"))
	if err != nil {
		badRequest(c, "migration id must be a UUID")
		return
	}
	if !api.engine.Cancel(id) {
		c.JSON(http.StatusConflict, gin.H{"error": errorBody{
			Code:    apperrors.CodeConflict,
			Message: "migration " + id.String() + " cannot be cancelled",
		}})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"cancelling": true})
}

// RollbackMigration rolls back a failed migration
func (api *MigrationAPI) RollbackMigration(c *gin.Context) {
	id, err := uuid.Parse(c.Param("migrationID"))
	if err != nil {
		badRequest(c, "migration id must be a UUID")
		return
	}
	if !api.engine.Rollback(c.Request.Context(), id) {
		c.JSON(http.StatusConflict, gin.H{"error": errorBody{
			Code:    apperrors.CodeConflict,
			Message: "migration " + id.String() + " has nothing to roll back",
		}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rolled_back": true})
}

// Estimate forecasts a tenant's migration duration
func (api *MigrationAPI) Estimate(c *gin.Context) {
	tenantID, err := uuid.Parse(c.Query("tenant_id"))
	if err != nil {
		badRequest(c, "tenant_id must be a UUID")
		return
	}
	batchSize := 0
	if raw := c.Query("batch_size"); raw != "" {
		batchSize, err = strconv.Atoi(raw)
		if err != nil {
			badRequest(c, "batch_size must be an integer")
			return
		}
	}

	estimate, err := api.engine.EstimateFor(c.Request.Context(), tenantID, batchSize)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, estimate)
}

// Validate checks one provider/model pair
func (api *MigrationAPI) Validate(c *gin.Context) {
	var req struct {
		Provider   string  `json:"provider"`
		Model      string  `json:"model"`
		Credential *string `json:"credential,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.Provider == "" || req.Model == "" {
		badRequest(c, "provider and model are required")
		return
	}

	report, err := api.validator.Validate(c.Request.Context(), req.Provider, req.Model, req.Credential)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// ValidateChange checks a tenant's proposed configuration change
func (api *MigrationAPI) ValidateChange(c *gin.Context) {
	var req struct {
		TenantID uuid.UUID `json:"tenant_id"`
		Provider string    `json:"provider"`
		Model    string    `json:"model"`
		Reason   string    `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	report, err := api.validator.ValidateChange(c.Request.Context(), req.TenantID, req.Provider, req.Model, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// ValidateAll checks every registered provider/model pair
func (api *MigrationAPI) ValidateAll(c *gin.Context) {
	reports, err := api.validator.ValidateAll(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reports": reports})
}

// Alternatives lists provider/model pairs matching a target dimension
func (api *MigrationAPI) Alternatives(c *gin.Context) {
	dimension, err := strconv.Atoi(c.Query("dimension"))
	if err != nil || dimension <= 0 {
		badRequest(c, "dimension must be a positive integer")
		return
	}

	alternatives, err := api.validator.Alternatives(c.Request.Context(), dimension, nil)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alternatives": alternatives})
}
