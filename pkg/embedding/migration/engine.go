package migration

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/auth"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/embedding/audit"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/embedding/providers"
	apperrors "github.com/WalkingStatue/multi-rag-bot-sub002/pkg/errors"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/models"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/observability"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/repository"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/vectorstore"
)

// abortFailureRatio aborts data migration once this share of chunks failed
const abortFailureRatio = 0.5

// EngineConfig holds engine-wide settings
type EngineConfig struct {
	// MaxConcurrent caps simultaneously active migrations
	MaxConcurrent int
}

// Engine runs migrations through the phase sequence
// validation, backup, new_collection, data_migration, verification,
// finalization, cleanup. Failures trigger rollback when enabled.
type Engine struct {
	tenants  *repository.TenantRepository
	chunks   *repository.ChunkRepository
	metadata *repository.CollectionMetadataRepository
	vectors  vectorstore.Store
	registry *providers.Registry
	resolver *auth.KeyResolver
	auditLog *audit.Store
	tracker  *tracker
	logger   observability.Logger
	metrics  observability.MetricsClient
}

// NewEngine creates a migration engine
func NewEngine(
	tenants *repository.TenantRepository,
	chunks *repository.ChunkRepository,
	metadata *repository.CollectionMetadataRepository,
	vectors vectorstore.Store,
	registry *providers.Registry,
	resolver *auth.KeyResolver,
	auditLog *audit.Store,
	config *EngineConfig,
	logger observability.Logger,
	metrics observability.MetricsClient,
) (*Engine, error) {
	if tenants == nil || chunks == nil || metadata == nil {
		return nil, fmt.Errorf("repositories are required")
	}
	if vectors == nil {
		return nil, fmt.Errorf("vector store is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("provider registry is required")
	}
	maxConcurrent := 3
	if config != nil && config.MaxConcurrent > 0 {
		maxConcurrent = config.MaxConcurrent
	}
	if logger == nil {
		logger = observability.NewLogger("embedding.migration")
	}
	if metrics == nil {
		metrics = observability.NewMetricsClient()
	}
	return &Engine{
		tenants:  tenants,
		chunks:   chunks,
		metadata: metadata,
		vectors:  vectors,
		registry: registry,
		resolver: resolver,
		auditLog: auditLog,
		tracker:  newTracker(maxConcurrent),
		logger:   logger,
		metrics:  metrics,
	}, nil
}

// Start admits a migration and runs it in the background. Returns the
// initial progress record; poll GetProgress for updates.
func (e *Engine) Start(ctx context.Context, config Config) (*Progress, error) {
	_, span := observability.StartSpan(ctx, "migration.Start")
	defer span.End()

	if config.TenantID == uuid.Nil {
		return nil, apperrors.InvalidArgument("tenant id is required")
	}
	if config.TargetProvider == "" || config.TargetModel == "" {
		return nil, apperrors.InvalidArgument("target provider and model are required")
	}
	config.ApplyDefaults()

	progress := Progress{
		MigrationID: uuid.New(),
		TenantID:    config.TenantID,
		Status:      StatusPending,
		Phase:       PhaseValidation,
		TargetConfig: models.EmbeddingConfig{
			Provider: config.TargetProvider,
			Model:    config.TargetModel,
		},
		StartedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := e.tracker.register(progress); err != nil {
		return nil, err
	}

	e.logger.Info("Migration admitted", map[string]interface{}{
		"migration_id":    progress.MigrationID.String(),
		"tenant_id":       config.TenantID.String(),
		"target_provider": config.TargetProvider,
		"target_model":    config.TargetModel,
	})
	e.recordAudit(ctx, config.TenantID, audit.ActionMigrationStart, actorOf(config.RequestedBy), models.JSONMap{
		"migration_id":    progress.MigrationID.String(),
		"target_provider": config.TargetProvider,
		"target_model":    config.TargetModel,
	})
	go e.run(progress.MigrationID, config)

	copied := progress
	return &copied, nil
}

// GetProgress returns the progress of a migration, or nil when unknown
// or expired from retention.
func (e *Engine) GetProgress(id uuid.UUID) *Progress {
	progress, ok := e.tracker.get(id)
	if !ok {
		return nil
	}
	return progress
}

// GetTenantMigration returns the tenant's tracked migration, if any
func (e *Engine) GetTenantMigration(tenantID uuid.UUID) *Progress {
	progress, ok := e.tracker.getByTenant(tenantID)
	if !ok {
		return nil
	}
	return progress
}

// Cancel flags a migration for cancellation. The flag is honored
// between batches; no in-flight provider call is interrupted.
func (e *Engine) Cancel(id uuid.UUID) bool {
	ok := e.tracker.requestCancel(id)
	if ok {
		e.logger.Info("Migration cancellation requested", map[string]interface{}{
			"migration_id": id.String(),
		})
	}
	return ok
}

// Rollback undoes a migration's visible effects. For a running
// migration it requests cancellation, which rolls back on the next
// phase boundary; for a failed one it rolls back synchronously.
func (e *Engine) Rollback(ctx context.Context, id uuid.UUID) bool {
	progress, ok := e.tracker.get(id)
	if !ok {
		return false
	}
	info := e.tracker.getRollback(id)
	if info == nil {
		return false
	}
	if !progress.Status.IsTerminal() {
		return e.tracker.requestCancel(id)
	}
	if progress.Status != StatusFailed {
		return false
	}

	err := e.performRollback(ctx, info)
	e.tracker.update(id, func(p *Progress) {
		if err != nil {
			p.Error = appendError(p.Error, fmt.Sprintf("rollback failed: %v", err))
			return
		}
		p.Status = StatusRolledBack
	})
	return err == nil
}

// EstimateFor forecasts the migration time for a tenant
func (e *Engine) EstimateFor(ctx context.Context, tenantID uuid.UUID, batchSize int) (*Estimate, error) {
	count, err := e.chunks.CountByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	estimate := EstimateDuration(count, batchSize)
	return &estimate, nil
}

// ActiveCount reports currently non-terminal migrations
func (e *Engine) ActiveCount() int {
	return e.tracker.activeCount()
}

// HasActiveMigration reports whether the tenant has a migration in a
// non-terminal status. Dedup merges are refused while this holds.
func (e *Engine) HasActiveMigration(tenantID uuid.UUID) bool {
	progress, ok := e.tracker.getByTenant(tenantID)
	return ok && !progress.Status.IsTerminal()
}

// runContext carries state across phases of one migration
type runContext struct {
	config     Config
	id         uuid.UUID
	tenant     *models.Tenant
	adapter    providers.Provider
	credential string
	source     models.EmbeddingConfig
	target     models.EmbeddingConfig
	epoch      int64
	tempKey    string
	migrated   int
}

// run drives one migration to a terminal status. It never returns an
// error; outcomes are recorded on the progress record.
func (e *Engine) run(id uuid.UUID, config Config) {
	ctx, cancel := context.WithTimeout(context.Background(), config.Timeout)
	defer cancel()
	ctx, span := observability.StartSpan(ctx, "migration.run")
	defer span.End()

	rc := &runContext{config: config, id: id}
	phases := []struct {
		phase Phase
		fn    func(context.Context, *runContext) error
		skip  func() bool
	}{
		{PhaseValidation, e.phaseValidation, nil},
		{PhaseBackup, e.phaseBackup, nil},
		{PhaseNewCollection, e.phaseNewCollection, nil},
		{PhaseDataMigration, e.phaseDataMigration, nil},
		{PhaseVerification, e.phaseVerification, func() bool { return !config.Verify }},
		{PhaseFinalization, e.phaseFinalization, nil},
		{PhaseCleanup, e.phaseCleanup, nil},
	}

	for _, step := range phases {
		if e.tracker.cancelled(id) {
			e.finishCancelled(ctx, id)
			return
		}
		if ctx.Err() != nil {
			e.finishFailed(ctx, id, apperrors.Wrap(ctx.Err(), apperrors.CodeTimeout, apperrors.ClassTimeout))
			return
		}
		if step.skip != nil && step.skip() {
			continue
		}
		e.tracker.update(id, func(p *Progress) { p.Phase = step.phase })
		if err := step.fn(ctx, rc); err != nil {
			e.logger.Error("Migration phase failed", map[string]interface{}{
				"migration_id": id.String(),
				"phase":        string(step.phase),
				"error":        err.Error(),
			})
			e.finishFailed(ctx, id, err)
			return
		}
	}

	e.recordAudit(ctx, config.TenantID, audit.ActionMigrationEnd, "system", models.JSONMap{
		"migration_id": id.String(),
		"status":       string(StatusCompleted),
		"migrated":     rc.migrated,
	})
	e.tracker.update(id, func(p *Progress) { p.Status = StatusCompleted })
	e.metrics.IncrementCounterWithLabels("migrations_completed", 1, map[string]string{
		"provider": config.TargetProvider,
	})
	e.logger.Info("Migration completed", map[string]interface{}{
		"migration_id": id.String(),
		"tenant_id":    config.TenantID.String(),
		"migrated":     rc.migrated,
	})
}

// phaseValidation checks the tenant, provider, model, and credential,
// records the source configuration, and appends the history entry
// before any destructive work begins.
func (e *Engine) phaseValidation(ctx context.Context, rc *runContext) error {
	tenant, err := e.tenants.Get(ctx, rc.config.TenantID)
	if err != nil {
		return err
	}
	rc.tenant = tenant

	adapter, err := e.registry.Get(rc.config.TargetProvider)
	if err != nil {
		return err
	}
	rc.adapter = adapter

	targetDim, err := adapter.Dimension(rc.config.TargetModel)
	if err != nil {
		return err
	}
	rc.target = models.EmbeddingConfig{
		Provider:  rc.config.TargetProvider,
		Model:     rc.config.TargetModel,
		Dimension: targetDim,
	}

	if adapter.RequiresCredential() {
		if e.resolver == nil {
			return apperrors.AuthFailure("no credential resolver configured")
		}
		cred, err := e.resolver.Resolve(ctx, tenant.ID, rc.config.RequestedBy, rc.config.TargetProvider)
		if err != nil {
			return err
		}
		if err := adapter.ValidateCredential(ctx, cred.Key); err != nil {
			return err
		}
		rc.credential = cred.Key
	}

	rc.source = models.EmbeddingConfig{Provider: tenant.Provider, Model: tenant.Model}
	if meta, err := e.metadata.Get(ctx, tenant.ID); err == nil {
		rc.source.Dimension = meta.Dimension
	}

	count, err := e.chunks.CountByTenant(ctx, tenant.ID)
	if err != nil {
		return err
	}
	totalBatches := (count + rc.config.BatchSize - 1) / rc.config.BatchSize
	estimate := EstimateDuration(count, rc.config.BatchSize)
	eta := time.Now().Add(estimate.Duration)

	e.tracker.update(rc.id, func(p *Progress) {
		p.Status = StatusPreparing
		p.SourceConfig = rc.source
		p.TargetConfig = rc.target
		p.TotalChunks = count
		p.TotalBatches = totalBatches
		p.EstimatedCompletion = &eta
	})

	migrationID := rc.id
	entry := &models.ConfigurationHistoryEntry{
		TenantID:          tenant.ID,
		PreviousProvider:  rc.source.Provider,
		PreviousModel:     rc.source.Model,
		PreviousDimension: rc.source.Dimension,
		NewProvider:       rc.target.Provider,
		NewModel:          rc.target.Model,
		NewDimension:      rc.target.Dimension,
		Reason:            rc.config.Reason,
		MigrationRequired: true,
		MigrationID:       &migrationID,
		Actor:             actorOf(rc.config.RequestedBy),
	}
	return e.metadata.RecordChange(ctx, entry)
}

// phaseBackup records the rollback descriptor. The original collection
// is retained untouched until finalization, which is the physical
// backup for every phase before it.
func (e *Engine) phaseBackup(ctx context.Context, rc *runContext) error {
	if !rc.config.EnableRollback {
		return nil
	}
	rc.epoch = time.Now().Unix()
	info := &RollbackInfo{
		MigrationID:           rc.id,
		TenantID:              rc.tenant.ID,
		Snapshot:              rc.source,
		OriginalCollectionKey: rc.tenant.ID.String(),
		Epoch:                 rc.epoch,
		CreatedAt:             time.Now(),
	}
	e.tracker.setRollback(rc.id, info)
	return nil
}

func (e *Engine) phaseNewCollection(ctx context.Context, rc *runContext) error {
	if rc.epoch == 0 {
		rc.epoch = time.Now().Unix()
	}
	rc.tempKey = TempCollectionKey(rc.tenant.ID, rc.epoch)
	if err := e.vectors.CreateCollection(ctx, rc.tempKey, rc.target.Dimension); err != nil {
		return apperrors.StorageFailure(fmt.Errorf("failed to create staging collection: %w", err))
	}
	return nil
}

// phaseDataMigration re-embeds every chunk in batches with per-batch
// retry, aborting when the cumulative failure ratio passes the stop
// condition.
func (e *Engine) phaseDataMigration(ctx context.Context, rc *runContext) error {
	e.tracker.update(rc.id, func(p *Progress) { p.Status = StatusInProgress })

	allChunks, err := e.chunks.ListByTenant(ctx, rc.tenant.ID)
	if err != nil {
		return err
	}

	processed, failed := 0, 0
	batchSize := rc.config.BatchSize
	for start := 0; start < len(allChunks); start += batchSize {
		if e.tracker.cancelled(rc.id) {
			return nil
		}
		if ctx.Err() != nil {
			return apperrors.Wrap(ctx.Err(), apperrors.CodeTimeout, apperrors.ClassTimeout)
		}

		end := start + batchSize
		if end > len(allChunks) {
			end = len(allChunks)
		}
		batch := allChunks[start:end]
		batchNum := start/batchSize + 1

		vectors, err := e.embedBatch(ctx, rc, batch)
		if err != nil {
			failed += len(batch)
			e.logger.Warn("Migration batch failed after retries", map[string]interface{}{
				"migration_id": rc.id.String(),
				"batch":        batchNum,
				"error":        err.Error(),
			})
		} else {
			points := make([]vectorstore.Point, len(batch))
			for i, chunk := range batch {
				points[i] = vectorstore.Point{
					ID:      pointID(chunk),
					Vector:  vectors[i],
					Payload: pointPayload(chunk),
				}
			}
			if err := e.vectors.UpsertPoints(ctx, rc.tempKey, points); err != nil {
				failed += len(batch)
			} else {
				processed += len(batch)
			}
		}

		remaining := len(allChunks) - (processed + failed)
		eta := time.Now().Add(EstimateDuration(remaining, batchSize).Duration)
		e.tracker.update(rc.id, func(p *Progress) {
			p.Processed = processed
			p.Failed = failed
			p.CurrentBatch = batchNum
			p.EstimatedCompletion = &eta
		})

		if total := processed + failed; total > 0 &&
			float64(failed)/float64(total) > abortFailureRatio {
			return apperrors.Newf(apperrors.CodeProviderTransient, apperrors.ClassTransient,
				"aborting migration: %d of %d chunks failed", failed, total)
		}
	}

	rc.migrated = processed
	return nil
}

// embedBatch calls the target provider with exponential backoff
func (e *Engine) embedBatch(ctx context.Context, rc *runContext, batch []*models.DocumentChunk) ([][]float32, error) {
	texts := make([]string, len(batch))
	for i, chunk := range batch {
		texts[i] = chunk.Content
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = rc.config.RetryBackoff
	policy.Multiplier = 2
	policy.MaxElapsedTime = 0

	var embeddings [][]float32
	operation := func() error {
		resp, err := rc.adapter.Embed(ctx, providers.EmbedRequest{
			Texts:      texts,
			Model:      rc.config.TargetModel,
			Credential: rc.credential,
		})
		if err != nil {
			if !apperrors.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		if len(resp.Embeddings) != len(texts) {
			return backoff.Permanent(fmt.Errorf("provider returned %d vectors for %d texts",
				len(resp.Embeddings), len(texts)))
		}
		embeddings = resp.Embeddings
		return nil
	}
	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(rc.config.MaxRetries)), ctx))
	if err != nil {
		return nil, err
	}
	return embeddings, nil
}

// phaseVerification re-opens the staging collection and asserts its
// dimension and point count before anything destructive happens.
func (e *Engine) phaseVerification(ctx context.Context, rc *runContext) error {
	info, err := e.vectors.GetCollectionInfo(ctx, rc.tempKey)
	if err != nil {
		return apperrors.StorageFailure(fmt.Errorf("verification failed to open staging collection: %w", err))
	}
	if info.Dimension != rc.target.Dimension {
		return apperrors.Internal(fmt.Errorf("verification: staging dimension %d, expected %d",
			info.Dimension, rc.target.Dimension))
	}
	count, err := e.vectors.CountPoints(ctx, rc.tempKey)
	if err != nil {
		return apperrors.StorageFailure(err)
	}
	if count != rc.migrated {
		return apperrors.Internal(fmt.Errorf("verification: staging holds %d points, expected %d",
			count, rc.migrated))
	}
	return nil
}

// phaseFinalization replaces the canonical collection with the staged
// data and flips the tenant configuration atomically with the metadata
// row and the history completion flag.
func (e *Engine) phaseFinalization(ctx context.Context, rc *runContext) error {
	canonical := rc.tenant.ID.String()

	exists, err := e.vectors.CollectionExists(ctx, canonical)
	if err != nil {
		return apperrors.StorageFailure(err)
	}
	if exists {
		if err := e.vectors.DeleteCollection(ctx, canonical); err != nil {
			return apperrors.StorageFailure(err)
		}
	}
	if err := e.vectors.CreateCollection(ctx, canonical, rc.target.Dimension); err != nil {
		return apperrors.StorageFailure(err)
	}
	if err := e.copyCollection(ctx, rc.tempKey, canonical); err != nil {
		return apperrors.StorageFailure(err)
	}

	tx, err := e.tenants.DB().Beginx()
	if err != nil {
		return apperrors.StorageFailure(fmt.Errorf("failed to begin finalization transaction: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	if err := e.tenants.UpdateConfigTx(ctx, tx, rc.tenant.ID, rc.target.Provider, rc.target.Model); err != nil {
		return err
	}
	migrationID := rc.id
	meta := &models.CollectionMetadata{
		TenantID:      rc.tenant.ID,
		CollectionKey: canonical,
		Provider:      rc.target.Provider,
		Model:         rc.target.Model,
		Dimension:     rc.target.Dimension,
		PointCount:    rc.migrated,
		Status:        models.CollectionActive,
		LastMigration: &migrationID,
	}
	if err := e.metadata.UpsertTx(ctx, tx, meta); err != nil {
		return err
	}
	if err := e.metadata.MarkMigrationCompletedTx(ctx, tx, rc.id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperrors.StorageFailure(fmt.Errorf("failed to commit finalization: %w", err))
	}
	return nil
}

// phaseCleanup removes staging collections only after finalization
func (e *Engine) phaseCleanup(ctx context.Context, rc *runContext) error {
	if err := e.vectors.DeleteCollection(ctx, rc.tempKey); err != nil {
		// Leftover staging data is harmless; log and move on
		e.logger.Warn("Failed to remove staging collection", map[string]interface{}{
			"collection": rc.tempKey,
			"error":      err.Error(),
		})
	}
	backupKey := BackupCollectionKey(rc.tenant.ID, rc.epoch)
	if exists, err := e.vectors.CollectionExists(ctx, backupKey); err == nil && exists {
		_ = e.vectors.DeleteCollection(ctx, backupKey)
	}
	return nil
}

func (e *Engine) copyCollection(ctx context.Context, from, to string) error {
	const pageSize = 200
	for offset := 0; ; offset += pageSize {
		points, err := e.vectors.ScrollPoints(ctx, from, offset, pageSize)
		if err != nil {
			return err
		}
		if len(points) == 0 {
			return nil
		}
		if err := e.vectors.UpsertPoints(ctx, to, points); err != nil {
			return err
		}
		if len(points) < pageSize {
			return nil
		}
	}
}

// finishFailed records the failure and attempts rollback when enabled
func (e *Engine) finishFailed(ctx context.Context, id uuid.UUID, cause error) {
	info := e.tracker.getRollback(id)
	if info == nil {
		e.tracker.update(id, func(p *Progress) {
			p.Status = StatusFailed
			p.Error = cause.Error()
		})
		e.recordTerminalAudit(ctx, id)
		return
	}

	e.tracker.update(id, func(p *Progress) {
		p.Status = StatusRollingBack
		p.Error = cause.Error()
	})
	rollbackErr := e.performRollback(ctx, info)
	e.tracker.update(id, func(p *Progress) {
		if rollbackErr != nil {
			p.Status = StatusFailed
			p.Error = appendError(p.Error, fmt.Sprintf("rollback failed: %v", rollbackErr))
			return
		}
		p.Status = StatusRolledBack
	})
	e.recordTerminalAudit(ctx, id)
	e.metrics.IncrementCounterWithLabels("migrations_failed", 1, nil)
}

// finishCancelled honors a cancellation flag at a phase boundary
func (e *Engine) finishCancelled(ctx context.Context, id uuid.UUID) {
	info := e.tracker.getRollback(id)
	if info != nil {
		e.tracker.update(id, func(p *Progress) { p.Status = StatusRollingBack })
		if err := e.performRollback(ctx, info); err != nil {
			e.logger.Error("Rollback during cancellation failed", map[string]interface{}{
				"migration_id": id.String(),
				"error":        err.Error(),
			})
			e.tracker.update(id, func(p *Progress) {
				p.Error = appendError(p.Error, fmt.Sprintf("rollback failed: %v", err))
			})
		}
	}
	e.tracker.update(id, func(p *Progress) { p.Status = StatusCancelled })
	e.recordTerminalAudit(ctx, id)
	e.logger.Info("Migration cancelled", map[string]interface{}{
		"migration_id": id.String(),
	})
}

// performRollback restores the configuration snapshot, ensures the
// original collection exists, and removes this migration's temporary
// collections. Uses a fresh context so rollback survives run timeouts.
func (e *Engine) performRollback(ctx context.Context, info *RollbackInfo) error {
	if ctx.Err() != nil {
		rollbackCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		ctx = rollbackCtx
	}

	if err := e.tenants.UpdateConfig(ctx, info.TenantID, info.Snapshot.Provider, info.Snapshot.Model); err != nil {
		return fmt.Errorf("failed to restore tenant configuration: %w", err)
	}
	meta := &models.CollectionMetadata{
		TenantID:      info.TenantID,
		CollectionKey: info.OriginalCollectionKey,
		Provider:      info.Snapshot.Provider,
		Model:         info.Snapshot.Model,
		Dimension:     info.Snapshot.Dimension,
		Status:        models.CollectionActive,
	}
	if err := e.metadata.Upsert(ctx, meta); err != nil {
		return fmt.Errorf("failed to restore collection metadata: %w", err)
	}

	exists, err := e.vectors.CollectionExists(ctx, info.OriginalCollectionKey)
	if err != nil {
		return fmt.Errorf("failed to check original collection: %w", err)
	}
	if !exists && info.Snapshot.Dimension > 0 {
		if err := e.vectors.CreateCollection(ctx, info.OriginalCollectionKey, info.Snapshot.Dimension); err != nil {
			return fmt.Errorf("failed to recreate original collection: %w", err)
		}
	}

	suffix := fmt.Sprintf("_%d", info.Epoch)
	for _, prefix := range []string{
		fmt.Sprintf("new_%s_", info.TenantID),
		fmt.Sprintf("backup_%s_", info.TenantID),
		fmt.Sprintf("migrating_%s_", info.TenantID),
	} {
		names, err := e.vectors.ListCollections(ctx, prefix)
		if err != nil {
			return fmt.Errorf("failed to list temporary collections: %w", err)
		}
		for _, name := range names {
			if !strings.HasSuffix(name, suffix) {
				continue
			}
			if err := e.vectors.DeleteCollection(ctx, name); err != nil {
				return fmt.Errorf("failed to delete temporary collection %s: %w", name, err)
			}
		}
	}
	return nil
}

func pointID(chunk *models.DocumentChunk) uuid.UUID {
	if chunk.VectorID != nil {
		return *chunk.VectorID
	}
	return chunk.ID
}

func pointPayload(chunk *models.DocumentChunk) models.JSONMap {
	payload := models.JSONMap{
		"chunk_id":    chunk.ID.String(),
		"document_id": chunk.DocumentID.String(),
		"chunk_index": chunk.ChunkIndex,
	}
	for k, v := range chunk.Metadata {
		payload[k] = v
	}
	return payload
}

// recordAudit appends one audit trail entry. Trail failures never
// affect the migration itself.
func (e *Engine) recordAudit(ctx context.Context, tenantID uuid.UUID, action, actor string, details models.JSONMap) {
	if e.auditLog == nil {
		return
	}
	record := &audit.Record{
		TenantID: tenantID,
		Action:   action,
		Actor:    actor,
		Details:  details,
	}
	if err := e.auditLog.Record(ctx, record); err != nil {
		e.logger.Warn("Failed to write migration audit record", map[string]interface{}{
			"tenant_id": tenantID.String(),
			"action":    action,
			"error":     err.Error(),
		})
	}
}

// recordTerminalAudit writes the migration_end entry from the tracked
// final status.
func (e *Engine) recordTerminalAudit(ctx context.Context, id uuid.UUID) {
	progress, ok := e.tracker.get(id)
	if !ok {
		return
	}
	details := models.JSONMap{
		"migration_id": id.String(),
		"status":       string(progress.Status),
	}
	if progress.Error != "" {
		details["error"] = progress.Error
	}
	e.recordAudit(ctx, progress.TenantID, audit.ActionMigrationEnd, "system", details)
}

func actorOf(userID uuid.UUID) string {
	if userID == uuid.Nil {
		return "system"
	}
	return userID.String()
}

func appendError(existing, added string) string {
	if existing == "" {
		return added
	}
	return existing + "; " + added
}
