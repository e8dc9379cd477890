package dedup

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/embedding/audit"
	apperrors "github.com/WalkingStatue/multi-rag-bot-sub002/pkg/errors"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/models"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/observability"
)

// Manual resolution actions
const (
	ResolveMerge        = "merge"
	ResolvePreserve     = "preserve"
	ResolveRemoveFirst  = "remove_first"
	ResolveRemoveSecond = "remove_second"
)

// Policy is the per-tenant dedup configuration
type Policy struct {
	Enabled            bool       `json:"enabled" mapstructure:"enabled"`
	Strategy           Strategy   `json:"strategy" mapstructure:"strategy"`
	Thresholds         Thresholds `json:"thresholds" mapstructure:"thresholds"`
	AllowCrossDocument bool       `json:"allow_cross_document" mapstructure:"allow_cross_document"`
}

// DefaultPolicy returns the conservative default policy
func DefaultPolicy() Policy {
	return Policy{
		Enabled:    true,
		Strategy:   StrategyConservative,
		Thresholds: DefaultThresholds(),
	}
}

// Validate checks the policy's strategy and threshold ordering
func (p Policy) Validate() error {
	if !ValidStrategy(p.Strategy) {
		return apperrors.InvalidArgument("unknown dedup strategy: %s", p.Strategy)
	}
	t := p.Thresholds
	if t.Low <= 0 || t.Low > t.Medium || t.Medium > t.High || t.High > t.Exact || t.Exact > 1.0 {
		return apperrors.InvalidArgument("thresholds must satisfy 0 < low <= medium <= high <= exact <= 1")
	}
	return nil
}

// ActiveMigrationChecker reports whether a tenant has a migration in
// flight. Dedup merges must not interleave with one.
type ActiveMigrationChecker interface {
	HasActiveMigration(tenantID uuid.UUID) bool
}

// Manager layers policy, the migration interlock, conflict case
// tracking, and manual resolution over the dedup engine. Conflict
// cases live in process memory; the audit trail is the durable record.
type Manager struct {
	engine     *Engine
	auditStore *audit.Store
	migrations ActiveMigrationChecker
	logger     observability.Logger

	mu        sync.RWMutex
	fallback  Policy
	policies  map[uuid.UUID]Policy
	conflicts map[uuid.UUID]*ConflictCase
}

// NewManager creates a dedup manager
func NewManager(engine *Engine, auditStore *audit.Store, migrations ActiveMigrationChecker, logger observability.Logger) *Manager {
	if logger == nil {
		logger = observability.NewLogger("embedding.dedup")
	}
	return &Manager{
		engine:     engine,
		auditStore: auditStore,
		migrations: migrations,
		logger:     logger,
		fallback:   DefaultPolicy(),
		policies:   make(map[uuid.UUID]Policy),
		conflicts:  make(map[uuid.UUID]*ConflictCase),
	}
}

// SetFallbackPolicy replaces the policy applied to tenants without an
// explicit configuration.
func (m *Manager) SetFallbackPolicy(policy Policy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.fallback = policy
	m.mu.Unlock()
	return nil
}

// PolicyFor returns the tenant's policy, falling back to the default
func (m *Manager) PolicyFor(tenantID uuid.UUID) Policy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if policy, ok := m.policies[tenantID]; ok {
		return policy
	}
	return m.fallback
}

// Configure sets the tenant's policy and records the change
func (m *Manager) Configure(ctx context.Context, tenantID uuid.UUID, policy Policy, actor string) error {
	if err := policy.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	m.policies[tenantID] = policy
	m.mu.Unlock()

	return m.auditStore.Record(ctx, &audit.Record{
		TenantID: tenantID,
		Action:   audit.ActionConfigure,
		Reason:   "dedup policy updated",
		Details: models.JSONMap{
			"enabled":              policy.Enabled,
			"strategy":             string(policy.Strategy),
			"allow_cross_document": policy.AllowCrossDocument,
			"thresholds": map[string]interface{}{
				"exact":  policy.Thresholds.Exact,
				"high":   policy.Thresholds.High,
				"medium": policy.Thresholds.Medium,
				"low":    policy.Thresholds.Low,
			},
		},
		Actor: actor,
	})
}

// Detect passes through to the engine
func (m *Manager) Detect(ctx context.Context, tenantID uuid.UUID, chunkIDs []uuid.UUID, threshold float64) ([]Similarity, error) {
	return m.engine.Detect(ctx, tenantID, chunkIDs, threshold)
}

// Deduplicate runs deduplication under the tenant's policy. A disabled
// policy refuses the run unless force is set; an active migration
// always refuses it.
func (m *Manager) Deduplicate(ctx context.Context, tenantID uuid.UUID, chunkIDs []uuid.UUID, force bool, actor string) (*Result, error) {
	policy, err := m.admit(tenantID, force)
	if err != nil {
		return nil, err
	}

	result, err := m.engine.Deduplicate(ctx, tenantID, chunkIDs, optionsFrom(policy, actor))
	if err != nil {
		return nil, err
	}
	m.registerConflicts(result.Conflicts)
	return result, nil
}

// DeduplicateDocument runs deduplication within one document,
// used during document reprocessing.
func (m *Manager) DeduplicateDocument(ctx context.Context, tenantID, documentID uuid.UUID, force bool, actor string) (*Result, error) {
	policy, err := m.admit(tenantID, force)
	if err != nil {
		return nil, err
	}

	result, err := m.engine.DeduplicateDocument(ctx, tenantID, documentID, optionsFrom(policy, actor))
	if err != nil {
		return nil, err
	}
	m.registerConflicts(result.Conflicts)
	return result, nil
}

func (m *Manager) admit(tenantID uuid.UUID, force bool) (Policy, error) {
	policy := m.PolicyFor(tenantID)
	if !policy.Enabled && !force {
		return Policy{}, apperrors.Conflict("deduplication is disabled for tenant %s", tenantID)
	}
	if m.migrations != nil && m.migrations.HasActiveMigration(tenantID) {
		return Policy{}, apperrors.Conflict("tenant %s has an active migration", tenantID)
	}
	return policy, nil
}

func optionsFrom(policy Policy, actor string) Options {
	return Options{
		Strategy:           policy.Strategy,
		Thresholds:         policy.Thresholds,
		AllowCrossDocument: policy.AllowCrossDocument,
		Actor:              actor,
	}
}

func (m *Manager) registerConflicts(conflicts []*ConflictCase) {
	if len(conflicts) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conflict := range conflicts {
		m.conflicts[conflict.ID] = conflict
	}
}

// ActiveConflicts returns the tenant's unresolved cases, oldest first
func (m *Manager) ActiveConflicts(tenantID uuid.UUID) []*ConflictCase {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var active []*ConflictCase
	for _, conflict := range m.conflicts {
		if conflict.TenantID == tenantID && !conflict.Resolved {
			copied := *conflict
			active = append(active, &copied)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].CreatedAt.Before(active[j].CreatedAt) })
	return active
}

// GetConflict returns one case by id
func (m *Manager) GetConflict(caseID uuid.UUID) (*ConflictCase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conflict, ok := m.conflicts[caseID]
	if !ok {
		return nil, apperrors.NotFound("conflict case %s not found", caseID)
	}
	copied := *conflict
	return &copied, nil
}

// Resolve applies a manual decision to a conflict case. Each action
// yields an audit record; the case flips to resolved exactly once.
func (m *Manager) Resolve(ctx context.Context, caseID uuid.UUID, action, resolver string) (*Decision, error) {
	m.mu.Lock()
	conflict, ok := m.conflicts[caseID]
	if !ok {
		m.mu.Unlock()
		return nil, apperrors.NotFound("conflict case %s not found", caseID)
	}
	if conflict.Resolved {
		m.mu.Unlock()
		return nil, apperrors.Conflict("conflict case %s is already resolved", caseID)
	}
	tenantID := conflict.TenantID
	chunkIDs := append([]uuid.UUID(nil), conflict.ChunkIDs...)
	m.mu.Unlock()

	var decision *Decision
	var err error
	switch action {
	case ResolveMerge:
		decision, err = m.engine.MergeChunks(ctx, tenantID, chunkIDs, resolver)
	case ResolvePreserve:
		decision = &Decision{
			ID:                uuid.New(),
			Action:            DecisionPreserve,
			PrimaryChunkID:    chunkIDs[0],
			DuplicateChunkIDs: chunkIDs[1:],
			Reason:            "manually preserved",
			CreatedAt:         time.Now(),
		}
		err = m.engine.RecordPreserve(ctx, tenantID, decision, resolver)
	case ResolveRemoveFirst:
		err = m.engine.RemoveChunk(ctx, tenantID, chunkIDs[0], "manually removed as duplicate", resolver)
	case ResolveRemoveSecond:
		if len(chunkIDs) < 2 {
			return nil, apperrors.InvalidArgument("conflict case %s has no second chunk", caseID)
		}
		err = m.engine.RemoveChunk(ctx, tenantID, chunkIDs[1], "manually removed as duplicate", resolver)
	default:
		return nil, apperrors.InvalidArgument("unknown resolution action: %s", action)
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	m.mu.Lock()
	conflict.Resolved = true
	conflict.ResolutionAction = action
	conflict.Resolver = resolver
	conflict.ResolvedAt = &now
	m.mu.Unlock()

	m.logger.Info("Conflict case resolved", map[string]interface{}{
		"case_id":  caseID.String(),
		"action":   action,
		"resolver": resolver,
	})
	return decision, nil
}

// ExportAudit serializes the tenant's audit trail
func (m *Manager) ExportAudit(ctx context.Context, tenantID uuid.UUID, format string, since, until time.Time) ([]byte, error) {
	return m.auditStore.Export(ctx, tenantID, format, since, until)
}

// CleanupAudit removes audit records past the retention window
func (m *Manager) CleanupAudit(ctx context.Context, tenantID uuid.UUID, retentionDays int) (int, error) {
	return m.auditStore.Cleanup(ctx, tenantID, retentionDays)
}

// AuditStats summarizes the tenant's recent dedup activity
func (m *Manager) AuditStats(ctx context.Context, tenantID uuid.UUID, windowDays int) (*audit.Stats, error) {
	return m.auditStore.GetStats(ctx, tenantID, windowDays)
}
