package compat

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"

	apperrors "github.com/WalkingStatue/multi-rag-bot-sub002/pkg/errors"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/embedding/providers"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/models"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/observability"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/repository"
)

// validityThreshold is the minimum score for a report to be valid
const validityThreshold = 0.7

// credentialCheckTimeout bounds each credential probe; a timeout is a
// soft warning, not a hard failure.
const credentialCheckTimeout = 30 * time.Second

// Config holds validator settings
type Config struct {
	// CacheTTL bounds how long memoized reports and dimension rows stay fresh
	CacheTTL time.Duration
	// CacheSize is the in-process memo capacity
	CacheSize int
	// DefaultBatchSize feeds the migration time estimate
	DefaultBatchSize int
}

// DefaultConfig returns the default validator configuration
func DefaultConfig() *Config {
	return &Config{
		CacheTTL:         24 * time.Hour,
		CacheSize:        256,
		DefaultBatchSize: 50,
	}
}

type cachedReport struct {
	report    *Report
	expiresAt time.Time
}

// Validator scores (provider, model) pairs and change requests.
// Outcomes are memoized in process and persisted in the dimension
// compatibility table so repeated checks stay cheap.
type Validator struct {
	registry   *providers.Registry
	tenants    *repository.TenantRepository
	chunks     *repository.ChunkRepository
	metadata   *repository.CollectionMetadataRepository
	dimensions *repository.DimensionCompatRepository
	estimator  Estimator
	config     *Config
	memo       *lru.Cache[string, cachedReport]
	logger     observability.Logger
}

// NewValidator creates a compatibility validator
func NewValidator(
	registry *providers.Registry,
	tenants *repository.TenantRepository,
	chunks *repository.ChunkRepository,
	metadata *repository.CollectionMetadataRepository,
	dimensions *repository.DimensionCompatRepository,
	estimator Estimator,
	config *Config,
	logger observability.Logger,
) (*Validator, error) {
	if registry == nil {
		return nil, fmt.Errorf("provider registry is required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = observability.NewLogger("embedding.compat")
	}
	memo, err := lru.New[string, cachedReport](config.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation memo: %w", err)
	}
	return &Validator{
		registry:   registry,
		tenants:    tenants,
		chunks:     chunks,
		metadata:   metadata,
		dimensions: dimensions,
		estimator:  estimator,
		config:     config,
		memo:       memo,
		logger:     logger,
	}, nil
}

// Validate scores a (provider, model) pair, probing the credential when
// one is supplied. Results are memoized per pair; credential-bearing
// calls bypass the memo because the outcome depends on the key.
func (v *Validator) Validate(ctx context.Context, provider, model string, credential *string) (*Report, error) {
	ctx, span := observability.StartSpan(ctx, "compat.Validate")
	defer span.End()

	if provider == "" || model == "" {
		return nil, apperrors.InvalidArgument("provider and model are required")
	}

	memoKey := provider + "|" + model
	if credential == nil {
		if cached, ok := v.memo.Get(memoKey); ok && time.Now().Before(cached.expiresAt) {
			return cached.report, nil
		}
	}

	report := &Report{
		Provider:           provider,
		Model:              model,
		CompatibilityScore: 1.0,
		Metadata:           map[string]interface{}{},
	}

	adapter, err := v.registry.Get(provider)
	if err != nil {
		report.CompatibilityScore = 0
		report.addIssue(SeverityError, CodeUnsupportedProvider,
			fmt.Sprintf("provider %q is not supported", provider),
			fmt.Sprintf("use one of: %v", v.registry.Names()))
		v.finalize(ctx, report)
		if credential == nil {
			v.memo.Add(memoKey, cachedReport{report: report, expiresAt: time.Now().Add(v.config.CacheTTL)})
		}
		return report, nil
	}

	dimension, err := adapter.Dimension(model)
	if err != nil {
		if apperrors.ClassOf(err) == apperrors.ClassInvalidArgument {
			report.CompatibilityScore *= 0.5
			report.addIssue(SeverityError, CodeUnknownModel,
				fmt.Sprintf("model %q is not known to provider %q", model, provider),
				"check the model identifier against the provider's catalog")
		} else {
			report.CompatibilityScore *= 0.8
			report.addIssue(SeverityWarning, CodeDimensionLookup,
				fmt.Sprintf("could not discover the dimension of %s/%s: %v", provider, model, err),
				"retry once the provider is reachable")
		}
	} else {
		report.Dimension = dimension
	}

	if credential != nil && adapter.RequiresCredential() {
		v.probeCredential(ctx, adapter, *credential, report)
	}

	v.finalize(ctx, report)
	if credential == nil {
		v.memo.Add(memoKey, cachedReport{report: report, expiresAt: time.Now().Add(v.config.CacheTTL)})
	}
	return report, nil
}

// ValidateChange compares a requested configuration against the
// tenant's current one and annotates the report with migration cost
// when the dimensions disagree.
func (v *Validator) ValidateChange(ctx context.Context, tenantID uuid.UUID, newProvider, newModel, reason string) (*Report, error) {
	ctx, span := observability.StartSpan(ctx, "compat.ValidateChange")
	defer span.End()

	tenant, err := v.tenants.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	report, err := v.Validate(ctx, newProvider, newModel, nil)
	if err != nil {
		return nil, err
	}
	// The memoized report is shared; work on a copy before annotating
	annotated := *report
	annotated.Issues = append([]Issue(nil), report.Issues...)
	annotated.Metadata = map[string]interface{}{"reason": reason}

	if tenant.Provider == newProvider && tenant.Model == newModel {
		annotated.addIssue(SeverityInfo, CodeNoChange,
			"requested configuration is identical to the current one", "")
		v.finalize(ctx, &annotated)
		return &annotated, nil
	}

	currentDimension := 0
	if meta, err := v.metadata.Get(ctx, tenantID); err == nil {
		currentDimension = meta.Dimension
	}
	annotated.Metadata["current_provider"] = tenant.Provider
	annotated.Metadata["current_model"] = tenant.Model
	annotated.Metadata["current_dimension"] = currentDimension

	if annotated.Dimension != 0 && annotated.Dimension != currentDimension {
		annotated.MigrationRequired = true
		annotated.addIssue(SeverityWarning, CodeDimensionChange,
			fmt.Sprintf("dimension changes from %d to %d; existing vectors must be re-embedded",
				currentDimension, annotated.Dimension),
			"run a migration before switching the configuration")

		if v.chunks != nil && v.estimator != nil {
			count, err := v.chunks.CountByTenant(ctx, tenantID)
			if err == nil {
				estimate := v.estimator(count, v.config.DefaultBatchSize)
				annotated.EstimatedMigrationTime = &estimate.Duration
				annotated.Metadata["chunk_count"] = count
				annotated.Metadata["estimated_batches"] = estimate.Batches
			}
		}
	}

	v.finalize(ctx, &annotated)
	return &annotated, nil
}

// Alternatives lists known-valid (provider, model) pairs matching the
// target dimension, minus the excluded pairs.
func (v *Validator) Alternatives(ctx context.Context, targetDimension int, exclude []ProviderModelInfo) ([]ProviderModelInfo, error) {
	rows, err := v.dimensions.ListValid(ctx)
	if err != nil {
		return nil, err
	}
	excluded := make(map[string]bool, len(exclude))
	for _, e := range exclude {
		excluded[e.Provider+"|"+e.Model] = true
	}
	var out []ProviderModelInfo
	for _, row := range rows {
		if row.Dimension != targetDimension {
			continue
		}
		if excluded[row.Provider+"|"+row.Model] {
			continue
		}
		if time.Since(row.LastValidated) > v.config.CacheTTL {
			continue
		}
		out = append(out, ProviderModelInfo{
			Provider:  row.Provider,
			Model:     row.Model,
			Dimension: row.Dimension,
		})
	}
	return out, nil
}

// ValidateAll refreshes the compatibility matrix by validating every
// model of every registered provider.
func (v *Validator) ValidateAll(ctx context.Context) (map[string]*Report, error) {
	ctx, span := observability.StartSpan(ctx, "compat.ValidateAll")
	defer span.End()

	out := make(map[string]*Report)
	for _, name := range v.registry.Names() {
		adapter, err := v.registry.Get(name)
		if err != nil {
			continue
		}
		for _, info := range adapter.ListModels() {
			report, err := v.Validate(ctx, name, info.Name, nil)
			if err != nil {
				return nil, err
			}
			out[name+"|"+info.Name] = report
		}
	}
	return out, nil
}

// probeCredential checks a key against the provider within the per-call
// timeout. Rejection is an error; a timeout only a warning.
func (v *Validator) probeCredential(ctx context.Context, adapter providers.Provider, credential string, report *Report) {
	probeCtx, cancel := context.WithTimeout(ctx, credentialCheckTimeout)
	defer cancel()

	err := adapter.ValidateCredential(probeCtx, credential)
	if err == nil {
		return
	}
	if probeCtx.Err() == context.DeadlineExceeded || apperrors.ClassOf(err) == apperrors.ClassTimeout {
		report.CompatibilityScore *= 0.9
		report.addIssue(SeverityWarning, CodeCredentialTimeout,
			"credential validation timed out", "retry when the provider responds")
		return
	}
	report.CompatibilityScore *= 0.3
	report.addIssue(SeverityError, CodeCredentialRejected,
		fmt.Sprintf("credential rejected: %v", err),
		"supply a valid credential for the provider")
}

// finalize derives IsValid, fills recommendations, and persists the
// dimension row.
func (v *Validator) finalize(ctx context.Context, report *Report) {
	report.IsValid = report.CompatibilityScore >= validityThreshold && !report.HasErrors()
	if report.Recommendations == nil {
		report.Recommendations = recommendationsFor(report)
	}

	if v.dimensions == nil {
		return
	}
	row := &models.DimensionCompat{
		Provider:      report.Provider,
		Model:         report.Model,
		Dimension:     report.Dimension,
		IsValid:       report.IsValid,
		LastValidated: time.Now(),
	}
	if !report.IsValid && len(report.Issues) > 0 {
		msg := report.Issues[0].Message
		row.LastError = &msg
	}
	if err := v.dimensions.Upsert(ctx, row); err != nil {
		v.logger.Debug("Failed to persist dimension record", map[string]interface{}{
			"provider": report.Provider,
			"model":    report.Model,
			"error":    err.Error(),
		})
	}
}

func recommendationsFor(report *Report) []string {
	var recs []string
	for _, issue := range report.Issues {
		switch issue.Code {
		case CodeUnsupportedProvider:
			recs = append(recs, "choose a registered provider")
		case CodeUnknownModel:
			recs = append(recs, "verify the model identifier; a typo is the most common cause")
		case CodeCredentialRejected:
			recs = append(recs, "rotate or re-enter the provider credential")
		}
	}
	if report.MigrationRequired {
		recs = append(recs, "schedule the migration during a low-traffic window")
	}
	return recs
}
