package dedup

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/embedding/audit"
	apperrors "github.com/WalkingStatue/multi-rag-bot-sub002/pkg/errors"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/models"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/observability"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/repository"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/vectorstore"
)

// Engine detects duplicate chunk groups and executes merges. Each merge
// commits the primary update, duplicate deletion, and the audit record
// in one transaction; vector deletions follow the commit.
type Engine struct {
	chunks  *repository.ChunkRepository
	vectors vectorstore.Store
	audit   *audit.Store
	logger  observability.Logger
}

// NewEngine creates a dedup engine
func NewEngine(chunks *repository.ChunkRepository, vectors vectorstore.Store, auditStore *audit.Store, logger observability.Logger) (*Engine, error) {
	if chunks == nil {
		return nil, fmt.Errorf("chunk repository is required")
	}
	if vectors == nil {
		return nil, fmt.Errorf("vector store is required")
	}
	if auditStore == nil {
		return nil, fmt.Errorf("audit store is required")
	}
	if logger == nil {
		logger = observability.NewLogger("embedding.dedup")
	}
	return &Engine{chunks: chunks, vectors: vectors, audit: auditStore, logger: logger}, nil
}

// Detect scores chunk pairs and returns those at or above the
// threshold, highest first. A zero threshold means the high tier.
func (e *Engine) Detect(ctx context.Context, tenantID uuid.UUID, chunkIDs []uuid.UUID, threshold float64) ([]Similarity, error) {
	ctx, span := observability.StartSpan(ctx, "dedup.Detect")
	defer span.End()

	if threshold <= 0 {
		threshold = DefaultThresholds().High
	}
	chunks, err := e.loadChunks(ctx, tenantID, chunkIDs)
	if err != nil {
		return nil, err
	}

	pairs := scorePairs(chunks, threshold)
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Score > pairs[j].Score })
	return pairs, nil
}

// Deduplicate runs detection and resolves every duplicate group under
// the given options. Partial failures are collected on the result; a
// group that fails to merge never half-commits.
func (e *Engine) Deduplicate(ctx context.Context, tenantID uuid.UUID, chunkIDs []uuid.UUID, opts Options) (*Result, error) {
	ctx, span := observability.StartSpan(ctx, "dedup.Deduplicate")
	defer span.End()

	opts.applyDefaults()
	if !ValidStrategy(opts.Strategy) {
		return nil, apperrors.InvalidArgument("unknown dedup strategy: %s", opts.Strategy)
	}

	chunks, err := e.loadChunks(ctx, tenantID, chunkIDs)
	if err != nil {
		return nil, err
	}
	return e.deduplicateChunks(ctx, tenantID, chunks, opts)
}

// DeduplicateDocument deduplicates within a single document, used
// during document reprocessing.
func (e *Engine) DeduplicateDocument(ctx context.Context, tenantID, documentID uuid.UUID, opts Options) (*Result, error) {
	ctx, span := observability.StartSpan(ctx, "dedup.DeduplicateDocument")
	defer span.End()

	opts.applyDefaults()
	if !ValidStrategy(opts.Strategy) {
		return nil, apperrors.InvalidArgument("unknown dedup strategy: %s", opts.Strategy)
	}

	chunks, err := e.chunks.ListByDocument(ctx, tenantID, documentID)
	if err != nil {
		return nil, err
	}
	return e.deduplicateChunks(ctx, tenantID, chunks, opts)
}

func (e *Engine) loadChunks(ctx context.Context, tenantID uuid.UUID, chunkIDs []uuid.UUID) ([]*models.DocumentChunk, error) {
	if len(chunkIDs) > 0 {
		return e.chunks.ListByIDs(ctx, tenantID, chunkIDs)
	}
	return e.chunks.ListByTenant(ctx, tenantID)
}

func (e *Engine) deduplicateChunks(ctx context.Context, tenantID uuid.UUID, chunks []*models.DocumentChunk, opts Options) (*Result, error) {
	result := &Result{}
	if len(chunks) < 2 {
		return result, nil
	}

	pairs := scorePairs(chunks, opts.DetectionThreshold)
	groups := groupChunks(chunks, pairs)
	result.GroupsFound = len(groups)

	byID := make(map[uuid.UUID]*models.DocumentChunk, len(chunks))
	for _, chunk := range chunks {
		byID[chunk.ID] = chunk
	}
	scores := pairScoreIndex(pairs)

	for _, group := range groups {
		decisions, conflicts, err := e.resolveGroup(ctx, tenantID, group, byID, scores, opts)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		for _, conflict := range conflicts {
			conflict.TenantID = tenantID
			result.Conflicts = append(result.Conflicts, conflict)
		}
		for _, decision := range decisions {
			result.Decisions = append(result.Decisions, decision)
			switch decision.Action {
			case DecisionMerge:
				result.Merged += len(decision.DuplicateChunkIDs)
			case DecisionPreserve:
				result.Preserved += len(decision.DuplicateChunkIDs)
				if err := e.RecordPreserve(ctx, tenantID, decision, opts.Actor); err != nil {
					result.Errors = append(result.Errors, err.Error())
				}
			}
		}
	}

	e.logger.Info("Deduplication run finished", map[string]interface{}{
		"tenant_id": tenantID.String(),
		"groups":    result.GroupsFound,
		"merged":    result.Merged,
		"preserved": result.Preserved,
		"conflicts": len(result.Conflicts),
	})
	return result, nil
}

// resolveGroup decides and, when permitted, executes a merge for one
// duplicate group. Duplicates are judged individually against the
// primary, so a group can merge its clean members while the conflicted
// ones survive as preserve decisions plus conflict cases.
func (e *Engine) resolveGroup(
	ctx context.Context,
	tenantID uuid.UUID,
	group []uuid.UUID,
	byID map[uuid.UUID]*models.DocumentChunk,
	scores map[pairKey]float64,
	opts Options,
) ([]*Decision, []*ConflictCase, error) {
	members := make([]*models.DocumentChunk, 0, len(group))
	for _, id := range group {
		members = append(members, byID[id])
	}

	primary := selectPrimary(members, opts.Strategy)
	duplicates := make([]*models.DocumentChunk, 0, len(members)-1)
	for _, chunk := range members {
		if chunk.ID != primary.ID {
			duplicates = append(duplicates, chunk)
		}
	}

	if opts.Strategy == StrategyManual {
		dupScores := make([]float64, len(duplicates))
		conflictType := ConflictAmbiguousSimilarity
		for i, dup := range duplicates {
			dupScores[i] = scores[keyOf(primary.ID, dup.ID)]
			if !metadataCompatible(primary.Metadata, dup.Metadata) {
				conflictType = ConflictMetadata
			}
		}
		return nil, []*ConflictCase{newConflict(members, dupScores, conflictType, opts)}, nil
	}

	var mergeSet []*models.DocumentChunk
	var decisions []*Decision
	var conflicts []*ConflictCase
	mergeScore := 1.0

	for _, dup := range duplicates {
		score := scores[keyOf(primary.ID, dup.ID)]
		crossOK := dup.DocumentID == primary.DocumentID || opts.AllowCrossDocument
		compatible := metadataCompatible(primary.Metadata, dup.Metadata)
		high := score >= opts.Thresholds.High

		eligible := compatible && crossOK
		if opts.Strategy == StrategyConservative {
			eligible = eligible && high
		}
		if eligible {
			mergeSet = append(mergeSet, dup)
			if score < mergeScore {
				mergeScore = score
			}
			continue
		}

		var conflictType ConflictType
		var reason string
		switch {
		case !crossOK:
			conflictType = ConflictCrossDocument
			reason = "cross-document merging is disabled"
		case !compatible:
			conflictType = ConflictMetadata
			reason = "critical metadata disagrees"
		default:
			conflictType = ConflictAmbiguousSimilarity
			reason = "similarity below merge threshold"
		}
		pair := []*models.DocumentChunk{primary, dup}
		conflicts = append(conflicts, newConflict(pair, []float64{score}, conflictType, opts))
		decisions = append(decisions, preserveDecision(primary, []*models.DocumentChunk{dup}, score, reason))
	}

	if len(mergeSet) > 0 {
		merge, err := e.executeMerge(ctx, tenantID, primary, mergeSet, mergeScore, opts.Actor)
		if err != nil {
			return nil, nil, err
		}
		decisions = append(decisions, merge)
	}
	return decisions, conflicts, nil
}

// executeMerge commits the primary metadata update, duplicate deletion,
// and the audit record in one transaction, then removes the duplicate
// vectors.
func (e *Engine) executeMerge(
	ctx context.Context,
	tenantID uuid.UUID,
	primary *models.DocumentChunk,
	duplicates []*models.DocumentChunk,
	score float64,
	actor string,
) (*Decision, error) {
	now := time.Now()
	merged := mergeMetadata(primary, duplicates, now)
	sources := attributions(primary, duplicates)

	dupIDs := make([]uuid.UUID, len(duplicates))
	for i, dup := range duplicates {
		dupIDs[i] = dup.ID
	}

	decision := &Decision{
		ID:                uuid.New(),
		Action:            DecisionMerge,
		PrimaryChunkID:    primary.ID,
		DuplicateChunkIDs: dupIDs,
		SimilarityScore:   score,
		Reason:            fmt.Sprintf("merged %d near-duplicate chunks", len(duplicates)),
		MergedMetadata:    merged,
		Sources:           sources,
		CreatedAt:         now,
	}

	tx, err := e.chunks.DB().Beginx()
	if err != nil {
		return nil, apperrors.StorageFailure(fmt.Errorf("failed to begin merge transaction: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	if err := e.chunks.UpdateMetadataTx(ctx, tx, tenantID, primary.ID, merged); err != nil {
		return nil, err
	}
	if err := e.chunks.DeleteTx(ctx, tx, tenantID, dupIDs); err != nil {
		return nil, err
	}
	record := &audit.Record{
		ID:                decision.ID,
		TenantID:          tenantID,
		Action:            audit.ActionMerge,
		PrimaryChunkID:    &primary.ID,
		DuplicateChunkIDs: audit.ChunkIDList(dupIDs),
		SimilarityScore:   score,
		Reason:            decision.Reason,
		Details:           models.JSONMap{"merged_metadata": map[string]interface{}(merged)},
		Actor:             actor,
		CreatedAt:         now,
	}
	if err := e.audit.RecordTx(ctx, tx, record); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, apperrors.StorageFailure(fmt.Errorf("failed to commit merge: %w", err))
	}

	// Orphaned vectors for deleted rows are harmless; a failed delete is
	// logged and left to the next maintenance pass.
	vectorIDs := make([]uuid.UUID, len(duplicates))
	for i, dup := range duplicates {
		vectorIDs[i] = dup.ID
		if dup.VectorID != nil {
			vectorIDs[i] = *dup.VectorID
		}
	}
	if err := e.vectors.DeletePoints(ctx, tenantID.String(), vectorIDs); err != nil {
		e.logger.Warn("Failed to delete duplicate vectors", map[string]interface{}{
			"tenant_id": tenantID.String(),
			"count":     len(vectorIDs),
			"error":     err.Error(),
		})
	}
	return decision, nil
}

// RecordPreserve writes a preserve decision to the audit trail
func (e *Engine) RecordPreserve(ctx context.Context, tenantID uuid.UUID, decision *Decision, actor string) error {
	return e.audit.Record(ctx, &audit.Record{
		ID:                decision.ID,
		TenantID:          tenantID,
		Action:            audit.ActionPreserve,
		PrimaryChunkID:    &decision.PrimaryChunkID,
		DuplicateChunkIDs: audit.ChunkIDList(decision.DuplicateChunkIDs),
		SimilarityScore:   decision.SimilarityScore,
		Reason:            decision.Reason,
		Actor:             actor,
		CreatedAt:         decision.CreatedAt,
	})
}

// RemoveChunk deletes one chunk and its vector, recording the decision.
// Used by manual conflict resolution.
func (e *Engine) RemoveChunk(ctx context.Context, tenantID, chunkID uuid.UUID, reason, actor string) error {
	chunk, err := e.chunks.Get(ctx, tenantID, chunkID)
	if err != nil {
		return err
	}

	tx, err := e.chunks.DB().Beginx()
	if err != nil {
		return apperrors.StorageFailure(fmt.Errorf("failed to begin removal transaction: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	if err := e.chunks.DeleteTx(ctx, tx, tenantID, []uuid.UUID{chunkID}); err != nil {
		return err
	}
	if err := e.audit.RecordTx(ctx, tx, &audit.Record{
		TenantID:          tenantID,
		Action:            audit.ActionConflictResolve,
		DuplicateChunkIDs: audit.ChunkIDList{chunkID},
		Reason:            reason,
		Actor:             actor,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperrors.StorageFailure(fmt.Errorf("failed to commit removal: %w", err))
	}

	vectorID := chunk.ID
	if chunk.VectorID != nil {
		vectorID = *chunk.VectorID
	}
	if err := e.vectors.DeletePoints(ctx, tenantID.String(), []uuid.UUID{vectorID}); err != nil {
		e.logger.Warn("Failed to delete removed chunk vector", map[string]interface{}{
			"tenant_id": tenantID.String(),
			"chunk_id":  chunkID.String(),
			"error":     err.Error(),
		})
	}
	return nil
}

// MergeChunks merges an explicit chunk list with the first surviving
// selection rules, bypassing policy gating. Used by manual resolution.
func (e *Engine) MergeChunks(ctx context.Context, tenantID uuid.UUID, chunkIDs []uuid.UUID, actor string) (*Decision, error) {
	if len(chunkIDs) < 2 {
		return nil, apperrors.InvalidArgument("merge requires at least two chunks, got %d", len(chunkIDs))
	}
	chunks, err := e.chunks.ListByIDs(ctx, tenantID, chunkIDs)
	if err != nil {
		return nil, err
	}
	if len(chunks) < 2 {
		return nil, apperrors.NotFound("some chunks to merge no longer exist")
	}

	primary := selectPrimary(chunks, StrategyConservative)
	duplicates := make([]*models.DocumentChunk, 0, len(chunks)-1)
	score := 1.0
	for _, chunk := range chunks {
		if chunk.ID == primary.ID {
			continue
		}
		duplicates = append(duplicates, chunk)
		s := sequenceRatio(normalizeContent(primary.Content), normalizeContent(chunk.Content))
		if s < score {
			score = s
		}
	}
	return e.executeMerge(ctx, tenantID, primary, duplicates, score, actor)
}

type pairKey [2]uuid.UUID

func keyOf(a, b uuid.UUID) pairKey {
	if a.String() < b.String() {
		return pairKey{a, b}
	}
	return pairKey{b, a}
}

func scorePairs(chunks []*models.DocumentChunk, threshold float64) []Similarity {
	thresholds := DefaultThresholds()
	normalized := make([]string, len(chunks))
	for i, chunk := range chunks {
		normalized[i] = normalizeContent(chunk.Content)
	}

	var pairs []Similarity
	for i := 0; i < len(chunks); i++ {
		for j := i + 1; j < len(chunks); j++ {
			score := sequenceRatio(normalized[i], normalized[j])
			if score < threshold {
				continue
			}
			pairs = append(pairs, Similarity{
				ChunkA:             chunks[i].ID,
				ChunkB:             chunks[j].ID,
				Score:              score,
				Overlap:            jaccardOverlap(normalized[i], normalized[j]),
				Tier:               thresholds.TierOf(score),
				MetadataCompatible: metadataCompatible(chunks[i].Metadata, chunks[j].Metadata),
				CrossDocument:      chunks[i].DocumentID != chunks[j].DocumentID,
			})
		}
	}
	return pairs
}

func pairScoreIndex(pairs []Similarity) map[pairKey]float64 {
	index := make(map[pairKey]float64, len(pairs))
	for _, pair := range pairs {
		index[keyOf(pair.ChunkA, pair.ChunkB)] = pair.Score
	}
	return index
}

// groupChunks finds connected components of the similarity graph with
// at least two members. Component member order follows the input chunk
// order so runs are deterministic.
func groupChunks(chunks []*models.DocumentChunk, pairs []Similarity) [][]uuid.UUID {
	adjacency := make(map[uuid.UUID][]uuid.UUID)
	for _, pair := range pairs {
		adjacency[pair.ChunkA] = append(adjacency[pair.ChunkA], pair.ChunkB)
		adjacency[pair.ChunkB] = append(adjacency[pair.ChunkB], pair.ChunkA)
	}

	visited := make(map[uuid.UUID]bool)
	var groups [][]uuid.UUID
	for _, chunk := range chunks {
		if visited[chunk.ID] || len(adjacency[chunk.ID]) == 0 {
			continue
		}
		var component []uuid.UUID
		stack := []uuid.UUID{chunk.ID}
		visited[chunk.ID] = true
		for len(stack) > 0 {
			current := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			component = append(component, current)
			for _, neighbor := range adjacency[current] {
				if !visited[neighbor] {
					visited[neighbor] = true
					stack = append(stack, neighbor)
				}
			}
		}
		if len(component) >= 2 {
			groups = append(groups, component)
		}
	}
	return groups
}

// selectPrimary picks the surviving chunk of a group. The *_wins
// strategies override the default weighted score.
func selectPrimary(chunks []*models.DocumentChunk, strategy Strategy) *models.DocumentChunk {
	best := chunks[0]
	switch strategy {
	case StrategyOldestWins:
		for _, chunk := range chunks[1:] {
			if chunk.CreatedAt.Before(best.CreatedAt) {
				best = chunk
			}
		}
	case StrategyNewestWins:
		for _, chunk := range chunks[1:] {
			if chunk.CreatedAt.After(best.CreatedAt) {
				best = chunk
			}
		}
	case StrategyLongestWins:
		for _, chunk := range chunks[1:] {
			if len(chunk.Content) > len(best.Content) {
				best = chunk
			}
		}
	default:
		bestScore := primaryScore(best)
		for _, chunk := range chunks[1:] {
			score := primaryScore(chunk)
			if score > bestScore || (score == bestScore && chunk.CreatedAt.Before(best.CreatedAt)) {
				best = chunk
				bestScore = score
			}
		}
	}
	return best
}

// primaryScore weighs age, content length, and metadata richness
func primaryScore(chunk *models.DocumentChunk) float64 {
	ageDays := time.Since(chunk.CreatedAt).Hours() / 24
	ageBonus := ageDays / 365
	if ageBonus > 1 {
		ageBonus = 1
	}
	if ageBonus < 0 {
		ageBonus = 0
	}
	return ageBonus + float64(len(chunk.Content))/1000 + float64(len(chunk.Metadata))/10
}

// mergeMetadata unions metadata field-wise. Scalar disagreements fold
// into a list; a _deduplication sub-record captures the merge time and
// per-source inventory.
func mergeMetadata(primary *models.DocumentChunk, duplicates []*models.DocumentChunk, mergedAt time.Time) models.JSONMap {
	merged := make(models.JSONMap, len(primary.Metadata)+2)
	for k, v := range primary.Metadata {
		if k == "_deduplication" {
			continue
		}
		merged[k] = v
	}
	for _, dup := range duplicates {
		for k, v := range dup.Metadata {
			if k == "_deduplication" {
				continue
			}
			existing, ok := merged[k]
			if !ok {
				merged[k] = v
				continue
			}
			if !scalarEqual(existing, v) {
				merged[k] = foldIntoList(existing, v)
			}
		}
	}

	sources := make([]interface{}, 0, len(duplicates)+1)
	for _, s := range attributions(primary, duplicates) {
		sources = append(sources, map[string]interface{}{
			"chunk_id":       s.ChunkID.String(),
			"document_id":    s.DocumentID.String(),
			"chunk_index":    s.ChunkIndex,
			"content_length": s.ContentLength,
			"is_primary":     s.IsPrimary,
			"created_at":     s.CreatedAt.Format(time.RFC3339),
		})
	}
	merged["_deduplication"] = map[string]interface{}{
		"merged_at": mergedAt.Format(time.RFC3339),
		"sources":   sources,
	}
	return merged
}

func foldIntoList(existing, added interface{}) []interface{} {
	list, ok := existing.([]interface{})
	if !ok {
		list = []interface{}{existing}
	}
	for _, item := range list {
		if scalarEqual(item, added) {
			return list
		}
	}
	return append(list, added)
}

func attributions(primary *models.DocumentChunk, duplicates []*models.DocumentChunk) []SourceAttribution {
	sources := make([]SourceAttribution, 0, len(duplicates)+1)
	sources = append(sources, SourceAttribution{
		ChunkID:       primary.ID,
		DocumentID:    primary.DocumentID,
		ChunkIndex:    primary.ChunkIndex,
		ContentLength: len(primary.Content),
		IsPrimary:     true,
		CreatedAt:     primary.CreatedAt,
	})
	for _, dup := range duplicates {
		sources = append(sources, SourceAttribution{
			ChunkID:       dup.ID,
			DocumentID:    dup.DocumentID,
			ChunkIndex:    dup.ChunkIndex,
			ContentLength: len(dup.Content),
			CreatedAt:     dup.CreatedAt,
		})
	}
	return sources
}

func preserveDecision(primary *models.DocumentChunk, duplicates []*models.DocumentChunk, score float64, reason string) *Decision {
	dupIDs := make([]uuid.UUID, len(duplicates))
	for i, dup := range duplicates {
		dupIDs[i] = dup.ID
	}
	return &Decision{
		ID:                uuid.New(),
		Action:            DecisionPreserve,
		PrimaryChunkID:    primary.ID,
		DuplicateChunkIDs: dupIDs,
		SimilarityScore:   score,
		Reason:            reason,
		Sources:           attributions(primary, duplicates),
		CreatedAt:         time.Now(),
	}
}

func newConflict(members []*models.DocumentChunk, scores []float64, conflictType ConflictType, opts Options) *ConflictCase {
	ids := make([]uuid.UUID, len(members))
	for i, chunk := range members {
		ids[i] = chunk.ID
	}
	confidence := 0.0
	if len(scores) > 0 {
		for _, s := range scores {
			confidence += s
		}
		confidence /= float64(len(scores))
	}
	return &ConflictCase{
		ID:              uuid.New(),
		ChunkIDs:        ids,
		Scores:          scores,
		Type:            conflictType,
		SuggestedAction: suggestedAction(opts.Strategy, conflictType),
		Confidence:      confidence,
		CreatedAt:       time.Now(),
	}
}

// suggestedAction maps the policy strategy to a recommendation for the
// human resolving the case.
func suggestedAction(strategy Strategy, conflictType ConflictType) string {
	switch strategy {
	case StrategyAggressive, StrategyOldestWins, StrategyNewestWins, StrategyLongestWins:
		if conflictType == ConflictMetadata {
			return "review metadata, then merge"
		}
		return "merge"
	case StrategyManual:
		return "manual review"
	default:
		return "preserve"
	}
}
