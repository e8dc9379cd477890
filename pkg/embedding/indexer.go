package embedding

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	apperrors "github.com/WalkingStatue/multi-rag-bot-sub002/pkg/errors"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/models"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/observability"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/repository"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/vectorstore"
)

// ChunkInput is one chunk to embed and persist
type ChunkInput struct {
	ID      uuid.UUID      `json:"id"`
	Text    string         `json:"text"`
	Payload models.JSONMap `json:"payload,omitempty"`
}

// IndexRequest embeds a batch of chunks and stores the vectors in the
// tenant's collection.
type IndexRequest struct {
	TenantID uuid.UUID    `json:"tenant_id"`
	UserID   uuid.UUID    `json:"user_id"`
	Provider string       `json:"provider"`
	Model    string       `json:"model"`
	Chunks   []ChunkInput `json:"chunks"`
}

// IndexResult reports what an indexing call did
type IndexResult struct {
	Indexed    int `json:"indexed"`
	Dimensions int `json:"dimensions"`
	CacheHits  int `json:"cache_hits"`
	PointCount int `json:"point_count"`
}

// Indexer persists embeddings into per-tenant collections. It embeds
// through the Service, so cached vectors never hit the provider, and
// reconciles each write against the collection metadata row.
type Indexer struct {
	service     *Service
	vectors     vectorstore.Store
	collections *repository.CollectionMetadataRepository
	logger      observability.Logger
	metrics     observability.MetricsClient
}

// NewIndexer creates an indexer
func NewIndexer(
	service *Service,
	vectors vectorstore.Store,
	collections *repository.CollectionMetadataRepository,
	logger observability.Logger,
	metrics observability.MetricsClient,
) (*Indexer, error) {
	if service == nil {
		return nil, fmt.Errorf("embedding service is required")
	}
	if vectors == nil {
		return nil, fmt.Errorf("vector store is required")
	}
	if collections == nil {
		return nil, fmt.Errorf("collection metadata repository is required")
	}
	if logger == nil {
		logger = observability.NewLogger("embedding.indexer")
	}
	if metrics == nil {
		metrics = observability.NewMetricsClient()
	}
	return &Indexer{
		service:     service,
		vectors:     vectors,
		collections: collections,
		logger:      logger,
		metrics:     metrics,
	}, nil
}

// Index embeds the chunks and upserts the vectors into the tenant's
// collection. The collection is bound to one provider, model, and
// dimension; a mismatching request is refused so mixed-dimension
// collections cannot come into existence.
func (ix *Indexer) Index(ctx context.Context, req IndexRequest) (*IndexResult, error) {
	ctx, span := observability.StartSpan(ctx, "embedding.Index")
	defer span.End()

	if req.TenantID == uuid.Nil {
		return nil, apperrors.InvalidArgument("tenant id is required")
	}
	if len(req.Chunks) == 0 {
		return nil, apperrors.InvalidArgument("at least one chunk is required")
	}
	for i, chunk := range req.Chunks {
		if chunk.ID == uuid.Nil {
			return nil, apperrors.InvalidArgument("chunk %d has no id", i)
		}
		if chunk.Text == "" {
			return nil, apperrors.InvalidArgument("chunk %s has no text", chunk.ID)
		}
	}

	texts := make([]string, len(req.Chunks))
	for i, chunk := range req.Chunks {
		texts[i] = chunk.Text
	}
	embedded, err := ix.service.GetEmbeddings(ctx, EmbedTextsRequest{
		TenantID: req.TenantID,
		UserID:   req.UserID,
		Texts:    texts,
		Provider: req.Provider,
		Model:    req.Model,
		UseCache: true,
	})
	if err != nil {
		return nil, err
	}

	collectionKey, err := ix.ensureCollection(ctx, req, embedded.Dimensions)
	if err != nil {
		return nil, err
	}

	points := make([]vectorstore.Point, len(req.Chunks))
	for i, chunk := range req.Chunks {
		vector := make([]float32, len(embedded.Vectors[i]))
		for j, v := range embedded.Vectors[i] {
			vector[j] = float32(v)
		}
		points[i] = vectorstore.Point{ID: chunk.ID, Vector: vector, Payload: chunk.Payload}
	}
	if err := ix.vectors.UpsertPoints(ctx, collectionKey, points); err != nil {
		return nil, err
	}

	count, err := ix.refreshPointCount(ctx, req.TenantID, collectionKey)
	if err != nil {
		// The points are stored; a stale count corrects on the next write
		ix.logger.Warn("Failed to refresh collection point count", map[string]interface{}{
			"tenant_id": req.TenantID.String(),
			"error":     err.Error(),
		})
	}

	ix.metrics.IncrementCounterWithLabels("chunks_indexed_total", float64(len(points)), map[string]string{
		"provider": req.Provider,
		"model":    req.Model,
	})
	return &IndexResult{
		Indexed:    len(points),
		Dimensions: embedded.Dimensions,
		CacheHits:  embedded.CacheHits,
		PointCount: count,
	}, nil
}

// ensureCollection returns the tenant's collection key, creating the
// collection and its metadata row on first use.
func (ix *Indexer) ensureCollection(ctx context.Context, req IndexRequest, dimension int) (string, error) {
	canonical := req.TenantID.String()

	meta, err := ix.collections.Get(ctx, req.TenantID)
	switch {
	case err == nil:
		if meta.Status == models.CollectionMigrating {
			return "", apperrors.Conflict("collection for tenant %s is migrating", req.TenantID)
		}
		if meta.Provider != req.Provider || meta.Model != req.Model {
			return "", apperrors.Conflict(
				"collection for tenant %s is bound to %s/%s; migrate before indexing with %s/%s",
				req.TenantID, meta.Provider, meta.Model, req.Provider, req.Model)
		}
		if meta.Dimension != dimension {
			return "", apperrors.Conflict(
				"collection for tenant %s holds %d-dimensional vectors, got %d",
				req.TenantID, meta.Dimension, dimension)
		}
	case apperrors.ClassOf(err) == apperrors.ClassNotFound:
		if err := ix.vectors.CreateCollection(ctx, canonical, dimension); err != nil {
			if apperrors.ClassOf(err) != apperrors.ClassConflict {
				return "", err
			}
			// Collection exists without a metadata row; adopt it
		}
		meta = &models.CollectionMetadata{
			TenantID:      req.TenantID,
			CollectionKey: canonical,
			Provider:      req.Provider,
			Model:         req.Model,
			Dimension:     dimension,
			Status:        models.CollectionActive,
		}
		if err := ix.collections.Upsert(ctx, meta); err != nil {
			return "", err
		}
		ix.logger.Info("Created collection", map[string]interface{}{
			"tenant_id": req.TenantID.String(),
			"provider":  req.Provider,
			"model":     req.Model,
			"dimension": dimension,
		})
	default:
		return "", err
	}

	exists, err := ix.vectors.CollectionExists(ctx, meta.CollectionKey)
	if err != nil {
		return "", err
	}
	if !exists {
		if err := ix.vectors.CreateCollection(ctx, meta.CollectionKey, meta.Dimension); err != nil {
			return "", err
		}
	}
	return meta.CollectionKey, nil
}

func (ix *Indexer) refreshPointCount(ctx context.Context, tenantID uuid.UUID, collection string) (int, error) {
	count, err := ix.vectors.CountPoints(ctx, collection)
	if err != nil {
		return 0, err
	}
	meta, err := ix.collections.Get(ctx, tenantID)
	if err != nil {
		return count, err
	}
	meta.PointCount = count
	if err := ix.collections.Upsert(ctx, meta); err != nil {
		return count, err
	}
	return count, nil
}
