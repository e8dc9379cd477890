// Package embedding ties the provider adapters, the cache, and the key
// resolver together into the embedding data flow: resolve credential,
// serve what the cache has, embed the residual, write it back.
package embedding

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/auth"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/embedding/cache"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/embedding/providers"
	apperrors "github.com/WalkingStatue/multi-rag-bot-sub002/pkg/errors"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/observability"
)

// EmbedTextsRequest is one order-preserving embedding lookup
type EmbedTextsRequest struct {
	TenantID uuid.UUID `json:"tenant_id"`
	UserID   uuid.UUID `json:"user_id"`
	Texts    []string  `json:"texts"`
	Provider string    `json:"provider"`
	Model    string    `json:"model"`
	UseCache bool      `json:"use_cache"`
}

// EmbedTextsResponse carries the vectors in input order along with the
// cache split for observability.
type EmbedTextsResponse struct {
	Vectors     [][]float64 `json:"vectors"`
	Dimensions  int         `json:"dimensions"`
	Provider    string      `json:"provider"`
	Model       string      `json:"model"`
	CacheHits   int         `json:"cache_hits"`
	CacheMisses int         `json:"cache_misses"`
	TokensUsed  int         `json:"tokens_used"`
	LatencyMs   int64       `json:"latency_ms"`
}

// Service is the embedding data-flow facade
type Service struct {
	cache    *cache.EmbeddingCache
	registry *providers.Registry
	resolver *auth.KeyResolver
	logger   observability.Logger
	metrics  observability.MetricsClient
}

// NewService creates the facade. The cache may be nil, in which case
// every request goes to the provider.
func NewService(
	embeddingCache *cache.EmbeddingCache,
	registry *providers.Registry,
	resolver *auth.KeyResolver,
	logger observability.Logger,
	metrics observability.MetricsClient,
) (*Service, error) {
	if registry == nil {
		return nil, fmt.Errorf("provider registry is required")
	}
	if logger == nil {
		logger = observability.NewLogger("embedding.service")
	}
	if metrics == nil {
		metrics = observability.NewMetricsClient()
	}
	return &Service{
		cache:    embeddingCache,
		registry: registry,
		resolver: resolver,
		logger:   logger,
		metrics:  metrics,
	}, nil
}

// GetEmbeddings returns one vector per input text, in input order.
// Cached vectors are served without touching the provider; only the
// residual misses are embedded. A partial provider failure fails the
// whole request so callers never see a mixed result.
func (s *Service) GetEmbeddings(ctx context.Context, req EmbedTextsRequest) (*EmbedTextsResponse, error) {
	ctx, span := observability.StartSpan(ctx, "embedding.GetEmbeddings")
	defer span.End()
	start := time.Now()

	if req.Provider == "" || req.Model == "" {
		return nil, apperrors.InvalidArgument("provider and model are required")
	}

	adapter, err := s.registry.Get(req.Provider)
	if err != nil {
		return nil, err
	}
	dimensions, err := adapter.Dimension(req.Model)
	if err != nil {
		return nil, err
	}

	resp := &EmbedTextsResponse{
		Vectors:    make([][]float64, len(req.Texts)),
		Dimensions: dimensions,
		Provider:   req.Provider,
		Model:      req.Model,
	}
	if len(req.Texts) == 0 {
		return resp, nil
	}

	missing := make([]int, 0, len(req.Texts))
	if req.UseCache && s.cache != nil {
		batch := s.cache.GetBatch(ctx, req.Texts, req.Provider, req.Model)
		for i, vector := range batch.Found {
			resp.Vectors[i] = vector
		}
		missing = batch.MissingIndices
	} else {
		for i := range req.Texts {
			missing = append(missing, i)
		}
	}
	resp.CacheHits = len(req.Texts) - len(missing)
	resp.CacheMisses = len(missing)

	if len(missing) > 0 {
		if err := s.embedResidual(ctx, req, adapter, missing, resp); err != nil {
			return nil, err
		}
	}

	resp.LatencyMs = time.Since(start).Milliseconds()
	s.metrics.IncrementCounterWithLabels("embedding_requests_total", 1, map[string]string{
		"provider": req.Provider,
		"model":    req.Model,
	})
	s.metrics.RecordHistogram("embedding_request_duration_ms", float64(resp.LatencyMs), map[string]string{
		"provider": req.Provider,
	})
	return resp, nil
}

// GetEmbedding embeds a single text
func (s *Service) GetEmbedding(ctx context.Context, req EmbedTextsRequest) ([]float64, error) {
	if len(req.Texts) != 1 {
		return nil, apperrors.InvalidArgument("exactly one text is required, got %d", len(req.Texts))
	}
	resp, err := s.GetEmbeddings(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Vectors[0], nil
}

// ListModels returns the models of one provider, or of all registered
// providers when the name is empty.
func (s *Service) ListModels(provider string) ([]providers.ModelInfo, error) {
	if provider != "" {
		adapter, err := s.registry.Get(provider)
		if err != nil {
			return nil, err
		}
		return adapter.ListModels(), nil
	}
	var models []providers.ModelInfo
	for _, name := range s.registry.Names() {
		adapter, err := s.registry.Get(name)
		if err != nil {
			continue
		}
		models = append(models, adapter.ListModels()...)
	}
	return models, nil
}

// WarmEmbedFunc adapts the service for the cache warmer. The warmer
// writes entries itself, so the returned function bypasses the cache.
func (s *Service) WarmEmbedFunc() cache.EmbedFunc {
	return func(ctx context.Context, texts []string, provider, model string) ([][]float64, error) {
		resp, err := s.GetEmbeddings(ctx, EmbedTextsRequest{
			Texts:    texts,
			Provider: provider,
			Model:    model,
		})
		if err != nil {
			return nil, err
		}
		return resp.Vectors, nil
	}
}

// embedResidual embeds the cache misses and writes them back. Vectors
// land in the response at their original indices.
func (s *Service) embedResidual(
	ctx context.Context,
	req EmbedTextsRequest,
	adapter providers.Provider,
	missing []int,
	resp *EmbedTextsResponse,
) error {
	credential, err := s.resolveCredential(ctx, req, adapter)
	if err != nil {
		return err
	}

	texts := make([]string, len(missing))
	for i, idx := range missing {
		texts[i] = req.Texts[idx]
	}

	embedded, err := adapter.Embed(ctx, providers.EmbedRequest{
		Texts:      texts,
		Model:      req.Model,
		Credential: credential,
	})
	if err != nil {
		return err
	}
	if len(embedded.Embeddings) != len(texts) {
		return apperrors.Internal(fmt.Errorf(
			"provider %s returned %d embeddings for %d texts",
			req.Provider, len(embedded.Embeddings), len(texts)))
	}
	resp.TokensUsed = embedded.TokensUsed

	vectors := make([][]float64, len(missing))
	for i, idx := range missing {
		vector := make([]float64, len(embedded.Embeddings[i]))
		for j, v := range embedded.Embeddings[i] {
			vector[j] = float64(v)
		}
		resp.Vectors[idx] = vector
		vectors[i] = vector
	}

	if req.UseCache && s.cache != nil {
		if err := s.cache.SetBatch(ctx, texts, req.Provider, req.Model, vectors); err != nil {
			// A write-back failure costs a future cache miss, nothing more
			s.logger.Warn("Failed to cache embeddings", map[string]interface{}{
				"provider": req.Provider,
				"model":    req.Model,
				"count":    len(texts),
				"error":    err.Error(),
			})
		}
	}
	return nil
}

func (s *Service) resolveCredential(ctx context.Context, req EmbedTextsRequest, adapter providers.Provider) (string, error) {
	if !adapter.RequiresCredential() || s.resolver == nil {
		return "", nil
	}
	credential, err := s.resolver.Resolve(ctx, req.TenantID, req.UserID, req.Provider)
	if err != nil {
		return "", err
	}
	return credential.Key, nil
}
