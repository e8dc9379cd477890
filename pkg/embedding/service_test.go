package embedding

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/embedding/cache"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/embedding/providers"
	apperrors "github.com/WalkingStatue/multi-rag-bot-sub002/pkg/errors"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/observability"
)

func setupService(t *testing.T, provider providers.Provider) (*Service, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	resilient := cache.NewResilientRedisClient(client, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	embeddingCache, err := cache.NewEmbeddingCache(resilient, nil, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	require.NoError(t, err)

	service, err := NewService(embeddingCache, providers.NewRegistry(provider), nil,
		observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	require.NoError(t, err)

	cleanup := func() {
		_ = resilient.Close()
		mr.Close()
	}
	return service, mr, cleanup
}

func TestGetEmbeddingsCachesResidual(t *testing.T) {
	provider := providers.NewMockProvider("mock")
	service, _, cleanup := setupService(t, provider)
	defer cleanup()
	ctx := context.Background()

	req := EmbedTextsRequest{
		Texts:    []string{"alpha", "beta", "gamma"},
		Provider: "mock",
		Model:    "mock-small",
		UseCache: true,
	}

	first, err := service.GetEmbeddings(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 0, first.CacheHits)
	assert.Equal(t, 3, first.CacheMisses)
	assert.Equal(t, 768, first.Dimensions)
	require.Len(t, first.Vectors, 3)
	for _, vector := range first.Vectors {
		assert.Len(t, vector, 768)
	}
	require.Len(t, provider.EmbedCalls(), 1)

	second, err := service.GetEmbeddings(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 3, second.CacheHits)
	assert.Equal(t, 0, second.CacheMisses)
	assert.Equal(t, first.Vectors, second.Vectors)
	assert.Len(t, provider.EmbedCalls(), 1, "cache hits do not reach the provider")
}

func TestGetEmbeddingsPreservesOrderOnPartialHit(t *testing.T) {
	provider := providers.NewMockProvider("mock")
	service, _, cleanup := setupService(t, provider)
	defer cleanup()
	ctx := context.Background()

	warm, err := service.GetEmbeddings(ctx, EmbedTextsRequest{
		Texts:    []string{"beta"},
		Provider: "mock",
		Model:    "mock-small",
		UseCache: true,
	})
	require.NoError(t, err)

	resp, err := service.GetEmbeddings(ctx, EmbedTextsRequest{
		Texts:    []string{"alpha", "beta", "gamma"},
		Provider: "mock",
		Model:    "mock-small",
		UseCache: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.CacheHits)
	assert.Equal(t, 2, resp.CacheMisses)
	assert.Equal(t, warm.Vectors[0], resp.Vectors[1], "the cached text keeps its slot")

	calls := provider.EmbedCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"alpha", "gamma"}, calls[1].Texts, "only the misses reach the provider")
}

func TestGetEmbeddingsBypassesCacheWhenDisabled(t *testing.T) {
	provider := providers.NewMockProvider("mock")
	service, _, cleanup := setupService(t, provider)
	defer cleanup()
	ctx := context.Background()

	req := EmbedTextsRequest{
		Texts:    []string{"alpha"},
		Provider: "mock",
		Model:    "mock-small",
		UseCache: false,
	}
	_, err := service.GetEmbeddings(ctx, req)
	require.NoError(t, err)
	_, err = service.GetEmbeddings(ctx, req)
	require.NoError(t, err)
	assert.Len(t, provider.EmbedCalls(), 2)
}

func TestGetEmbeddingsEmptyInput(t *testing.T) {
	provider := providers.NewMockProvider("mock")
	service, _, cleanup := setupService(t, provider)
	defer cleanup()

	resp, err := service.GetEmbeddings(context.Background(), EmbedTextsRequest{
		Provider: "mock",
		Model:    "mock-small",
		UseCache: true,
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Vectors)
	assert.Empty(t, provider.EmbedCalls())
}

func TestGetEmbeddingsUnknownProvider(t *testing.T) {
	service, _, cleanup := setupService(t, providers.NewMockProvider("mock"))
	defer cleanup()

	_, err := service.GetEmbeddings(context.Background(), EmbedTextsRequest{
		Texts:    []string{"alpha"},
		Provider: "nonexistent",
		Model:    "mock-small",
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.ClassProviderUnavailable, apperrors.ClassOf(err))
}

func TestGetEmbeddingsUnknownModel(t *testing.T) {
	service, _, cleanup := setupService(t, providers.NewMockProvider("mock"))
	defer cleanup()

	_, err := service.GetEmbeddings(context.Background(), EmbedTextsRequest{
		Texts:    []string{"alpha"},
		Provider: "mock",
		Model:    "mock-enormous",
	})
	require.Error(t, err)
}

func TestGetEmbeddingsProviderFailure(t *testing.T) {
	provider := providers.NewMockProvider("mock",
		providers.WithEmbedError(errors.New("upstream down")))
	service, _, cleanup := setupService(t, provider)
	defer cleanup()

	_, err := service.GetEmbeddings(context.Background(), EmbedTextsRequest{
		Texts:    []string{"alpha", "beta"},
		Provider: "mock",
		Model:    "mock-small",
		UseCache: true,
	})
	require.Error(t, err, "a provider failure fails the whole request")
}

func TestGetEmbeddingSingleText(t *testing.T) {
	service, _, cleanup := setupService(t, providers.NewMockProvider("mock"))
	defer cleanup()

	vector, err := service.GetEmbedding(context.Background(), EmbedTextsRequest{
		Texts:    []string{"alpha"},
		Provider: "mock",
		Model:    "mock-small",
	})
	require.NoError(t, err)
	assert.Len(t, vector, 768)

	_, err = service.GetEmbedding(context.Background(), EmbedTextsRequest{
		Texts:    []string{"alpha", "beta"},
		Provider: "mock",
		Model:    "mock-small",
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.ClassInvalidArgument, apperrors.ClassOf(err))
}

func TestListModels(t *testing.T) {
	service, _, cleanup := setupService(t, providers.NewMockProvider("mock"))
	defer cleanup()

	models, err := service.ListModels("mock")
	require.NoError(t, err)
	assert.Len(t, models, 2)

	all, err := service.ListModels("")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = service.ListModels("nonexistent")
	require.Error(t, err)
}
