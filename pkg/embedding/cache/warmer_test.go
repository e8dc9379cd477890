package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/observability"
)

type recordingEmbedder struct {
	mu    sync.Mutex
	calls [][]string
	fail  bool
}

func (r *recordingEmbedder) embed(ctx context.Context, texts []string, provider, model string) ([][]float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, texts)
	if r.fail {
		return nil, fmt.Errorf("provider unavailable")
	}
	vectors := make([][]float64, len(texts))
	for i := range texts {
		vectors[i] = []float64{float64(len(texts[i]))}
	}
	return vectors, nil
}

func (r *recordingEmbedder) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func setupTestWarmer(t *testing.T, config *Config) (*Warmer, *recordingEmbedder, *EmbeddingCache, func()) {
	t.Helper()
	cache, _, cleanup := setupTestCache(t, config)
	embedder := &recordingEmbedder{}
	warmer, err := NewWarmer(cache, embedder.embed, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	require.NoError(t, err)
	return warmer, embedder, cache, cleanup
}

func TestWarmerProcessesQueue(t *testing.T) {
	warmer, embedder, cache, cleanup := setupTestWarmer(t, nil)
	defer cleanup()
	ctx := context.Background()

	task, err := warmer.Enqueue(ctx, []string{"alpha", "beta", "gamma"}, "openai", "m", 5)
	require.NoError(t, err)
	assert.Equal(t, WarmingPending, task.Status)

	require.NoError(t, warmer.ProcessQueue(ctx))

	done, err := warmer.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, WarmingCompleted, done.Status)
	assert.Equal(t, 3, done.Warmed)
	assert.Equal(t, 0, done.Skipped)
	assert.NotNil(t, done.CompletedAt)

	_, ok := cache.Get(ctx, "alpha", "openai", "m")
	assert.True(t, ok)
	assert.Equal(t, 1, embedder.callCount(), "one batch covers three texts")
}

func TestWarmerSkipsAlreadyCached(t *testing.T) {
	warmer, embedder, cache, cleanup := setupTestWarmer(t, nil)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "alpha", "openai", "m", []float64{1}))

	task, err := warmer.Enqueue(ctx, []string{"alpha", "beta"}, "openai", "m", 0)
	require.NoError(t, err)
	require.NoError(t, warmer.ProcessQueue(ctx))

	done, err := warmer.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, done.Warmed)
	assert.Equal(t, 1, done.Skipped)

	require.Equal(t, 1, embedder.callCount())
	assert.Equal(t, []string{"beta"}, embedder.calls[0])
}

func TestWarmerPriorityOrder(t *testing.T) {
	warmer, embedder, _, cleanup := setupTestWarmer(t, nil)
	defer cleanup()
	ctx := context.Background()

	_, err := warmer.Enqueue(ctx, []string{"low priority"}, "openai", "m", 1)
	require.NoError(t, err)
	_, err = warmer.Enqueue(ctx, []string{"high priority"}, "openai", "m", 10)
	require.NoError(t, err)

	require.NoError(t, warmer.ProcessQueue(ctx))

	require.Equal(t, 2, embedder.callCount())
	assert.Equal(t, []string{"high priority"}, embedder.calls[0])
	assert.Equal(t, []string{"low priority"}, embedder.calls[1])
}

func TestWarmerBatchesLargeTasks(t *testing.T) {
	config := DefaultConfig()
	config.WarmingBatchSize = 10
	warmer, embedder, _, cleanup := setupTestWarmer(t, config)
	defer cleanup()
	ctx := context.Background()

	texts := make([]string, 25)
	for i := range texts {
		texts[i] = fmt.Sprintf("text number %d", i)
	}
	task, err := warmer.Enqueue(ctx, texts, "openai", "m", 0)
	require.NoError(t, err)
	require.NoError(t, warmer.ProcessQueue(ctx))

	done, err := warmer.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 25, done.Warmed)
	assert.Equal(t, 3, embedder.callCount(), "25 texts drain in batches of 10")
}

func TestWarmerPersistsProgressPerBatch(t *testing.T) {
	config := DefaultConfig()
	config.WarmingBatchSize = 1
	cache, _, cleanup := setupTestCache(t, config)
	defer cleanup()
	ctx := context.Background()

	// The embed function reads the persisted task back mid-run, so it
	// observes exactly what an external poller would see.
	var warmer *Warmer
	var taskID string
	var observed []float64
	embed := func(ctx context.Context, texts []string, provider, model string) ([][]float64, error) {
		persisted, err := warmer.GetTask(ctx, taskID)
		require.NoError(t, err)
		assert.Equal(t, WarmingProcessing, persisted.Status)
		observed = append(observed, persisted.Progress)
		vectors := make([][]float64, len(texts))
		for i := range texts {
			vectors[i] = []float64{1}
		}
		return vectors, nil
	}

	warmer, err := NewWarmer(cache, embed, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	require.NoError(t, err)

	task, err := warmer.Enqueue(ctx, []string{"one", "two", "three"}, "openai", "m", 5)
	require.NoError(t, err)
	taskID = task.ID

	require.NoError(t, warmer.ProcessQueue(ctx))

	// Three single-text batches: the embed call for batch n sees the
	// progress persisted after batch n-1.
	require.Equal(t, []float64{0, 1.0 / 3, 2.0 / 3}, observed)

	done, err := warmer.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, WarmingCompleted, done.Status)
	assert.Equal(t, 1.0, done.Progress)
}

func TestWarmerSingletonLock(t *testing.T) {
	warmer, _, _, cleanup := setupTestWarmer(t, nil)
	defer cleanup()
	ctx := context.Background()

	token := "another-worker"
	acquired, err := warmer.acquireLock(ctx, token)
	require.NoError(t, err)
	require.True(t, acquired)

	err = warmer.ProcessQueue(ctx)
	assert.ErrorIs(t, err, ErrWarmingInProgress)

	warmer.releaseLock(ctx, token)
	assert.NoError(t, warmer.ProcessQueue(ctx))
}

func TestWarmerCancelPendingTask(t *testing.T) {
	warmer, embedder, _, cleanup := setupTestWarmer(t, nil)
	defer cleanup()
	ctx := context.Background()

	task, err := warmer.Enqueue(ctx, []string{"never embedded"}, "openai", "m", 0)
	require.NoError(t, err)

	require.NoError(t, warmer.CancelTask(ctx, task.ID))

	cancelled, err := warmer.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, WarmingCancelled, cancelled.Status)

	require.NoError(t, warmer.ProcessQueue(ctx))
	assert.Equal(t, 0, embedder.callCount())
}

func TestWarmerCancelRejectsFinishedTask(t *testing.T) {
	warmer, _, _, cleanup := setupTestWarmer(t, nil)
	defer cleanup()
	ctx := context.Background()

	task, err := warmer.Enqueue(ctx, []string{"text"}, "openai", "m", 0)
	require.NoError(t, err)
	require.NoError(t, warmer.ProcessQueue(ctx))

	err = warmer.CancelTask(ctx, task.ID)
	assert.ErrorIs(t, err, ErrTaskNotCancellable)
}

func TestWarmerCancelUnknownTask(t *testing.T) {
	warmer, _, _, cleanup := setupTestWarmer(t, nil)
	defer cleanup()

	err := warmer.CancelTask(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestWarmerRecordsProviderFailure(t *testing.T) {
	warmer, embedder, _, cleanup := setupTestWarmer(t, nil)
	defer cleanup()
	ctx := context.Background()
	embedder.fail = true

	task, err := warmer.Enqueue(ctx, []string{"a", "b"}, "openai", "m", 0)
	require.NoError(t, err)
	require.NoError(t, warmer.ProcessQueue(ctx))

	done, err := warmer.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, WarmingFailed, done.Status)
	assert.Equal(t, 2, done.Failed)
	assert.NotEmpty(t, done.Error)
}

func TestWarmerQueueDepth(t *testing.T) {
	warmer, _, _, cleanup := setupTestWarmer(t, nil)
	defer cleanup()
	ctx := context.Background()

	depth, err := warmer.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)

	_, err = warmer.Enqueue(ctx, []string{"a"}, "openai", "m", 0)
	require.NoError(t, err)
	_, err = warmer.Enqueue(ctx, []string{"b"}, "openai", "m", 0)
	require.NoError(t, err)

	depth, err = warmer.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)
}

func TestWarmerListTasks(t *testing.T) {
	warmer, _, _, cleanup := setupTestWarmer(t, nil)
	defer cleanup()
	ctx := context.Background()

	_, err := warmer.Enqueue(ctx, []string{"a"}, "openai", "m", 0)
	require.NoError(t, err)
	_, err = warmer.Enqueue(ctx, []string{"b"}, "openai", "m", 0)
	require.NoError(t, err)

	tasks, err := warmer.ListTasks(ctx)
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}

func TestWarmerRejectsEmptyTask(t *testing.T) {
	warmer, _, _, cleanup := setupTestWarmer(t, nil)
	defer cleanup()

	_, err := warmer.Enqueue(context.Background(), nil, "openai", "m", 0)
	assert.Error(t, err)

	_, err = warmer.Enqueue(context.Background(), []string{"a"}, "", "m", 0)
	assert.Error(t, err)
}
