package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	apperrors "github.com/WalkingStatue/multi-rag-bot-sub002/pkg/errors"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/observability"
)

const warmingLockKey = "cache_warming:lock"

// Warming task bounds
const (
	MinWarmingPriority = 1
	MaxWarmingPriority = 10
	MaxWarmingTexts    = 1000
)

// EmbedFunc produces embeddings for texts that are not yet cached. The
// warmer is deliberately decoupled from any concrete provider.
type EmbedFunc func(ctx context.Context, texts []string, provider, model string) ([][]float64, error)

// WarmingStatus is the lifecycle state of a warming task
type WarmingStatus string

// Warming task states
const (
	WarmingPending    WarmingStatus = "pending"
	WarmingProcessing WarmingStatus = "processing"
	WarmingCompleted  WarmingStatus = "completed"
	WarmingFailed     WarmingStatus = "failed"
	WarmingCancelled  WarmingStatus = "cancelled"
)

// WarmingTask is a request to pre-populate the cache with embeddings
// for a set of texts.
type WarmingTask struct {
	ID          string        `json:"id"`
	Texts       []string      `json:"texts"`
	Provider    string        `json:"provider"`
	Model       string        `json:"model"`
	Priority    int           `json:"priority"`
	Status      WarmingStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Warmed      int           `json:"warmed"`
	Skipped     int           `json:"skipped"`
	Failed      int           `json:"failed"`
	Progress    float64       `json:"progress"`
	Error       string        `json:"error,omitempty"`
}

// Warmer drains a priority queue of warming tasks, embedding only the
// texts the cache does not already hold. A distributed lock keeps one
// worker draining at a time; the lock expires on its own if a worker
// dies mid-run.
type Warmer struct {
	cache   *EmbeddingCache
	redis   *ResilientRedisClient
	config  *Config
	embed   EmbedFunc
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewWarmer creates a cache warmer
func NewWarmer(
	cache *EmbeddingCache,
	embed EmbedFunc,
	logger observability.Logger,
	metrics observability.MetricsClient,
) (*Warmer, error) {
	if cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if embed == nil {
		return nil, fmt.Errorf("embed function is required")
	}
	if logger == nil {
		logger = observability.NewLogger("embedding.cache.warmer")
	}
	if metrics == nil {
		metrics = observability.NewMetricsClient()
	}
	return &Warmer{
		cache:   cache,
		redis:   cache.redis,
		config:  cache.config,
		embed:   embed,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// Enqueue registers a warming task. Higher priority drains first.
func (w *Warmer) Enqueue(ctx context.Context, texts []string, provider, model string, priority int) (*WarmingTask, error) {
	if len(texts) == 0 {
		return nil, apperrors.InvalidArgument("warming task requires at least one text")
	}
	if len(texts) > MaxWarmingTexts {
		return nil, apperrors.InvalidArgument("warming task exceeds %d texts", MaxWarmingTexts)
	}
	if provider == "" || model == "" {
		return nil, apperrors.InvalidArgument("warming task requires provider and model")
	}
	if priority < MinWarmingPriority {
		priority = MinWarmingPriority
	}
	if priority > MaxWarmingPriority {
		priority = MaxWarmingPriority
	}

	task := &WarmingTask{
		ID:        uuid.New().String(),
		Texts:     texts,
		Provider:  provider,
		Model:     model,
		Priority:  priority,
		Status:    WarmingPending,
		CreatedAt: time.Now(),
	}
	if err := w.saveTask(ctx, task); err != nil {
		return nil, err
	}

	_, err := w.redis.Execute(ctx, func() (interface{}, error) {
		return nil, w.redis.Client().ZAdd(ctx, WarmingQueueKey, &redis.Z{
			Score:  float64(priority),
			Member: task.ID,
		}).Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue warming task: %w", err)
	}

	w.logger.Info("Warming task enqueued", map[string]interface{}{
		"task_id":  task.ID,
		"texts":    len(texts),
		"provider": provider,
		"model":    model,
		"priority": priority,
	})
	return task, nil
}

// ProcessQueue drains the warming queue until it is empty or the
// context ends. Returns ErrWarmingInProgress when another worker holds
// the lock.
func (w *Warmer) ProcessQueue(ctx context.Context) error {
	ctx, span := observability.StartSpan(ctx, "cache.warmer.ProcessQueue")
	defer span.End()

	token := uuid.New().String()
	acquired, err := w.acquireLock(ctx, token)
	if err != nil {
		return fmt.Errorf("failed to acquire warming lock: %w", err)
	}
	if !acquired {
		return ErrWarmingInProgress
	}
	defer w.releaseLock(context.Background(), token)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		task, err := w.popTask(ctx)
		if err != nil {
			return err
		}
		if task == nil {
			return nil
		}
		if task.Status != WarmingPending {
			continue
		}
		w.runTask(ctx, task)
	}
}

// GetTask loads a warming task by id
func (w *Warmer) GetTask(ctx context.Context, id string) (*WarmingTask, error) {
	raw, err := w.redis.Get(ctx, w.taskKey(id))
	if err != nil {
		if err == redis.Nil {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to load warming task: %w", err)
	}
	var task WarmingTask
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return nil, fmt.Errorf("corrupt warming task %s: %w", id, err)
	}
	return &task, nil
}

// CancelTask cancels a pending task. Tasks that started processing or
// already finished cannot be cancelled.
func (w *Warmer) CancelTask(ctx context.Context, id string) error {
	task, err := w.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.Status != WarmingPending {
		return ErrTaskNotCancellable
	}

	result, err := w.redis.Execute(ctx, func() (interface{}, error) {
		return w.redis.Client().ZRem(ctx, WarmingQueueKey, id).Result()
	})
	if err != nil {
		return fmt.Errorf("failed to remove task from queue: %w", err)
	}
	// A worker may have popped the task between the status read and the
	// queue removal.
	if result.(int64) == 0 {
		return ErrTaskNotCancellable
	}

	task.Status = WarmingCancelled
	now := time.Now()
	task.CompletedAt = &now
	return w.saveTask(ctx, task)
}

// ListTasks returns all retained warming tasks, newest first
func (w *Warmer) ListTasks(ctx context.Context) ([]*WarmingTask, error) {
	var tasks []*WarmingTask
	var cursor uint64
	for {
		keys, next, err := w.redis.Client().Scan(ctx, cursor, WarmingTaskPrefix+":*", 500).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan warming tasks: %w", err)
		}
		for _, key := range keys {
			raw, err := w.redis.Get(ctx, key)
			if err != nil {
				continue
			}
			var task WarmingTask
			if err := json.Unmarshal([]byte(raw), &task); err != nil {
				continue
			}
			tasks = append(tasks, &task)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// QueueDepth returns the number of pending tasks
func (w *Warmer) QueueDepth(ctx context.Context) (int64, error) {
	result, err := w.redis.Execute(ctx, func() (interface{}, error) {
		return w.redis.Client().ZCard(ctx, WarmingQueueKey).Result()
	})
	if err != nil {
		return 0, err
	}
	return result.(int64), nil
}

// runTask warms one task in batches, skipping texts already cached
func (w *Warmer) runTask(ctx context.Context, task *WarmingTask) {
	now := time.Now()
	task.Status = WarmingProcessing
	task.StartedAt = &now
	if err := w.saveTask(ctx, task); err != nil {
		w.logger.Warn("Failed to persist task transition", map[string]interface{}{
			"task_id": task.ID,
			"error":   err.Error(),
		})
	}

	for start := 0; start < len(task.Texts); start += w.config.WarmingBatchSize {
		if ctx.Err() != nil {
			task.Failed += len(task.Texts) - start
			break
		}
		end := start + w.config.WarmingBatchSize
		if end > len(task.Texts) {
			end = len(task.Texts)
		}
		w.warmBatch(ctx, task, task.Texts[start:end])

		// Progress is persisted after every batch so observers see a
		// live counter, not just the start and end states.
		task.Progress = float64(task.Warmed+task.Skipped+task.Failed) / float64(len(task.Texts))
		if err := w.saveTask(ctx, task); err != nil {
			w.logger.Warn("Failed to persist task progress", map[string]interface{}{
				"task_id": task.ID,
				"error":   err.Error(),
			})
		}
	}

	done := time.Now()
	task.CompletedAt = &done
	task.Progress = float64(task.Warmed+task.Skipped+task.Failed) / float64(len(task.Texts))
	if task.Failed > 0 && task.Warmed == 0 && task.Skipped == 0 {
		task.Status = WarmingFailed
	} else {
		task.Status = WarmingCompleted
	}
	if err := w.saveTask(ctx, task); err != nil {
		w.logger.Warn("Failed to persist task result", map[string]interface{}{
			"task_id": task.ID,
			"error":   err.Error(),
		})
	}

	w.metrics.IncrementCounterWithLabels("cache_warming_texts", float64(task.Warmed), map[string]string{
		"provider": task.Provider,
		"model":    task.Model,
	})
	w.logger.Info("Warming task finished", map[string]interface{}{
		"task_id": task.ID,
		"status":  string(task.Status),
		"warmed":  task.Warmed,
		"skipped": task.Skipped,
		"failed":  task.Failed,
	})
}

// warmBatch embeds and stores the uncached texts of one batch,
// accumulating the warmed, skipped and failed counters on the task.
func (w *Warmer) warmBatch(ctx context.Context, task *WarmingTask, batch []string) {
	lookup := w.cache.GetBatch(ctx, batch, task.Provider, task.Model)
	task.Skipped += len(batch) - len(lookup.MissingIndices)
	if len(lookup.MissingIndices) == 0 {
		return
	}

	missing := make([]string, 0, len(lookup.MissingIndices))
	for _, idx := range lookup.MissingIndices {
		missing = append(missing, batch[idx])
	}
	vectors, err := w.embed(ctx, missing, task.Provider, task.Model)
	if err != nil {
		w.logger.Warn("Warming batch failed", map[string]interface{}{
			"task_id": task.ID,
			"texts":   len(missing),
			"error":   err.Error(),
		})
		task.Failed += len(missing)
		task.Error = err.Error()
		return
	}
	if len(vectors) != len(missing) {
		task.Failed += len(missing)
		task.Error = fmt.Sprintf("provider returned %d vectors for %d texts", len(vectors), len(missing))
		return
	}
	if err := w.cache.SetBatch(ctx, missing, task.Provider, task.Model, vectors); err != nil {
		task.Failed += len(missing)
		task.Error = err.Error()
		return
	}
	task.Warmed += len(missing)
}

// popTask removes and returns the highest-priority pending task.
// Returns nil when the queue is empty.
func (w *Warmer) popTask(ctx context.Context) (*WarmingTask, error) {
	result, err := w.redis.Execute(ctx, func() (interface{}, error) {
		return w.redis.Client().ZPopMax(ctx, WarmingQueueKey, 1).Result()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to pop warming queue: %w", err)
	}
	popped := result.([]redis.Z)
	if len(popped) == 0 {
		return nil, nil
	}
	id, _ := popped[0].Member.(string)
	task, err := w.GetTask(ctx, id)
	if err == ErrTaskNotFound {
		// Task record expired while queued; drop the orphan
		return &WarmingTask{ID: id, Status: WarmingCancelled}, nil
	}
	return task, err
}

func (w *Warmer) acquireLock(ctx context.Context, token string) (bool, error) {
	result, err := w.redis.Execute(ctx, func() (interface{}, error) {
		return w.redis.Client().SetNX(ctx, warmingLockKey, token, w.config.WarmingLockTTL).Result()
	})
	if err != nil {
		return false, err
	}
	return result.(bool), nil
}

// releaseLock deletes the lock only when this worker still owns it
func (w *Warmer) releaseLock(ctx context.Context, token string) {
	owner, err := w.redis.Get(ctx, warmingLockKey)
	if err != nil || owner != token {
		return
	}
	_ = w.redis.Del(ctx, warmingLockKey)
}

func (w *Warmer) taskKey(id string) string {
	return fmt.Sprintf("%s:%s", WarmingTaskPrefix, id)
}

func (w *Warmer) saveTask(ctx context.Context, task *WarmingTask) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode warming task: %w", err)
	}
	if err := w.redis.Set(ctx, w.taskKey(task.ID), payload, w.config.WarmingTaskRetention); err != nil {
		return fmt.Errorf("failed to persist warming task: %w", err)
	}
	return nil
}
