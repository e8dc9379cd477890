package cache

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sony/gobreaker"

	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/observability"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/retry"
)

// ResilientRedisClient wraps the Redis client with circuit breaker and
// retry logic. Callers see either a result or an error; the cache layer
// above decides whether an error downgrades to a miss.
type ResilientRedisClient struct {
	client      *redis.Client
	breaker     *gobreaker.CircuitBreaker
	logger      observability.Logger
	metrics     observability.MetricsClient
	retryPolicy retry.Policy
}

// NewResilientRedisClient creates a new resilient Redis client
func NewResilientRedisClient(
	client *redis.Client,
	logger observability.Logger,
	metrics observability.MetricsClient,
) *ResilientRedisClient {
	if logger == nil {
		logger = observability.NewLogger("embedding.cache.redis")
	}
	if metrics == nil {
		metrics = observability.NewMetricsClient()
	}

	settings := gobreaker.Settings{
		Name:        "embedding_cache_redis",
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Redis circuit breaker state changed", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
			metrics.IncrementCounterWithLabels("cache_breaker_transitions", 1, map[string]string{
				"to": to.String(),
			})
		},
		IsSuccessful: func(err error) bool {
			// Missing keys are normal cache traffic, not backend failures
			return err == nil || errors.Is(err, redis.Nil)
		},
	}

	retryConfig := retry.Config{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxRetries:      3,
		Multiplier:      2.0,
		MaxElapsedTime:  30 * time.Second,
	}

	return &ResilientRedisClient{
		client:      client,
		breaker:     gobreaker.NewCircuitBreaker(settings),
		logger:      logger,
		metrics:     metrics,
		retryPolicy: retry.NewExponentialBackoff(retryConfig),
	}
}

// Execute wraps a Redis operation with circuit breaker and retry.
// redis.Nil passes through untouched so callers can treat it as a miss.
func (r *ResilientRedisClient) Execute(ctx context.Context, operation func() (interface{}, error)) (interface{}, error) {
	return r.breaker.Execute(func() (interface{}, error) {
		var result interface{}
		var missErr error
		err := r.retryPolicy.Execute(ctx, func(ctx context.Context) error {
			val, opErr := operation()
			if errors.Is(opErr, redis.Nil) {
				// A missing key is a definitive answer, not a failure
				missErr = opErr
				return nil
			}
			if opErr != nil {
				return opErr
			}
			result = val
			return nil
		})
		if err == nil && missErr != nil {
			return nil, missErr
		}
		return result, err
	})
}

// Get retrieves a string value
func (r *ResilientRedisClient) Get(ctx context.Context, key string) (string, error) {
	result, err := r.Execute(ctx, func() (interface{}, error) {
		return r.client.Get(ctx, key).Result()
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// Set stores a value with expiration
func (r *ResilientRedisClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	_, err := r.Execute(ctx, func() (interface{}, error) {
		return nil, r.client.Set(ctx, key, value, expiration).Err()
	})
	return err
}

// Del deletes keys
func (r *ResilientRedisClient) Del(ctx context.Context, keys ...string) error {
	_, err := r.Execute(ctx, func() (interface{}, error) {
		return nil, r.client.Del(ctx, keys...).Err()
	})
	return err
}

// Client returns the underlying Redis client for pipelined and iterator
// operations the wrapper does not cover.
func (r *ResilientRedisClient) Client() *redis.Client {
	return r.client
}

// Health checks backend reachability
func (r *ResilientRedisClient) Health(ctx context.Context) error {
	_, err := r.breaker.Execute(func() (interface{}, error) {
		return nil, r.client.Ping(ctx).Err()
	})
	return err
}

// Close closes the underlying client
func (r *ResilientRedisClient) Close() error {
	return r.client.Close()
}
