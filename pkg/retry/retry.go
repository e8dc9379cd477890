// Package retry provides retry policies for Redis and provider calls.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy defines the retry policy interface
type Policy interface {
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
	NextDelay(attempt int) time.Duration
}

// Config contains retry configuration
type Config struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	Multiplier      float64
	MaxRetries      int
}

// ExponentialBackoff implements exponential backoff with jitter
type ExponentialBackoff struct {
	config Config
}

// NewExponentialBackoff creates a new exponential backoff retry policy
func NewExponentialBackoff(config Config) Policy {
	if config.InitialInterval <= 0 {
		config.InitialInterval = 100 * time.Millisecond
	}
	if config.MaxInterval <= 0 {
		config.MaxInterval = 30 * time.Second
	}
	if config.MaxElapsedTime <= 0 {
		config.MaxElapsedTime = 5 * time.Minute
	}
	if config.Multiplier <= 1.0 {
		config.Multiplier = 2.0
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	return &ExponentialBackoff{config: config}
}

// Execute runs fn until it succeeds, retries are exhausted, the elapsed
// budget is spent, or the context is cancelled.
func (e *ExponentialBackoff) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	start := time.Now()
	attempt := 0

	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		attempt++
		if attempt >= e.config.MaxRetries {
			return err
		}
		if time.Since(start) >= e.config.MaxElapsedTime {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		select {
		case <-time.After(e.NextDelay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// NextDelay calculates the next delay with ±20% jitter
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := float64(e.config.InitialInterval) * math.Pow(e.config.Multiplier, float64(attempt-1))
	if delay > float64(e.config.MaxInterval) {
		delay = float64(e.config.MaxInterval)
	}
	delay += delay * 0.2 * (rand.Float64()*2 - 1)
	return time.Duration(delay)
}

// NoRetry executes the function exactly once
type NoRetry struct{}

// NewNoRetry creates a policy that never retries
func NewNoRetry() Policy { return &NoRetry{} }

// Execute runs fn once
func (n *NoRetry) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// NextDelay returns zero
func (n *NoRetry) NextDelay(attempt int) time.Duration { return 0 }
