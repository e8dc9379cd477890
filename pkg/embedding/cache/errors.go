package cache

import (
	apperrors "github.com/WalkingStatue/multi-rag-bot-sub002/pkg/errors"
)

// Sentinel conditions surfaced by the cache layer. Backend outages are
// deliberately NOT among them: the cache converts those into misses.
var (
	// ErrTaskNotFound is returned when a warming task id is unknown
	ErrTaskNotFound = apperrors.NotFound("warming task not found")

	// ErrTaskNotCancellable is returned when cancelling a task that
	// already started processing or finished
	ErrTaskNotCancellable = apperrors.Conflict("warming task is not pending")

	// ErrWarmingInProgress is returned when another worker holds the
	// warming lock
	ErrWarmingInProgress = apperrors.Conflict("cache warming already in progress")

	// ErrMaintenanceTooSoon is returned when maintenance is requested
	// before the minimum interval has elapsed
	ErrMaintenanceTooSoon = apperrors.Conflict("maintenance ran too recently")
)
