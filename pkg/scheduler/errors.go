package scheduler

import (
	"errors"

	"github.com/3leaps/maplejuice/pkg/jobregistry"
)

var (
	ErrInvalidWorkerCount = errors.New("worker count must be positive")
	ErrNotEnoughWorkers   = errors.New("not enough live workers")

	// ErrNoReplacement means a task's worker is dead and no live node can
	// take over. The task stays NOTSTARTED until membership changes.
	ErrNoReplacement = errors.New("no replacement worker available")

	ErrInvalidJob = errors.New("invalid job request")
)

// IsRetryable reports whether a scheduling error is expected to clear on a
// later pass without operator action.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNoReplacement) ||
		errors.Is(err, jobregistry.ErrTaskNotFound) ||
		errors.Is(err, jobregistry.ErrJobAlreadyFinished) ||
		errors.Is(err, jobregistry.ErrWorkerBusy)
}
