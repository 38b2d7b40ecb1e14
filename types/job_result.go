package types

import (
	"time"

	"github.com/RezaEskandarii/firequeue/internal/state"
)

// JobResult is what a worker goroutine reports back for one leased job.
type JobResult struct {
	JobID   string
	LeaseID string
	Type    string
	Err     error
	Status  state.JobState
	RanAt   time.Time
	Elapsed time.Duration
}
