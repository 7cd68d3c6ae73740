package interfaces

import (
	"context"

	"github.com/ternarybob/pastiche/internal/models"
)

// StepState is the resumable state of one job's computation
type StepState interface {
	Total() int
	Completed() int
}

// StepExecutor exposes a computation as a resumable step function.
// The worker loop calls Advance until hasMore is false, publishing progress
// after every call, so it can stop between any two steps.
type StepExecutor interface {
	// GetWorkerType returns the job type this executor handles
	GetWorkerType() string

	// Init prepares state from the job's inputs and parameters
	Init(ctx context.Context, job *models.Job) (StepState, error)

	// Advance performs one unit of work. ctx is cancelled when the job is
	// terminated; executors may ignore it, the worker does not wait for them.
	Advance(ctx context.Context, state StepState) (next StepState, hasMore bool, err error)

	// Finalize writes exactly one artifact to outputPath
	Finalize(ctx context.Context, state StepState, outputPath string) error
}

// JobTerminator stops a running job held by a worker slot
type JobTerminator interface {
	// Terminate reports whether the job was running here. When it was not,
	// a short-lived tombstone stops a worker that is about to start it.
	Terminate(jobID string) bool
}
