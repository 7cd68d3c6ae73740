package models

import "errors"

var (
	// ErrNoMessage is returned when the queue is empty
	ErrNoMessage = errors.New("no messages in queue")

	// ErrNotFound is returned when a job status record does not exist
	ErrNotFound = errors.New("job not found")

	// ErrInvalidJobID is returned for ids that do not match the generator's shape
	ErrInvalidJobID = errors.New("invalid job id")

	// ErrSubmission covers bad or missing uploads and parameters
	ErrSubmission = errors.New("invalid submission")

	// ErrEnqueue is returned when the broker rejects a job at submit time
	ErrEnqueue = errors.New("failed to enqueue job")

	// ErrExecution marks a failure raised inside a unit of work
	ErrExecution = errors.New("job execution failed")

	// ErrRelay marks a subscribe or transport failure in the live relay
	ErrRelay = errors.New("progress relay failed")
)
