package interfaces

import (
	"context"

	"github.com/ternarybob/pastiche/internal/models"
)

// Broker holds jobs between submission and worker pickup
type Broker interface {
	// Enqueue accepts a job for execution without waiting for scheduling
	Enqueue(ctx context.Context, msg models.QueueMessage) error

	// Receive claims the oldest queued message. A claimed message is removed,
	// so exactly one worker receives a given job. Returns models.ErrNoMessage when empty.
	Receive(ctx context.Context) (*models.QueueMessage, error)

	// Revoke removes a job that has not been picked up yet.
	// Reports whether the job was still queued.
	Revoke(ctx context.Context, jobID string) (bool, error)

	// Purge discards every queued job and returns how many were dropped
	Purge(ctx context.Context) (int, error)

	// Len returns the number of queued jobs
	Len(ctx context.Context) (int, error)

	Close() error
}
