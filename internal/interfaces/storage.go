package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/pastiche/internal/models"
)

// JobStatusStorage persists per-job status records
type JobStatusStorage interface {
	SaveStatus(ctx context.Context, status *models.JobStatus) error
	GetStatus(ctx context.Context, jobID string) (*models.JobStatus, error)
	MarkRunning(ctx context.Context, jobID string, total int) error
	UpdateProgress(ctx context.Context, jobID string, completed int) error
	// MarkFinished records a terminal state. It does not overwrite an
	// existing terminal state, so the first outcome wins.
	MarkFinished(ctx context.Context, jobID string, state models.JobState, errMsg string) (*models.JobStatus, error)
	DeleteStatus(ctx context.Context, jobID string) error
	PruneFinished(ctx context.Context, before time.Time) (int, error)
	// AbandonUnfinished fails every queued or running record. Used at
	// startup, when nothing from a previous process can still be running.
	AbandonUnfinished(ctx context.Context, errMsg string) (int, error)
}
