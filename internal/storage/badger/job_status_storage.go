package badger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/pastiche/internal/interfaces"
	"github.com/ternarybob/pastiche/internal/models"
)

// JobStatusStorage implements interfaces.JobStatusStorage on badgerhold
type JobStatusStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
	mu     sync.Mutex // serialises read-modify-write updates
}

// NewJobStatusStorage creates a new JobStatusStorage instance
func NewJobStatusStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobStatusStorage {
	return &JobStatusStorage{
		db:     db,
		logger: logger,
	}
}

func (s *JobStatusStorage) SaveStatus(ctx context.Context, status *models.JobStatus) error {
	if status.JobID == "" {
		return fmt.Errorf("job ID is required")
	}
	if status.CreatedAt.IsZero() {
		status.CreatedAt = time.Now()
	}
	status.UpdatedAt = time.Now()

	if err := s.db.Store().Upsert(status.JobID, status); err != nil {
		return fmt.Errorf("failed to save job status: %w", err)
	}
	return nil
}

func (s *JobStatusStorage) GetStatus(ctx context.Context, jobID string) (*models.JobStatus, error) {
	var status models.JobStatus
	if err := s.db.Store().Get(jobID, &status); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get job status: %w", err)
	}
	return &status, nil
}

func (s *JobStatusStorage) MarkRunning(ctx context.Context, jobID string, total int) error {
	_, err := s.update(jobID, func(status *models.JobStatus) bool {
		if status.State.IsTerminal() {
			return false
		}
		now := time.Now()
		status.State = models.JobStateRunning
		status.Total = total
		status.Completed = 0
		status.StartedAt = now
		return true
	})
	return err
}

func (s *JobStatusStorage) UpdateProgress(ctx context.Context, jobID string, completed int) error {
	_, err := s.update(jobID, func(status *models.JobStatus) bool {
		if status.State.IsTerminal() || completed < status.Completed {
			return false
		}
		status.Completed = completed
		return true
	})
	return err
}

func (s *JobStatusStorage) MarkFinished(ctx context.Context, jobID string, state models.JobState, errMsg string) (*models.JobStatus, error) {
	if !state.IsTerminal() {
		return nil, fmt.Errorf("state %s is not terminal", state)
	}
	return s.update(jobID, func(status *models.JobStatus) bool {
		if status.State.IsTerminal() {
			return false
		}
		status.State = state
		status.Error = errMsg
		status.FinishedAt = time.Now()
		return true
	})
}

func (s *JobStatusStorage) DeleteStatus(ctx context.Context, jobID string) error {
	if err := s.db.Store().Delete(jobID, &models.JobStatus{}); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to delete job status: %w", err)
	}
	return nil
}

// PruneFinished deletes terminal records that finished before the cutoff
func (s *JobStatusStorage) PruneFinished(ctx context.Context, before time.Time) (int, error) {
	var expired []models.JobStatus
	query := badgerhold.Where("State").In(models.JobStateSucceeded, models.JobStateFailed, models.JobStateCancelled).
		And("FinishedAt").Lt(before)
	if err := s.db.Store().Find(&expired, query); err != nil {
		return 0, fmt.Errorf("failed to find expired job statuses: %w", err)
	}

	deleted := 0
	for _, status := range expired {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		if err := s.DeleteStatus(ctx, status.JobID); err != nil {
			s.logger.Warn().Err(err).Str("job_id", status.JobID).Msg("Failed to prune job status")
			continue
		}
		deleted++
	}
	return deleted, nil
}

func (s *JobStatusStorage) AbandonUnfinished(ctx context.Context, errMsg string) (int, error) {
	var unfinished []models.JobStatus
	query := badgerhold.Where("State").In(models.JobStateQueued, models.JobStateRunning)
	if err := s.db.Store().Find(&unfinished, query); err != nil {
		return 0, fmt.Errorf("failed to find unfinished job statuses: %w", err)
	}

	abandoned := 0
	for _, status := range unfinished {
		if _, err := s.MarkFinished(ctx, status.JobID, models.JobStateFailed, errMsg); err != nil {
			s.logger.Warn().Err(err).Str("job_id", status.JobID).Msg("Failed to abandon job status")
			continue
		}
		abandoned++
	}
	return abandoned, nil
}

// update applies fn inside one transaction. fn returns false to leave the
// record untouched; the current record is returned either way.
func (s *JobStatusStorage) update(jobID string, fn func(status *models.JobStatus) bool) (*models.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	store := s.db.Store()
	var status models.JobStatus

	err := store.Badger().Update(func(txn *badger.Txn) error {
		if err := store.TxGet(txn, jobID, &status); err != nil {
			return err
		}
		if !fn(&status) {
			return nil
		}
		status.UpdatedAt = time.Now()
		return store.TxUpsert(txn, jobID, &status)
	})
	if errors.Is(err, badgerhold.ErrNotFound) {
		return nil, fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update job status: %w", err)
	}
	return &status, nil
}
