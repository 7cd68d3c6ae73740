// -----------------------------------------------------------------------
// Job Service - Submission, cancellation and status lookup
// -----------------------------------------------------------------------

package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/pastiche/internal/assets"
	"github.com/ternarybob/pastiche/internal/common"
	"github.com/ternarybob/pastiche/internal/interfaces"
	"github.com/ternarybob/pastiche/internal/metrics"
	"github.com/ternarybob/pastiche/internal/models"
	"github.com/ternarybob/pastiche/internal/pubsub"
)

// CancelOutcome describes what a cancel request found. Callers always
// report success regardless.
type CancelOutcome string

const (
	CancelRevoked    CancelOutcome = "revoked"    // removed from the queue before any worker saw it
	CancelTerminated CancelOutcome = "terminated" // stopped while running on this process
	CancelTombstoned CancelOutcome = "tombstoned" // not found here; finished, remote, or about to start
	CancelIgnored    CancelOutcome = "ignored"    // malformed id
)

// Upload is one image part of a submission
type Upload struct {
	Filename string
	Reader   io.Reader
}

// ParamOverrides holds the optional per-request parameters. Nil fields
// keep the configured defaults.
type ParamOverrides struct {
	LearningRate *float64
	Epochs       *int
	Alpha        *float64
	Beta         *float64
}

// SubmitRequest is a validated-at-submit request for a stylization job
type SubmitRequest struct {
	Content   Upload
	Style     Upload
	Overrides ParamOverrides
}

// Service provides high-level job management operations
type Service struct {
	broker      interfaces.Broker
	transport   interfaces.PubSubTransport
	statusStore interfaces.JobStatusStorage
	terminator  interfaces.JobTerminator
	assets      *assets.Store
	defaults    models.JobParams
	instanceID  string
	logger      arbor.ILogger
}

// NewService creates a new job service
func NewService(
	broker interfaces.Broker,
	transport interfaces.PubSubTransport,
	statusStore interfaces.JobStatusStorage,
	terminator interfaces.JobTerminator,
	assetStore *assets.Store,
	defaults models.JobParams,
	instanceID string,
	logger arbor.ILogger,
) *Service {
	return &Service{
		broker:      broker,
		transport:   transport,
		statusStore: statusStore,
		terminator:  terminator,
		assets:      assetStore,
		defaults:    defaults,
		instanceID:  instanceID,
		logger:      logger,
	}
}

// Submit stores the uploads, records the job as queued and enqueues it.
// It returns as soon as the job is queued. Errors wrap ErrSubmission for
// bad input and ErrEnqueue when the broker refused the job.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if req.Content.Reader == nil || req.Style.Reader == nil {
		metrics.SubmissionsRejectedTotal.WithLabelValues("invalid").Inc()
		return "", fmt.Errorf("%w: content and style images are required", models.ErrSubmission)
	}

	params := s.defaults
	req.Overrides.apply(&params)
	if err := params.Validate(); err != nil {
		metrics.SubmissionsRejectedTotal.WithLabelValues("invalid").Inc()
		return "", fmt.Errorf("%w: %w", models.ErrSubmission, err)
	}

	contentPath, err := s.assets.SaveUpload(req.Content.Filename, req.Content.Reader)
	if err != nil {
		metrics.SubmissionsRejectedTotal.WithLabelValues("invalid").Inc()
		return "", fmt.Errorf("%w: content image: %w", models.ErrSubmission, err)
	}
	stylePath, err := s.assets.SaveUpload(req.Style.Filename, req.Style.Reader)
	if err != nil {
		s.assets.Remove(contentPath)
		metrics.SubmissionsRejectedTotal.WithLabelValues("invalid").Inc()
		return "", fmt.Errorf("%w: style image: %w", models.ErrSubmission, err)
	}

	id := common.NewJobID()
	job := &models.Job{
		ID:          id,
		Type:        models.JobTypeStylize,
		ContentPath: contentPath,
		StylePath:   stylePath,
		OutputPath:  s.assets.OutputPath(id),
		Params:      params,
		CreatedAt:   time.Now(),
	}

	if err := s.enqueue(ctx, job); err != nil {
		s.assets.Remove(contentPath, stylePath)
		metrics.SubmissionsRejectedTotal.WithLabelValues("enqueue").Inc()
		return "", err
	}

	metrics.JobsSubmittedTotal.Inc()
	s.logger.Info().
		Str("job_id", id).
		Int("epochs", params.Epochs).
		Msg("Job submitted")

	return id, nil
}

func (s *Service) enqueue(ctx context.Context, job *models.Job) error {
	msg, err := models.NewQueueMessage(job)
	if err != nil {
		return fmt.Errorf("%w: %w", models.ErrEnqueue, err)
	}

	if err := s.statusStore.SaveStatus(ctx, &models.JobStatus{
		JobID:     job.ID,
		Type:      job.Type,
		State:     models.JobStateQueued,
		CreatedAt: job.CreatedAt,
	}); err != nil {
		return fmt.Errorf("%w: %w", models.ErrEnqueue, err)
	}

	if err := s.broker.Enqueue(ctx, msg); err != nil {
		if delErr := s.statusStore.DeleteStatus(ctx, job.ID); delErr != nil {
			s.logger.Warn().Err(delErr).Str("job_id", job.ID).Msg("Failed to remove status of unqueued job")
		}
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to enqueue job")
		return fmt.Errorf("%w: %w", models.ErrEnqueue, err)
	}
	return nil
}

// Cancel revokes the job if it is still queued and terminates it if it is
// running. It never fails from the caller's point of view.
func (s *Service) Cancel(ctx context.Context, jobID string) CancelOutcome {
	if !common.IsValidJobID(jobID) {
		s.logger.Debug().Str("job_id", jobID).Msg("Ignoring cancel for malformed job id")
		return CancelIgnored
	}

	outcome := CancelTombstoned

	revoked, err := s.broker.Revoke(ctx, jobID)
	if err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to revoke job")
	}

	if revoked {
		outcome = CancelRevoked
		s.finishRevoked(ctx, jobID)
	} else if s.terminator.Terminate(jobID) {
		outcome = CancelTerminated
	}

	s.broadcastCancel(ctx, jobID)

	metrics.CancelRequestsTotal.WithLabelValues(string(outcome)).Inc()
	s.logger.Info().
		Str("job_id", jobID).
		Str("outcome", string(outcome)).
		Msg("Job cancel requested")

	return outcome
}

// finishRevoked marks a revoked job cancelled and tells open relays the
// stream is over. No progress frame was ever published for it.
func (s *Service) finishRevoked(ctx context.Context, jobID string) {
	event := models.ProgressEvent{State: models.JobStateCancelled}

	status, err := s.statusStore.MarkFinished(ctx, jobID, models.JobStateCancelled, "")
	if err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to mark revoked job cancelled")
	} else {
		event = status.TerminalEvent()
	}

	payload, err := event.Encode()
	if err == nil {
		err = s.transport.Publish(ctx, pubsub.ProgressChannel(jobID), payload)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to publish cancelled frame")
	}
}

// broadcastCancel lets pools in other processes terminate the job
func (s *Service) broadcastCancel(ctx context.Context, jobID string) {
	payload, err := models.ControlMessage{JobID: jobID, Origin: s.instanceID}.Encode()
	if err == nil {
		err = s.transport.Publish(ctx, pubsub.ControlChannel, payload)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to broadcast cancel")
	}
}

// GetStatus returns the status record for a job
func (s *Service) GetStatus(ctx context.Context, jobID string) (*models.JobStatus, error) {
	if !common.IsValidJobID(jobID) {
		return nil, models.ErrInvalidJobID
	}
	return s.statusStore.GetStatus(ctx, jobID)
}

// OpenOutput opens the artifact of a succeeded job. The caller closes it.
func (s *Service) OpenOutput(ctx context.Context, jobID string) (*os.File, error) {
	status, err := s.GetStatus(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if status.State != models.JobStateSucceeded {
		return nil, fmt.Errorf("job %s is %s: %w", jobID, status.State, models.ErrNotFound)
	}
	return s.assets.OpenOutput(jobID)
}

func (o ParamOverrides) apply(p *models.JobParams) {
	if o.LearningRate != nil {
		p.LearningRate = *o.LearningRate
	}
	if o.Epochs != nil {
		p.Epochs = *o.Epochs
	}
	if o.Alpha != nil {
		p.Alpha = *o.Alpha
	}
	if o.Beta != nil {
		p.Beta = *o.Beta
	}
}

// IsClientError reports whether err was caused by the request
func IsClientError(err error) bool {
	return errors.Is(err, models.ErrSubmission) || errors.Is(err, models.ErrInvalidJobID)
}
