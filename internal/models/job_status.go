package models

import "time"

// JobState represents where a job is in its lifecycle
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
)

// IsTerminal reports whether no further progress can follow this state.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateSucceeded, JobStateFailed, JobStateCancelled:
		return true
	}
	return false
}

// JobStatus is the mutable runtime record of a job.
// Key format: JobID (badgerhold type prefix keeps it apart from other records)
type JobStatus struct {
	JobID      string    `json:"id" badgerhold:"key"`
	Type       string    `json:"type"`
	State      JobState  `json:"state" badgerhold:"index"`
	Total      int       `json:"total"`
	Completed  int       `json:"completed"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TerminalEvent builds the end-of-stream frame for a finished job.
func (s *JobStatus) TerminalEvent() ProgressEvent {
	return ProgressEvent{
		Total:     s.Total,
		Completed: s.Completed,
		State:     s.State,
		Error:     s.Error,
	}
}
