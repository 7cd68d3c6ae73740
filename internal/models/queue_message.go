package models

import (
	"encoding/json"
	"time"
)

// QueueMessage is the structure stored in the broker.
// Keep it simple - just enough to route the job.
type QueueMessage struct {
	JobID      string          `json:"job_id"`  // Doubles as the broker key
	Type       string          `json:"type"`    // Job type for executor routing
	Payload    json.RawMessage `json:"payload"` // Serialized Job
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// NewQueueMessage wraps a job for the broker.
func NewQueueMessage(job *Job) (QueueMessage, error) {
	payload, err := job.ToJSON()
	if err != nil {
		return QueueMessage{}, err
	}
	return QueueMessage{
		JobID:      job.ID,
		Type:       job.Type,
		Payload:    payload,
		EnqueuedAt: time.Now(),
	}, nil
}
