// -----------------------------------------------------------------------
// Job - Immutable job structure sent through the queue
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// JobTypeStylize is the job type handled by the image stylization executor.
const JobTypeStylize = "stylize"

// JobParams holds the numeric knobs controlling a stylization run.
type JobParams struct {
	LearningRate float64 `json:"lr" toml:"lr" yaml:"lr" validate:"gt=0,lte=10"`
	Epochs       int     `json:"epochs" toml:"epochs" yaml:"epochs" validate:"gte=1,lte=10000"`
	Alpha        float64 `json:"alpha" toml:"alpha" yaml:"alpha" validate:"gte=0"`
	Beta         float64 `json:"beta" toml:"beta" yaml:"beta" validate:"gte=0"`
}

// Job is created at submission and never modified afterwards.
// Runtime state lives in JobStatus, not here.
type Job struct {
	ID          string    `json:"id" validate:"required,uuid4"`
	Type        string    `json:"type" validate:"required"`
	ContentPath string    `json:"content_path" validate:"required"`
	StylePath   string    `json:"style_path" validate:"required"`
	OutputPath  string    `json:"output_path" validate:"required"`
	Params      JobParams `json:"params"`
	CreatedAt   time.Time `json:"created_at"`
}

var validate = validator.New()

// Validate checks the job and its parameters.
func (j *Job) Validate() error {
	if err := validate.Struct(j); err != nil {
		return fmt.Errorf("invalid job %s: %w", j.ID, err)
	}
	return nil
}

// Validate checks parameter bounds.
func (p JobParams) Validate() error {
	return validate.Struct(p)
}

// ToJSON serializes the job for the queue payload.
func (j *Job) ToJSON() ([]byte, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	return data, nil
}

// JobFromJSON deserializes a queue payload.
func JobFromJSON(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}
