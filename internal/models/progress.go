package models

import (
	"encoding/json"
	"fmt"
)

// ProgressEvent is the payload published on a job's progress channel.
// Progress frames carry only Total and Completed. The final frame of a run
// also carries State (and Error for failures) so relays know the stream ended.
type ProgressEvent struct {
	Total     int      `json:"total"`
	Completed int      `json:"completed"`
	State     JobState `json:"state,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// IsTerminal reports whether this is the end-of-stream frame.
func (e ProgressEvent) IsTerminal() bool {
	return e.State.IsTerminal()
}

// Encode serializes the event as JSON text.
func (e ProgressEvent) Encode() ([]byte, error) {
	if e.Completed > e.Total {
		return nil, fmt.Errorf("progress completed %d exceeds total %d", e.Completed, e.Total)
	}
	return json.Marshal(e)
}

// DecodeProgressEvent parses a published payload.
func DecodeProgressEvent(data []byte) (ProgressEvent, error) {
	var event ProgressEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return ProgressEvent{}, fmt.Errorf("failed to decode progress event: %w", err)
	}
	return event, nil
}
