package models

import (
	"encoding/json"
	"fmt"
)

// ControlMessage is broadcast on the control channel when a job is cancelled,
// so pools in other processes can terminate it too.
type ControlMessage struct {
	JobID  string `json:"id"`
	Origin string `json:"origin"` // instance id of the sender
}

func (m ControlMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

func DecodeControlMessage(data []byte) (ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ControlMessage{}, fmt.Errorf("failed to decode control message: %w", err)
	}
	return msg, nil
}
