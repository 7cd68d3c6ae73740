package common

import (
	"github.com/google/uuid"
)

// jobIDLength is the canonical 8-4-4-4-12 form produced by NewJobID
const jobIDLength = 36

// NewJobID generates a unique job ID (random UUID, canonical form)
func NewJobID() string {
	return uuid.New().String()
}

// IsValidJobID reports whether id has exactly the shape NewJobID produces.
// Ids from clients build channel names, storage keys and file paths, so
// anything else (urn/brace forms, other versions, path fragments) is rejected.
func IsValidJobID(id string) bool {
	if len(id) != jobIDLength {
		return false
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return false
	}
	return parsed.Version() == 4 && parsed.Variant() == uuid.RFC4122 && parsed.String() == id
}
