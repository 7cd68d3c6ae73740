// Package pubsub carries ephemeral progress and control broadcasts.
// Nothing is stored: a subscriber only sees messages published after it attached.
package pubsub

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/pastiche/internal/interfaces"
)

// ControlChannel carries cancel broadcasts between processes.
const ControlChannel = "task:control:cancel"

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// ProgressChannel returns the channel a job's owner publishes progress on.
func ProgressChannel(jobID string) string {
	return fmt.Sprintf("task:%s:progress", jobID)
}

// NewTransport builds the configured backend. rdb may be nil for the memory backend.
func NewTransport(backend string, rdb *redis.Client, bufferSize int, logger arbor.ILogger) (interfaces.PubSubTransport, error) {
	switch backend {
	case BackendMemory:
		return NewMemoryTransport(bufferSize, logger), nil
	case BackendRedis:
		if rdb == nil {
			return nil, fmt.Errorf("redis pub/sub requires a redis client")
		}
		return NewRedisTransport(rdb, bufferSize, logger), nil
	default:
		return nil, fmt.Errorf("unknown pub/sub backend: %s", backend)
	}
}
