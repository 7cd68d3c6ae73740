package queue

import (
	"time"

	"github.com/ternarybob/pastiche/internal/common"
)

// Config holds configuration for the broker and worker pool
type Config struct {
	// Backend selects the broker implementation: "badger" or "redis"
	Backend string

	// Concurrency is the number of worker slots
	Concurrency int

	// PollInterval caps the idle backoff between empty receives
	PollInterval time.Duration

	// QueueName prefixes every broker key
	QueueName string
}

// NewConfig builds the queue configuration from the application config
func NewConfig(cfg common.QueueConfig) Config {
	return Config{
		Backend:      cfg.Backend,
		Concurrency:  cfg.Concurrency,
		PollInterval: common.ParseDuration(cfg.PollInterval, time.Second),
		QueueName:    cfg.QueueName,
	}
}
