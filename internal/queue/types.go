package queue

import (
	"github.com/ternarybob/pastiche/internal/interfaces"
	"github.com/ternarybob/pastiche/internal/models"
)

// ErrNoMessage is returned when the queue is empty
var ErrNoMessage = models.ErrNoMessage

// Message is an alias for models.QueueMessage within the queue package
type Message = models.QueueMessage

var (
	_ interfaces.Broker = (*BadgerManager)(nil)
	_ interfaces.Broker = (*RedisManager)(nil)
)
