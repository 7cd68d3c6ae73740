package pubsub

import (
	"context"
	"errors"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/pastiche/internal/interfaces"
)

// ErrTransportClosed is returned after Close.
var ErrTransportClosed = errors.New("pub/sub transport closed")

// MemoryTransport fans messages out to in-process subscribers.
// Each subscriber owns a buffered channel. When it is full the oldest
// buffered message is evicted for that subscriber only, so the newest frame
// (a job's terminal frame included) is always delivered.
type MemoryTransport struct {
	subscribers map[string]map[*memorySubscription]struct{}
	bufferSize  int
	closed      bool
	mu          sync.RWMutex
	logger      arbor.ILogger
}

// NewMemoryTransport creates a new in-process transport
func NewMemoryTransport(bufferSize int, logger arbor.ILogger) *MemoryTransport {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &MemoryTransport{
		subscribers: make(map[string]map[*memorySubscription]struct{}),
		bufferSize:  bufferSize,
		logger:      logger,
	}
}

// Publish delivers payload to every current subscriber of channel
func (t *MemoryTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return ErrTransportClosed
	}

	subs := t.subscribers[channel]
	if len(subs) == 0 {
		return nil
	}

	for sub := range subs {
		msg := make([]byte, len(payload))
		copy(msg, payload)
		if !sub.offer(msg) {
			t.logger.Warn().
				Str("channel", channel).
				Int("buffer_size", t.bufferSize).
				Msg("Subscriber buffer full, oldest message dropped")
		}
	}

	return nil
}

// Subscribe attaches a new subscriber. It is active when this returns.
func (t *MemoryTransport) Subscribe(ctx context.Context, channel string) (interfaces.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrTransportClosed
	}

	sub := &memorySubscription{
		transport: t,
		channel:   channel,
		ch:        make(chan []byte, t.bufferSize),
	}
	if t.subscribers[channel] == nil {
		t.subscribers[channel] = make(map[*memorySubscription]struct{})
	}
	t.subscribers[channel][sub] = struct{}{}

	t.logger.Debug().
		Str("channel", channel).
		Int("subscriber_count", len(t.subscribers[channel])).
		Msg("Subscriber attached")

	return sub, nil
}

// SubscriberCount reports how many subscribers a channel has
func (t *MemoryTransport) SubscriberCount(channel string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subscribers[channel])
}

// Close detaches every subscriber and closes their channels
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	for channel, subs := range t.subscribers {
		for sub := range subs {
			sub.closeLocked()
		}
		delete(t.subscribers, channel)
	}

	t.logger.Info().Msg("Memory pub/sub transport closed")
	return nil
}

type memorySubscription struct {
	transport *MemoryTransport
	channel   string
	ch        chan []byte
	once      sync.Once
	sendMu    sync.Mutex
}

// offer queues msg, evicting the oldest buffered message if ch is full.
// It reports false when a message was evicted.
func (s *memorySubscription) offer(msg []byte) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	select {
	case s.ch <- msg:
		return true
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	// Only offer sends on ch, so the freed slot is still there
	s.ch <- msg
	return false
}

func (s *memorySubscription) Messages() <-chan []byte {
	return s.ch
}

func (s *memorySubscription) Close() error {
	t := s.transport
	t.mu.Lock()
	defer t.mu.Unlock()

	if subs, ok := t.subscribers[s.channel]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(t.subscribers, s.channel)
		}
	}
	s.closeLocked()
	return nil
}

// closeLocked must be called with the transport lock held, so no Publish
// can be sending on ch at the same time.
func (s *memorySubscription) closeLocked() {
	s.once.Do(func() { close(s.ch) })
}
