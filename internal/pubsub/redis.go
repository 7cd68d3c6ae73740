package pubsub

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/pastiche/internal/interfaces"
)

// RedisTransport broadcasts through Redis PUBLISH/SUBSCRIBE so relays and
// workers in different processes see the same channels.
type RedisTransport struct {
	rdb        *redis.Client
	bufferSize int
	logger     arbor.ILogger
}

// NewRedisTransport creates a transport on a shared client. The client is
// owned by the caller and is not closed by Close.
func NewRedisTransport(rdb *redis.Client, bufferSize int, logger arbor.ILogger) *RedisTransport {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &RedisTransport{
		rdb:        rdb,
		bufferSize: bufferSize,
		logger:     logger,
	}
}

func (t *RedisTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := t.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish on %s: %w", channel, err)
	}
	return nil
}

// Subscribe waits for the server's subscribe confirmation before returning,
// so a publish issued afterwards is guaranteed to reach this subscriber.
func (t *RedisTransport) Subscribe(ctx context.Context, channel string) (interfaces.Subscription, error) {
	ps := t.rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe to %s: %w", channel, err)
	}

	sub := &redisSubscription{
		ps:      ps,
		channel: channel,
		out:     make(chan []byte, t.bufferSize),
		done:    make(chan struct{}),
		logger:  t.logger,
	}
	go sub.forward()

	t.logger.Debug().Str("channel", channel).Msg("Redis subscription active")
	return sub, nil
}

func (t *RedisTransport) Close() error {
	return nil
}

type redisSubscription struct {
	ps      *redis.PubSub
	channel string
	out     chan []byte
	done    chan struct{}
	once    sync.Once
	logger  arbor.ILogger
}

// forward reads until the connection fails or Close is called. The first
// read error closes out so subscribers see the loss.
func (s *redisSubscription) forward() {
	defer close(s.out)
	ctx := context.Background()
	for {
		msg, err := s.ps.ReceiveMessage(ctx)
		if err != nil {
			select {
			case <-s.done:
			default:
				s.logger.Warn().Err(err).Str("channel", s.channel).Msg("Redis subscription lost")
			}
			return
		}
		select {
		case s.out <- []byte(msg.Payload):
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Messages() <-chan []byte {
	return s.out
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
