package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisManager implements the broker on Redis.
// Key format:
//
//	queue:{queueName}:pending      list of job ids, FIFO (RPUSH / LPOP)
//	queue:{queueName}:job:{jobID}  message JSON
//
// A worker owns a job once it has fetched the payload. Revoke deletes the
// payload, so an id popped but not yet fetched is skipped by the worker.
type RedisManager struct {
	rdb       *redis.Client
	queueName string
}

// NewRedisManager creates a new Redis-backed broker
func NewRedisManager(rdb *redis.Client, queueName string) (*RedisManager, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	if queueName == "" {
		return nil, errors.New("queue name is required")
	}

	return &RedisManager{
		rdb:       rdb,
		queueName: queueName,
	}, nil
}

// Enqueue stores the payload and appends the job id in one MULTI/EXEC
func (m *RedisManager) Enqueue(ctx context.Context, msg Message) error {
	if msg.JobID == "" {
		return errors.New("job id is required")
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}

	_, err = m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, m.jobKey(msg.JobID), data, 0)
		pipe.RPush(ctx, m.pendingKey(), msg.JobID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", msg.JobID, err)
	}
	return nil
}

// Receive pops the oldest job id. LPOP is atomic, so only one worker gets it.
func (m *RedisManager) Receive(ctx context.Context) (*Message, error) {
	jobID, err := m.rdb.LPop(ctx, m.pendingKey()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoMessage
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop from queue %s: %w", m.queueName, err)
	}

	var getCmd *redis.StringCmd
	_, err = m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		getCmd = pipe.Get(ctx, m.jobKey(jobID))
		pipe.Del(ctx, m.jobKey(jobID))
		return nil
	})
	if errors.Is(err, redis.Nil) {
		// Payload removed by a revoke between the pop and the fetch
		return nil, ErrNoMessage
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch job %s: %w", jobID, err)
	}

	raw, err := getCmd.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to read job %s: %w", jobID, err)
	}

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", jobID, err)
	}
	return &msg, nil
}

// Revoke removes the job from the pending list and deletes its payload.
// Deleting the payload alone counts: a worker that popped the id but has
// not fetched the payload yet will skip it.
func (m *RedisManager) Revoke(ctx context.Context, jobID string) (bool, error) {
	var removed, deleted *redis.IntCmd
	_, err := m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.LRem(ctx, m.pendingKey(), 0, jobID)
		deleted = pipe.Del(ctx, m.jobKey(jobID))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to revoke job %s: %w", jobID, err)
	}
	return removed.Val() > 0 || deleted.Val() > 0, nil
}

// Purge drops the pending list and every stored payload
func (m *RedisManager) Purge(ctx context.Context) (int, error) {
	count, err := m.Len(ctx)
	if err != nil {
		return 0, err
	}

	if err := m.rdb.Del(ctx, m.pendingKey()).Err(); err != nil {
		return 0, fmt.Errorf("failed to purge queue %s: %w", m.queueName, err)
	}

	var cursor uint64
	match := fmt.Sprintf("queue:%s:job:*", m.queueName)
	for {
		keys, next, err := m.rdb.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to scan queue %s: %w", m.queueName, err)
		}
		if len(keys) > 0 {
			if err := m.rdb.Del(ctx, keys...).Err(); err != nil {
				return 0, fmt.Errorf("failed to purge queue %s: %w", m.queueName, err)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	return count, nil
}

// Len returns the pending list length
func (m *RedisManager) Len(ctx context.Context) (int, error) {
	n, err := m.rdb.LLen(ctx, m.pendingKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue length: %w", err)
	}
	return int(n), nil
}

// Close is a no-op; the client is shared with the pub/sub transport
func (m *RedisManager) Close() error {
	return nil
}

func (m *RedisManager) pendingKey() string {
	return fmt.Sprintf("queue:%s:pending", m.queueName)
}

func (m *RedisManager) jobKey(jobID string) string {
	return fmt.Sprintf("queue:%s:job:%s", m.queueName, jobID)
}
