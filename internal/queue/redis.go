package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue on Redis lists: RPUSH to produce, BLPOP to
// consume. BLPOP removes the element atomically, which is the only delivery
// guarantee the protocol relies on.
type RedisQueue struct {
	client *redis.Client
}

// NewRedisQueue connects to Redis and verifies the connection.
func NewRedisQueue(ctx context.Context, addr string, db int) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return &RedisQueue{client: client}, nil
}

// Close releases the underlying client.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Push appends to the tail of the list.
func (q *RedisQueue) Push(ctx context.Context, name string, payload any) error {
	data, err := encode(payload)
	if err != nil {
		return err
	}
	if err := q.client.RPush(ctx, name, data).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", name, err)
	}
	return nil
}

// Pop blocks on the head of the list for up to timeout.
func (q *RedisQueue) Pop(ctx context.Context, name string, timeout time.Duration) ([]byte, error) {
	res, err := q.client.BLPop(ctx, timeout, name).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrEmpty
		}
		return nil, fmt.Errorf("blpop %s: %w", name, err)
	}
	// BLPOP returns [key, value].
	if len(res) != 2 {
		return nil, fmt.Errorf("blpop %s: unexpected reply length %d", name, len(res))
	}
	return []byte(res[1]), nil
}
