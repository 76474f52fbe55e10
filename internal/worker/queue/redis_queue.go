package queue

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// pollInterval bounds each BRPOP so a canceled context is noticed even
// without a deadline.
const pollInterval = 5 * time.Second

type RedisQueue struct {
	rdb       *redis.Client
	queueName string
}

func NewRedisQueue(rdb *redis.Client, queueName string) *RedisQueue {
	return &RedisQueue{rdb: rdb, queueName: queueName}
}

// Push appends to the head; Pop takes from the tail, so order is FIFO.
func (q *RedisQueue) Push(ctx context.Context, jobID string) error {
	return q.rdb.LPush(ctx, q.queueName, jobID).Err()
}

// Pop blocks until an element exists (BRPOP).
func (q *RedisQueue) Pop(ctx context.Context) (string, error) {
	for {
		res, err := q.rdb.BRPop(ctx, pollInterval, q.queueName).Result()
		if err == nil {
			if len(res) < 2 {
				return "", nil
			}
			return res[1], nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !errors.Is(err, redis.Nil) {
			return "", err
		}
	}
}

func (q *RedisQueue) Close() error {
	return q.rdb.Close()
}
