// Package queue carries job IDs from the API to workers. The job itself
// lives in the job store; only its ID travels through the broker.
package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"fluidsim/internal/config"
)

type Queue interface {
	Push(ctx context.Context, jobID string) error
	// Pop blocks until a job ID is available or ctx is done.
	Pop(ctx context.Context) (string, error)
	Close() error
}

// New opens the backend selected by cfg.Backend.
func New(cfg config.Queue) (Queue, error) {
	switch cfg.Backend {
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("queue: REDIS_ADDR is required for the redis backend")
		}
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return NewRedisQueue(rdb, cfg.Name), nil
	case "amqp":
		if cfg.AMQPURL == "" {
			return nil, fmt.Errorf("queue: AMQP_URL is required for the amqp backend")
		}
		return NewAMQPQueue(cfg.AMQPURL, cfg.Name), nil
	default:
		return nil, fmt.Errorf("queue: unknown backend %q", cfg.Backend)
	}
}
