package worker

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"fluidsim/internal/models"
	"fluidsim/internal/pkg/logger"
	"fluidsim/internal/repositories"
)

// Run pops job IDs until ctx is canceled. Jobs run one at a time.
func Run(ctx context.Context, d Deps) error {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.WithComponent("worker")

	retries := 0
	for {
		select {
		case <-ctx.Done():
			log.Info("worker context canceled, stopping")
			return ctx.Err()
		default:
		}

		// Use a separate context with timeout for queue operations
		popCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		jobID, err := d.Queue.Pop(popCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				log.Info("worker stopping due to context cancellation")
				return ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}

			log.Warn("queue pop error, retrying",
				"error", err.Error(),
				"retries", retries,
			)
			select {
			case <-time.After(retryWaitDuration(retries)):
			case <-ctx.Done():
				return ctx.Err()
			}
			retries++
			continue
		}
		retries = 0

		if jobID == "" {
			continue
		}

		handle(ctx, d, log, jobID)
	}
}

func handle(ctx context.Context, d Deps, log *logger.Logger, jobID string) {
	// A job that has started runs to completion; shutdown waits for it.
	storeCtx := context.WithoutCancel(ctx)
	jobCtx := logger.ContextWithJobID(storeCtx, jobID)
	jobLog := log.WithJobID(jobID)

	job, err := d.Jobs.Get(jobCtx, jobID)
	if err != nil {
		if errors.Is(err, repositories.ErrJobNotFound) {
			jobLog.Warn("queued job not found, skipping")
			return
		}
		jobLog.Error("failed to load job", "error", err.Error())
		return
	}

	if err := d.Jobs.MarkRunning(storeCtx, jobID); err != nil {
		jobLog.Error("failed to mark job running", "error", err.Error())
		return
	}

	jobLog.Info("processing job")
	startTime := time.Now()

	req := job.Request
	req.ID = job.ID
	res := d.Processor.ProcessJob(jobCtx, req)

	if err := d.Jobs.Finish(storeCtx, res); err != nil {
		jobLog.Error("failed to store job result", "error", err.Error())
	}

	if res.Status == models.ResultError {
		jobLog.Error("job failed",
			"error", res.Error,
			"duration_ms", time.Since(startTime).Milliseconds(),
		)
		return
	}
	jobLog.Info("job completed",
		"duration_ms", time.Since(startTime).Milliseconds(),
	)
}

// retryWaitDuration is exponential backoff with jitter. It starts around
// 0.5s, grows by 1.5x per retry and stops growing after the thirteenth.
func retryWaitDuration(retry int) time.Duration {
	n := min(retry, 12)
	second := int(time.Second)

	duration := second / 2
	for i := 0; i < n; i++ {
		duration /= 2
		duration *= 3
	}

	// add or subtract up to 50%
	jitter := rand.IntN(duration) - duration/2
	duration += jitter

	return time.Duration(duration)
}
