package worker

import (
	"context"

	"fluidsim/internal/models"
	"fluidsim/internal/pkg/logger"
	"fluidsim/internal/worker/queue"
)

// JobStore is the part of the job repository the worker needs.
type JobStore interface {
	Get(ctx context.Context, id string) (*models.Job, error)
	MarkRunning(ctx context.Context, id string) error
	Finish(ctx context.Context, res models.JobResult) error
}

type Processor interface {
	ProcessJob(ctx context.Context, req models.JobRequest) models.JobResult
}

type Deps struct {
	Queue     queue.Queue
	Jobs      JobStore
	Processor Processor
	Log       *logger.Logger
}
