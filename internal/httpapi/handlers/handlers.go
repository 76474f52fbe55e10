package handlers

import (
	"context"
	"io"
	"net/http"

	"fluidsim/internal/buildcache"
	"fluidsim/internal/httpkit"
	"fluidsim/internal/models"
	"fluidsim/internal/pkg/errors"
	"fluidsim/internal/pkg/logger"
	"fluidsim/internal/pkg/middleware"
	"fluidsim/internal/ports"
)

type JobStore interface {
	Create(ctx context.Context, j *models.Job) error
	Get(ctx context.Context, id string) (*models.Job, error)
	List(ctx context.Context, limit int) ([]models.Job, error)
}

type Enqueuer interface {
	Push(ctx context.Context, jobID string) error
}

// Renderer runs a job in-process for POST /render.
type Renderer interface {
	ProcessJob(ctx context.Context, req models.JobRequest) models.JobResult
}

type Builder interface {
	Build(ctx context.Context) (*buildcache.Entry, error)
	ForceRebuild(ctx context.Context) (*buildcache.Entry, error)
	Current() *buildcache.Entry
}

// Check tests one dependency for the deep health check.
type Check func(ctx context.Context) error

// Deps wires the handlers. Any dependency may be nil; the routes that need
// it answer 503.
type Deps struct {
	Jobs     JobStore
	Queue    Enqueuer
	Renderer Renderer
	Builder  Builder
	SP       ports.StorageProvider
	Checks   map[string]Check
	Log      *logger.Logger
}

type Handler struct {
	jobs     JobStore
	queue    Enqueuer
	renderer Renderer
	builder  Builder
	sp       ports.StorageProvider
	checks   map[string]Check
	log      *logger.Logger
}

func New(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	return &Handler{
		jobs:     d.Jobs,
		queue:    d.Queue,
		renderer: d.Renderer,
		builder:  d.Builder,
		sp:       d.SP,
		checks:   d.Checks,
		log:      log.WithComponent("httpapi"),
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	middleware.HandleError(w, r, h.log, err)
}

func unavailable(what string) error {
	return errors.New(errors.CodeUnavailable, what+" is not configured")
}

// decodeRequest reads a render request, keeping explicit zero values, then
// normalizes and validates it.
func decodeRequest(r *http.Request) (models.JobRequest, error) {
	req := models.DefaultJobRequest()
	if err := httpkit.DecodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		return req, errors.Validation("invalid json body")
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		return req, err
	}
	return req, nil
}
