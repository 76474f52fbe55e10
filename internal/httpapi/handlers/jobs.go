package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"fluidsim/internal/httpkit"
	"fluidsim/internal/models"
	"fluidsim/internal/pkg/errors"
	"fluidsim/internal/repositories"
)

// PostJob persists a render request and queues it for a worker.
func (h *Handler) PostJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.jobs == nil || h.queue == nil {
		h.fail(w, r, unavailable("job queue"))
		return
	}

	req, err := decodeRequest(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	job := &models.Job{ID: req.ID, Request: req}
	if err := h.jobs.Create(ctx, job); err != nil {
		if errors.Is(err, repositories.ErrJobExists) {
			h.fail(w, r, errors.New(errors.CodeAlreadyExists, "job id already exists").WithField("job_id", req.ID))
			return
		}
		h.fail(w, r, errors.Wrap(err, "jobs.create", "db insert failed"))
		return
	}

	if err := h.queue.Push(ctx, job.ID); err != nil {
		h.fail(w, r, errors.WrapWithCode(err, errors.CodeUnavailable, "jobs.enqueue", "queue push failed"))
		return
	}

	httpkit.WriteJSON(w, 202, map[string]any{"job": job})
}

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		h.fail(w, r, unavailable("job store"))
		return
	}

	limit := 50
	if v, err := strconv.Atoi(strings.TrimSpace(r.URL.Query().Get("limit"))); err == nil && v > 0 && v <= 200 {
		limit = v
	}

	jobs, err := h.jobs.List(r.Context(), limit)
	if err != nil {
		h.fail(w, r, errors.Wrap(err, "jobs.list", "db query failed"))
		return
	}

	status := models.Status(strings.TrimSpace(r.URL.Query().Get("status")))
	if status != "" {
		filtered := jobs[:0]
		for _, j := range jobs {
			if j.Status == status {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}

	httpkit.WriteJSON(w, 200, map[string]any{"jobs": jobs})
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		h.fail(w, r, unavailable("job store"))
		return
	}
	jobID := chi.URLParam(r, "jobId")

	job, err := h.jobs.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, repositories.ErrJobNotFound) {
			h.fail(w, r, errors.NotFound("job", jobID))
			return
		}
		h.fail(w, r, errors.Wrap(err, "jobs.get", "db query failed"))
		return
	}

	httpkit.WriteJSON(w, 200, map[string]any{"job": job})
}
