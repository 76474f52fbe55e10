package handlers

import (
	"net/http"

	"fluidsim/internal/httpkit"
)

// Render runs a job synchronously and returns the render response. Job
// failures are part of the response body, so the status is 200 for any
// request that passed validation.
func (h *Handler) Render(w http.ResponseWriter, r *http.Request) {
	if h.renderer == nil {
		h.fail(w, r, unavailable("renderer"))
		return
	}

	req, err := decodeRequest(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.log.FromContext(r.Context()).Info("render requested",
		"job_id", req.ID,
		"model", req.Model,
		"wind_speed", req.WindSpeed,
		"duration", req.Duration,
	)

	res := h.renderer.ProcessJob(r.Context(), req)
	httpkit.WriteJSON(w, 200, res)
}
