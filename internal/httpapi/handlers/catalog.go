package handlers

import (
	"net/http"

	"fluidsim/internal/httpkit"
	"fluidsim/internal/models"
)

// ListModels returns the selectable obstacle models.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	httpkit.WriteJSON(w, 200, map[string]any{
		"models":  models.Models(),
		"default": models.DefaultModel,
	})
}
