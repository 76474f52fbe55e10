package handlers

import (
	"context"
	"net/http"

	"fluidsim/internal/buildcache"
	"fluidsim/internal/httpkit"
)

// PostBuild pulls the latest source and rebuilds incrementally.
func (h *Handler) PostBuild(w http.ResponseWriter, r *http.Request) {
	h.runBuild(w, r, "build", func(ctx context.Context) (*buildcache.Entry, error) {
		return h.builder.Build(ctx)
	})
}

// PostForceRebuild discards the cache and builds from a fresh clone.
func (h *Handler) PostForceRebuild(w http.ResponseWriter, r *http.Request) {
	h.runBuild(w, r, "force rebuild", func(ctx context.Context) (*buildcache.Entry, error) {
		return h.builder.ForceRebuild(ctx)
	})
}

func (h *Handler) runBuild(w http.ResponseWriter, r *http.Request, what string, fn func(context.Context) (*buildcache.Entry, error)) {
	if h.builder == nil {
		h.fail(w, r, unavailable("build cache"))
		return
	}

	log := h.log.FromContext(r.Context())
	log.Info(what + " requested")

	entry, err := fn(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}

	log.Info(what+" finished", "executable", entry.ExecutablePath, "stale", entry.Stale)
	httpkit.WriteJSON(w, 200, map[string]any{"build": entry})
}
