package handlers

import (
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"fluidsim/internal/httpkit"
	"fluidsim/internal/pkg/errors"
	"fluidsim/internal/worker/publisher"
)

// StreamArtifact serves a published video for providers that have no
// public URL of their own.
func (h *Handler) StreamArtifact(w http.ResponseWriter, r *http.Request) {
	if h.sp == nil {
		h.fail(w, r, unavailable("storage"))
		return
	}
	jobID := chi.URLParam(r, "jobId")
	key := publisher.Key(jobID)

	rc, ct, size, err := h.sp.GetObject(r.Context(), key)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			h.fail(w, r, errors.NotFound("artifact", jobID))
			return
		}
		h.fail(w, r, errors.Wrap(err, "artifacts.get", "storage read failed"))
		return
	}
	defer rc.Close()

	if ct == "" {
		ct = "video/mp4"
	}
	w.Header().Set("Content-Type", ct)
	if size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	_, _ = io.Copy(w, rc)
}

const (
	defaultLinkTTL = 15 * time.Minute
	maxLinkTTL     = 7 * 24 * time.Hour
)

// ArtifactLink returns a time-limited download URL. Providers without
// signing get the streaming route instead.
func (h *Handler) ArtifactLink(w http.ResponseWriter, r *http.Request) {
	if h.sp == nil {
		h.fail(w, r, unavailable("storage"))
		return
	}
	jobID := chi.URLParam(r, "jobId")

	ttl := defaultLinkTTL
	if v := r.URL.Query().Get("ttl"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 || d > maxLinkTTL {
			h.fail(w, r, errors.ValidationField("ttl", "ttl must be a positive duration up to 168h"))
			return
		}
		ttl = d
	}

	out, err := h.sp.GetSignedURL(r.Context(), publisher.Key(jobID), ttl)
	if err != nil {
		h.fail(w, r, errors.Wrap(err, "artifacts.sign", "failed to sign artifact url"))
		return
	}
	if out.URL == "" {
		out.URL = "/artifacts/" + url.PathEscape(jobID) + "/content"
	}
	httpkit.WriteJSON(w, 200, map[string]any{
		"url":        out.URL,
		"expires_at": out.ExpiresAt,
	})
}

// DeleteArtifact removes a published video. Deleting a missing artifact
// is not an error.
func (h *Handler) DeleteArtifact(w http.ResponseWriter, r *http.Request) {
	if h.sp == nil {
		h.fail(w, r, unavailable("storage"))
		return
	}
	jobID := chi.URLParam(r, "jobId")

	err := h.sp.DeleteObject(r.Context(), publisher.Key(jobID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		h.fail(w, r, errors.Wrap(err, "artifacts.delete", "storage delete failed"))
		return
	}
	h.log.Info("artifact deleted", "job_id", jobID)
	w.WriteHeader(http.StatusNoContent)
}
