package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"fluidsim/internal/httpapi/handlers"
	"fluidsim/internal/httpkit"
	"fluidsim/internal/pkg/logger"
	"fluidsim/internal/pkg/middleware"
)

type Deps struct {
	Handlers    handlers.Deps
	CORSOrigins []string
	// RenderTimeout bounds the long running routes (/render and builds).
	RenderTimeout time.Duration
	Log           *logger.Logger
}

func NewRouter(d Deps) http.Handler {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	if d.Handlers.Log == nil {
		d.Handlers.Log = log
	}
	renderTimeout := d.RenderTimeout
	if renderTimeout <= 0 {
		renderTimeout = 20 * time.Minute
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(log))
	r.Use(middleware.Recovery(log))
	r.Use(httpkit.CORS(httpkit.CORSOptions{
		AllowedOrigins:   d.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		ExposedHeaders:   []string{middleware.RequestIDHeader},
		AllowCredentials: false,
		MaxAgeSeconds:    600,
	}))

	h := handlers.New(d.Handlers)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Get("/health", h.Health)
		r.Get("/models", h.ListModels)

		r.Post("/jobs", h.PostJob)
		r.Get("/jobs", h.ListJobs)
		r.Get("/jobs/{jobId}", h.GetJob)

		r.Get("/artifacts/{jobId}/link", h.ArtifactLink)
		r.Delete("/artifacts/{jobId}", h.DeleteArtifact)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(renderTimeout))

		r.Post("/render", h.Render)
		r.Post("/build", h.PostBuild)
		r.Post("/build/force", h.PostForceRebuild)

		r.Get("/artifacts/{jobId}/content", h.StreamArtifact)
	})

	return r
}
