// Package httpapi exposes the inventory service over JSON/HTTP under /api/v1.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stockroom/internal/archive"
	"stockroom/internal/core"
)

const maxBodyBytes = 1 << 20

// Options wires optional collaborators into the router.
type Options struct {
	Logger *slog.Logger
	// Archives enables the archive endpoints when set.
	Archives *archive.Exporter
	// Auth enables bearer token authentication on /api/v1 when set.
	Auth *Authenticator
	// Registerer and Gatherer default to the prometheus globals.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// Handler serves the inventory API.
type Handler struct {
	svc      *core.Service
	archives *archive.Exporter
	logger   *slog.Logger
}

// NewRouter builds the HTTP handler tree.
func NewRouter(svc *core.Service, opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	h := &Handler{svc: svc, archives: opts.Archives, logger: logger}
	metrics := newHTTPMetrics(reg)

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(recoverMiddleware(logger))
	r.Use(loggingMiddleware(logger))
	r.Use(metrics.middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", h.ready)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		if opts.Auth != nil {
			r.Use(opts.Auth.Middleware)
		}
		r.Get("/categories", h.listCategories)
		r.Get("/roots", h.listRoots)
		r.Get("/history", h.globalHistory)

		r.Post("/identities", h.register)
		r.Get("/identities/lookup", h.lookup)
		r.Route("/identities/{id}", func(r chi.Router) {
			r.Get("/", h.getIdentity)
			r.Get("/tag", h.resolveTag)
			r.Get("/chain", h.chain)
			r.Get("/children", h.listChildren)
			r.Get("/history", h.identityHistory)
			if h.archives != nil {
				r.Post("/archives", h.exportArchive)
				r.Get("/archives", h.listArchives)
			}
		})

		r.Post("/move", h.move)
		r.Post("/split", h.split)
		r.Post("/merge", h.merge)
		r.Post("/retire", h.retire)
	})
	return r
}

func (h *Handler) ready(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Store().Ping(r.Context()); err != nil {
		h.logger.Warn("readiness check failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "Unavailable", "storage is not reachable", "try again later")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
