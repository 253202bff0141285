package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/djkubo/admin-hub-sub004/internal/config"
	"github.com/djkubo/admin-hub-sub004/internal/ingest"
	"github.com/djkubo/admin-hub-sub004/internal/store"
	"github.com/djkubo/admin-hub-sub004/internal/sync"
)

type Handler struct {
	cfg         config.ServerConfig
	syncManager *sync.Manager
	store       store.Store
	stager      *ingest.Stager
	staging     map[string]bool
}

// NewHandler wires the HTTP surface. stagingSources lists the sources that
// accept pushed events.
func NewHandler(cfg config.ServerConfig, manager *sync.Manager, s store.Store, stager *ingest.Stager, stagingSources []string) *Handler {
	staging := make(map[string]bool, len(stagingSources))
	for _, src := range stagingSources {
		staging[src] = true
	}
	return &Handler{
		cfg:         cfg,
		syncManager: manager,
		store:       s,
		stager:      stager,
		staging:     staging,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: h.cfg.CorsOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", h.HealthCheck)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.AuthMiddleware)

		r.With(h.triggerRateLimit()).Post("/sync/trigger", h.TriggerSync)
		r.Post("/sync/cancel", h.CancelSync)
		r.Get("/sync/runs", h.ListRuns)
		r.Get("/sync/runs/{id}", h.GetRun)

		r.Get("/conflicts", h.ListConflicts)
		r.Post("/conflicts/{id}/resolve", h.ResolveConflict)

		r.Post("/ingest/csv", h.IngestCSV)
		r.Post("/ingest/{source}", h.IngestEvents)
	})

	return r
}

// triggerRateLimit caps trigger calls per client IP. Continuations arrive
// through the same endpoint in http chain mode, so the limit must stay well
// above one call per batch.
func (h *Handler) triggerRateLimit() func(http.Handler) http.Handler {
	if h.cfg.TriggerRateLimit <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	window := h.cfg.GetTriggerRateWindow()
	if window <= 0 {
		window = time.Minute
	}
	return httprate.LimitByIP(h.cfg.TriggerRateLimit, window)
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
