package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/mirrorkv/mirrorkv/internal/admission"
	"github.com/mirrorkv/mirrorkv/internal/conflict"
	"github.com/mirrorkv/mirrorkv/internal/dispatch"
	"github.com/mirrorkv/mirrorkv/internal/realtime"
	"github.com/mirrorkv/mirrorkv/internal/storage"
)

// Server holds dependencies for HTTP handlers.
type Server struct {
	Gate       *admission.Gate
	Dispatcher *dispatch.Dispatcher
	Repo       *storage.Repo
	Conflicts  *conflict.Service
	Socket     *realtime.SocketServer

	// Limiter is the per-caller rate limiter; nil disables it.
	Limiter *RateLimiter

	// CORSOrigin is a comma-separated origin list; empty means "*".
	CORSOrigin      string
	CORSCredentials bool
}

// Routes creates the HTTP router: health and metrics unauthenticated,
// everything else behind the admission gate.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)

	origins := []string{"*"}
	if s.CORSOrigin != "" {
		origins = strings.Split(s.CORSOrigin, ",")
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-User-Id", "X-Instance-Id"},
		AllowCredentials: s.CORSCredentials,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(AdmissionMiddleware(s.Gate))
		r.Use(RateLimitMiddleware(s.Limiter))

		r.Route("/api/v1/sync-storage", func(r chi.Router) {
			// Items
			r.Get("/item/{key}", s.GetItem)
			r.Put("/item/{key}", s.PutItem)
			r.Delete("/item/{key}", s.DeleteItem)
			r.Get("/items", s.ListItems)
			r.Get("/keys", s.ListKeys)
			r.Delete("/clear", s.ClearStorage)

			// Housekeeping
			r.Get("/stats", s.StorageStats)
			r.Get("/export", s.ExportItems)
			r.Post("/import", s.ImportItems)

			// Conflicts
			r.Get("/conflicts/history/{itemId}", s.ConflictHistory)
			r.Get("/conflicts/stats", s.ConflictStats)
			r.Put("/conflicts/resolve/{conflictId}", s.ResolveConflict)
			r.Post("/conflicts/analyze", s.AnalyzeConflict)
			r.Get("/conflicts/strategies", s.ConflictStrategies)
		})

		// Real-time namespace; handshake carries userId/instanceId as
		// query parameters.
		r.Get("/sync", s.Socket.Handle)
	})

	log.Info().Msg("HTTP routes registered")
	return r
}
