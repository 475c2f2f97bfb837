package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// buildRouter mounts everything under /api/v1. Only /health, /metrics
// and /ws are reachable without a bearer token; /ws checks its ticket
// itself.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(
		s.requestIDMiddleware,
		s.loggingMiddleware,
		s.recoveryMiddleware,
		middleware.CleanPath,
		s.bodySizeLimitMiddleware,
	)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(w, "no such endpoint")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllow, "method not allowed")
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)
		r.Get("/ws", s.handleWebSocket)

		r.With(s.authMiddleware).Group(func(r chi.Router) {
			r.Post("/auth/ws-ticket", s.handleWSTicket)
			r.Get("/status", s.handleStatus)
			r.Post("/publish", s.handlePublish)

			r.Get("/subscriptions", s.handleListSubscriptions)
			r.Post("/subscriptions", s.handleSubscribe)
			r.Delete("/subscriptions", s.handleUnsubscribe)

			r.Get("/deliveries", s.handleListDeliveries)
			r.Get("/deliveries/{id}", s.handleGetDelivery)

			r.Get("/messages", s.handleListMessages)
		})
	})

	return r
}
