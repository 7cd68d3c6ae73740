package server

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ternarybob/pastiche/internal/metrics"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(s.loggingMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.recoveryMiddleware)

	r.NotFound(s.app.APIHandler.NotFoundHandler)

	r.Get("/", s.app.APIHandler.IndexHandler)
	r.Get("/health", s.app.APIHandler.HealthHandler)

	// Jobs
	r.Post("/generate", s.app.JobHandler.GenerateHandler)
	r.Post("/stop/{jobId}", s.app.JobHandler.StopHandler)
	r.Get("/jobs/{jobId}", s.app.JobHandler.GetJobHandler)
	r.Get("/outputs/{jobId}", s.app.JobHandler.OutputHandler)

	// Live status relay (WebSocket)
	r.Get("/status/{jobId}", s.app.WSHandler.HandleStatus)

	r.Handle("/metrics", metrics.Handler())

	return r
}
