package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// buildRouter constructs the chi router with all routes and middleware.
// Every route is served at the root and mirrored under /api/v1.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	var limit func(http.Handler) http.Handler
	if s.cfg.RateLimit.Enabled {
		limit = s.rateLimitMiddleware(s.cfg.RateLimit.Read, s.cfg.RateLimit.Write)
	}

	mount := func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		if s.opts.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", s.opts.Metrics.Handler())
		}

		r.Group(func(r chi.Router) {
			if limit != nil {
				r.Use(limit)
			}

			r.Use(limitBody)

			r.Route("/performance/runs", func(r chi.Router) {
				r.Post("/", s.handleStartRun)
				r.Get("/", s.handleListRuns)
				r.Get("/{id}", s.handleGetRun)
				r.Post("/{id}/cancel", s.handleCancelRun)
				r.Get("/{id}/details", s.handleRunDetails)
				r.Get("/{id}/report", s.handleRunReport)
			})

			r.Post("/testcases/from-url", s.handleGenerateTestCases)
			r.Get("/projects/{id}/testcases", s.handleListTestCases)
		})
	}

	r.Group(mount)
	r.Route("/api/v1", mount)

	return r
}

// corsMiddleware returns a CORS handler configured from the server config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods: []string{"GET", "HEAD", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id", "Retry-After"},
		MaxAge:         300,
	}

	origins := s.cfg.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		opts.AllowedOrigins = []string{"*"}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
