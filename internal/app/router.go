package app

import (
	"io/fs"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/astrid-app/astrid/internal/authn"
	"github.com/astrid-app/astrid/internal/health"
	"github.com/astrid-app/astrid/internal/observability"
	"github.com/astrid-app/astrid/internal/users"
	"github.com/astrid-app/astrid/jobs"
	"github.com/astrid-app/astrid/web"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger        *slog.Logger
	Config        *Config
	Authn         authn.Middleware
	UsersHandler  *users.Handler
	HealthHandler *health.Handler
	JobsHandler   *jobs.Handler
	Metrics       *observability.Metrics
}

// NewRouter constructs the chi.Router with astrid defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api", func(r chi.Router) {
		if params.HealthHandler != nil {
			r.Route("/health", params.HealthHandler.MountRoutes)
		}

		// Authenticated product surface, rate limited per client IP.
		// Health stays outside so probes are never throttled.
		r.Group(func(r chi.Router) {
			r.Use(RateLimiter(params.Config))
			if params.Authn != nil {
				r.Use(params.Authn)
			}
			r.Route("/users", params.UsersHandler.MountRoutes)
		})
	})

	if params.JobsHandler != nil {
		r.Route("/jobs", params.JobsHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	docsFS, err := fs.Sub(web.Docs, "docs")
	if err != nil {
		params.Logger.Error("create docs sub filesystem", slog.Any("error", err))
	} else {
		fileServer := http.StripPrefix("/docs/", http.FileServer(http.FS(docsFS)))
		r.Handle("/docs/*", staticCacheHandler(fileServer))
		r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "/docs/", http.StatusMovedPermanently)
		})
	}

	return r
}

// staticCacheHandler wraps a file server with Cache-Control headers so the
// docs assets are cached for an hour.
func staticCacheHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=3600")
		next.ServeHTTP(w, r)
	})
}
