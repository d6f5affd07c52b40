// Package health reports dependency status for the API.
package health

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/astrid-app/astrid/internal/platform/httpx"
)

// checkTimeout bounds each dependency probe so a hung dependency cannot
// stall the endpoint.
const checkTimeout = 2 * time.Second

var errNotConfigured = errors.New("health: dependency not configured")

const (
	statusHealthy  = "healthy"
	statusDegraded = "degraded"

	depConnected    = "connected"
	depDisconnected = "disconnected"
)

// DBPinger is the slice of the pgx pool the handler needs.
type DBPinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the readiness report. It reports dependency state but never
// gates on it: the endpoint answers 200 even when everything is down.
type Handler struct {
	logger *slog.Logger
	db     DBPinger
	cache  *redis.Client
	now    func() time.Time
}

// NewHandler constructs the health handler.
func NewHandler(logger *slog.Logger, db DBPinger, cache *redis.Client) *Handler {
	return &Handler{logger: logger, db: db, cache: cache, now: time.Now}
}

// WithNow overrides the handler clock for testing.
func (h *Handler) WithNow(fn func() time.Time) {
	if fn != nil {
		h.now = fn
	}
}

// MountRoutes registers the health route.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.handleHealth)
}

type report struct {
	Status       string            `json:"status"`
	Dependencies map[string]string `json:"dependencies"`
	Timestamp    string            `json:"timestamp"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	out := report{
		Status: statusHealthy,
		Dependencies: map[string]string{
			"database": depConnected,
			"redis":    depConnected,
		},
		Timestamp: h.now().UTC().Format(time.RFC3339),
	}

	if err := h.pingDB(r.Context()); err != nil {
		h.logger.Warn("health: database check failed", slog.Any("error", err))
		out.Status = statusDegraded
		out.Dependencies["database"] = depDisconnected
	}
	if err := h.pingCache(r.Context()); err != nil {
		h.logger.Warn("health: redis check failed", slog.Any("error", err))
		out.Status = statusDegraded
		out.Dependencies["redis"] = depDisconnected
	}

	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) pingDB(ctx context.Context) error {
	if h.db == nil {
		return errNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	return h.db.Ping(ctx)
}

func (h *Handler) pingCache(ctx context.Context) error {
	if h.cache == nil {
		return errNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	return h.cache.Ping(ctx).Err()
}
