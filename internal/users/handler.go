package users

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/astrid-app/astrid/internal/authn"
	"github.com/astrid-app/astrid/internal/platform/httpx"
	"github.com/astrid-app/astrid/internal/shared"
)

// Auditor records account lifecycle events. Recording is best effort; a
// failed write never fails the request that triggered it.
type Auditor interface {
	Record(ctx context.Context, ev shared.AuditEvent) error
}

// Handler exposes the user account endpoints. Every route requires a
// verified bearer credential; the subject always comes from the token.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	audit     Auditor
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, audit Auditor) *Handler {
	return &Handler{logger: logger, service: service, audit: audit, validator: validator.New()}
}

// MountRoutes registers user routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/sync", h.handleSync)
	r.Route("/me", func(r chi.Router) {
		r.Get("/", h.handleGetMe)
		r.Put("/", h.handleUpdateMe)
		r.Delete("/", h.handleDeleteMe)
	})
}

type syncRequest struct {
	Email       *string `json:"email" validate:"omitempty,email,max=254"`
	DisplayName *string `json:"display_name" validate:"omitempty,max=100"`
}

type syncResponse struct {
	User    *User `json:"user"`
	Created bool  `json:"created"`
}

func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	claims, ok := authn.ClaimsFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing verified credential")
		return
	}

	// The body is optional; its fields override the token claims when set.
	var req syncRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "request body must be valid JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	identity := IdentityFromClaims(claims)
	if req.Email != nil {
		identity.Email = req.Email
	}
	if req.DisplayName != nil {
		identity.DisplayName = req.DisplayName
	}

	user, created, err := h.service.Sync(r.Context(), identity)
	if err != nil {
		h.respondError(w, "sync user", err)
		return
	}

	action := "user.updated"
	if created {
		action = "user.created"
	}
	h.recordAudit(r.Context(), user.Subject, action, nil)

	httpx.JSON(w, http.StatusOK, syncResponse{User: user, Created: created})
}

func (h *Handler) handleGetMe(w http.ResponseWriter, r *http.Request) {
	claims, ok := authn.ClaimsFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing verified credential")
		return
	}
	user, err := h.service.Get(r.Context(), claims.Subject)
	if err != nil {
		h.respondError(w, "get profile", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"user": user})
}

type profileRequest struct {
	DisplayName   *string        `json:"display_name" validate:"omitempty,max=100"`
	Preferences   map[string]any `json:"preferences"`
	BirthDate     *string        `json:"birth_date" validate:"omitempty,max=64"`
	BirthTime     *string        `json:"birth_time" validate:"omitempty,max=64"`
	BirthLocation *string        `json:"birth_location" validate:"omitempty,max=160"`
}

func (h *Handler) handleUpdateMe(w http.ResponseWriter, r *http.Request) {
	claims, ok := authn.ClaimsFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing verified credential")
		return
	}

	var req profileRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "request body must be valid JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	user, err := h.service.UpdateProfile(r.Context(), claims.Subject, ProfileUpdate{
		DisplayName:   req.DisplayName,
		Preferences:   req.Preferences,
		BirthDate:     req.BirthDate,
		BirthTime:     req.BirthTime,
		BirthLocation: req.BirthLocation,
	})
	if err != nil {
		h.respondError(w, "update profile", err)
		return
	}

	action := "user.updated"
	if req.BirthDate != nil || req.BirthTime != nil || req.BirthLocation != nil {
		action = "user.birthdata_updated"
	}
	h.recordAudit(r.Context(), user.Subject, action, nil)

	httpx.JSON(w, http.StatusOK, map[string]any{"user": user})
}

func (h *Handler) handleDeleteMe(w http.ResponseWriter, r *http.Request) {
	claims, ok := authn.ClaimsFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing verified credential")
		return
	}
	if err := h.service.Deactivate(r.Context(), claims.Subject); err != nil {
		h.respondError(w, "deactivate account", err)
		return
	}
	h.recordAudit(r.Context(), claims.Subject, "user.deactivated", nil)
	httpx.NoContent(w)
}

// respondError translates service failures into problem documents. Anything
// that is not a caller error is an infrastructure failure and maps to 500.
func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, shared.ErrInvalidIdentity):
		httpx.Problem(w, http.StatusBadRequest, "Invalid Identity", "subject is required")
	case errors.Is(err, shared.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", "no account for this subject")
	case errors.Is(err, shared.ErrAccountInactive):
		httpx.Problem(w, http.StatusForbidden, "Account Inactive", "this account has been deactivated")
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func (h *Handler) recordAudit(ctx context.Context, subject, action string, meta map[string]any) {
	if h.audit == nil {
		return
	}
	if err := h.audit.Record(ctx, shared.AuditEvent{Subject: subject, Action: action, Meta: meta}); err != nil {
		h.logger.Warn("record audit event",
			slog.String("action", action), slog.Any("error", err))
	}
}
