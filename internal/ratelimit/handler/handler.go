// Package handler exposes admin endpoints for inspecting and clearing
// rate limit counters.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"parcelflow/internal/ratelimit/models"
	"parcelflow/internal/ratelimit/observability"
	"parcelflow/pkg/platform/httputil"
	"parcelflow/pkg/platform/middleware/request"
	"parcelflow/pkg/platform/privacy"
)

// CounterAdmin is the subset of the counter store the admin API needs.
type CounterAdmin interface {
	Peek(ctx context.Context, identifier, endpoint string) (*models.CounterState, error)
	Reset(ctx context.Context, identifier, endpoint string) error
}

type Handler struct {
	counters CounterAdmin
	logger   *slog.Logger
	now      func() time.Time
}

func New(counters CounterAdmin, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{counters: counters, logger: logger, now: time.Now}
}

// RegisterAdmin mounts the counter routes. Callers wrap r with admin auth.
func (h *Handler) RegisterAdmin(r chi.Router) {
	r.Get("/admin/rate-limits", h.HandleGetCounter)
	r.Delete("/admin/rate-limits", h.HandleResetCounter)
}

// HandleGetCounter returns the live state of one counter without counting.
func (h *Handler) HandleGetCounter(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query, ok := h.parseQuery(w, r)
	if !ok {
		return
	}

	state, err := h.counters.Peek(ctx, query.Identifier, query.Endpoint)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to read rate limit counter",
			"request_id", request.GetRequestID(ctx),
			"endpoint", query.Endpoint,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, models.NewCounterStateResponse(state, h.now()))
}

// HandleResetCounter deletes one counter so the identifier starts a fresh window.
func (h *Handler) HandleResetCounter(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query, ok := h.parseQuery(w, r)
	if !ok {
		return
	}

	if err := h.counters.Reset(ctx, query.Identifier, query.Endpoint); err != nil {
		h.logger.ErrorContext(ctx, "failed to reset rate limit counter",
			"request_id", request.GetRequestID(ctx),
			"endpoint", query.Endpoint,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	observability.LogAudit(ctx, h.logger, observability.EventCounterReset,
		"identifier_hash", privacy.HashIdentifier(query.Identifier),
		"endpoint", query.Endpoint,
	)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) parseQuery(w http.ResponseWriter, r *http.Request) (*models.CounterQuery, bool) {
	query := &models.CounterQuery{
		Identifier: r.URL.Query().Get("identifier"),
		Endpoint:   r.URL.Query().Get("endpoint"),
	}
	query.Normalize()
	if err := query.Validate(); err != nil {
		h.logger.WarnContext(r.Context(), "invalid rate limit counter query",
			"request_id", request.GetRequestID(r.Context()),
			"error", err,
		)
		httputil.WriteError(w, err)
		return nil, false
	}
	return query, true
}
