package httptransport

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	ratelimithandler "parcelflow/internal/ratelimit/handler"
	ratelimit "parcelflow/internal/ratelimit/middleware"
	"parcelflow/internal/ratelimit/policy"
	"parcelflow/pkg/platform/httputil"
	adminmw "parcelflow/pkg/platform/middleware/admin"
	authmw "parcelflow/pkg/platform/middleware/auth"
	"parcelflow/pkg/platform/middleware/metadata"
	request "parcelflow/pkg/platform/middleware/request"
	"parcelflow/pkg/platform/middleware/requesttime"
)

// HealthFunc reports whether a backing dependency is reachable.
type HealthFunc func(ctx context.Context) error

// Deps carries everything the router wires. Admin, Metrics and Health are optional.
type Deps struct {
	Logger     *slog.Logger
	Limiter    *ratelimit.Middleware
	Policies   *policy.Registry
	JWT        authmw.JWTValidator
	Resolver   *metadata.Resolver
	AdminToken string
	Admin      *ratelimithandler.Handler
	Metrics    http.Handler
	Health     HealthFunc
}

// Handler is the thin HTTP layer. Business endpoints are stubs; the router's
// job is to attach the right rate limit policies to each route.
type Handler struct {
	logger *slog.Logger
}

func NewHandler(logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger}
}

// NewRouter wires all public endpoints. Policies are attached with With/Group
// so chi has resolved the full route pattern by the time the limiter runs.
func NewRouter(h *Handler, deps Deps) http.Handler {
	limit := func(name string) func(http.Handler) http.Handler {
		return deps.Limiter.Limit(deps.Policies.MustGet(name))
	}

	r := chi.NewRouter()
	r.Use(request.RequestID)
	r.Use(requesttime.Middleware)
	r.Use(metadata.ClientMetadata(deps.Resolver))

	r.Get("/healthz", h.handleHealth(deps.Health))
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	if deps.Admin != nil {
		r.Group(func(r chi.Router) {
			r.Use(adminmw.RequireAdminToken(deps.AdminToken, deps.Logger))
			deps.Admin.RegisterAdmin(r)
		})
	}

	r.Group(func(r chi.Router) {
		r.Use(limit(policy.General))

		r.Group(func(r chi.Router) {
			r.Use(authmw.OptionalAuth(deps.JWT, deps.Logger))

			r.With(limit(policy.Auth)).Post("/api/auth/login", h.handleLogin)
			r.With(limit(policy.Auth)).Post("/api/auth/register", h.handleRegister)

			r.With(limit(policy.BookingCreate)).Post("/api/bookings", h.handleCreateBooking)
			r.Get("/api/bookings", h.handleListBookings)
			r.Get("/api/bookings/{id}", h.handleGetBooking)
			r.Patch("/api/bookings/{id}", h.handleUpdateBooking)

			r.Group(func(r chi.Router) {
				r.Use(limit(policy.Address))
				r.Get("/api/addresses", h.handleListAddresses)
				r.Post("/api/addresses", h.handleCreateAddress)
				r.Get("/api/addresses/{id}", h.handleGetAddress)
				r.Put("/api/addresses/{id}", h.handleUpdateAddress)
				r.Delete("/api/addresses/{id}", h.handleDeleteAddress)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(authmw.RequireAuth(deps.JWT, deps.Logger))
			for _, resource := range []string{"drivers", "customers", "invoices"} {
				base := "/api/" + resource
				r.Get(base, h.stub(base))
				r.Post(base, h.stub(base))
				r.Get(base+"/{id}", h.stub(base+"/{id}"))
				r.Patch(base+"/{id}", h.stub(base+"/{id}"))
			}
		})
	})

	return r
}

func (h *Handler) handleHealth(check HealthFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			if err := check(r.Context()); err != nil {
				h.logger.WarnContext(r.Context(), "health check failed", "error", err)
				httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	h.notImplemented(w, "/api/auth/login")
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	h.notImplemented(w, "/api/auth/register")
}

func (h *Handler) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	h.notImplemented(w, "/api/bookings")
}

func (h *Handler) handleListBookings(w http.ResponseWriter, r *http.Request) {
	h.notImplemented(w, "/api/bookings")
}

func (h *Handler) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	h.notImplemented(w, "/api/bookings/{id}")
}

func (h *Handler) handleUpdateBooking(w http.ResponseWriter, r *http.Request) {
	h.notImplemented(w, "/api/bookings/{id}")
}

func (h *Handler) handleListAddresses(w http.ResponseWriter, r *http.Request) {
	h.notImplemented(w, "/api/addresses")
}

func (h *Handler) handleCreateAddress(w http.ResponseWriter, r *http.Request) {
	h.notImplemented(w, "/api/addresses")
}

func (h *Handler) handleGetAddress(w http.ResponseWriter, r *http.Request) {
	h.notImplemented(w, "/api/addresses/{id}")
}

func (h *Handler) handleUpdateAddress(w http.ResponseWriter, r *http.Request) {
	h.notImplemented(w, "/api/addresses/{id}")
}

func (h *Handler) handleDeleteAddress(w http.ResponseWriter, r *http.Request) {
	h.notImplemented(w, "/api/addresses/{id}")
}

func (h *Handler) stub(endpoint string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.notImplemented(w, endpoint)
	}
}

func (h *Handler) notImplemented(w http.ResponseWriter, endpoint string) {
	httputil.WriteJSON(w, http.StatusNotImplemented, map[string]string{
		"message":  "not implemented",
		"endpoint": endpoint,
	})
}
