package middleware

import (
	"net/http"
	"path"

	"github.com/go-chi/chi/v5"
)

// endpointKey names the counted endpoint as METHOD:template, e.g.
// "POST:/api/bookings/{id}", so every concrete URL of one route shares a bucket.
// Outside a chi route the cleaned request path is used.
func endpointKey(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return r.Method + ":" + pattern
		}
	}
	p := r.URL.Path
	if p == "" {
		p = "/"
	}
	return r.Method + ":" + path.Clean(p)
}
