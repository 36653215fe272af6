package testutil

import (
	"net/http"

	"parcelflow/pkg/requestcontext"
)

// WithUserID marks the request as authenticated, the way the auth middleware does.
// An empty userID leaves the request anonymous.
func WithUserID(req *http.Request, userID string) *http.Request {
	if userID == "" {
		return req
	}
	return req.WithContext(requestcontext.WithUserID(req.Context(), userID))
}

// WithClientIP sets the resolved client IP as the metadata middleware would.
func WithClientIP(req *http.Request, ip string) *http.Request {
	ctx := requestcontext.WithClientMetadata(req.Context(), ip, req.UserAgent())
	return req.WithContext(ctx)
}
