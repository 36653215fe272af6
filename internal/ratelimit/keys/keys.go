// Package keys holds the identifier strategies a policy counts requests under.
package keys

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"net/netip"
	"net/url"
	"strings"

	"parcelflow/pkg/platform/middleware/metadata"
	"parcelflow/pkg/requestcontext"
)

const (
	// Unknown is used when no client address can be determined.
	Unknown = "unknown"

	maxBodyBytes = 64 << 10
	maxEmailLen  = 254
)

// ClientIP is the shared fallback chain: the proxy-aware IP resolved by the
// metadata middleware, then the socket peer, then Unknown.
func ClientIP(r *http.Request) string {
	if ip := requestcontext.ClientIP(r.Context()); ip != "" {
		return canonicalIP(ip)
	}
	if ip := metadata.RemoteIP(r); ip != "" {
		return canonicalIP(ip)
	}
	return Unknown
}

// ByIP keys by bare client IP.
func ByIP(r *http.Request) string {
	return ClientIP(r)
}

// UserOrIP keys by the authenticated user, falling back to the client IP.
func UserOrIP(r *http.Request) string {
	if userID := strings.TrimSpace(requestcontext.UserID(r.Context())); userID != "" {
		return "user:" + userID
	}
	return "ip:" + ClientIP(r)
}

// EmailOrIP keys by the email in a JSON or form body, falling back to the
// client IP. The body is left intact for the handler.
func EmailOrIP(r *http.Request) string {
	if email := normalizeEmail(emailFromBody(r)); email != "" {
		return "email:" + email
	}
	return "ip:" + ClientIP(r)
}

func canonicalIP(raw string) string {
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return raw
	}
	return addr.Unmap().WithZone("").String()
}

func normalizeEmail(raw string) string {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" || len(email) > maxEmailLen || !strings.Contains(email, "@") {
		return ""
	}
	return email
}

type replayBody struct {
	io.Reader
	io.Closer
}

// peekBody reads up to maxBodyBytes and puts them back in front of the rest.
func peekBody(r *http.Request) []byte {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	buf, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	r.Body = replayBody{Reader: io.MultiReader(bytes.NewReader(buf), r.Body), Closer: r.Body}
	if err != nil {
		return nil
	}
	return buf
}

func emailFromBody(r *http.Request) string {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch {
	case mediaType == "application/x-www-form-urlencoded":
		body := peekBody(r)
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return ""
		}
		return values.Get("email")
	case mediaType == "application/json", strings.HasSuffix(mediaType, "+json"), mediaType == "":
		body := peekBody(r)
		if len(bytes.TrimSpace(body)) == 0 {
			return ""
		}
		var payload struct {
			Email any `json:"email"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return ""
		}
		email, _ := payload.Email.(string)
		return email
	default:
		return ""
	}
}
