package metadata

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"parcelflow/pkg/requestcontext"
)

// Resolver determines the client IP of a request. Forwarding headers are only
// honoured when the socket peer is a trusted proxy, otherwise any client could
// pick its own rate limit bucket by sending X-Forwarded-For.
type Resolver struct {
	trusted []netip.Prefix
}

// NewResolver parses trustedProxies, each an IP or CIDR.
func NewResolver(trustedProxies []string) (*Resolver, error) {
	prefixes := make([]netip.Prefix, 0, len(trustedProxies))
	for _, raw := range trustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if prefix, err := netip.ParsePrefix(raw); err == nil {
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return &Resolver{trusted: prefixes}, nil
}

// ClientIP extracts the real client IP. With a trusted peer, X-Forwarded-For is
// walked right to left and the first untrusted hop wins; X-Real-IP is the next
// choice. Returns "" only when the request carries no address at all.
func (res *Resolver) ClientIP(r *http.Request) string {
	remote := RemoteIP(r)
	if res == nil || !res.isTrusted(remote) {
		return remote
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if _, err := netip.ParseAddr(hop); err != nil {
				continue
			}
			if !res.isTrusted(hop) {
				return hop
			}
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		if _, err := netip.ParseAddr(xri); err == nil {
			return xri
		}
	}

	return remote
}

func (res *Resolver) isTrusted(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range res.trusted {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// RemoteIP returns the host part of r.RemoteAddr, or the raw value when it
// carries no port.
func RemoteIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if addr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return strings.Trim(addr, "[]")
	}
	return host
}

// ClientMetadata resolves the client IP and User-Agent and adds them to the
// context for use by the rate limiter and handlers.
// This middleware should be applied early in the chain.
func ClientMetadata(resolver *Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := requestcontext.WithClientMetadata(r.Context(), resolver.ClientIP(r), r.Header.Get("User-Agent"))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
