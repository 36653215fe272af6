// Package privacy reduces request identifiers to forms that are safe to log
// or ship to downstream consumers.
package privacy

import (
	"encoding/hex"
	"net/netip"

	"golang.org/x/crypto/blake2b"
)

// AnonymizeIP truncates an address to its network prefix: /24 for IPv4 and
// /48 for IPv6. Unparseable input is returned as "invalid".
func AnonymizeIP(ip string) string {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "invalid"
	}
	bits := 48
	if addr.Is4() || addr.Is4In6() {
		addr = addr.Unmap()
		bits = 24
	}
	prefix, err := addr.Prefix(bits)
	if err != nil {
		return "invalid"
	}
	return prefix.Addr().String()
}

// HashIdentifier returns a hex BLAKE2b-256 digest of a rate limit identifier
// (email, user id or IP) so events can be correlated without carrying PII.
func HashIdentifier(identifier string) string {
	sum := blake2b.Sum256([]byte(identifier))
	return hex.EncodeToString(sum[:])
}
