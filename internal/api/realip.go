package api

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// trustedRealIP rewrites RemoteAddr from X-Forwarded-For or X-Real-IP, but
// only when the socket peer is one of trusted. With no trusted prefixes the
// headers are ignored.
func trustedRealIP(trusted []netip.Prefix) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(trusted) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ip, ok := forwardedClientIP(r, trusted); ok {
				r.RemoteAddr = ip.String()
			}
			next.ServeHTTP(w, r)
		})
	}
}

// forwardedClientIP walks X-Forwarded-For from the right and returns the
// first hop that is not a trusted proxy. Entries left of it were written by
// the client and are not believed.
func forwardedClientIP(r *http.Request, trusted []netip.Prefix) (netip.Addr, bool) {
	peer, ok := parseAddr(clientIP(r))
	if !ok || !isTrusted(peer, trusted) {
		return netip.Addr{}, false
	}

	if xff := r.Header.Values("X-Forwarded-For"); len(xff) > 0 {
		hops := strings.Split(strings.Join(xff, ","), ",")
		var leftmost netip.Addr
		for i := len(hops) - 1; i >= 0; i-- {
			hop, ok := parseAddr(hops[i])
			if !ok {
				return netip.Addr{}, false
			}
			if !isTrusted(hop, trusted) {
				return hop, true
			}
			leftmost = hop
		}
		return leftmost, leftmost.IsValid()
	}
	if hop, ok := parseAddr(r.Header.Get("X-Real-IP")); ok {
		return hop, true
	}
	return netip.Addr{}, false
}

func parseAddr(s string) (netip.Addr, bool) {
	s = strings.TrimSpace(s)
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

func isTrusted(addr netip.Addr, trusted []netip.Prefix) bool {
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
