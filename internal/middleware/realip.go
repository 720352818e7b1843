package middleware

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// TrustedRealIP rewrites RemoteAddr from X-Real-IP or X-Forwarded-For, but only
// when the connecting peer is one of the trusted proxies. Requests from anyone
// else keep their socket address whatever headers they carry.
func TrustedRealIP(trusted []netip.Prefix) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if peer, ok := parseAddr(ClientIP(r)); ok && isTrusted(trusted, peer) {
				if ip := forwardedFor(r, trusted); ip != "" {
					r.RemoteAddr = ip
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// forwardedFor picks the client address a trusted proxy reported. X-Forwarded-For
// is walked from the right so entries appended by our own proxies are skipped and
// anything the client prepended is never reached.
func forwardedFor(r *http.Request, trusted []netip.Prefix) string {
	if ip, ok := parseAddr(r.Header.Get("X-Real-IP")); ok {
		return ip.String()
	}

	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	var last string
	for i := len(hops) - 1; i >= 0; i-- {
		ip, ok := parseAddr(hops[i])
		if !ok {
			// a malformed hop ends the chain we can vouch for
			break
		}
		last = ip.String()
		if !isTrusted(trusted, ip) {
			return last
		}
	}
	return last
}

func parseAddr(s string) (netip.Addr, bool) {
	s = strings.TrimSpace(s)
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	ip, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return ip.Unmap(), true
}

func isTrusted(trusted []netip.Prefix, ip netip.Addr) bool {
	for _, p := range trusted {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}
