package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP resolves the originating client IP for rate limiting and audit
// records. With trustProxy off the connection's RemoteAddr is used as-is.
// With it on, X-Forwarded-For is consulted first, then X-Real-IP; only enable
// this behind a reverse proxy you control, since both headers are
// client-settable on direct connections.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := clientIPFromForwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := validIPOrEmpty(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	return hostFromRemoteAddr(r.RemoteAddr)
}

// clientIPFromForwardedFor picks the client entry out of an X-Forwarded-For
// list. The header reads "client, proxy1, proxy2, ..." with our own trusted
// proxies appended rightmost, so the client sits trustedProxyCount+1 entries
// from the right. Entries left of the trusted ones cannot be believed, which
// is why counting from the right matters in multi-proxy setups.
func clientIPFromForwardedFor(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}

	ips := strings.Split(xff, ",")
	idx := forwardedClientIndex(len(ips), trustedProxyCount)
	return validIPOrEmpty(strings.TrimSpace(ips[idx]))
}

// forwardedClientIndex returns the index of the client entry. A zero
// trustedProxyCount is treated as one proxy; short lists clamp to the
// leftmost entry.
func forwardedClientIndex(numIPs, trustedProxyCount int) int {
	proxies := trustedProxyCount
	if proxies == 0 {
		proxies = 1
	}
	idx := numIPs - proxies - 1
	if idx < 0 {
		return 0
	}
	return idx
}

func validIPOrEmpty(candidate string) string {
	if candidate == "" || net.ParseIP(candidate) == nil {
		return ""
	}
	return candidate
}

func hostFromRemoteAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
