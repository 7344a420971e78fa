package tracking

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP returns the originating client address: the first
// X-Forwarded-For entry, then X-Real-IP, then the host of RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}

	return PeerIP(r)
}

// PeerIP returns the host of RemoteAddr, the address of the connection
// itself. Unlike ClientIP it cannot be set by the client through headers.
func PeerIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
