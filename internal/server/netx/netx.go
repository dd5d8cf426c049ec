// Package netx holds request inspection helpers shared by the middleware packages.
package netx

import (
	"net/http"
	"strings"
)

// UnknownClient is returned by ClientID when no client address can be determined.
const UnknownClient = "unknown"

// ClientID resolves the client identity used for throttling: the first
// X-Forwarded-For entry, then X-Real-IP, then "unknown". When trustProxy is
// false the proxy headers are ignored and the remote address is used.
func ClientID(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
		if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); real != "" {
			return real
		}
		return UnknownClient
	}

	if r.RemoteAddr == "" {
		return UnknownClient
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 && !strings.HasSuffix(host, "]") {
		host = host[:i]
	}
	return strings.Trim(host, "[]")
}

// IsHTTPS reports whether the request reached us over TLS, directly or
// through a proxy that set X-Forwarded-Proto.
func IsHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	proto, _, _ := strings.Cut(r.Header.Get("X-Forwarded-Proto"), ",")
	return strings.EqualFold(strings.TrimSpace(proto), "https")
}
