package util

import (
	"net/http"
	"strings"
)

// WithSecurityHeaders sets the headers every JSON and NDJSON response
// carries. X-Forwarded-Proto is only believed from a trusted proxy.
func WithSecurityHeaders(proxies *TrustedProxies) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			// Receipt data is never cacheable.
			h.Set("Cache-Control", "no-store")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("Referrer-Policy", "no-referrer")
			if servedOverHTTPS(r, proxies) {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}
			next.ServeHTTP(w, r)
		})
	}
}

func servedOverHTTPS(r *http.Request, proxies *TrustedProxies) bool {
	if r.TLS != nil {
		return true
	}
	remote, ok := parseRemoteAddr(r.RemoteAddr)
	if !ok || !proxies.Contains(remote) {
		return false
	}
	// The first entry is the scheme the client used.
	proto, _, _ := strings.Cut(r.Header.Get("X-Forwarded-Proto"), ",")
	return strings.EqualFold(strings.TrimSpace(proto), "https")
}
