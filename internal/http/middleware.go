// Package http carries shared HTTP plumbing: client address resolution
// for proxied deployments and request logging middleware.
package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ExtractClientIP resolves the originating client address. Relays
// usually sit behind a load balancer, so X-Forwarded-For wins over the
// socket address, then X-Real-IP, then RemoteAddr with the port
// stripped.
func ExtractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if before, _, ok := strings.Cut(xff, ","); ok {
			return strings.TrimSpace(before)
		}
		return xff
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	if idx := strings.LastIndex(r.RemoteAddr, ":"); idx != -1 {
		return r.RemoteAddr[:idx]
	}
	return r.RemoteAddr
}

// LoggingMiddleware logs one line per completed request. WebSocket
// upgrades are logged when the connection ends, so their durations span
// the whole session.
func LoggingMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)

			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("client_ip", ExtractClientIP(r)).
				Dur("duration", time.Since(start)).
				Msg("Request handled")
		})
	}
}
