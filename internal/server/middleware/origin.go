package middleware

import (
	"log/slog"
	"net/http"
	"net/url"
)

// NewOriginCheck rejects handshakes from browser origins outside the
// allow-list. An empty list admits everything, which is the dev default.
func NewOriginCheck(logger *slog.Logger, allowed []string) Middleware {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		allowedSet[origin] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(allowedSet) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			origin := r.Header.Get("Origin")
			if origin == "" {
				// Non-browser clients send no Origin header.
				next.ServeHTTP(w, r)
				return
			}

			host := origin
			if u, err := url.Parse(origin); err == nil && u.Host != "" {
				host = u.Host
			}
			if _, ok := allowedSet[host]; !ok {
				logger.Warn("handshake from disallowed origin", slog.String("origin", origin))
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
