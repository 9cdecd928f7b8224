// Package middleware provides HTTP middleware for the stackd control API.
package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
)

// HeaderToken carries the control API's shared token.
const HeaderToken = "X-Stackd-Token"

// =============================================================================
// Token Configuration
// =============================================================================

// TokenConfig holds configuration for the token middleware.
type TokenConfig struct {
	// Token is the shared secret expected in HeaderToken. If empty, every
	// request is let through.
	Token string

	Logger *slog.Logger
}

// =============================================================================
// Token Middleware
// =============================================================================

// TokenMiddleware rejects requests that do not present the shared token.
type TokenMiddleware struct {
	config TokenConfig
}

// NewTokenMiddleware creates a new token middleware with the given config.
func NewTokenMiddleware(cfg TokenConfig) *TokenMiddleware {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &TokenMiddleware{config: cfg}
}

// Handler returns the middleware handler function.
func (m *TokenMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.config.Token != "" {
			got := r.Header.Get(HeaderToken)
			if subtle.ConstantTimeCompare([]byte(got), []byte(m.config.Token)) != 1 {
				m.config.Logger.Warn("invalid control token",
					"remote_addr", r.RemoteAddr,
					"path", r.URL.Path,
				)
				writeJSONError(w, http.StatusForbidden, "invalid control token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
		"code":  "forbidden",
	})
}
