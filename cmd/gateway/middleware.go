package main

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/clearportx/amm-gateway/internal/auth"
	"github.com/clearportx/amm-gateway/internal/httputil"
	"github.com/clearportx/amm-gateway/internal/logging"
)

// =============================================================================
// Middleware
// =============================================================================

func corsMiddleware(allowedOrigins []string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && isOriginAllowed(origin, allowedOrigins) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Correlation-ID")
			} else if origin != "" {
				if r.Method == http.MethodOptions {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				http.Error(w, "CORS origin not allowed", http.StatusForbidden)
				return
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// correlationMiddleware tags every request with a correlation id, reusing the
// caller's when one is supplied.
func correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Correlation-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Correlation-ID", id)
		ctx := logging.WithCorrelationID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authMiddleware validates the bearer credential on mutating endpoints. The
// health, metrics, and the no-auth test endpoint stay open.
func authMiddleware(secret string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" || !authRequired(r) {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				httputil.WriteError(w, http.StatusUnauthorized, "unauthorized", "missing bearer credential")
				return
			}

			subject, err := auth.ValidateBearer(strings.TrimPrefix(header, "Bearer "), secret)
			if err != nil {
				httputil.WriteError(w, http.StatusUnauthorized, "unauthorized", "invalid bearer credential")
				return
			}

			r.Header.Set("X-Subject", subject)
			next.ServeHTTP(w, r)
		})
	}
}

func authRequired(r *http.Request) bool {
	switch {
	case r.URL.Path == "/healthz",
		r.URL.Path == "/metrics",
		strings.HasPrefix(r.URL.Path, "/api/test/"):
		return false
	}
	return true
}

func isOriginAllowed(origin string, allowed []string) bool {
	if len(allowed) == 0 {
		allowed = []string{"http://localhost:3000", "http://localhost:5173"}
	}
	for _, candidate := range allowed {
		if c := strings.TrimSpace(candidate); c != "" && c == origin {
			return true
		}
	}
	return false
}
