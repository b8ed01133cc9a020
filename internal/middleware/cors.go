// Package middleware provides HTTP middleware for the chat API.
package middleware

import "net/http"

// AllowedOrigins returns the CORS origins for frontendURL. An empty URL allows any origin.
func AllowedOrigins(frontendURL string) []string {
	if frontendURL == "" {
		return []string{"*"}
	}
	return []string{frontendURL}
}

// CORS returns middleware that handles CORS headers.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed, explicit := false, false
			for _, o := range allowedOrigins {
				if o == origin {
					allowed, explicit = true, true
					break
				}
				if o == "*" {
					allowed = true
				}
			}

			if allowed && origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
				w.Header().Add("Vary", "Origin")
				// Credentials only for explicit origins, never for a wildcard echo.
				if explicit {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
