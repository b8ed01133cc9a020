package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name       string
		allowed    []string
		origin     string
		wantOrigin string
		wantCreds  bool
		method     string
		wantStatus int
	}{
		{name: "explicit origin", allowed: AllowedOrigins("https://chat.example.com"), origin: "https://chat.example.com", wantOrigin: "https://chat.example.com", wantCreds: true, method: http.MethodGet, wantStatus: http.StatusNoContent},
		{name: "foreign origin", allowed: AllowedOrigins("https://chat.example.com"), origin: "https://evil.example.com", method: http.MethodGet, wantStatus: http.StatusNoContent},
		{name: "wildcard echo without credentials", allowed: AllowedOrigins(""), origin: "http://localhost:3000", wantOrigin: "http://localhost:3000", method: http.MethodGet, wantStatus: http.StatusNoContent},
		{name: "preflight", allowed: AllowedOrigins(""), origin: "http://localhost:3000", wantOrigin: "http://localhost:3000", method: http.MethodOptions, wantStatus: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/state", nil)
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()

			CORS(tt.allowed)(okHandler()).ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantOrigin, w.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tt.wantCreds, w.Header().Get("Access-Control-Allow-Credentials") == "true")
		})
	}
}

func TestRateLimiterPerClient(t *testing.T) {
	byRemoteAddr := func(r *http.Request) string { return r.RemoteAddr }
	l := NewRateLimiter(0.001, 2, byRemoteAddr)
	h := l.Handler(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})(okHandler())

	send := func(addr string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/messages", nil)
		req.RemoteAddr = addr
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusNoContent, send("10.0.0.1:1000"))
	assert.Equal(t, http.StatusNoContent, send("10.0.0.1:1000"))
	assert.Equal(t, http.StatusTooManyRequests, send("10.0.0.1:1000"))
	assert.Equal(t, http.StatusNoContent, send("10.0.0.2:1000"), "limits are per client")
	assert.Equal(t, 2, l.Len())

	l.prune(time.Now().Add(staleClientAfter + time.Second))
	assert.Zero(t, l.Len())
}
