package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const staleClientAfter = 3 * time.Minute

// RateLimiter is a token bucket per client key.
type RateLimiter struct {
	limit rate.Limit
	burst int
	key   func(*http.Request) string

	mu      sync.Mutex
	clients map[string]*client
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows perSecond requests per client with the given burst.
// key extracts the client identity from a request.
func NewRateLimiter(perSecond float64, burst int, key func(*http.Request) string) *RateLimiter {
	return &RateLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		key:     key,
		clients: make(map[string]*client),
	}
}

// Allow reports whether the client behind r may proceed.
func (l *RateLimiter) Allow(r *http.Request) bool {
	k := l.key(r)

	l.mu.Lock()
	c, ok := l.clients[k]
	if !ok {
		c = &client{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[k] = c
	}
	c.lastSeen = time.Now()
	l.mu.Unlock()

	return c.limiter.Allow()
}

// Handler rejects requests over the limit with 429, using reject to write the response.
func (l *RateLimiter) Handler(reject http.HandlerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(r) {
				reject(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Cleanup drops idle clients every interval until ctx is done.
func (l *RateLimiter) Cleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.prune(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

func (l *RateLimiter) prune(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, c := range l.clients {
		if now.Sub(c.lastSeen) > staleClientAfter {
			delete(l.clients, k)
		}
	}
}

// Len returns the number of tracked clients.
func (l *RateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}
