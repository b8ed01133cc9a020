// Package identity owns the durable session identifier.
package identity

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/ashureev/chatbridge/internal/store"
	"github.com/google/uuid"
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// Session hands out the durable session id. Storage failures are never
// returned to callers; the id degrades to process-local instead.
type Session struct {
	repo   store.Repository
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	current  string
	degraded bool
}

// New creates a Session backed by repo. A nil repo yields a process-local id.
func New(repo store.Repository, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{repo: repo, logger: logger, now: time.Now}
}

func generateID() string {
	return uuid.NewString()
}

func isValidID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// Ensure returns the durable id, creating and persisting one if none exists.
// Repeated calls return the same id until Reset.
func (s *Session) Ensure(ctx context.Context) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != "" {
		return s.current
	}

	if s.repo != nil {
		id, err := s.repo.GetSessionID(ctx)
		switch {
		case err != nil:
			s.degrade("read session id", err)
		case isValidID(id):
			if !s.abandoned(ctx, id) {
				s.current = id
				return id
			}
			s.logger.Info("stored session id was abandoned, minting a new one", "session_id", id)
		case id != "":
			s.logger.Warn("discarding malformed stored session id", "session_id", id)
		}
	}

	s.current = generateID()
	s.persist(ctx, s.current)
	return s.current
}

// Reset replaces the id with a fresh one and marks the previous id abandoned.
func (s *Session) Reset(ctx context.Context) (newID, oldID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldID = s.current
	newID = generateID()
	s.current = newID

	if s.repo != nil && oldID != "" {
		if err := s.repo.AbandonSession(ctx, oldID, s.now()); err != nil {
			s.degrade("abandon session id", err)
		}
	}
	s.persist(ctx, newID)

	s.logger.Info("session id reset", "session_id", newID, "previous_session_id", oldID)
	return newID, oldID
}

// Degraded reports whether the id is process-local because storage failed.
func (s *Session) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// abandoned reports whether Reset retired id. A failed lookup keeps the id.
func (s *Session) abandoned(ctx context.Context, id string) bool {
	gone, err := s.repo.IsAbandoned(ctx, id)
	if err != nil {
		s.degrade("check abandoned session id", err)
		return false
	}
	return gone
}

func (s *Session) persist(ctx context.Context, id string) {
	if s.repo == nil {
		s.degraded = true
		return
	}
	if err := s.repo.SetSessionID(ctx, id); err != nil {
		s.degrade("persist session id", err)
	}
}

func (s *Session) degrade(op string, err error) {
	s.degraded = true
	s.logger.Warn("session storage unavailable, using process-local id", "op", op, "error", err)
}

// IPFromRequest returns a normalized remote IP for rate limiting and tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
