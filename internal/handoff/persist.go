package handoff

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/chatbridge/internal/domain"
	"github.com/ashureev/chatbridge/internal/store"
)

const snapshotWriteTimeout = 5 * time.Second

// snapshotWriter persists snapshots off the event loop. Only the latest
// offered snapshot is written.
type snapshotWriter struct {
	repo   store.Repository
	logger *slog.Logger

	mu      sync.Mutex
	pending *domain.Snapshot
	wake    chan struct{}
}

func newSnapshotWriter(repo store.Repository, logger *slog.Logger) *snapshotWriter {
	return &snapshotWriter{repo: repo, logger: logger, wake: make(chan struct{}, 1)}
}

func (w *snapshotWriter) offer(s *domain.Snapshot) {
	w.mu.Lock()
	w.pending = s
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *snapshotWriter) take() *domain.Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.pending
	w.pending = nil
	return s
}

func (w *snapshotWriter) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.write(context.Background())
			return
		case <-w.wake:
			w.write(ctx)
		}
	}
}

func (w *snapshotWriter) write(parent context.Context) {
	s := w.take()
	if s == nil || w.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(parent, snapshotWriteTimeout)
	defer cancel()
	if err := w.repo.SaveSnapshot(ctx, s); err != nil {
		// Persistence failures are developer-facing only.
		w.logger.Warn("persist session snapshot", "error", err, "session_id", s.SessionID)
	}
}
