package store

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// isConflictError reports SQLite concurrency errors (SQLITE_BUSY or
// "database is locked") that warrant a retry.
func isConflictError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// withRetry runs op up to attempts times with exponential backoff while it
// keeps failing with a conflict error.
func withRetry(ctx context.Context, name string, attempts int, baseDelay time.Duration, op func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = op()
		if err == nil || !isConflictError(err) || i == attempts-1 {
			return err
		}
		delay := baseDelay * time.Duration(1<<i)
		slog.Debug("store write conflicted, retrying", "op", name, "attempt", i+1, "delay", delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
