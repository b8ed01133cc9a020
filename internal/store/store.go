// Package store persists the durable session identifier and the session snapshot.
package store

import (
	"context"
	"time"

	"github.com/ashureev/chatbridge/internal/domain"
)

// Storage keys. The session id lives under its own key so it survives snapshot loss.
const (
	SessionIDKey = "rasaSessionId"
	SnapshotKey  = "chat-storage"
)

// Repository defines the interface for durable chat session state.
type Repository interface {
	// GetSessionID returns the durable session id, or "" if none has been stored.
	GetSessionID(ctx context.Context) (string, error)

	// SetSessionID stores id as the durable session id.
	SetSessionID(ctx context.Context, id string) error

	// AbandonSession records that id was replaced by an explicit new chat.
	AbandonSession(ctx context.Context, id string, at time.Time) error

	// IsAbandoned reports whether id was previously abandoned.
	IsAbandoned(ctx context.Context, id string) (bool, error)

	// LoadSnapshot returns the persisted snapshot, or nil if none exists.
	LoadSnapshot(ctx context.Context) (*domain.Snapshot, error)

	// SaveSnapshot replaces the persisted snapshot.
	SaveSnapshot(ctx context.Context, snap *domain.Snapshot) error

	// Ping verifies storage is reachable.
	Ping(ctx context.Context) error

	// Close releases storage resources.
	Close() error
}
