package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ashureev/chatbridge/internal/domain"
)

// MemoryStore is a process-local Repository used when durable storage is unavailable.
type MemoryStore struct {
	mu        sync.Mutex
	sessionID string
	abandoned map[string]time.Time
	snapshot  []byte
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *MemoryStore {
	return &MemoryStore{abandoned: make(map[string]time.Time)}
}

// GetSessionID returns the stored session id.
func (m *MemoryStore) GetSessionID(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID, nil
}

// SetSessionID stores the session id.
func (m *MemoryStore) SetSessionID(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionID = id
	return nil
}

// AbandonSession records id as abandoned.
func (m *MemoryStore) AbandonSession(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.abandoned[id]; !ok {
		m.abandoned[id] = at
	}
	return nil
}

// IsAbandoned reports whether id was abandoned.
func (m *MemoryStore) IsAbandoned(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.abandoned[id]
	return ok, nil
}

// LoadSnapshot returns a copy of the stored snapshot.
func (m *MemoryStore) LoadSnapshot(_ context.Context) (*domain.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapshot == nil {
		return nil, nil
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(m.snapshot, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// SaveSnapshot stores a copy of snap.
func (m *MemoryStore) SaveSnapshot(_ context.Context, snap *domain.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot = data
	return nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

var _ Repository = (*MemoryStore)(nil)
