// Package network tracks host connectivity transitions.
package network

import (
	"log/slog"
)

// User-facing notices for connectivity transitions.
const (
	NoticeOffline  = "Network connection lost. Messages may not be delivered until connection is restored."
	NoticeRestored = "Network connection restored. Reconnecting..."
)

// Listener reacts to connectivity transitions.
type Listener interface {
	WentOffline()
	CameOnline()
}

// Monitor holds the current connectivity state. It is not safe for
// concurrent use; call it from the event loop.
type Monitor struct {
	online   bool
	listener Listener
	logger   *slog.Logger
}

// NewMonitor creates a monitor starting in the given state.
func NewMonitor(online bool, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{online: online, logger: logger}
}

// Bind sets the listener notified on transitions.
func (m *Monitor) Bind(l Listener) {
	m.listener = l
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	return m.online
}

// Set records a connectivity signal and reports whether it was a transition.
// Repeated signals of the same state are ignored.
func (m *Monitor) Set(online bool) bool {
	if m.online == online {
		return false
	}
	m.online = online
	if online {
		m.logger.Info("network connection restored")
	} else {
		m.logger.Warn("network connection lost")
	}
	if m.listener == nil {
		return true
	}
	if online {
		m.listener.CameOnline()
	} else {
		m.listener.WentOffline()
	}
	return true
}
