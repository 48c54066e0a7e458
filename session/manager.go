package session

import (
	"log/slog"
	"sync"
)

// Manager tracks the sessions of all live connections.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

// Open registers a session for a new connection.
func (m *Manager) Open(connID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, exists := m.sessions[connID]; exists {
		return sess
	}
	sess := newSession(connID)
	m.sessions[connID] = sess
	slog.Debug("session opened", "connId", connID, "total", len(m.sessions))
	return sess
}

// Get returns the session for connID or nil.
func (m *Manager) Get(connID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[connID]
}

// Count returns the number of open sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) remove(connID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess := m.sessions[connID]
	delete(m.sessions, connID)
	return sess
}

func (m *Manager) removeAll() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := make([]*Session, 0, len(m.sessions))
	for connID, sess := range m.sessions {
		removed = append(removed, sess)
		delete(m.sessions, connID)
	}
	return removed
}

// Close discards the session for connID and cancels its running turn.
func (m *Manager) Close(connID string) {
	sess := m.remove(connID)
	if sess == nil {
		return
	}
	if sess.Stop() {
		slog.Info("turn cancelled on disconnect", "connId", connID)
	}
	slog.Debug("session closed", "connId", connID)
}

// Shutdown cancels every running turn and forgets all sessions.
func (m *Manager) Shutdown() {
	sessions := m.removeAll()
	stopped := 0
	for _, sess := range sessions {
		if sess.Stop() {
			stopped++
		}
	}
	slog.Info("session manager shutdown complete", "sessions", len(sessions), "turnsCancelled", stopped)
}
