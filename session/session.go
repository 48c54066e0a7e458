// Package session tracks per-connection streaming state.
package session

import (
	"context"
	"sync"
)

// Session is the in-memory state of one connection. It is created on connect
// and discarded on disconnect.
type Session struct {
	ConnectionID string

	mu                   sync.Mutex
	activeConversationID int64
	cancel               context.CancelFunc // non-nil while a turn runs
	finished             chan struct{}      // closed when the running turn ends
	turn                 uint64
}

func newSession(connID string) *Session {
	return &Session{ConnectionID: connID}
}

// ActiveConversation returns the conversation bound by the latest turn.
func (s *Session) ActiveConversation() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeConversationID, s.activeConversationID != 0
}

// Bind sets the active conversation.
func (s *Session) Bind(conversationID int64) {
	s.mu.Lock()
	s.activeConversationID = conversationID
	s.mu.Unlock()
}

// Unbind clears the active conversation if it is conversationID.
func (s *Session) Unbind(conversationID int64) {
	s.mu.Lock()
	if s.activeConversationID == conversationID {
		s.activeConversationID = 0
	}
	s.mu.Unlock()
}

// BeginTurn acquires the turn lock. It returns ok=false if a turn is already
// running. The returned done func must be called when the turn ends.
func (s *Session) BeginTurn(parent context.Context) (ctx context.Context, done func(), ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return nil, nil, false
	}

	ctx, cancel := context.WithCancel(parent)
	s.turn++
	turn := s.turn
	s.cancel = cancel
	finished := make(chan struct{})
	s.finished = finished

	var once sync.Once
	done = func() {
		once.Do(func() {
			s.mu.Lock()
			if s.turn == turn {
				s.cancel = nil
				s.finished = nil
			}
			s.mu.Unlock()
			cancel()
			close(finished)
		})
	}
	return ctx, done, true
}

// Stop cancels the running turn. Returns false if no turn is running.
// The turn lock is held until the turn's done func runs.
func (s *Session) Stop() bool {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// StopAndWait cancels the running turn and blocks until it has ended or ctx
// is done. Returns false if no turn is running.
func (s *Session) StopAndWait(ctx context.Context) bool {
	s.mu.Lock()
	cancel, finished := s.cancel, s.finished
	s.mu.Unlock()

	if cancel == nil {
		return false
	}
	cancel()
	select {
	case <-finished:
	case <-ctx.Done():
	}
	return true
}

// Busy reports whether a turn is running.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}
