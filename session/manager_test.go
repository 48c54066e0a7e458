package session

import (
	"context"
	"testing"
)

func TestManager_OpenGetClose(t *testing.T) {
	m := NewManager()

	s := m.Open("conn-1")
	if s == nil || s.ConnectionID != "conn-1" {
		t.Fatalf("unexpected session: %+v", s)
	}
	if again := m.Open("conn-1"); again != s {
		t.Error("Open should return the existing session for the same connection")
	}
	if m.Get("conn-1") != s {
		t.Error("Get should return the open session")
	}
	if m.Count() != 1 {
		t.Errorf("expected 1 session, got %d", m.Count())
	}

	m.Close("conn-1")
	if m.Get("conn-1") != nil {
		t.Error("expected session to be removed")
	}
	if m.Count() != 0 {
		t.Errorf("expected 0 sessions, got %d", m.Count())
	}

	// Closing twice is a no-op.
	m.Close("conn-1")
}

func TestManager_CloseCancelsRunningTurn(t *testing.T) {
	m := NewManager()
	s := m.Open("conn-1")

	ctx, done, _ := s.BeginTurn(context.Background())
	defer done()

	m.Close("conn-1")

	if ctx.Err() == nil {
		t.Error("expected turn context to be cancelled on close")
	}
}

func TestManager_Shutdown(t *testing.T) {
	m := NewManager()
	a := m.Open("a")
	m.Open("b")

	ctx, done, _ := a.BeginTurn(context.Background())
	defer done()

	m.Shutdown()

	if ctx.Err() == nil {
		t.Error("expected running turn to be cancelled on shutdown")
	}
	if m.Count() != 0 {
		t.Errorf("expected no sessions after shutdown, got %d", m.Count())
	}
}
