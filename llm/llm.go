// Package llm adapts third-party chat-completion APIs into a uniform stream of
// text increments.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// IsValid returns true if the role is one the upstream APIs accept.
func (r Role) IsValid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	default:
		return false
	}
}

// Message is one turn of conversation context sent upstream.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Params holds per-request generation settings.
type Params struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// Provider starts streaming completions.
type Provider interface {
	// Stream issues one upstream request. The returned Stream yields the
	// response as text increments and must be closed by the caller.
	// Cancelling ctx aborts the upstream request.
	Stream(ctx context.Context, messages []Message, params Params) (Stream, error)
}

// Stream is a finite, single-use sequence of text increments.
type Stream interface {
	// Recv returns the next non-empty increment, or io.EOF once the upstream
	// signalled completion. After the first error every call returns it again.
	Recv() (string, error)
	Close() error
}

var ErrNoMessages = errors.New("at least one message is required")

// ValidateMessages checks message schema only; turn ordering is the caller's concern.
func ValidateMessages(messages []Message) error {
	if len(messages) == 0 {
		return ErrNoMessages
	}
	for i, m := range messages {
		if !m.Role.IsValid() {
			return fmt.Errorf("message %d: invalid role %q", i, m.Role)
		}
	}
	return nil
}
