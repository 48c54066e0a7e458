// Package store persists conversations and their messages.
package store

import (
	"context"

	"github.com/streamchat/server/llm"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
	searchLimit      = 100
)

type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, title string) (Conversation, error)
	FindConversation(ctx context.Context, id int64) (Conversation, error)
	ListConversations(ctx context.Context, limit, offset int) ([]Conversation, error)
	SearchConversations(ctx context.Context, query string) ([]Conversation, error)
	// DeleteConversation removes the conversation and its messages.
	// Deleting a missing conversation is not an error.
	DeleteConversation(ctx context.Context, id int64) error
	UpdateConversationTimestamp(ctx context.Context, id int64) error

	// Messages. Inserts and edits bump the conversation's updatedAt.
	CreateMessage(ctx context.Context, conversationID int64, role llm.Role, content string) (Message, error)
	FindMessage(ctx context.Context, id int64) (Message, error)
	UpdateMessage(ctx context.Context, id int64, content string) (Message, error)
	FindMessagesByConversation(ctx context.Context, conversationID int64) ([]Message, error)

	// Change notification
	SetOnChangeListener(listener OnChangeListener)

	Close() error
}

// clampPage normalizes list paging parameters.
func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
