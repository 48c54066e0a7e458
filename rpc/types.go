// Package rpc defines JSON-RPC 2.0 wire format types for WebSocket communication.
// Every event is a JSON-RPC method of the same name; these types are its params.
package rpc

import (
	"fmt"
	"strings"
	"time"

	"github.com/streamchat/server/llm"
	"github.com/streamchat/server/store"
)

// Client → Server methods
const (
	MethodChatMessage              = "chat:message"
	MethodChatStop                 = "chat:stop"
	MethodMessageEdit              = "message:edit"
	MethodConversationLoad         = "conversation:load"
	MethodConversationsList        = "conversations:list"
	MethodConversationDelete       = "conversation:delete"
	MethodConversationsSearch      = "conversations:search"
	MethodConversationsSubscribe   = "conversations:subscribe"
	MethodConversationsUnsubscribe = "conversations:unsubscribe"
)

// Server → Client events
const (
	EventChatStart               = "chat:start"
	EventConversationCreated     = "conversation:created"
	EventMessageSaved            = "message:saved"
	EventChatToken               = "chat:token"
	EventChatComplete            = "chat:complete"
	EventChatError               = "chat:error"
	EventChatStopped             = "chat:stopped"
	EventMessageEdited           = "message:edited"
	EventConversationLoaded      = "conversation:loaded"
	EventConversationsListed     = "conversations:listed"
	EventConversationDeleted     = "conversation:deleted"
	EventConversationsSearched   = "conversations:searched"
	EventConversationsSubscribed = "conversations:subscribed"
	EventConversationsChanged    = "conversations:changed"
)

const (
	maxMessages    = 500
	maxContentSize = 256 * 1024
	maxQuerySize   = 500
)

// ValidationError reports a malformed payload.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Client → Server

type ChatMessageParams struct {
	Messages       []llm.Message `json:"messages"`
	ConversationID *int64        `json:"conversationId,omitempty"`
}

func (p ChatMessageParams) Validate() error {
	if len(p.Messages) == 0 {
		return invalid("messages", "must not be empty")
	}
	if len(p.Messages) > maxMessages {
		return invalid("messages", fmt.Sprintf("at most %d messages allowed", maxMessages))
	}
	for i, m := range p.Messages {
		if !m.Role.IsValid() {
			return invalid(fmt.Sprintf("messages[%d].role", i), fmt.Sprintf("unknown role %q", m.Role))
		}
		if len(m.Content) > maxContentSize {
			return invalid(fmt.Sprintf("messages[%d].content", i), "too large")
		}
	}
	if p.ConversationID != nil && *p.ConversationID <= 0 {
		return invalid("conversationId", "must be positive")
	}
	return nil
}

type MessageEditParams struct {
	MessageID  int64  `json:"messageId"`
	NewContent string `json:"newContent"`
}

func (p MessageEditParams) Validate() error {
	if p.MessageID <= 0 {
		return invalid("messageId", "must be positive")
	}
	if strings.TrimSpace(p.NewContent) == "" {
		return invalid("newContent", "must not be empty")
	}
	if len(p.NewContent) > maxContentSize {
		return invalid("newContent", "too large")
	}
	return nil
}

// ConversationParams is the params for conversation:load and conversation:delete.
type ConversationParams struct {
	ConversationID int64 `json:"conversationId"`
}

func (p ConversationParams) Validate() error {
	if p.ConversationID <= 0 {
		return invalid("conversationId", "must be positive")
	}
	return nil
}

type ConversationsListParams struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

func (p ConversationsListParams) Validate() error {
	if p.Limit < 0 || p.Limit > store.MaxListLimit {
		return invalid("limit", fmt.Sprintf("must be between 0 and %d", store.MaxListLimit))
	}
	if p.Offset < 0 {
		return invalid("offset", "must not be negative")
	}
	return nil
}

type ConversationsSearchParams struct {
	Query string `json:"query"`
}

func (p ConversationsSearchParams) Validate() error {
	if strings.TrimSpace(p.Query) == "" {
		return invalid("query", "must not be empty")
	}
	if len(p.Query) > maxQuerySize {
		return invalid("query", "too long")
	}
	return nil
}

type ConversationsUnsubscribeParams struct {
	ID string `json:"id"`
}

func (p ConversationsUnsubscribeParams) Validate() error {
	if p.ID == "" {
		return invalid("id", "required")
	}
	return nil
}

// Server → Client

type ChatStartParams struct{}

type ConversationCreatedParams struct {
	ConversationID int64  `json:"conversationId"`
	Title          string `json:"title"`
}

type MessageSavedParams struct {
	TempID         int   `json:"tempId"`
	MessageID      int64 `json:"messageId"`
	ConversationID int64 `json:"conversationId"`
}

type ChatTokenParams struct {
	Token string `json:"token"`
}

type ChatCompleteParams struct {
	Message        string `json:"message"`
	MessageID      int64  `json:"messageId"`
	ConversationID int64  `json:"conversationId"`
}

type ChatErrorParams struct {
	Error string `json:"error"`
}

type ChatStoppedParams struct {
	ConversationID int64 `json:"conversationId,omitempty"`
}

type MessageEditedParams struct {
	MessageID  int64     `json:"messageId"`
	NewContent string    `json:"newContent"`
	EditedAt   time.Time `json:"editedAt"`
}

type ConversationLoadedParams struct {
	Conversation store.Conversation `json:"conversation"`
	Messages     []store.Message    `json:"messages"`
}

// ConversationsParams is the params for conversations:listed and conversations:searched.
type ConversationsParams struct {
	Conversations []store.Conversation `json:"conversations"`
}

type ConversationDeletedParams struct {
	ConversationID int64 `json:"conversationId"`
}

type ConversationsSubscribedParams struct {
	ID            string               `json:"id"`
	Conversations []store.Conversation `json:"conversations"`
}

type ConversationsChangedParams struct {
	ID             string              `json:"id"`
	Operation      string              `json:"operation"`
	Conversation   *store.Conversation `json:"conversation,omitempty"`
	ConversationID int64               `json:"conversationId,omitempty"`
}
