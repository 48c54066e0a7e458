// Package chat runs chat turns: it persists the conversation, relays the
// upstream completion token by token and reports the outcome as wire events.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/streamchat/server/llm"
	"github.com/streamchat/server/logger"
	"github.com/streamchat/server/rpc"
	"github.com/streamchat/server/session"
	"github.com/streamchat/server/store"
)

// Client-facing error texts. Details are logged, never sent.
const (
	ErrMsgUpstream    = "Failed to get a response from the AI service"
	ErrMsgPersistence = "Failed to save the conversation"
	ErrMsgNotFound    = "Conversation not found"
	ErrMsgBusy        = "A response is already being generated"
	ErrMsgInternal    = "An unexpected error occurred"
)

const previewLength = 80

// errConnectionLost means an event could not be delivered; nothing more can
// be reported to the client.
var errConnectionLost = errors.New("connection lost")

// Emitter delivers a server event to one connection.
type Emitter interface {
	Emit(ctx context.Context, event string, payload any) error
}

type TurnState string

const (
	StateIdle      TurnState = "idle"
	StateStarted   TurnState = "started"
	StateStreaming TurnState = "streaming"
	StateCompleted TurnState = "completed"
	StateFailed    TurnState = "failed"
	StateStopped   TurnState = "stopped"
)

// Controller orchestrates chat turns. It is safe for concurrent use by many
// connections; each turn's state lives in the turn itself.
type Controller struct {
	store    store.Store
	provider llm.Provider
	params   func() llm.Params
}

// NewController creates a controller. params is consulted at the start of
// every turn so configuration changes apply to the next turn.
func NewController(st store.Store, provider llm.Provider, params func() llm.Params) *Controller {
	if params == nil {
		params = func() llm.Params { return llm.Params{} }
	}
	return &Controller{store: st, provider: provider, params: params}
}

// Start acquires the session's turn lock and runs the turn in its own
// goroutine. If a turn is already running the request is rejected with
// chat:error and false is returned.
func (c *Controller) Start(ctx context.Context, em Emitter, sess *session.Session, params rpc.ChatMessageParams) bool {
	turnCtx, done, ok := sess.BeginTurn(ctx)
	if !ok {
		slog.Warn("chat message rejected, turn in progress", "connId", sess.ConnectionID)
		em.Emit(context.WithoutCancel(ctx), rpc.EventChatError, rpc.ChatErrorParams{Error: ErrMsgBusy})
		return false
	}

	go func() {
		defer done()
		c.RunTurn(turnCtx, em, sess, params)
	}()
	return true
}

// turn carries the state of one chat request.
type turn struct {
	em             Emitter
	emitCtx        context.Context
	log            *slog.Logger
	state          TurnState
	conversationID int64
	started        time.Time
}

func (t *turn) transition(s TurnState) {
	t.log.Debug("turn state", "from", t.state, "to", s)
	t.state = s
}

// emit sends an event. Events are delivered even after the turn context is
// cancelled so that chat:stopped reaches a client that asked to stop.
func (t *turn) emit(event string, payload any) error {
	if err := t.em.Emit(t.emitCtx, event, payload); err != nil {
		t.log.Debug("failed to emit event", "event", event, "error", err)
		return err
	}
	return nil
}

func (t *turn) fail(msg string, err error) TurnState {
	t.transition(StateFailed)
	t.log.Error("chat turn failed", "error", err)
	t.emit(rpc.EventChatError, rpc.ChatErrorParams{Error: msg})
	return t.state
}

// abandon ends a turn whose connection is gone.
func (t *turn) abandon(err error) TurnState {
	t.transition(StateStopped)
	t.log.Info("chat turn abandoned", "error", err)
	return t.state
}

func (t *turn) stop() TurnState {
	t.transition(StateStopped)
	t.log.Info("chat turn stopped", "duration", time.Since(t.started))
	t.emit(rpc.EventChatStopped, rpc.ChatStoppedParams{ConversationID: t.conversationID})
	return t.state
}

// RunTurn processes one chat request to completion, failure or stop. It
// never panics and never returns an error; every outcome is reported to the
// client as an event.
func (c *Controller) RunTurn(ctx context.Context, em Emitter, sess *session.Session, params rpc.ChatMessageParams) (state TurnState) {
	t := &turn{
		em:      em,
		emitCtx: context.WithoutCancel(ctx),
		log:     slog.With("connId", sess.ConnectionID),
		state:   StateIdle,
		started: time.Now(),
	}

	defer func() {
		if r := recover(); r != nil {
			logger.LogPanic(t.log, r, "chat turn panicked")
			t.transition(StateFailed)
			t.emit(rpc.EventChatError, rpc.ChatErrorParams{Error: ErrMsgInternal})
			state = StateFailed
		}
	}()

	t.transition(StateStarted)
	if err := t.emit(rpc.EventChatStart, rpc.ChatStartParams{}); err != nil {
		return t.abandon(err)
	}

	if err := c.resolveConversation(ctx, t, params); err != nil {
		if errors.Is(err, errConnectionLost) {
			return t.abandon(err)
		}
		if ctx.Err() != nil {
			return t.stop()
		}
		if errors.Is(err, store.ErrConversationNotFound) {
			return t.fail(ErrMsgNotFound, err)
		}
		return t.fail(ErrMsgPersistence, err)
	}
	sess.Bind(t.conversationID)
	t.log = t.log.With("conversationId", t.conversationID)

	if err := c.saveTrailingUserMessage(ctx, t, params.Messages); err != nil {
		if errors.Is(err, errConnectionLost) {
			return t.abandon(err)
		}
		if ctx.Err() != nil {
			return t.stop()
		}
		return t.fail(ErrMsgPersistence, err)
	}

	full, err := c.relay(ctx, t, params.Messages)
	if err != nil {
		if errors.Is(err, errConnectionLost) {
			return t.abandon(err)
		}
		if ctx.Err() != nil {
			return t.stop()
		}
		return t.fail(ErrMsgUpstream, err)
	}

	// The response is complete; a late stop must not lose it.
	msg, err := c.store.CreateMessage(context.WithoutCancel(ctx), t.conversationID, llm.RoleAssistant, full)
	if err != nil {
		return t.fail(ErrMsgPersistence, err)
	}

	t.transition(StateCompleted)
	t.emit(rpc.EventChatComplete, rpc.ChatCompleteParams{
		Message:        full,
		MessageID:      msg.ID,
		ConversationID: t.conversationID,
	})
	t.log.Info("chat turn completed",
		"messageId", msg.ID,
		"length", len(full),
		"duration", time.Since(t.started))
	return t.state
}

// resolveConversation loads the requested conversation or creates a new one.
func (c *Controller) resolveConversation(ctx context.Context, t *turn, params rpc.ChatMessageParams) error {
	if params.ConversationID != nil {
		conv, err := c.store.FindConversation(ctx, *params.ConversationID)
		if err != nil {
			return err
		}
		t.conversationID = conv.ID
		return nil
	}

	conv, err := c.store.CreateConversation(ctx, DeriveTitle(params.Messages))
	if err != nil {
		return err
	}
	t.conversationID = conv.ID
	t.log.Info("conversation created", "conversationId", conv.ID, "title", logger.Truncate(conv.Title, previewLength))
	if err := t.emit(rpc.EventConversationCreated, rpc.ConversationCreatedParams{
		ConversationID: conv.ID,
		Title:          conv.Title,
	}); err != nil {
		return fmt.Errorf("%w: %v", errConnectionLost, err)
	}
	return nil
}

// saveTrailingUserMessage persists the last message when it is a user turn.
// A trailing non-user message (regenerate) persists nothing.
func (c *Controller) saveTrailingUserMessage(ctx context.Context, t *turn, messages []llm.Message) error {
	tempID := len(messages) - 1
	last := messages[tempID]
	if last.Role != llm.RoleUser {
		t.log.Debug("trailing message is not a user message, nothing to save", "role", last.Role)
		return nil
	}

	msg, err := c.store.CreateMessage(ctx, t.conversationID, llm.RoleUser, last.Content)
	if err != nil {
		return err
	}
	t.log.Info("user message saved", "messageId", msg.ID, "preview", logger.Truncate(last.Content, previewLength))
	if err := t.emit(rpc.EventMessageSaved, rpc.MessageSavedParams{
		TempID:         tempID,
		MessageID:      msg.ID,
		ConversationID: t.conversationID,
	}); err != nil {
		return fmt.Errorf("%w: %v", errConnectionLost, err)
	}
	return nil
}

// relay forwards each upstream increment as chat:token and returns the full text.
func (c *Controller) relay(ctx context.Context, t *turn, messages []llm.Message) (string, error) {
	stream, err := c.provider.Stream(ctx, messages, c.params())
	if err != nil {
		return "", err
	}
	defer stream.Close()

	t.transition(StateStreaming)

	var full strings.Builder
	tokens := 0
	for {
		delta, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if tokens > 0 {
				t.log.Warn("upstream failed mid-stream", "tokens", tokens)
			}
			return "", err
		}

		full.WriteString(delta)
		tokens++
		if err := t.emit(rpc.EventChatToken, rpc.ChatTokenParams{Token: delta}); err != nil {
			return "", fmt.Errorf("%w: %v", errConnectionLost, err)
		}
	}

	t.log.Debug("upstream stream finished", "tokens", tokens)
	return full.String(), nil
}
