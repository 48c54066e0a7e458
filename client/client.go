// Package client is a Go client for the chat server. It keeps the websocket
// connection alive, decodes server events and batches streamed tokens for
// rendering.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/sourcegraph/jsonrpc2"
	"github.com/streamchat/server/llm"
	"github.com/streamchat/server/rpc"
)

const maxMessageSize = 4 << 20

var ErrNotConnected = errors.New("not connected")

// Handlers receive server events. Nil handlers are skipped. They are called
// from the connection's read loop and should return quickly.
type Handlers struct {
	OnStart               func()
	OnConversationCreated func(rpc.ConversationCreatedParams)
	OnMessageSaved        func(rpc.MessageSavedParams)
	// OnChunk receives batched tokens along with the response text so far.
	OnChunk                   func(chunk, accumulated string)
	OnComplete                func(rpc.ChatCompleteParams)
	OnError                   func(rpc.ChatErrorParams)
	OnStopped                 func(rpc.ChatStoppedParams)
	OnMessageEdited           func(rpc.MessageEditedParams)
	OnConversationLoaded      func(rpc.ConversationLoadedParams)
	OnConversationsListed     func(rpc.ConversationsParams)
	OnConversationDeleted     func(rpc.ConversationDeletedParams)
	OnConversationsSearched   func(rpc.ConversationsParams)
	OnConversationsSubscribed func(rpc.ConversationsSubscribedParams)
	OnConversationsChanged    func(rpc.ConversationsChangedParams)
	OnStatus                  func(Status)
}

type Config struct {
	// URL is the websocket endpoint, e.g. ws://localhost:8080/ws.
	URL       string
	Token     string
	Reconnect ReconnectConfig
	Buffer    BufferConfig
	Handlers  Handlers
}

// Client is a reconnecting chat client.
type Client struct {
	cfg         Config
	reconnector *Reconnector
	buffer      *TokenBuffer

	mu   sync.Mutex
	conn *jsonrpc2.Conn
}

func New(cfg Config) *Client {
	c := &Client{cfg: cfg}
	c.buffer = NewTokenBuffer(cfg.Buffer, func(chunk, accumulated string) {
		if h := c.cfg.Handlers.OnChunk; h != nil {
			h(chunk, accumulated)
		}
	})
	c.reconnector = NewReconnector(cfg.Reconnect, c.dial, c.attach)
	c.reconnector.OnStatus(c.statusChanged)
	return c
}

// Start connects in the background.
func (c *Client) Start() {
	c.reconnector.Start()
}

func (c *Client) Close() error {
	c.buffer.Reset()
	return c.reconnector.Close()
}

func (c *Client) Status() Status {
	return c.reconnector.Status()
}

// ReconnectNow skips the backoff delay. Returns false if not disconnected.
func (c *Client) ReconnectNow() bool {
	return c.reconnector.ReconnectNow()
}

func (c *Client) attach(link Link) {
	l, ok := link.(*rpcLink)
	if !ok {
		return
	}
	c.mu.Lock()
	c.conn = l.conn
	c.mu.Unlock()
}

func (c *Client) statusChanged(st Status) {
	if st.State != StateConnected {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		// The server abandons the turn when the connection drops.
		c.buffer.Reset()
	}
	if h := c.cfg.Handlers.OnStatus; h != nil {
		h(st)
	}
}

func (c *Client) dial(ctx context.Context) (Link, error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	ws, resp, err := websocket.Dial(ctx, c.cfg.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: %s", ErrPermanent, resp.Status)
		}
		return nil, err
	}
	ws.SetReadLimit(maxMessageSize)

	stream := &clientStream{conn: ws}
	conn := jsonrpc2.NewConn(context.Background(), stream, eventHandler{c})
	return &rpcLink{conn: conn, stream: stream}, nil
}

func (c *Client) send(ctx context.Context, method string, params any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Notify(ctx, method, params)
}

// SendChat starts a turn. conversationID is nil for a new conversation.
func (c *Client) SendChat(ctx context.Context, messages []llm.Message, conversationID *int64) error {
	return c.send(ctx, rpc.MethodChatMessage, rpc.ChatMessageParams{
		Messages:       messages,
		ConversationID: conversationID,
	})
}

func (c *Client) Stop(ctx context.Context) error {
	return c.send(ctx, rpc.MethodChatStop, struct{}{})
}

func (c *Client) EditMessage(ctx context.Context, messageID int64, content string) error {
	return c.send(ctx, rpc.MethodMessageEdit, rpc.MessageEditParams{MessageID: messageID, NewContent: content})
}

func (c *Client) LoadConversation(ctx context.Context, id int64) error {
	return c.send(ctx, rpc.MethodConversationLoad, rpc.ConversationParams{ConversationID: id})
}

func (c *Client) ListConversations(ctx context.Context, limit, offset int) error {
	return c.send(ctx, rpc.MethodConversationsList, rpc.ConversationsListParams{Limit: limit, Offset: offset})
}

func (c *Client) DeleteConversation(ctx context.Context, id int64) error {
	return c.send(ctx, rpc.MethodConversationDelete, rpc.ConversationParams{ConversationID: id})
}

func (c *Client) SearchConversations(ctx context.Context, query string) error {
	return c.send(ctx, rpc.MethodConversationsSearch, rpc.ConversationsSearchParams{Query: query})
}

func (c *Client) SubscribeConversations(ctx context.Context) error {
	return c.send(ctx, rpc.MethodConversationsSubscribe, struct{}{})
}

func (c *Client) UnsubscribeConversations(ctx context.Context, id string) error {
	return c.send(ctx, rpc.MethodConversationsUnsubscribe, rpc.ConversationsUnsubscribeParams{ID: id})
}

// eventHandler dispatches server events in the order they arrive.
type eventHandler struct {
	c *Client
}

func (h eventHandler) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	if !req.Notif {
		conn.ReplyWithError(ctx, req.ID, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "client accepts notifications only"})
		return
	}
	if err := h.c.dispatch(req.Method, req.Params); err != nil {
		slog.Warn("failed to handle server event", "event", req.Method, "error", err)
	}
}

func decode[T any](params *json.RawMessage, fn func(T)) error {
	var v T
	if params != nil {
		if err := json.Unmarshal(*params, &v); err != nil {
			return err
		}
	}
	if fn != nil {
		fn(v)
	}
	return nil
}

func (c *Client) dispatch(event string, params *json.RawMessage) error {
	h := c.cfg.Handlers
	switch event {
	case rpc.EventChatStart:
		c.buffer.Reset()
		if h.OnStart != nil {
			h.OnStart()
		}
		return nil
	case rpc.EventConversationCreated:
		return decode(params, h.OnConversationCreated)
	case rpc.EventMessageSaved:
		return decode(params, h.OnMessageSaved)
	case rpc.EventChatToken:
		return decode(params, func(p rpc.ChatTokenParams) {
			c.buffer.AddToken(p.Token)
		})
	case rpc.EventChatComplete:
		return decode(params, func(p rpc.ChatCompleteParams) {
			c.buffer.ForceFlush()
			if h.OnComplete != nil {
				h.OnComplete(p)
			}
		})
	case rpc.EventChatError:
		return decode(params, func(p rpc.ChatErrorParams) {
			c.buffer.Reset()
			if h.OnError != nil {
				h.OnError(p)
			}
		})
	case rpc.EventChatStopped:
		return decode(params, func(p rpc.ChatStoppedParams) {
			c.buffer.Reset()
			if h.OnStopped != nil {
				h.OnStopped(p)
			}
		})
	case rpc.EventMessageEdited:
		return decode(params, h.OnMessageEdited)
	case rpc.EventConversationLoaded:
		return decode(params, h.OnConversationLoaded)
	case rpc.EventConversationsListed:
		return decode(params, h.OnConversationsListed)
	case rpc.EventConversationDeleted:
		return decode(params, h.OnConversationDeleted)
	case rpc.EventConversationsSearched:
		return decode(params, h.OnConversationsSearched)
	case rpc.EventConversationsSubscribed:
		return decode(params, h.OnConversationsSubscribed)
	case rpc.EventConversationsChanged:
		return decode(params, h.OnConversationsChanged)
	default:
		slog.Debug("ignoring unknown server event", "event", event)
		return nil
	}
}

// rpcLink is a live jsonrpc2 connection over a websocket.
type rpcLink struct {
	conn   *jsonrpc2.Conn
	stream *clientStream
}

func (l *rpcLink) Done() <-chan struct{} { return l.conn.DisconnectNotify() }
func (l *rpcLink) Final() bool           { return l.stream.final() }
func (l *rpcLink) Close() error          { return l.conn.Close() }

// clientStream adapts coder/websocket to jsonrpc2.ObjectStream and remembers
// why reading stopped.
type clientStream struct {
	conn *websocket.Conn
	mu   sync.Mutex // protects writes
	// readErr is only set by the read loop.
	errMu   sync.Mutex
	readErr error
}

func (s *clientStream) ReadObject(v interface{}) error {
	_, data, err := s.conn.Read(context.Background())
	if err != nil {
		s.errMu.Lock()
		s.readErr = err
		s.errMu.Unlock()
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *clientStream) WriteObject(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Write(context.Background(), websocket.MessageText, data)
}

func (s *clientStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

// final reports whether the server closed the connection with a status that
// means "do not reconnect".
func (s *clientStream) final() bool {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	switch websocket.CloseStatus(s.readErr) {
	case websocket.StatusNormalClosure, websocket.StatusPolicyViolation:
		return true
	default:
		return false
	}
}

var _ jsonrpc2.ObjectStream = (*clientStream)(nil)
