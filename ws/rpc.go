package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sourcegraph/jsonrpc2"
	"github.com/streamchat/server/chat"
	"github.com/streamchat/server/logger"
	"github.com/streamchat/server/rpc"
	"github.com/streamchat/server/session"
	"github.com/streamchat/server/store"
	"github.com/streamchat/server/watch"
	"golang.org/x/time/rate"
)

const maxMessageSize = 4 << 20

// Options tunes per-connection behaviour.
type Options struct {
	DevMode bool
	// RatePerMinute limits chat:message per connection. Zero disables the limit.
	RatePerMinute float64
	Burst         int
	// ListLimit is the default page size of conversations:list.
	ListLimit int
}

// RPCHandler handles JSON-RPC 2.0 over WebSocket.
type RPCHandler struct {
	store       store.Store
	controller  *chat.Controller
	sessions    *session.Manager
	listWatcher *watch.ConversationListWatcher
	opts        Options
}

// NewRPCHandler creates a new JSON-RPC handler.
func NewRPCHandler(st store.Store, controller *chat.Controller, sessions *session.Manager, listWatcher *watch.ConversationListWatcher, opts Options) *RPCHandler {
	if opts.ListLimit <= 0 {
		opts.ListLimit = store.DefaultListLimit
	}
	return &RPCHandler{
		store:       st,
		controller:  controller,
		sessions:    sessions,
		listWatcher: listWatcher,
		opts:        opts,
	}
}

func (h *RPCHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: h.opts.DevMode,
	})
	if err != nil {
		slog.Error("failed to accept websocket", "error", err)
		return
	}

	h.handleConnection(r.Context(), conn)
}

func (h *RPCHandler) newLimiter() *rate.Limiter {
	if h.opts.RatePerMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := h.opts.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(h.opts.RatePerMinute/60), burst)
}

func (h *RPCHandler) handleConnection(ctx context.Context, wsConn *websocket.Conn) {
	connID := uuid.Must(uuid.NewV7()).String()
	log := slog.With("connId", connID)
	log.Info("new websocket connection")

	wsConn.SetReadLimit(maxMessageSize)
	stream := newWebSocketStream(wsConn)

	handler := &rpcMethodHandler{
		RPCHandler: h,
		connID:     connID,
		session:    h.sessions.Open(connID),
		limiter:    h.newLimiter(),
		log:        log,
	}

	// Handled synchronously: events from one client are processed in the
	// order they were received. Chat turns run in their own goroutine.
	rpcConn := jsonrpc2.NewConn(ctx, stream, handler)

	<-rpcConn.DisconnectNotify()

	h.sessions.Close(connID)
	if h.listWatcher != nil {
		h.listWatcher.CleanupConnection(connID)
	}
	log.Info("connection closed")
}

// rpcMethodHandler handles JSON-RPC method calls of one connection.
type rpcMethodHandler struct {
	*RPCHandler
	connID  string
	session *session.Session
	limiter *rate.Limiter
	log     *slog.Logger
}

func (h *rpcMethodHandler) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	defer func() {
		if r := recover(); r != nil {
			logger.LogPanic(h.log, r, "rpc handler panicked")
			h.fail(ctx, conn, req, chat.ErrMsgInternal)
		}
	}()

	h.log.Debug("received event", "method", req.Method, "notif", req.Notif)

	switch req.Method {
	case rpc.MethodChatMessage:
		h.handleChatMessage(ctx, conn, req)
	case rpc.MethodChatStop:
		h.handleChatStop(ctx, conn, req)
	case rpc.MethodMessageEdit:
		h.handleMessageEdit(ctx, conn, req)
	case rpc.MethodConversationLoad:
		h.handleConversationLoad(ctx, conn, req)
	case rpc.MethodConversationsList:
		h.handleConversationsList(ctx, conn, req)
	case rpc.MethodConversationDelete:
		h.handleConversationDelete(ctx, conn, req)
	case rpc.MethodConversationsSearch:
		h.handleConversationsSearch(ctx, conn, req)
	case rpc.MethodConversationsSubscribe:
		h.handleConversationsSubscribe(ctx, conn, req)
	case rpc.MethodConversationsUnsubscribe:
		h.handleConversationsUnsubscribe(ctx, conn, req)
	default:
		h.log.Warn("unknown method", "method", req.Method)
		if req.Notif {
			h.emitError(ctx, conn, "Unknown event: "+req.Method)
			return
		}
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeMethodNotFound, "method not found: "+req.Method)
	}
}

// validator is implemented by every C→S params type.
type validator interface {
	Validate() error
}

// decode unmarshals and validates params. On failure the client has already
// been told and false is returned.
func (h *rpcMethodHandler) decode(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, v validator) bool {
	if err := unmarshalParams(req, v); err != nil {
		h.log.Debug("malformed params", "method", req.Method, "error", err)
		h.reject(ctx, conn, req, "Invalid payload for "+req.Method)
		return false
	}
	if err := v.Validate(); err != nil {
		h.log.Debug("invalid params", "method", req.Method, "error", err)
		h.reject(ctx, conn, req, err.Error())
		return false
	}
	return true
}

func unmarshalParams(req *jsonrpc2.Request, v any) error {
	if req.Params == nil || string(*req.Params) == "null" {
		return nil
	}
	return json.Unmarshal(*req.Params, v)
}

// reject reports a bad payload: chat:error for a notification, an
// invalid-params error for a request. The connection stays open.
func (h *rpcMethodHandler) reject(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, msg string) {
	if req.Notif {
		h.emitError(ctx, conn, msg)
		return
	}
	h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, msg)
}

// fail reports a server-side failure as chat:error, and also answers the
// request if there is one.
func (h *rpcMethodHandler) fail(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, msg string) {
	h.emitError(ctx, conn, msg)
	if !req.Notif {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, msg)
	}
}

// ack answers a request. Notifications need no answer.
func (h *rpcMethodHandler) ack(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	if req.Notif {
		return
	}
	if err := conn.Reply(ctx, req.ID, struct{}{}); err != nil {
		h.log.Error("failed to send response", "method", req.Method, "error", err)
	}
}

func (h *rpcMethodHandler) emit(ctx context.Context, conn *jsonrpc2.Conn, event string, payload any) {
	if err := conn.Notify(ctx, event, payload); err != nil {
		h.log.Debug("failed to emit event", "event", event, "error", err)
	}
}

func (h *rpcMethodHandler) emitError(ctx context.Context, conn *jsonrpc2.Conn, msg string) {
	h.emit(ctx, conn, rpc.EventChatError, rpc.ChatErrorParams{Error: msg})
}

func (h *rpcMethodHandler) replyError(ctx context.Context, conn *jsonrpc2.Conn, id jsonrpc2.ID, code int64, message string) {
	err := &jsonrpc2.Error{
		Code:    code,
		Message: message,
	}
	if replyErr := conn.ReplyWithError(ctx, id, err); replyErr != nil {
		h.log.Error("failed to send error response", "error", replyErr)
	}
}

// connEmitter delivers chat turn events as notifications on one connection.
type connEmitter struct {
	conn *jsonrpc2.Conn
}

func (e connEmitter) Emit(ctx context.Context, event string, payload any) error {
	return e.conn.Notify(ctx, event, payload)
}

var _ chat.Emitter = connEmitter{}

// webSocketStream adapts coder/websocket to jsonrpc2.ObjectStream.
type webSocketStream struct {
	conn *websocket.Conn
	mu   sync.Mutex // protects writes
}

func newWebSocketStream(conn *websocket.Conn) *webSocketStream {
	return &webSocketStream{conn: conn}
}

func (s *webSocketStream) ReadObject(v interface{}) error {
	_, data, err := s.conn.Read(context.Background())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *webSocketStream) WriteObject(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Write(context.Background(), websocket.MessageText, data)
}

func (s *webSocketStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

var _ jsonrpc2.ObjectStream = (*webSocketStream)(nil)
