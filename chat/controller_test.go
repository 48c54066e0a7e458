package chat

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/streamchat/server/llm"
	"github.com/streamchat/server/rpc"
	"github.com/streamchat/server/session"
	"github.com/streamchat/server/store"
)

type recordedEvent struct {
	Name    string
	Payload any
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []recordedEvent
	notify chan string
	err    error
	// failOn makes this event and every later one fail to send.
	failOn string
}

func newRecordingEmitter() *recordingEmitter {
	return &recordingEmitter{notify: make(chan string, 256)}
}

func (e *recordingEmitter) Emit(ctx context.Context, event string, payload any) error {
	e.mu.Lock()
	if event == e.failOn {
		e.err = errors.New("websocket closed")
	}
	if e.err != nil {
		e.mu.Unlock()
		return e.err
	}
	e.events = append(e.events, recordedEvent{Name: event, Payload: payload})
	e.mu.Unlock()
	e.notify <- event
	return nil
}

func (e *recordingEmitter) names() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, len(e.events))
	for i, ev := range e.events {
		names[i] = ev.Name
	}
	return names
}

func (e *recordingEmitter) find(name string) (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ev := range e.events {
		if ev.Name == name {
			return ev.Payload, true
		}
	}
	return nil, false
}

func (e *recordingEmitter) tokens() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var b strings.Builder
	for _, ev := range e.events {
		if ev.Name == rpc.EventChatToken {
			b.WriteString(ev.Payload.(rpc.ChatTokenParams).Token)
		}
	}
	return b.String()
}

func (e *recordingEmitter) waitFor(t *testing.T, name string) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case got := <-e.notify:
			if got == name {
				return
			}
		case <-timeout:
			t.Fatalf("timeout waiting for %s, got %v", name, e.names())
		}
	}
}

type fakeProvider struct {
	deltas    []string
	streamErr error
	recvErr   error
	block     bool
	panics    bool

	mu       sync.Mutex
	params   []llm.Params
	messages [][]llm.Message
}

func (p *fakeProvider) Stream(ctx context.Context, messages []llm.Message, params llm.Params) (llm.Stream, error) {
	if p.panics {
		panic("provider exploded")
	}
	p.mu.Lock()
	p.params = append(p.params, params)
	p.messages = append(p.messages, messages)
	p.mu.Unlock()

	if p.streamErr != nil {
		return nil, p.streamErr
	}
	return &fakeStream{ctx: ctx, deltas: p.deltas, recvErr: p.recvErr, block: p.block}, nil
}

type fakeStream struct {
	ctx     context.Context
	deltas  []string
	recvErr error
	block   bool
	pos     int
	closed  bool
}

func (s *fakeStream) Recv() (string, error) {
	if s.pos < len(s.deltas) {
		d := s.deltas[s.pos]
		s.pos++
		return d, nil
	}
	if s.recvErr != nil {
		return "", s.recvErr
	}
	if s.block {
		<-s.ctx.Done()
		return "", s.ctx.Err()
	}
	return "", io.EOF
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

// failingStore fails assistant message inserts.
type failingStore struct {
	store.Store
}

func (s *failingStore) CreateMessage(ctx context.Context, conversationID int64, role llm.Role, content string) (store.Message, error) {
	if role == llm.RoleAssistant {
		return store.Message{}, &store.PersistenceError{Op: "create message", Err: errors.New("disk full")}
	}
	return s.Store.CreateMessage(ctx, conversationID, role, content)
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func userTurn(content string) rpc.ChatMessageParams {
	return rpc.ChatMessageParams{Messages: []llm.Message{{Role: llm.RoleUser, Content: content}}}
}

func assertEvents(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s (all: %v)", i, want[i], got[i], got)
		}
	}
}

func TestRunTurn_NewConversation(t *testing.T) {
	st := newTestStore(t)
	provider := &fakeProvider{deltas: []string{"Hel", "lo", " there"}}
	c := NewController(st, provider, nil)
	em := newRecordingEmitter()
	sess := session.NewManager().Open("conn-1")

	state := c.RunTurn(context.Background(), em, sess, userTurn("Hi"))

	if state != StateCompleted {
		t.Fatalf("expected completed, got %s", state)
	}
	assertEvents(t, em.names(), []string{
		rpc.EventChatStart,
		rpc.EventConversationCreated,
		rpc.EventMessageSaved,
		rpc.EventChatToken,
		rpc.EventChatToken,
		rpc.EventChatToken,
		rpc.EventChatComplete,
	})

	p, _ := em.find(rpc.EventConversationCreated)
	created := p.(rpc.ConversationCreatedParams)
	if created.Title != "Hi" {
		t.Errorf("expected title %q, got %q", "Hi", created.Title)
	}

	p, _ = em.find(rpc.EventMessageSaved)
	saved := p.(rpc.MessageSavedParams)
	if saved.TempID != 0 || saved.ConversationID != created.ConversationID || saved.MessageID == 0 {
		t.Errorf("unexpected message:saved %+v", saved)
	}

	p, _ = em.find(rpc.EventChatComplete)
	complete := p.(rpc.ChatCompleteParams)
	if complete.Message != em.tokens() || complete.Message != "Hello there" {
		t.Errorf("complete message %q does not match tokens %q", complete.Message, em.tokens())
	}
	if complete.ConversationID != created.ConversationID {
		t.Errorf("expected conversation %d, got %d", created.ConversationID, complete.ConversationID)
	}

	msgs, _ := st.FindMessagesByConversation(context.Background(), created.ConversationID)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 persisted messages, got %d", len(msgs))
	}
	if msgs[0].ID != saved.MessageID || msgs[0].Content != "Hi" {
		t.Errorf("unexpected user message %+v", msgs[0])
	}
	if msgs[1].ID != complete.MessageID || msgs[1].Role != llm.RoleAssistant || msgs[1].Content != "Hello there" {
		t.Errorf("unexpected assistant message %+v", msgs[1])
	}

	if id, ok := sess.ActiveConversation(); !ok || id != created.ConversationID {
		t.Errorf("expected session bound to %d, got %d", created.ConversationID, id)
	}
}

func TestRunTurn_ExistingConversation(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	conv, _ := st.CreateConversation(ctx, "Earlier")
	st.CreateMessage(ctx, conv.ID, llm.RoleUser, "first")
	st.CreateMessage(ctx, conv.ID, llm.RoleAssistant, "reply")

	provider := &fakeProvider{deltas: []string{"ok"}}
	c := NewController(st, provider, nil)
	em := newRecordingEmitter()
	sess := session.NewManager().Open("conn-1")

	params := rpc.ChatMessageParams{
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "first"},
			{Role: llm.RoleAssistant, Content: "reply"},
			{Role: llm.RoleUser, Content: "second"},
		},
		ConversationID: &conv.ID,
	}
	c.RunTurn(ctx, em, sess, params)

	assertEvents(t, em.names(), []string{
		rpc.EventChatStart,
		rpc.EventMessageSaved,
		rpc.EventChatToken,
		rpc.EventChatComplete,
	})

	p, _ := em.find(rpc.EventMessageSaved)
	if saved := p.(rpc.MessageSavedParams); saved.TempID != 2 {
		t.Errorf("expected tempId 2, got %d", saved.TempID)
	}

	got, _ := st.FindConversation(ctx, conv.ID)
	if got.MessageCount != 4 || got.Title != "Earlier" {
		t.Errorf("unexpected conversation after turn: %+v", got)
	}
	if len(provider.messages) != 1 || len(provider.messages[0]) != 3 {
		t.Errorf("expected full context to be sent upstream, got %v", provider.messages)
	}
}

func TestRunTurn_UnknownConversation(t *testing.T) {
	st := newTestStore(t)
	provider := &fakeProvider{deltas: []string{"never"}}
	c := NewController(st, provider, nil)
	em := newRecordingEmitter()

	missing := int64(404)
	params := userTurn("Hi")
	params.ConversationID = &missing
	state := c.RunTurn(context.Background(), em, session.NewManager().Open("c"), params)

	if state != StateFailed {
		t.Fatalf("expected failed, got %s", state)
	}
	assertEvents(t, em.names(), []string{rpc.EventChatStart, rpc.EventChatError})
	p, _ := em.find(rpc.EventChatError)
	if p.(rpc.ChatErrorParams).Error != ErrMsgNotFound {
		t.Errorf("unexpected error text %q", p.(rpc.ChatErrorParams).Error)
	}
	if len(provider.messages) != 0 {
		t.Error("upstream must not be called")
	}
}

func TestRunTurn_TrailingNonUserMessage(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	conv, _ := st.CreateConversation(ctx, "t")
	st.CreateMessage(ctx, conv.ID, llm.RoleUser, "question")

	c := NewController(st, &fakeProvider{deltas: []string{"again"}}, nil)
	em := newRecordingEmitter()

	params := rpc.ChatMessageParams{
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "question"},
			{Role: llm.RoleAssistant, Content: "old answer"},
		},
		ConversationID: &conv.ID,
	}
	state := c.RunTurn(ctx, em, session.NewManager().Open("c"), params)

	if state != StateCompleted {
		t.Fatalf("expected completed, got %s", state)
	}
	assertEvents(t, em.names(), []string{rpc.EventChatStart, rpc.EventChatToken, rpc.EventChatComplete})

	msgs, _ := st.FindMessagesByConversation(ctx, conv.ID)
	if len(msgs) != 2 || msgs[1].Content != "again" {
		t.Errorf("expected only the new assistant message to be added, got %+v", msgs)
	}
}

func TestRunTurn_UpstreamFailure(t *testing.T) {
	st := newTestStore(t)
	provider := &fakeProvider{streamErr: &llm.UpstreamError{Provider: llm.TypeOpenAI, Op: "request", StatusCode: 401, Err: errors.New("bad key sk-123")}}
	c := NewController(st, provider, nil)
	em := newRecordingEmitter()

	state := c.RunTurn(context.Background(), em, session.NewManager().Open("c"), userTurn("Hi"))

	if state != StateFailed {
		t.Fatalf("expected failed, got %s", state)
	}
	assertEvents(t, em.names(), []string{
		rpc.EventChatStart,
		rpc.EventConversationCreated,
		rpc.EventMessageSaved,
		rpc.EventChatError,
	})
	p, _ := em.find(rpc.EventChatError)
	if text := p.(rpc.ChatErrorParams).Error; text != ErrMsgUpstream {
		t.Errorf("expected generic upstream error, got %q", text)
	}

	// The user message stays persisted without an answer.
	p, _ = em.find(rpc.EventConversationCreated)
	msgs, _ := st.FindMessagesByConversation(context.Background(), p.(rpc.ConversationCreatedParams).ConversationID)
	if len(msgs) != 1 || msgs[0].Role != llm.RoleUser {
		t.Errorf("expected only the user message, got %+v", msgs)
	}
}

func TestRunTurn_MidStreamFailure(t *testing.T) {
	st := newTestStore(t)
	provider := &fakeProvider{deltas: []string{"par", "tial"}, recvErr: errors.New("connection reset")}
	c := NewController(st, provider, nil)
	em := newRecordingEmitter()

	state := c.RunTurn(context.Background(), em, session.NewManager().Open("c"), userTurn("Hi"))

	if state != StateFailed {
		t.Fatalf("expected failed, got %s", state)
	}
	names := em.names()
	if names[len(names)-1] != rpc.EventChatError {
		t.Errorf("expected chat:error as terminal event, got %v", names)
	}
	if _, ok := em.find(rpc.EventChatComplete); ok {
		t.Error("chat:complete must not be sent after a failure")
	}
	if em.tokens() != "partial" {
		t.Errorf("delivered tokens must not be retracted, got %q", em.tokens())
	}

	p, _ := em.find(rpc.EventConversationCreated)
	msgs, _ := st.FindMessagesByConversation(context.Background(), p.(rpc.ConversationCreatedParams).ConversationID)
	if len(msgs) != 1 {
		t.Errorf("partial response must not be persisted, got %+v", msgs)
	}
}

func TestRunTurn_PersistenceFailure(t *testing.T) {
	st := &failingStore{Store: newTestStore(t)}
	c := NewController(st, &fakeProvider{deltas: []string{"answer"}}, nil)
	em := newRecordingEmitter()

	state := c.RunTurn(context.Background(), em, session.NewManager().Open("c"), userTurn("Hi"))

	if state != StateFailed {
		t.Fatalf("expected failed, got %s", state)
	}
	p, ok := em.find(rpc.EventChatError)
	if !ok || p.(rpc.ChatErrorParams).Error != ErrMsgPersistence {
		t.Errorf("expected persistence error, got %v", em.names())
	}
	if strings.Contains(p.(rpc.ChatErrorParams).Error, "disk full") {
		t.Error("error detail must not reach the client")
	}
}

func TestRunTurn_Stop(t *testing.T) {
	st := newTestStore(t)
	provider := &fakeProvider{deltas: []string{"thinking"}, block: true}
	c := NewController(st, provider, nil)
	em := newRecordingEmitter()
	sess := session.NewManager().Open("c")

	if !c.Start(context.Background(), em, sess, userTurn("Hi")) {
		t.Fatal("expected turn to start")
	}
	em.waitFor(t, rpc.EventChatToken)

	if !sess.Stop() {
		t.Fatal("expected running turn to be stopped")
	}
	em.waitFor(t, rpc.EventChatStopped)

	p, _ := em.find(rpc.EventConversationCreated)
	convID := p.(rpc.ConversationCreatedParams).ConversationID
	p, _ = em.find(rpc.EventChatStopped)
	if p.(rpc.ChatStoppedParams).ConversationID != convID {
		t.Errorf("expected chat:stopped for %d, got %+v", convID, p)
	}
	if _, ok := em.find(rpc.EventChatComplete); ok {
		t.Error("stopped turn must not complete")
	}

	msgs, _ := st.FindMessagesByConversation(context.Background(), convID)
	if len(msgs) != 1 {
		t.Errorf("stopped response must not be persisted, got %+v", msgs)
	}

	// Lock is released once the turn goroutine finishes.
	deadline := time.Now().Add(2 * time.Second)
	for sess.Busy() {
		if time.Now().After(deadline) {
			t.Fatal("turn lock not released after stop")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStart_RejectsConcurrentTurn(t *testing.T) {
	st := newTestStore(t)
	provider := &fakeProvider{block: true}
	c := NewController(st, provider, nil)
	em := newRecordingEmitter()
	sess := session.NewManager().Open("c")
	defer sess.Stop()

	if !c.Start(context.Background(), em, sess, userTurn("one")) {
		t.Fatal("expected first turn to start")
	}
	em.waitFor(t, rpc.EventMessageSaved)

	if c.Start(context.Background(), em, sess, userTurn("two")) {
		t.Fatal("second turn must be rejected")
	}

	var busy int
	em.mu.Lock()
	for _, ev := range em.events {
		if ev.Name == rpc.EventChatError && ev.Payload.(rpc.ChatErrorParams).Error == ErrMsgBusy {
			busy++
		}
	}
	em.mu.Unlock()
	if busy != 1 {
		t.Errorf("expected one busy error, got %d (events %v)", busy, em.names())
	}

	convs, _ := st.ListConversations(context.Background(), 0, 0)
	if len(convs) != 1 {
		t.Errorf("rejected turn must not create a conversation, got %d", len(convs))
	}
}

func TestRunTurn_UsesCurrentParams(t *testing.T) {
	st := newTestStore(t)
	provider := &fakeProvider{deltas: []string{"x"}}
	temp := 0.1
	c := NewController(st, provider, func() llm.Params {
		return llm.Params{Model: "m", Temperature: temp}
	})
	sess := session.NewManager().Open("c")

	c.RunTurn(context.Background(), newRecordingEmitter(), sess, userTurn("a"))
	temp = 0.9
	c.RunTurn(context.Background(), newRecordingEmitter(), sess, userTurn("b"))

	if len(provider.params) != 2 || provider.params[0].Temperature != 0.1 || provider.params[1].Temperature != 0.9 {
		t.Errorf("expected params to be read per turn, got %+v", provider.params)
	}
}

func TestRunTurn_RecoversPanic(t *testing.T) {
	st := newTestStore(t)
	c := NewController(st, &fakeProvider{panics: true}, nil)
	em := newRecordingEmitter()

	state := c.RunTurn(context.Background(), em, session.NewManager().Open("c"), userTurn("Hi"))

	if state != StateFailed {
		t.Fatalf("expected failed, got %s", state)
	}
	p, ok := em.find(rpc.EventChatError)
	if !ok || p.(rpc.ChatErrorParams).Error != ErrMsgInternal {
		t.Errorf("expected internal error event, got %v", em.names())
	}
}

func TestRunTurn_ConnectionLost(t *testing.T) {
	st := newTestStore(t)
	provider := &fakeProvider{deltas: []string{"a"}}
	c := NewController(st, provider, nil)
	em := newRecordingEmitter()
	em.err = errors.New("websocket closed")

	state := c.RunTurn(context.Background(), em, session.NewManager().Open("c"), userTurn("Hi"))

	if state != StateStopped {
		t.Errorf("expected stopped, got %s", state)
	}
	if len(provider.messages) != 0 {
		t.Error("upstream must not be called when the client is gone")
	}
}

func TestRunTurn_ConnectionLostBeforeUpstream(t *testing.T) {
	for _, event := range []string{rpc.EventConversationCreated, rpc.EventMessageSaved} {
		t.Run(event, func(t *testing.T) {
			st := newTestStore(t)
			provider := &fakeProvider{deltas: []string{"a"}}
			c := NewController(st, provider, nil)
			em := newRecordingEmitter()
			em.failOn = event

			state := c.RunTurn(context.Background(), em, session.NewManager().Open("c"), userTurn("Hi"))

			if state != StateStopped {
				t.Errorf("expected stopped, got %s", state)
			}
			provider.mu.Lock()
			calls := len(provider.messages)
			provider.mu.Unlock()
			if calls != 0 {
				t.Errorf("upstream called %d times after the client was gone", calls)
			}
		})
	}
}
