package client

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/streamchat/server/chat"
	"github.com/streamchat/server/llm"
	"github.com/streamchat/server/middleware"
	"github.com/streamchat/server/rpc"
	"github.com/streamchat/server/session"
	"github.com/streamchat/server/store"
	"github.com/streamchat/server/watch"
	"github.com/streamchat/server/ws"
)

type scriptedProvider struct {
	deltas []string
}

func (p *scriptedProvider) Stream(ctx context.Context, messages []llm.Message, params llm.Params) (llm.Stream, error) {
	return &scriptedStream{deltas: p.deltas}, nil
}

type scriptedStream struct {
	deltas []string
	pos    int
}

func (s *scriptedStream) Recv() (string, error) {
	if s.pos >= len(s.deltas) {
		return "", io.EOF
	}
	d := s.deltas[s.pos]
	s.pos++
	return d, nil
}

func (s *scriptedStream) Close() error { return nil }

func newTestServer(t *testing.T, token string, deltas ...string) string {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	sessions := session.NewManager()
	listWatcher := watch.NewConversationListWatcher(st, store.DefaultListLimit)
	listWatcher.Start()
	controller := chat.NewController(st, &scriptedProvider{deltas: deltas}, nil)
	h := ws.NewRPCHandler(st, controller, sessions, listWatcher, ws.Options{DevMode: true})

	server := httptest.NewServer(middleware.Auth(token)(h))
	t.Cleanup(func() {
		server.Close()
		sessions.Shutdown()
		listWatcher.Stop()
		st.Close()
	})
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func waitClientStatus(t *testing.T, c *Client, desc string, ok func(Status) bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !ok(c.Status()) {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s, status %+v", desc, c.Status())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClient_StreamsChat(t *testing.T) {
	url := newTestServer(t, "secret", "The ", "quick ", "brown ", "fox")

	var (
		mu      sync.Mutex
		chunks  []string
		created rpc.ConversationCreatedParams
		started bool
	)
	complete := make(chan rpc.ChatCompleteParams, 1)

	c := New(Config{
		URL:    url,
		Token:  "secret",
		Buffer: BufferConfig{FlushInterval: time.Hour, MinBufferSize: 2},
		Handlers: Handlers{
			OnStart: func() {
				mu.Lock()
				started = true
				mu.Unlock()
			},
			OnConversationCreated: func(p rpc.ConversationCreatedParams) {
				mu.Lock()
				created = p
				mu.Unlock()
			},
			OnChunk: func(chunk, accumulated string) {
				mu.Lock()
				chunks = append(chunks, chunk)
				mu.Unlock()
			},
			OnComplete: func(p rpc.ChatCompleteParams) { complete <- p },
		},
	})
	defer c.Close()

	c.Start()
	waitClientStatus(t, c, "connected", func(st Status) bool { return st.State == StateConnected })

	err := c.SendChat(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "Tell me about foxes"}}, nil)
	if err != nil {
		t.Fatalf("SendChat failed: %v", err)
	}

	var done rpc.ChatCompleteParams
	select {
	case done = <-complete:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for chat:complete")
	}

	mu.Lock()
	defer mu.Unlock()
	if !started {
		t.Error("OnStart was not called")
	}
	if created.Title != "Tell me about foxes" || created.ConversationID != done.ConversationID {
		t.Errorf("unexpected conversation:created %+v", created)
	}
	if got := strings.Join(chunks, ""); got != done.Message || got != "The quick brown fox" {
		t.Errorf("rendered %q, complete message %q", got, done.Message)
	}
	if len(chunks) >= 4 {
		t.Errorf("expected tokens to be batched, got %d chunks", len(chunks))
	}
}

func TestClient_NotConnected(t *testing.T) {
	c := New(Config{URL: "ws://127.0.0.1:1/ws"})
	defer c.Close()

	err := c.SendChat(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "hi"}}, nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendChat() error = %v, want ErrNotConnected", err)
	}
}

func TestClient_UnauthorizedIsFinal(t *testing.T) {
	url := newTestServer(t, "secret")

	c := New(Config{URL: url, Token: "wrong"})
	defer c.Close()

	c.Start()
	waitClientStatus(t, c, "final", func(st Status) bool { return st.Final })

	st := c.Status()
	if st.Retrying() || !errors.Is(st.LastErr, ErrPermanent) {
		t.Errorf("unexpected status %+v", st)
	}
}
