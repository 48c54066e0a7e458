// Command chatcli is a terminal client for the chat server.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/streamchat/server/client"
	"github.com/streamchat/server/command"
	"github.com/streamchat/server/llm"
	"github.com/streamchat/server/rpc"
	"github.com/streamchat/server/store"
	"golang.org/x/term"
)

// chatState is the conversation the REPL is working in.
type chatState struct {
	mu             sync.Mutex
	conversationID *int64
	messages       []llm.Message
	streaming      bool
}

func (s *chatState) reset() {
	s.mu.Lock()
	s.conversationID = nil
	s.messages = nil
	s.mu.Unlock()
}

func (s *chatState) load(conv store.Conversation, msgs []store.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := conv.ID
	s.conversationID = &id
	s.messages = s.messages[:0]
	for _, m := range msgs {
		s.messages = append(s.messages, llm.Message{Role: m.Role, Content: m.Content})
	}
}

type printer struct {
	mu    sync.Mutex
	color bool
}

func (p *printer) dim(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	text := fmt.Sprintf(format, args...)
	if p.color {
		text = "\033[2m" + text + "\033[0m"
	}
	fmt.Fprintln(os.Stderr, text)
}

func (p *printer) write(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Print(s)
}

func main() {
	urlFlag := flag.String("url", "ws://localhost:8080/ws", "server websocket URL")
	tokenFlag := flag.String("token", os.Getenv("AUTH_TOKEN"), "auth token (default $AUTH_TOKEN)")
	debugFlag := flag.Bool("debug", false, "log client internals to stderr")
	historyFlag := flag.String("history-dir", defaultHistoryDir(), "where command history is kept (empty keeps it in memory)")
	flag.Parse()

	level := slog.LevelWarn
	if *debugFlag {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	out := &printer{color: term.IsTerminal(int(os.Stdout.Fd())) && os.Getenv("NO_COLOR") == ""}
	state := &chatState{}

	history, err := command.NewStore(*historyFlag)
	if err != nil {
		slog.Warn("command history unavailable", "error", err)
		history, _ = command.NewStore("")
	}

	c := client.New(client.Config{
		URL:       *urlFlag,
		Token:     *tokenFlag,
		Reconnect: client.DefaultReconnectConfig(),
		Buffer:    client.DefaultBufferConfig(),
		Handlers:  handlers(out, state),
	})
	defer c.Close()
	c.Start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	if interactive {
		out.dim("Connecting to %s. Type /help for commands.", *urlFlag)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := handleLine(ctx, c, out, state, history, strings.TrimSpace(line)); quit {
				return
			}
		}
	}
}

func handlers(out *printer, state *chatState) client.Handlers {
	return client.Handlers{
		OnStart: func() {
			state.mu.Lock()
			state.streaming = true
			state.mu.Unlock()
		},
		OnConversationCreated: func(p rpc.ConversationCreatedParams) {
			state.mu.Lock()
			id := p.ConversationID
			state.conversationID = &id
			state.mu.Unlock()
			out.dim("[conversation #%d: %s]", p.ConversationID, p.Title)
		},
		OnMessageSaved: func(p rpc.MessageSavedParams) {
			out.dim("[message #%d saved]", p.MessageID)
		},
		OnChunk: func(chunk, _ string) {
			out.write(chunk)
		},
		OnComplete: func(p rpc.ChatCompleteParams) {
			state.mu.Lock()
			state.streaming = false
			state.messages = append(state.messages, llm.Message{Role: llm.RoleAssistant, Content: p.Message})
			state.mu.Unlock()
			out.write("\n")
			out.dim("[message #%d]", p.MessageID)
		},
		OnError: func(p rpc.ChatErrorParams) {
			state.mu.Lock()
			state.streaming = false
			state.mu.Unlock()
			out.dim("error: %s", p.Error)
		},
		OnStopped: func(p rpc.ChatStoppedParams) {
			state.mu.Lock()
			state.streaming = false
			state.mu.Unlock()
			out.write("\n")
			out.dim("[stopped]")
		},
		OnMessageEdited: func(p rpc.MessageEditedParams) {
			out.dim("[message #%d edited at %s]", p.MessageID, p.EditedAt.Local().Format(time.Kitchen))
		},
		OnConversationLoaded: func(p rpc.ConversationLoadedParams) {
			state.load(p.Conversation, p.Messages)
			out.dim("== #%d %s ==", p.Conversation.ID, p.Conversation.Title)
			for _, m := range p.Messages {
				out.write(fmt.Sprintf("#%d %s: %s\n", m.ID, m.Role, m.Content))
			}
		},
		OnConversationsListed: func(p rpc.ConversationsParams) {
			printConversations(out, p.Conversations)
		},
		OnConversationsSearched: func(p rpc.ConversationsParams) {
			printConversations(out, p.Conversations)
		},
		OnConversationDeleted: func(p rpc.ConversationDeletedParams) {
			state.mu.Lock()
			if state.conversationID != nil && *state.conversationID == p.ConversationID {
				state.conversationID = nil
				state.messages = nil
			}
			state.mu.Unlock()
			out.dim("[conversation #%d deleted]", p.ConversationID)
		},
		OnStatus: func(st client.Status) {
			printStatus(out, st)
		},
	}
}

func printConversations(out *printer, convs []store.Conversation) {
	if len(convs) == 0 {
		out.dim("(no conversations)")
		return
	}
	for _, c := range convs {
		out.write(fmt.Sprintf("#%-5d %-50s %3d msgs  %s\n", c.ID, c.Title, c.MessageCount, c.UpdatedAt.Local().Format(time.DateTime)))
	}
}

func printStatus(out *printer, st client.Status) {
	switch {
	case st.State == client.StateConnected:
		out.dim("[connected]")
	case st.State == client.StateConnecting:
		out.dim("[connecting...]")
	case st.Final:
		out.dim("[disconnected by server; /reconnect to try again]")
	case st.Failed:
		out.dim("[gave up after %d retries; /reconnect to try again]", st.RetryCount)
	case st.Retrying():
		out.dim("[disconnected; retry %d in %s]", st.RetryCount, time.Until(st.NextRetryAt).Round(100*time.Millisecond))
	}
}

func defaultHistoryDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "streamchat")
}

func parseID(s string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimPrefix(s, "#"), 10, 64)
	return id, err == nil && id > 0
}

// handleLine runs one input line and reports whether to quit.
func handleLine(ctx context.Context, c *client.Client, out *printer, state *chatState, history *command.Store, line string) bool {
	if line == "" {
		return false
	}

	if !strings.HasPrefix(line, "/") {
		state.mu.Lock()
		if state.streaming {
			state.mu.Unlock()
			out.dim("a response is still streaming; /stop to cancel it")
			return false
		}
		msgs := append(append([]llm.Message(nil), state.messages...), llm.Message{Role: llm.RoleUser, Content: line})
		convID := state.conversationID
		state.mu.Unlock()

		if err := c.SendChat(ctx, msgs, convID); err != nil {
			out.dim("not sent: %v", err)
			return false
		}
		state.mu.Lock()
		state.messages = msgs
		state.mu.Unlock()
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	if _, err := history.Use(line); err != nil {
		slog.Debug("failed to record command", "error", err)
	}

	var err error
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		out.dim("%s", command.Help())
	case "/history":
		for _, r := range history.List(20) {
			out.dim("%s  %s", r.UsedAt.Local().Format(time.DateTime), r.Line)
		}
	case "/new":
		state.reset()
		out.dim("[new conversation]")
	case "/list":
		err = c.ListConversations(ctx, 0, 0)
	case "/load":
		id, ok := parseID(arg)
		if !ok {
			out.dim("usage: /load <id>")
			return false
		}
		err = c.LoadConversation(ctx, id)
	case "/delete":
		id, ok := parseID(arg)
		if !ok {
			out.dim("usage: /delete <id>")
			return false
		}
		err = c.DeleteConversation(ctx, id)
	case "/search":
		if arg == "" {
			out.dim("usage: /search <query>")
			return false
		}
		err = c.SearchConversations(ctx, arg)
	case "/edit":
		idStr, text, _ := strings.Cut(arg, " ")
		id, ok := parseID(idStr)
		if !ok || strings.TrimSpace(text) == "" {
			out.dim("usage: /edit <id> <text>")
			return false
		}
		err = c.EditMessage(ctx, id, strings.TrimSpace(text))
	case "/stop":
		err = c.Stop(ctx)
	case "/reconnect":
		if !c.ReconnectNow() {
			out.dim("already %s", c.Status().State)
		}
	default:
		out.dim("unknown command %s; /help lists commands", cmd)
	}
	if err != nil {
		out.dim("not sent: %v", err)
	}
	return false
}
