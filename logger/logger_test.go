package logger

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"short is unchanged", "hello", 10, "hello"},
		{"exact length is unchanged", "hello", 5, "hello"},
		{"long gets ellipsis", "hello world", 8, "hello..."},
		{"multi-byte runes", "こんにちは世界", 5, "こん..."},
		{"tiny limit", "hello", 2, "he"},
		{"zero limit", "hello", 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Truncate(tt.in, tt.n); got != tt.want {
				t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
			}
		})
	}
}

func TestNewHandler_WritesLogFile(t *testing.T) {
	dir := t.TempDir()
	h := newHandler(Config{DataDir: dir})

	slog.New(h).Info("hello", "key", "value")

	data, err := os.ReadFile(filepath.Join(dir, "server.log"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"hello"`) {
		t.Errorf("expected JSON log line, got %q", data)
	}
}

func TestNewHandler_DevModeIsDebug(t *testing.T) {
	h := newHandler(Config{DevMode: true})
	if !h.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("dev mode should enable debug logs")
	}
	if newHandler(Config{}).Enabled(context.Background(), slog.LevelDebug) {
		t.Error("production mode should not enable debug logs")
	}
}

func TestLogPanic(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	LogPanic(log, "boom", "turn panicked")

	out := buf.String()
	if !strings.Contains(out, `"panic":"boom"`) || !strings.Contains(out, `"stack"`) {
		t.Errorf("unexpected log output: %s", out)
	}
}
