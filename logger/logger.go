// Package logger configures the process-wide slog logger.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
)

type Config struct {
	DataDir string
	DevMode bool
}

// Init installs the default logger. Dev mode logs human-readable text at
// debug level to stderr; otherwise JSON at info level goes to stderr and
// DataDir/server.log.
func Init(cfg Config) {
	slog.SetDefault(slog.New(newHandler(cfg)))
}

func newHandler(cfg Config) slog.Handler {
	if cfg.DevMode {
		return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	}

	var w io.Writer = os.Stderr
	if cfg.DataDir != "" {
		if f, err := openLogFile(cfg.DataDir); err != nil {
			fmt.Fprintf(os.Stderr, "logger: %v, logging to stderr only\n", err)
		} else {
			w = io.MultiWriter(os.Stderr, f)
		}
	}
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})
}

func openLogFile(dataDir string) (*os.File, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dataDir, "server.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

// Truncate shortens s to at most n runes for log previews.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	if n <= 3 {
		return string(runes[:n])
	}
	return string(runes[:n-3]) + "..."
}

// LogPanic logs a recovered panic with its stack. Use as:
//
//	defer func() {
//		if r := recover(); r != nil {
//			logger.LogPanic(log, r, "handler panicked")
//		}
//	}()
func LogPanic(log *slog.Logger, recovered any, msg string) {
	if log == nil {
		log = slog.Default()
	}
	log.Error(msg, "panic", fmt.Sprint(recovered), "stack", string(debug.Stack()))
}
