package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/streamchat/server/chat"
	"github.com/streamchat/server/config"
	"github.com/streamchat/server/llm"
	"github.com/streamchat/server/llmfactory"
	"github.com/streamchat/server/logger"
	"github.com/streamchat/server/middleware"
	"github.com/streamchat/server/session"
	"github.com/streamchat/server/startup"
	"github.com/streamchat/server/store"
	"github.com/streamchat/server/watch"
	"github.com/streamchat/server/ws"
)

var version = "dev"

func newHandler(token string, wsHandler http.Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("GET /api/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"message":"pong"}`))
	})

	mux.Handle("GET /ws", wsHandler)

	return middleware.Auth(token)(mux)
}

type flags struct {
	port    int
	token   string
	devMode bool
	dataDir string
}

// apply overrides file and environment settings with explicitly set flags.
func (f flags) apply(cfg *config.Config) {
	if f.port != 0 {
		cfg.Server.Port = f.port
	}
	if f.token != "" {
		cfg.Server.AuthToken = f.token
	}
	if f.devMode {
		cfg.Server.DevMode = true
	}
	if f.dataDir != "" {
		cfg.Server.DataDir = f.dataDir
	}
}

// configPath returns the config file to load, or "" when there is none.
func configPath(flagPath string, f flags) string {
	if flagPath != "" {
		return flagPath
	}
	if env := os.Getenv("CONFIG_FILE"); env != "" {
		return env
	}
	dataDir := f.dataDir
	if dataDir == "" {
		dataDir = os.Getenv("DATA_DIR")
	}
	if dataDir == "" {
		dataDir = config.Default().Server.DataDir
	}
	path := filepath.Join(dataDir, config.FileName)
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

func main() {
	portFlag := flag.Int("port", 0, "server port (default 8080)")
	tokenFlag := flag.String("auth-token", "", "authentication token")
	devModeFlag := flag.Bool("dev", false, "enable development mode")
	dataDirFlag := flag.String("data-dir", "", "data directory (default .streamchat)")
	configFlag := flag.String("config", "", "config file (default DATA_DIR/config.toml)")
	versionFlag := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("streamchat %s\n", version)
		os.Exit(0)
	}

	f := flags{port: *portFlag, token: *tokenFlag, devMode: *devModeFlag, dataDir: *dataDirFlag}
	cfgPath := configPath(*configFlag, f)

	load := func() (*config.Config, error) {
		cfg, err := config.Load(cfgPath, os.Getenv)
		if err != nil {
			return nil, err
		}
		f.apply(cfg)
		return cfg, cfg.Validate()
	}

	cfg, err := load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	dataDir, err := filepath.Abs(cfg.Server.DataDir)
	if err != nil {
		slog.Error("failed to resolve data directory", "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		slog.Error("failed to create data directory", "error", err)
		os.Exit(1)
	}

	logger.Init(logger.Config{
		DataDir: dataDir,
		DevMode: cfg.Server.DevMode,
	})

	if cfg.Server.AuthToken == "" {
		slog.Warn("AUTH_TOKEN is not set, the server accepts unauthenticated connections")
	}

	st, err := store.NewSQLiteStore(filepath.Join(dataDir, "chat.db"))
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}

	provider, err := llmfactory.New(llmfactory.Config{
		Type:    llm.ProviderType(cfg.Upstream.Provider),
		BaseURL: cfg.Upstream.BaseURL,
		APIKey:  cfg.Upstream.APIKey,
		Model:   cfg.Upstream.Model,
		Timeout: cfg.Upstream.Timeout,
	})
	if err != nil {
		slog.Error("failed to create upstream provider", "error", err)
		os.Exit(1)
	}

	// Generation settings follow the config file; everything else needs a restart.
	params := cfg.Upstream.Params
	var cfgWatcher *config.Watcher
	if cfgPath != "" {
		cfgWatcher = config.NewWatcher(cfgPath, cfg, load)
		if err := cfgWatcher.Start(); err != nil {
			slog.Warn("config hot reload disabled", "path", cfgPath, "error", err)
			cfgWatcher = nil
		} else {
			params = func() llm.Params { return cfgWatcher.Current().Upstream.Params() }
		}
	}

	controller := chat.NewController(st, provider, params)
	sessions := session.NewManager()

	listWatcher := watch.NewConversationListWatcher(st, cfg.Chat.ListLimit)
	if err := listWatcher.Start(); err != nil {
		slog.Error("failed to start conversation list watcher", "error", err)
		os.Exit(1)
	}

	wsHandler := ws.NewRPCHandler(st, controller, sessions, listWatcher, ws.Options{
		DevMode:       cfg.Server.DevMode,
		RatePerMinute: cfg.Chat.RatePerMinute,
		Burst:         cfg.Chat.Burst,
		ListLimit:     cfg.Chat.ListLimit,
	})
	handler := newHandler(cfg.Server.AuthToken, wsHandler)

	port := strconv.Itoa(cfg.Server.Port)
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler,
	}

	// Graceful shutdown
	shutdownDone := make(chan struct{})
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		sessions.Shutdown()
		listWatcher.Stop()
		if cfgWatcher != nil {
			cfgWatcher.Stop()
		}
		if err := st.Close(); err != nil {
			slog.Error("failed to close store", "error", err)
		}
		close(shutdownDone)
	}()

	startup.PrintBanner(startup.BannerOptions{
		Version:  version,
		LocalURL: "http://localhost:" + port,
		Provider: cfg.Upstream.Provider,
		Model:    cfg.Upstream.Model,
		DataDir:  dataDir,
	})
	startup.PrintFooter()

	slog.Info("server starting", "port", port, "dataDir", dataDir, "devMode", cfg.Server.DevMode, "provider", cfg.Upstream.Provider, "model", cfg.Upstream.Model)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	<-shutdownDone
	slog.Info("server stopped")
}
