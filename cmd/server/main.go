// claudegate is an Anthropic-compatible AI gateway: it speaks the Messages
// API to clients and translates to whichever upstream backend is configured.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/claudegate/claudegate/internal/config"
	"github.com/claudegate/claudegate/internal/conversation"
	"github.com/claudegate/claudegate/internal/executor"
	"github.com/claudegate/claudegate/internal/logging"
	"github.com/claudegate/claudegate/internal/promptcache"
	"github.com/claudegate/claudegate/internal/router"
	"github.com/claudegate/claudegate/internal/server"
	"github.com/claudegate/claudegate/internal/store"
	"github.com/claudegate/claudegate/internal/tokenizer"
	"github.com/claudegate/claudegate/internal/tools"
	"github.com/claudegate/claudegate/internal/upstream"
)

const shutdownGrace = 10 * time.Second

func main() {
	// A local .env is a convenience for development; absence is fine.
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to a claudegate config file")
	flag.Parse()

	manager, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}
	cfg := manager.Config()

	logger, level, err := logging.New(cfg.Logging.Level, cfg.Logging.File)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging setup failed:", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	manager.WatchLogLevel(level, logger)

	logger.Info("starting claudegate",
		zap.String("version", server.Version),
		zap.String("backend", cfg.Backend.Kind),
		zap.String("api_base", cfg.Upstream.APIBase),
		zap.String("api_key", logging.Redact(cfg.Upstream.APIKey)),
		zap.String("big_model", cfg.Models.Big),
		zap.String("small_model", cfg.Models.Small),
		zap.Bool("tools", cfg.Tools.Enabled),
		zap.Bool("fallback", cfg.Fallback.Enabled))

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		logger.Fatal("usage store unavailable", zap.Error(err))
	}
	defer st.Close()
	recorder := store.NewRecorder(st, logger)
	defer recorder.Close()

	registry := tools.NewRegistry()
	if err := tools.RegisterDefaults(registry, cfg.Tools, tools.NewTodoStore()); err != nil {
		logger.Fatal("tool registration failed", zap.Error(err))
	}

	client := upstream.New(cfg, logger)
	dispatcher := router.New(cfg, client, logger)
	exec := executor.New(registry, cfg.Tools, logger)

	srv := server.New(server.Dependencies{
		Config:    cfg,
		Logger:    logger,
		Loop:      conversation.New(dispatcher, exec, cfg.Tools, logger),
		Executor:  exec,
		Tokenizer: tokenizer.New(logger),
		Cache:     promptcache.New(cfg.PromptCache),
		Store:     st,
		Recorder:  recorder,
	})

	if err := srv.Start(context.Background()); err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
}
