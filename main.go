package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"synthtrack/internal/collector"
	"synthtrack/internal/conf"
	"synthtrack/internal/extract"
	"synthtrack/internal/mailbox"
	"synthtrack/internal/notify"
	"synthtrack/internal/scheduler"
	"synthtrack/internal/store"
	"synthtrack/internal/webclient"
	"synthtrack/mcpserver"
)

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := conf.LoadFromEnv()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	// stdout carries the MCP stdio transport, so all logging goes to stderr.
	// Both zap presets do that by default.
	logger, err := newLogger(cfg.Debug)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	st, err := store.New(cfg.Store.DBPath, logger)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()
	logger.Info("store ready", zap.String("path", cfg.Store.DBPath))

	fetcher := mailbox.NewClient(cfg.Email, logger)
	ext := extract.New(extract.DefaultRules(), logger)
	policy := notify.NewPolicy(st, logger)
	web := webclient.New(cfg.Browser, cfg.Synthesis.BaseURL, logger)
	coll := collector.New(cfg, fetcher, ext, st, policy, web, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := scheduler.New(cfg, coll, policy, st, logger)
	if err := sched.Start(ctx); err != nil {
		logger.Fatal("failed to start scheduler", zap.Error(err))
	}
	defer sched.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	srv := mcpserver.NewServer(cfg, st, policy, coll, logger)
	logger.Info("starting MCP server on stdio")
	if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
