package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/modelgate/modelgate/internal/adapter"
	"github.com/modelgate/modelgate/internal/adapter/anthropic"
	"github.com/modelgate/modelgate/internal/adapter/coze"
	"github.com/modelgate/modelgate/internal/adapter/google"
	"github.com/modelgate/modelgate/internal/adapter/openai"
	"github.com/modelgate/modelgate/internal/audit"
	"github.com/modelgate/modelgate/internal/auth"
	"github.com/modelgate/modelgate/internal/config"
	"github.com/modelgate/modelgate/internal/server"
	"github.com/modelgate/modelgate/internal/telemetry"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	shutdown, err := telemetry.InitTracer("modelgate", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	configPath := os.Getenv("MODELGATE_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	var audits *audit.Store
	if cfg.Storage.Path != "" {
		audits, err = audit.Open(cfg.Storage.Path, logger)
		if err != nil {
			log.Fatalf("Failed to open audit store: %v", err)
		}
		defer audits.Close()
	}

	registry := adapter.NewRegistry()
	openai.Register(registry)
	anthropic.Register(registry)
	google.Register(registry)
	coze.Register(registry)

	manager := adapter.NewManager(registry, logger)
	if err := manager.Initialize(cfg.Provider.Type, cfg.Provider); err != nil {
		log.Fatalf("Failed to initialize provider adapter: %v", err)
	}

	// Hot-reload the provider configuration when the file changes.
	if err := config.Watch(configPath, func(updated *config.Config) {
		if err := manager.Reload(updated.Provider); err != nil {
			logger.Error("config reload failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		logger.Warn("config watch unavailable", slog.String("error", err.Error()))
	}

	authenticator := auth.NewAuthenticator(cfg.Auth.APIKeys)
	srv := server.New(cfg.Server.Port, cfg.Server.RequestTimeout, logger, authenticator)
	server.NewHandlers(manager, audits, logger).Register(srv.Router)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	case sig := <-sigChan:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", slog.String("error", err.Error()))
	}
}
