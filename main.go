// Command session-bridge relays coding-agent sessions between backend
// processes and browser clients: one canonical session per conversation,
// any number of attached tabs, and persistence across restarts.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/workspace/session-bridge/internal/auth"
	"github.com/workspace/session-bridge/internal/bridge"
	"github.com/workspace/session-bridge/internal/config"
	"github.com/workspace/session-bridge/internal/gitinfo"
	"github.com/workspace/session-bridge/internal/logging"
	"github.com/workspace/session-bridge/internal/persistence"
	"github.com/workspace/session-bridge/internal/recorder"
	"github.com/workspace/session-bridge/internal/server"
)

func main() {
	logging.Setup()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Error("Failed to create persistence directory", "error", err)
			os.Exit(1)
		}
	}
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to open persistence store", "error", err)
		os.Exit(1)
	}

	var rec bridge.Recorder
	var recCloser *recorder.Recorder
	if cfg.RecorderPath != "" {
		r, err := recorder.Open(cfg.RecorderPath)
		if err != nil {
			slog.Error("Failed to open traffic recorder", "path", cfg.RecorderPath, "error", err)
			os.Exit(1)
		}
		rec = r
		recCloser = r
		slog.Info("Traffic recording enabled", "path", cfg.RecorderPath)
	}

	registry := bridge.NewRegistry(bridge.Config{
		EventBufferSize: cfg.EventBufferSize,
		ProcessedIDCap:  cfg.ProcessedIDCap,
	}, store, gitinfo.New(cfg.GitExecTimeout), rec, bridge.Hooks{})

	if err := registry.Restore(); err != nil {
		slog.Error("Failed to restore persisted sessions", "error", err)
		os.Exit(1)
	}

	var validator *auth.JWTValidator
	if cfg.JWKSEndpoint != "" {
		validator, err = auth.NewJWTValidator(cfg.JWKSEndpoint, cfg.JWTIssuer, cfg.JWTAudience)
		if err != nil {
			slog.Error("Failed to create JWT validator", "error", err)
			os.Exit(1)
		}
		slog.Info("Browser authentication enabled", "issuer", cfg.JWTIssuer, "audience", cfg.JWTAudience)
	} else {
		slog.Warn("JWKS_ENDPOINT not set: browser authentication disabled")
	}

	srv := server.New(cfg, registry, validator)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	case sig := <-sigCh:
		slog.Info("Shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		slog.Warn("Graceful shutdown failed", "error", err)
	}

	if recCloser != nil {
		if err := recCloser.Close(); err != nil {
			slog.Warn("Failed to close traffic recorder", "error", err)
		}
	}
	if err := store.Close(); err != nil {
		slog.Warn("Failed to close persistence store", "error", err)
	}
}
