package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/kalambet/aibridge/internal/bridge"
	"github.com/kalambet/aibridge/internal/config"
	"github.com/kalambet/aibridge/internal/engine"
)

// app is the engine stack shared by every command that generates text.
type app struct {
	cfg    config.Config
	local  *engine.Local
	bridge *bridge.Bridge
	logger *slog.Logger
}

func setupLogging(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

// openApp loads configuration, selects a backend and makes sure the model is
// present, pulling it when engine.auto_pull is set. progress receives pull
// output.
func openApp(ctx context.Context, progress io.Writer) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := setupLogging(cfg.Log.Level)

	backend, err := engine.Detect(ctx, engine.DetectConfig{
		Backend:   cfg.Engine.Backend,
		OllamaURL: cfg.Engine.OllamaURL,
		MLXURL:    cfg.Engine.MLXURL,
	})
	if err != nil {
		return nil, fmt.Errorf("detecting inference engine: %w", err)
	}
	logger.Debug("backend selected", "backend", backend.Name(), "model", cfg.Engine.Model)

	if cfg.Engine.AutoPull {
		if err := engine.EnsureReady(ctx, backend, progress, cfg.Engine.Model); err != nil {
			return nil, err
		}
	}
	return newApp(cfg, backend, logger), nil
}

func newApp(cfg config.Config, backend engine.Backend, logger *slog.Logger) *app {
	local := engine.NewLocal(backend, cfg.Engine.Model, logger)
	local.SetLanguages(cfg.Engine.LanguageList())
	return &app{
		cfg:    cfg,
		local:  local,
		bridge: bridge.New(local, bridge.WithLogger(logger)),
		logger: logger,
	}
}

func (a *app) params() engine.Params {
	return engine.Params{Temperature: a.cfg.Chat.Temperature, MaxTokens: a.cfg.Chat.MaxTokens}
}

func (a *app) sessionOptions() engine.SessionOptions {
	opts := engine.DefaultSessionOptions()
	opts.Instructions = a.cfg.Chat.Instructions
	return opts
}

// Close tears down every session and waits for engine goroutines.
func (a *app) Close() error {
	a.bridge.Close()
	return a.local.Close()
}
