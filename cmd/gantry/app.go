package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gantryhq/gantry/internal/checkpoint"
	"github.com/gantryhq/gantry/internal/engine"
	"github.com/gantryhq/gantry/internal/eventlog"
	"github.com/gantryhq/gantry/internal/logging"
	"github.com/gantryhq/gantry/internal/registry"
	"github.com/gantryhq/gantry/internal/store"
)

// app bundles the wired dependencies behind every CLI command.
type app struct {
	cfg    Config
	logger *slog.Logger
	db     *store.DB
	events *eventlog.Log
	gates  *checkpoint.Store
	reg    *registry.Registry
	runner *engine.Runner
}

func newApp(ctx context.Context, cfg Config) (*app, error) {
	logger := newLogger(cfg.LogLevel)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, err
	}
	db, err := store.Open("file:" + cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	events, err := eventlog.Open(cfg.EventLogPath)
	if err != nil {
		db.Close()
		return nil, err
	}

	gates := checkpoint.NewStore(db, checkpoint.Config{
		TTL:         cfg.approvalTTL(),
		DefaultRole: cfg.ApproverRole,
	})

	reg := registry.New()
	registry.WithBuiltins(reg, logger)

	var backoff engine.BackoffPolicy = engine.NoBackoff{}
	if cfg.BackoffBaseMS > 0 {
		backoff = engine.ExponentialBackoff{
			Base: time.Duration(cfg.BackoffBaseMS) * time.Millisecond,
			Max:  time.Minute,
		}
	}

	return &app{
		cfg:    cfg,
		logger: logger,
		db:     db,
		events: events,
		gates:  gates,
		reg:    reg,
		runner: engine.NewRunner(reg, events, gates, backoff, logger),
	}, nil
}

func (a *app) Close() {
	if a.events != nil {
		_ = a.events.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
