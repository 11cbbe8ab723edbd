package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fuchs-ai/conduit/internal/diag"
	"github.com/fuchs-ai/conduit/internal/engine"
	"github.com/fuchs-ai/conduit/internal/loader"
	"github.com/fuchs-ai/conduit/internal/scheduler"
	"github.com/fuchs-ai/conduit/internal/store"
	"github.com/fuchs-ai/conduit/pkg/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "conduit:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := engine.NewRegistry()

	var recorder *store.RunRecorder
	if cfg.DBPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return fmt.Errorf("create data directory: %w", err)
		}
		rec, err := store.Open("file:" + cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer rec.Close()
		if err := rec.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
		recorder = rec
	}

	// Abort diagnostics always reach the log; with a database they are
	// persisted as well.
	var sink diag.Sink = diag.NewSlogSink(logger)
	if recorder != nil {
		sink = diag.MultiSink{sink, recorder}
	}

	executor := engine.New(registry, engine.Config{
		PoolSize:   cfg.PoolSize,
		RunTimeout: cfg.runTimeout(),
		Sink:       sink,
		Logger:     logger,
	})
	defer executor.Shutdown()

	var schedules []loader.Schedule
	if cfg.DefsPath != "" {
		ld, err := loader.New(registry, logger)
		if err != nil {
			return fmt.Errorf("create loader: %w", err)
		}
		schedules, err = ld.LoadDir(cfg.DefsPath)
		if err != nil {
			return fmt.Errorf("load workflow definitions: %w", err)
		}
		logger.Info("workflow definitions loaded",
			slog.String("path", cfg.DefsPath),
			slog.Int("workflows", len(registry.Workflows())))
	}

	if len(schedules) > 0 {
		sched := scheduler.New(executor, logger)
		for i, sc := range schedules {
			jobID := fmt.Sprintf("%s@%d", sc.WorkflowID, i)
			if err := sched.Add(jobID, sc.WorkflowID, sc.Spec, sc.Input); err != nil {
				return fmt.Errorf("schedule workflow %q: %w", sc.WorkflowID, err)
			}
		}
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer sched.Stop()
	}

	srv := mcp.NewConduitServer(mcp.ConduitServerDeps{
		Executor: executor,
		Registry: registry,
		Recorder: recorder,
		Logger:   logger,
	})

	logger.Info("conduit serving on stdio",
		slog.Int("workflows", len(registry.Workflows())))
	return srv.Serve(ctx)
}

// newLogger builds the process logger with run correlation attributes
// injected from context.
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
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(diag.NewCorrelationHandler(handler))
}
