// Command conductord runs the task orchestration daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/conductorhq/conductor/adapter/mock"
	"github.com/conductorhq/conductor/config"
	"github.com/conductorhq/conductor/engine"
	"github.com/conductorhq/conductor/events"
	"github.com/conductorhq/conductor/internal/version"
	"github.com/conductorhq/conductor/server"
	"github.com/conductorhq/conductor/task"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	addr := flag.String("addr", "", "listen address (overrides config)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Get())
		return
	}

	if err := run(*configPath, *addr); err != nil {
		fmt.Fprintf(os.Stderr, "conductord: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, addrOverride string) error {
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if addrOverride != "" {
		cfg.Server.Addr = addrOverride
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("starting conductord", slog.String("version", version.Get()))

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	store, err := task.NewSQLiteStore(filepath.Join(cfg.DataDir, "conductor.db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	bus := events.NewBus(func(taskID string) (events.Event, bool) {
		t, err := store.Get(taskID)
		if err != nil {
			return events.Event{}, false
		}
		return events.New("task:state", taskID, t), true
	}, logger)

	if cfg.Adapter.Type != "mock" {
		return fmt.Errorf("unknown adapter type %q", cfg.Adapter.Type)
	}
	ad := mock.New(nil)
	if cfg.Adapter.WorkDelayMS > 0 {
		ad.SetDelay(time.Duration(cfg.Adapter.WorkDelayMS) * time.Millisecond)
	}

	lifecycle := engine.NewLifecycle(store, bus, ad, logger)
	lifecycle.SetDefaultMaxRetries(cfg.Orchestrator.MaxRetries)
	ad.SetReporter(lifecycle)

	scheduler := engine.NewScheduler(lifecycle, logger)
	lifecycle.SetScheduler(scheduler)

	gates := engine.NewGates(task.NewGateStore(store.DB()), store, lifecycle, logger)

	srv := server.New(cfg.Server.Addr, logger)
	srv.SetLifecycle(lifecycle)
	srv.SetScheduler(scheduler)
	srv.SetGates(gates)
	srv.SetBus(bus)
	srv.SetDefaultStrategy(task.Strategy(cfg.Orchestrator.DefaultStrategy))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
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
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
