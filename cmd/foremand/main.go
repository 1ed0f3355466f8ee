package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/foreman-io/foreman/internal/config"
	"github.com/foreman-io/foreman/internal/delegate"
	"github.com/foreman-io/foreman/internal/invoke"
	"github.com/foreman-io/foreman/internal/lock"
	"github.com/foreman-io/foreman/internal/progress"
	"github.com/foreman-io/foreman/internal/reserve"
	"github.com/foreman-io/foreman/internal/schedule"
	"github.com/foreman-io/foreman/internal/sprint"
	"github.com/foreman-io/foreman/internal/team"
	"github.com/foreman-io/foreman/internal/ticket"
)

func main() {
	configPath := flag.String("config", "", "Path to config JSON file")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("foremand starting", "project", cfg.Project.Name)

	if err := os.MkdirAll(cfg.Project.DataDir, 0o755); err != nil {
		logger.Error("failed to create data dir", "path", cfg.Project.DataDir, "error", err)
		os.Exit(1)
	}

	// single scheduler process per project: the store assumes one writer
	fl := lock.New(filepath.Join(cfg.Project.DataDir, "foreman.lock"))
	if err := fl.TryLock(); err != nil {
		logger.Error("failed to acquire project lock", "error", err)
		os.Exit(1)
	}
	defer fl.Unlock()

	store, err := ticket.NewSQLiteStore(filepath.Join(cfg.Project.DataDir, "foreman.db"), cfg.Project.TicketPrefix)
	if err != nil {
		logger.Error("failed to open ticket store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	templates, err := team.LoadTemplates(cfg.Project.TemplatesFile)
	if err != nil {
		logger.Error("failed to load team templates", "error", err)
		os.Exit(1)
	}

	plog := progress.NewLog(cfg.Project.DataDir)
	invoker := invoke.NewSubprocess(cfg.Worker.Command, cfg.Worker.Args, cfg.Project.Root, logger.With("component", "invoker"))
	engine := delegate.NewEngine(store, invoker, plog, cfg, logger.With("component", "delegate"))
	coordinator := team.NewCoordinator(store, engine, reserve.NewRegistry(), templates, plog, cfg, logger.With("component", "team"))
	scheduler := sprint.NewScheduler(store, engine, coordinator, plog, cfg, logger.With("component", "sprint"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	spec := cfg.Sprint.Schedule
	if spec == "" {
		spec = "@every 1h"
	}
	cron := schedule.New(func(ctx context.Context) {
		rep, err := scheduler.Run(ctx)
		if err != nil {
			logger.Error("sprint ended with error", "error", err, "iterations", rep.Iterations)
			return
		}
		logger.Info("sprint complete",
			"iterations", rep.Iterations, "done", rep.Done,
			"in_review", rep.InReview, "blocked", rep.Blocked)
	}, logger.With("component", "schedule"))
	if err := cron.Add(ctx, spec); err != nil {
		logger.Error("failed to register sprint schedule", "error", err)
		os.Exit(1)
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	cron.Start(ctx)
	logger.Info("foremand stopped")
}
