// Package schedule runs sprints on a cron cadence for the daemon.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// RunFunc is called when a scheduled sprint fires.
type RunFunc func(ctx context.Context)

// Scheduler manages cron-based sprint runs. Overlapping runs are
// skipped: a sprint firing while the previous one is still going is
// dropped with a warning, never queued.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	running bool
	run     RunFunc
	logger  *slog.Logger
}

// New creates a scheduler.
func New(run RunFunc, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{cron: cron.New(), run: run, logger: logger}
}

// Add registers a cron expression (5 fields, or @every forms).
func (s *Scheduler) Add(ctx context.Context, spec string) error {
	_, err := s.cron.AddFunc(spec, func() {
		if !s.tryBegin() {
			s.logger.Warn("sprint still running, skipping scheduled run", "schedule", spec)
			return
		}
		defer s.end()
		s.logger.Info("scheduled sprint firing", "schedule", spec)
		s.run(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule: invalid schedule %q: %w", spec, err)
	}
	s.logger.Info("sprint schedule registered", "schedule", spec)
	return nil
}

// Start begins the cron loop and blocks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron.Start()
	s.logger.Info("scheduler started")

	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
	return ctx.Err()
}

func (s *Scheduler) tryBegin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	return true
}

func (s *Scheduler) end() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}
