// Package scheduler runs the background suspend data compaction.
package scheduler

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-scorm-api/internal/observability"
	"github.com/noah-isme/gema-scorm-api/internal/service"
)

// Compactor is the part of the suspend data service the scheduler drives.
type Compactor interface {
	CompactPending(ctx context.Context, budget time.Duration) (service.CompactionReport, error)
}

// Scheduler manages scheduled tasks for the application.
type Scheduler struct {
	scheduler *gocron.Scheduler
	compactor Compactor
	interval  time.Duration
	budget    time.Duration
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler that compacts every interval, spending at most budget per run.
func New(compactor Compactor, interval, budget time.Duration, logger zerolog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		scheduler: gocron.NewScheduler(time.UTC),
		compactor: compactor,
		interval:  interval,
		budget:    budget,
		logger:    logger.With().Str("component", "scheduler").Logger(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins running all scheduled tasks.
func (s *Scheduler) Start() error {
	// Runs never overlap.
	if _, err := s.scheduler.Every(s.interval).SingletonMode().Do(s.RunOnce, s.ctx); err != nil {
		return err
	}

	s.scheduler.StartAsync()
	s.logger.Info().Dur("interval", s.interval).Dur("budget", s.budget).Msg("compaction scheduled")
	return nil
}

// Stop terminates all scheduled tasks and abandons a run in progress after
// its current attempt.
func (s *Scheduler) Stop() {
	s.cancel()
	s.scheduler.Stop()
}

// RunOnce compacts pending attempts until the budget is spent.
func (s *Scheduler) RunOnce(ctx context.Context) {
	started := time.Now()
	report, err := s.compactor.CompactPending(ctx, s.budget)
	observability.CompactionDuration().Observe(time.Since(started).Seconds())
	if err != nil {
		s.logger.Error().Err(err).Msg("compaction run failed")
		return
	}

	if report.Attempts == 0 && report.Failed == 0 {
		return
	}

	s.logger.Info().
		Int("attempts", report.Attempts).
		Int("elements", report.Elements).
		Int("failed", report.Failed).
		Int("remaining", report.Remaining).
		Dur("elapsed", report.Elapsed).
		Msg("suspend data compacted")
}
