package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
)

const fetchJob = "fetch-results"

// Scheduler runs Dispatcher.RunAll on a cron schedule. A run that is still
// going when the next one is due causes that tick to be skipped.
type Scheduler struct {
	scheduler  gocron.Scheduler
	dispatcher *Dispatcher
	cronExpr   string
	job        gocron.Job
	logger     zerolog.Logger
}

func NewScheduler(d *Dispatcher, cronExpr string, logger zerolog.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create cron scheduler: %w", err)
	}
	return &Scheduler{
		scheduler:  s,
		dispatcher: d,
		cronExpr:   cronExpr,
		logger:     logger.With().Str("component", "scheduler").Logger(),
	}, nil
}

// Start registers the fetch job and begins executing it. Cycles run with
// ctx, so cancelling ctx stops in-flight fetches.
func (s *Scheduler) Start(ctx context.Context) error {
	j, err := s.scheduler.NewJob(
		gocron.CronJob(s.cronExpr, false),
		gocron.NewTask(func() { s.run(ctx) }),
		gocron.WithName(fetchJob),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("create scheduled job %s: %w", fetchJob, err)
	}
	s.job = j
	s.scheduler.Start()
	s.logger.Info().Str("cron", s.cronExpr).Msg("scheduler started")
	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	reports, err := s.dispatcher.RunAll(ctx, CycleOptions{})
	if err != nil {
		s.logger.Error().Err(err).Msg("scheduled run failed")
		return
	}
	failed := 0
	for _, r := range reports {
		if r.Error != "" {
			failed++
		}
	}
	s.logger.Info().Int("processors", len(reports)).Int("failed", failed).Msg("scheduled run complete")
}

// NextRun returns when the fetch job fires next.
func (s *Scheduler) NextRun() (time.Time, error) {
	if s.job == nil {
		return time.Time{}, fmt.Errorf("scheduler not started")
	}
	return s.job.NextRun()
}

// Stop shuts down the scheduler and waits for a running job to finish.
func (s *Scheduler) Stop() error {
	return s.scheduler.Shutdown()
}
