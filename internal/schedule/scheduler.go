// Package schedule runs the engine's periodic background jobs on cron specs.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Default job specs.
const (
	RevalidateSpec = "@hourly"
	ForcedSyncSpec = "@every 6h"
	GraceSweepSpec = "@hourly"
	UsagePruneSpec = "@every 15m"
)

// Job is a named periodic task.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// Scheduler runs jobs on their specs. Overlapping runs of the same job are
// skipped and panics are recovered.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	jobs   map[string]cron.EntryID
}

// New creates a stopped scheduler.
func New() *Scheduler {
	logger := cronLogger{logger: log.With().Str("component", "scheduler").Logger()}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   c,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]cron.EntryID),
	}
}

// Add registers a job. Jobs receive a context cancelled by Stop.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("schedule: job name and func are required")
	}
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("schedule: job %q already registered", job.Name)
	}

	id, err := s.cron.AddFunc(job.Spec, func() {
		start := time.Now()
		if err := job.Run(s.ctx); err != nil {
			log.Warn().Err(err).Str("job", job.Name).Msg("Scheduled job failed")
			return
		}
		log.Debug().Str("job", job.Name).Dur("elapsed", time.Since(start)).Msg("Scheduled job completed")
	})
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", job.Name, job.Spec, err)
	}
	s.jobs[job.Name] = id
	log.Info().Str("job", job.Name).Str("schedule", job.Spec).Msg("Scheduled job registered")
	return nil
}

// Next returns the next run time of a registered job.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	id, ok := s.jobs[name]
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels running jobs' context and stops the scheduler. The returned
// context is done once running jobs have returned.
func (s *Scheduler) Stop() context.Context {
	s.cancel()
	return s.cron.Stop()
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
