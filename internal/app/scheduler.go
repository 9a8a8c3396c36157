package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/hemant07j07/eventstore/internal/logging"
	"github.com/hemant07j07/eventstore/internal/metrics"
)

// JobFunc is one scheduled unit of work.
type JobFunc func(ctx context.Context) error

// Scheduler runs named jobs on cron specs as a suture service. A job
// still running when its next tick arrives skips that tick.
type Scheduler struct {
	cron        *cron.Cron
	logger      zerolog.Logger
	stopTimeout time.Duration

	mu  sync.RWMutex
	ctx context.Context
}

// NewScheduler returns a scheduler evaluating specs in loc.
func NewScheduler(loc *time.Location, logger zerolog.Logger) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	cl := cronLogger{logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger:      logger,
		stopTimeout: 30 * time.Second,
		ctx:         context.Background(),
	}
}

// Add registers fn under name. spec is a standard five-field cron spec or
// a descriptor such as "@every 1h".
func (s *Scheduler) Add(name, spec string, fn JobFunc) error {
	if _, err := s.cron.AddJob(spec, cron.FuncJob(s.wrap(name, fn))); err != nil {
		return fmt.Errorf("app: scheduling %s: %w", name, err)
	}
	s.logger.Info().Str("job", name).Str("spec", spec).Msg("job scheduled")
	return nil
}

// Len returns the number of scheduled jobs.
func (s *Scheduler) Len() int { return len(s.cron.Entries()) }

func (s *Scheduler) wrap(name string, fn JobFunc) func() {
	return func() {
		s.mu.RLock()
		ctx := s.ctx
		s.mu.RUnlock()
		if ctx.Err() != nil {
			return
		}

		ctx = logging.ContextWithNewCorrelationID(ctx)
		logger := s.logger.With().Str("job", name).Str("correlation_id", logging.CorrelationIDFromContext(ctx)).Logger()
		ctx = logging.ContextWithLogger(ctx, logger)

		start := time.Now()
		err := fn(ctx)
		metrics.ObserveJob(name, time.Since(start), err)
		if err != nil {
			logger.Error().Err(err).Dur("duration", time.Since(start)).Msg("job failed")
			return
		}
		logger.Info().Dur("duration", time.Since(start)).Msg("job finished")
	}
}

// Serve implements suture.Service. Jobs started by this scheduler see ctx
// and are given stopTimeout to finish once it is canceled.
func (s *Scheduler) Serve(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	<-ctx.Done()

	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
	case <-time.After(s.stopTimeout):
		s.logger.Warn().Msg("scheduler stopped with jobs still running")
	}
	return ctx.Err()
}

func (s *Scheduler) String() string { return "scheduler" }

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct{ l zerolog.Logger }

func (c cronLogger) Info(msg string, kv ...any) {
	c.l.Debug().Fields(kv).Msg("cron: " + msg)
}

func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.l.Error().Err(err).Fields(kv).Msg("cron: " + msg)
}
