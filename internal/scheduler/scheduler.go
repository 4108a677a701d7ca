// Package scheduler runs sync cycles on a configurable interval and
// lets the interval be changed while the loop is running.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	apperrors "github.com/alexjbarnes/readwise-sync/internal/errors"
)

// runner is the sync engine surface the scheduler drives. *syncer.Syncer
// satisfies it.
type runner interface {
	RunOnce(ctx context.Context) error
	Resume(ctx context.Context) error
}

// Scheduler triggers sync cycles on a fixed interval. An interval of
// zero disables the timer entirely; cycles then only happen at startup
// or through Reschedule.
type Scheduler struct {
	runner   runner
	logger   *slog.Logger
	interval time.Duration

	// resetC carries interval changes into the run loop. Buffered so
	// Reschedule never blocks when the loop is mid-cycle.
	resetC chan time.Duration
}

// New creates a Scheduler. intervalMinutes <= 0 means manual-only.
func New(r runner, intervalMinutes int, logger *slog.Logger) *Scheduler {
	var interval time.Duration
	if intervalMinutes > 0 {
		interval = time.Duration(intervalMinutes) * time.Minute
	}

	return &Scheduler{
		runner:   r,
		logger:   logger,
		interval: interval,
		resetC:   make(chan time.Duration, 1),
	}
}

// Reschedule changes the sync interval of a running loop. Zero or
// negative minutes stops periodic syncing. Calling before Run starts is
// fine; the loop drains the channel on entry.
func (s *Scheduler) Reschedule(intervalMinutes int) {
	var interval time.Duration
	if intervalMinutes > 0 {
		interval = time.Duration(intervalMinutes) * time.Minute
	}

	// Replace any undelivered reset so the latest value wins.
	select {
	case <-s.resetC:
	default:
	}

	s.resetC <- interval
}

// Run blocks until the context is cancelled. Any sync interrupted by a
// previous shutdown is resumed first; then, if syncOnStart is set, a
// fresh cycle runs before the timer starts.
func (s *Scheduler) Run(ctx context.Context, syncOnStart bool) error {
	if err := s.runner.Resume(ctx); err != nil {
		s.logger.Error("resuming interrupted sync", slog.String("error", err.Error()))
	}

	if syncOnStart {
		s.runCycle(ctx)
	}

	ticker, tickC := s.newTicker(s.interval)
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case interval := <-s.resetC:
			if ticker != nil {
				ticker.Stop()
			}

			s.interval = interval
			ticker, tickC = s.newTicker(interval)

			if interval > 0 {
				s.logger.Info("sync interval changed", slog.Duration("interval", interval))
			} else {
				s.logger.Info("periodic sync disabled")
			}

		case <-tickC:
			s.runCycle(ctx)
		}
	}
}

// newTicker returns a ticker and its channel, or a nil ticker and nil
// channel when periodic syncing is off. A nil channel blocks forever in
// select, which is exactly the disabled behavior.
func (s *Scheduler) newTicker(interval time.Duration) (*time.Ticker, <-chan time.Time) {
	if interval <= 0 {
		return nil, nil
	}

	t := time.NewTicker(interval)

	return t, t.C
}

// runCycle runs one sync and absorbs expected failures. An overlapping
// cycle is skipped, not an error; a failed cycle is logged and the next
// tick retries.
func (s *Scheduler) runCycle(ctx context.Context) {
	err := s.runner.RunOnce(ctx)
	if err == nil {
		return
	}

	if errors.Is(err, apperrors.ErrSyncInProgress) {
		s.logger.Debug("sync already running, skipping scheduled cycle")
		return
	}

	if ctx.Err() != nil {
		return
	}

	s.logger.Error("scheduled sync failed", slog.String("error", err.Error()))
}
