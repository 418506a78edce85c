// Package cron provides the retention sweeper: on a cron schedule it
// evicts terminal tasks from the engine and prunes aged rows from the
// usage ledger and the audit log.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/visionforge/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// TaskEvictor is the slice of the engine the sweeper needs.
type TaskEvictor interface {
	EvictTerminalTasks() int
}

// Config holds the dependencies for the retention sweeper.
type Config struct {
	Store   *persistence.Store
	Evictor TaskEvictor
	Logger  *slog.Logger

	// Schedule is a 5-field cron expression, e.g. "*/5 * * * *".
	Schedule string

	// UsageEventsRetention and AuditLogRetention bound how long raw rows
	// live. Rollup tables are never pruned. Zero disables pruning.
	UsageEventsRetention time.Duration
	AuditLogRetention    time.Duration
}

// Sweeper runs the retention pass whenever its cron schedule fires.
type Sweeper struct {
	cfg    Config
	logger *slog.Logger
	sched  cronlib.Schedule

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper parses the schedule and builds the sweeper.
func NewSweeper(cfg Config) (*Sweeper, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "*/5 * * * *"
	}
	sched, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	return &Sweeper{cfg: cfg, logger: logger, sched: sched}, nil
}

// Start begins the sweep loop. It runs in a background goroutine and
// respects the provided context for shutdown.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention sweeper started", "schedule", s.cfg.Schedule)
}

// Stop cancels the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("retention sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		now := time.Now()
		next := s.sched.Next(now)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one retention pass. Exported so startup and tests can
// trigger it directly.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := time.Now()

	if s.cfg.Evictor != nil {
		if evicted := s.cfg.Evictor.EvictTerminalTasks(); evicted > 0 {
			s.logger.Info("sweep: terminal tasks evicted", "count", evicted)
		}
	}

	if s.cfg.Store == nil {
		return
	}
	if s.cfg.UsageEventsRetention > 0 {
		cutoff := now.Add(-s.cfg.UsageEventsRetention)
		pruned, err := s.cfg.Store.PruneUsageEventsBefore(ctx, cutoff)
		if err != nil {
			s.logger.Error("sweep: prune usage events failed", "error", err)
		} else if pruned > 0 {
			s.logger.Info("sweep: usage events pruned", "count", pruned, "cutoff", cutoff)
		}
	}
	if s.cfg.AuditLogRetention > 0 {
		cutoff := now.Add(-s.cfg.AuditLogRetention)
		pruned, err := s.cfg.Store.PruneAuditLogBefore(ctx, cutoff)
		if err != nil {
			s.logger.Error("sweep: prune audit log failed", "error", err)
		} else if pruned > 0 {
			s.logger.Info("sweep: audit log pruned", "count", pruned, "cutoff", cutoff)
		}
	}
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
