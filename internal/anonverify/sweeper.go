package anonverify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// sweepParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow).
var sweepParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// SweeperConfig holds the dependencies for the expiry sweeper.
type SweeperConfig struct {
	Engine   *Engine
	Logger   *slog.Logger
	Schedule string // cron expression; defaults to every 15 minutes
}

// Sweeper periodically runs the commitment expiry sweep on a cron
// schedule. Overlap protection lives in the engine, so an external
// trigger racing the schedule is safe.
type Sweeper struct {
	engine   *Engine
	logger   *slog.Logger
	schedule cronlib.Schedule

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a Sweeper with the given config.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = "*/15 * * * *"
	}
	schedule, err := sweepParser.Parse(expr)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{engine: cfg.Engine, logger: logger, schedule: schedule}, nil
}

// Start begins the sweep loop in a background goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("commitment expiry sweeper started", "next_run_at", s.schedule.Next(time.Now()))
}

// Stop cancels the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("commitment expiry sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.run(ctx)
		}
	}
}

func (s *Sweeper) run(ctx context.Context) {
	revoked, err := s.engine.CleanupExpiredCommitments(ctx)
	if err != nil {
		s.logger.Error("expiry sweep failed", "error", err)
		return
	}
	if revoked > 0 {
		s.logger.Info("expiry sweep revoked commitments", "revoked", revoked)
	}
}
