package escrow

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper periodically releases delivered orders whose confirmation window
// has expired. It is idempotent: running two sweepers against the same store
// releases each order once, the loser of the version race skips it.
type Sweeper struct {
	controller *Controller
	logger     *slog.Logger
	schedule   string
	cron       *cron.Cron
}

func NewSweeper(controller *Controller, logger *slog.Logger, schedule string) *Sweeper {
	if schedule == "" {
		schedule = "@every 1m"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		controller: controller,
		logger:     logger,
		schedule:   schedule,
	}
}

// Start schedules the sweep and returns immediately.
func (s *Sweeper) Start() error {
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.Sweep(ctx, time.Now().UTC())
	}); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("auto-release sweeper started", "schedule", s.schedule)
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Sweep runs one pass. Exposed so the reconciler and tests can trigger it
// directly.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) {
	released, err := s.controller.ReleaseDue(ctx, now)
	if err != nil {
		s.logger.Error("auto-release sweep failed", "error", err)
		return
	}
	if released > 0 {
		s.logger.Info("auto-release sweep", "released", released)
	}
}
