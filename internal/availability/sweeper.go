package availability

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper runs the staleness sweep on a fixed cadence so providers that
// stopped heartbeating cannot keep receiving offers.
type Sweeper struct {
	cron   *cron.Cron
	logger *slog.Logger
}

func NewSweeper(tracker *Tracker, every time.Duration, logger *slog.Logger) (*Sweeper, error) {
	c := cron.New()
	spec := fmt.Sprintf("@every %s", every)
	if _, err := c.AddFunc(spec, func() { tracker.SweepStale() }); err != nil {
		return nil, fmt.Errorf("schedule staleness sweep: %w", err)
	}
	return &Sweeper{cron: c, logger: logger}, nil
}

func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info("staleness sweeper started")
}

// Stop waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
