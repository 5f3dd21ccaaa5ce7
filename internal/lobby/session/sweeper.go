package session

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Sweeper runs Guard.Sweep on a fixed interval. It sweeps once on start so
// flags left behind by a previous process are cleared immediately.
type Sweeper struct {
	guard    *Guard
	clock    clock.Clock
	interval time.Duration
	logger   *zap.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewSweeper creates a Sweeper.
//
// Precondition: guard, clk and logger must be non-nil; interval must be > 0.
func NewSweeper(guard *Guard, clk clock.Clock, interval time.Duration, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		guard:    guard,
		clock:    clk,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start sweeps until ctx is cancelled or Stop is called.
//
// Postcondition: Returns nil after a clean stop.
func (s *Sweeper) Start(ctx context.Context) error {
	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stopCh:
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// Stop ends the sweep loop. It is safe to call more than once.
func (s *Sweeper) Stop(context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	return nil
}

func (s *Sweeper) sweep(ctx context.Context) {
	start := s.clock.Now()
	n, err := s.guard.Sweep(ctx)
	if err != nil {
		s.logger.Warn("session sweep incomplete", zap.Error(err))
	}
	if n > 0 {
		s.logger.Info("session sweep reclaimed stale sessions",
			zap.Int("count", n),
			zap.Duration("elapsed", s.clock.Since(start)),
		)
	}
}
