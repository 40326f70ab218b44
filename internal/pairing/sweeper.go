package pairing

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const DefaultSweepInterval = 5 * time.Second

// Sweeper periodically evicts lapsed tokens, independent of request traffic.
type Sweeper struct {
	manager  *Manager
	interval time.Duration
	logger   *zap.Logger
}

func NewSweeper(manager *Manager, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{manager: manager, interval: interval, logger: logger}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info("pairing sweeper started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("pairing sweeper stopped")
			return
		case <-ticker.C:
			s.SweepOnce()
		}
	}
}

// SweepOnce runs a single eviction pass.
func (s *Sweeper) SweepOnce() int {
	evicted := s.manager.Sweep()
	if evicted > 0 {
		s.logger.Debug("pairing tokens evicted",
			zap.Int("evicted", evicted),
			zap.Int("remaining", s.manager.Len()))
	}
	return evicted
}
