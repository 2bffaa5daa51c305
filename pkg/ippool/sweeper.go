package ippool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Sweeper periodically reclaims expired leases across all pools. It is the
// only background task in the leasing layer and is idempotent and
// interruptible: a run cut short leaves expired entries for the next tick.
type Sweeper struct {
	allocator *Allocator
	logger    *zap.Logger
	interval  time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running int32
}

// NewSweeper creates a sweeper over the allocator. A zero interval defaults
// to 30 seconds.
func NewSweeper(a *Allocator, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval == 0 {
		interval = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		allocator: a,
		logger:    logger,
		interval:  interval,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start() error {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return fmt.Errorf("sweeper already running")
	}

	s.logger.Info("Starting lease sweeper", zap.Duration("interval", s.interval))

	s.wg.Add(1)
	go s.loop()
	return nil
}

// Stop halts the sweep loop and waits for the current run to finish.
func (s *Sweeper) Stop() {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.logger.Info("Lease sweeper stopped")
}

func (s *Sweeper) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.allocator.SweepAll(s.ctx); err != nil {
				s.logger.Warn("Sweep run failed", zap.Error(err))
			}
		}
	}
}
