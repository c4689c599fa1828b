package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/quaymarket/quay/internal/metrics"
)

// sweepBatchSize bounds how many escrows a single pass touches per job.
const sweepBatchSize = 100

// Sweeper periodically drives the time-based parts of the lifecycle:
// auto-release, dispute auto-resolution, funding retries for fully-signed
// multi-sig escrows, expired-funding cancellation, and stuck split legs.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewSweeper creates a lifecycle sweeper around the engine.
func NewSweeper(engine *Engine, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		engine:   engine,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in escrow sweeper", "panic", fmt.Sprint(r))
		}
	}()
	s.Sweep(ctx)
}

// Sweep runs every sweep job once. Exposed so admin endpoints can trigger a
// pass on demand.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.run(ctx, "auto_release", s.engine.ProcessAutoRelease)
	s.run(ctx, "auto_resolve", s.engine.ProcessAutoResolutions)
	s.run(ctx, "funding_retry", s.engine.RetryPendingFunding)
	s.run(ctx, "cancel_expired", s.engine.CancelExpiredFunding)
	s.run(ctx, "finish_splits", s.engine.FinishStuckSplits)
}

func (s *Sweeper) run(ctx context.Context, name string, job func(context.Context, int) (int, error)) {
	n, err := job(ctx, sweepBatchSize)
	if err != nil {
		metrics.SweepRunsTotal.WithLabelValues(name, "error").Inc()
		s.logger.Warn("sweep job failed", "sweep", name, "error", err)
		return
	}
	metrics.SweepRunsTotal.WithLabelValues(name, "ok").Inc()
	if n > 0 {
		s.logger.Info("sweep job processed escrows", "sweep", name, "count", n)
	}
}
