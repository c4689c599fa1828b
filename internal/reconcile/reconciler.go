// Package reconcile verifies that the funds provider's view of the world
// matches the escrow store. Providers with asynchronous settlement (on-chain
// transfers) report success later than the engine records it; this sweep
// surfaces transfers that ultimately failed and closes dispute records left
// open by automatic resolutions.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/quaymarket/quay/internal/circuitbreaker"
	"github.com/quaymarket/quay/internal/dispute"
	"github.com/quaymarket/quay/internal/escrow"
	"github.com/quaymarket/quay/internal/funds"
	"github.com/quaymarket/quay/internal/metrics"
)

// batchSize bounds how many escrows one pass inspects per status.
const batchSize = 100

// verifiedStatuses are the states whose last transfer is worth checking.
var verifiedStatuses = []escrow.Status{
	escrow.StatusFunded,
	escrow.StatusReleased,
	escrow.StatusRefunded,
	escrow.StatusAutoResolved,
}

// Reconciler periodically cross-checks recorded transfers against the
// provider and tidies up dispute records.
type Reconciler struct {
	store    escrow.Store
	provider funds.Provider
	disputes *dispute.Service
	breaker  *circuitbreaker.Breaker
	logger   *slog.Logger
	interval time.Duration
	stop     chan struct{}
	running  atomic.Bool
}

// New creates a reconciler. disputes may be nil when dispute records are
// managed elsewhere.
func New(store escrow.Store, provider funds.Provider, disputes *dispute.Service, interval time.Duration, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Reconciler{
		store:    store,
		provider: provider,
		disputes: disputes,
		breaker:  circuitbreaker.New(5, 30*time.Second),
		logger:   logger,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the reconcile loop is actively running.
func (r *Reconciler) Running() bool {
	return r.running.Load()
}

// Start begins the reconcile loop. Call in a goroutine.
func (r *Reconciler) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.safeRun(ctx)
		}
	}
}

// Stop signals the reconciler to stop.
func (r *Reconciler) Stop() {
	select {
	case r.stop <- struct{}{}:
	default:
	}
}

func (r *Reconciler) safeRun(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in reconciler", "panic", fmt.Sprint(rec))
		}
	}()
	r.Run(ctx)
}

// Run executes one reconciliation pass. Exposed so admin endpoints can
// trigger it on demand.
func (r *Reconciler) Run(ctx context.Context) {
	failed, err := r.VerifyTransfers(ctx)
	if err != nil {
		metrics.SweepRunsTotal.WithLabelValues("reconcile_transfers", "error").Inc()
		r.logger.Warn("transfer verification failed", "error", err)
	} else {
		metrics.SweepRunsTotal.WithLabelValues("reconcile_transfers", "ok").Inc()
		if failed > 0 {
			r.logger.Warn("transfers reported failed by provider", "count", failed)
		}
	}

	if r.disputes != nil {
		closed, err := r.disputes.CloseOrphaned(ctx, batchSize)
		if err != nil {
			metrics.SweepRunsTotal.WithLabelValues("reconcile_disputes", "error").Inc()
			r.logger.Warn("orphaned dispute sweep failed", "error", err)
		} else {
			metrics.SweepRunsTotal.WithLabelValues("reconcile_disputes", "ok").Inc()
			if closed > 0 {
				r.logger.Info("closed orphaned dispute records", "count", closed)
			}
		}
	}
}

// VerifyTransfers asks the provider for the status of each recorded transfer
// handle and counts those it reports as failed. A failed settlement after a
// committed transition needs operator attention; it is logged at error level
// with the full context.
func (r *Reconciler) VerifyTransfers(ctx context.Context) (int, error) {
	key := "provider:" + r.provider.Name()
	failed := 0

	for _, status := range verifiedStatuses {
		escrows, err := r.store.ListByStatus(ctx, status, batchSize)
		if err != nil {
			return failed, fmt.Errorf("list %s escrows: %w", status, err)
		}
		for _, e := range escrows {
			if e.TransactionSignature == "" {
				continue
			}
			if !r.breaker.Allow(key) {
				r.logger.Debug("provider circuit open, skipping verification", "provider", r.provider.Name())
				return failed, nil
			}

			st, err := r.provider.Status(ctx, e.TransactionSignature)
			if err != nil {
				if errors.Is(err, funds.ErrTransferNotFound) {
					r.breaker.Success(key)
					r.logger.Warn("recorded transfer unknown to provider",
						"escrow_id", e.ID, "handle", e.TransactionSignature)
					continue
				}
				r.breaker.Failure(key)
				r.logger.Warn("transfer status lookup failed",
					"escrow_id", e.ID, "error", err)
				continue
			}
			r.breaker.Success(key)

			if st == funds.TransferFailed {
				failed++
				r.logger.Error("settled transition backed by a failed transfer",
					"escrow_id", e.ID,
					"status", e.Status,
					"handle", e.TransactionSignature,
					"amount", e.Amount,
					"currency", e.Currency,
				)
			}
		}
	}
	return failed, nil
}
