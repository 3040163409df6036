package payment

import (
	"context"
	"time"

	"matchpay/internal/logger"
)

// StartReconciler settles payments whose webhook was lost or arrived out of
// order. It runs once right away, then every interval until ctx is done.
func (o *Orchestrator) StartReconciler(ctx context.Context, interval, olderThan time.Duration) {
	logger.Info("payment reconciler started", "interval", interval.String(), "older_than", olderThan.String())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		o.reconcileTick(ctx, olderThan)
		select {
		case <-ctx.Done():
			logger.Info("payment reconciler stopped")
			return
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) reconcileTick(ctx context.Context, olderThan time.Duration) {
	if ctx.Err() != nil {
		return
	}
	settled, err := o.ReconcileUnsettled(ctx, olderThan)
	if err != nil {
		logger.Error("payment reconciliation failed", "error", err)
		return
	}
	if settled > 0 {
		logger.Info("payments reconciled", "settled", settled)
	}
}
