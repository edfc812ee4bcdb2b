package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cipherperp/cipherperp/internal/domain"
)

// defaultReconcileInterval bounds how often timed-out requests are rechecked.
const defaultReconcileInterval = 15 * time.Second

// RunReconciler watches timed-out requests for late inclusion. A broadcast
// transaction cannot be cancelled, so even abandoned requests are folded
// into the Store when their receipt eventually appears. Blocks until the
// context is cancelled.
func (c *Controller) RunReconciler(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = defaultReconcileInterval
	}

	c.logger.Info("reconciler started", slog.Duration("interval", interval))
	defer c.logger.Info("reconciler stopped")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.reconcileOnce(ctx)
		}
	}
}

// reconcileOnce polls receipts for every timed-out request and resolves the
// ones that finally landed.
func (c *Controller) reconcileOnce(ctx context.Context) {
	for _, req := range c.journal.timedOut() {
		c.mu.Lock()
		p := c.pending[req.ID]
		c.mu.Unlock()
		if p == nil {
			continue
		}

		receipt, err := c.chain.TransactionReceipt(ctx, req.TxHash)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				c.logger.Debug("reconcile receipt poll failed",
					slog.String("request_id", req.ID),
					slog.String("error", err.Error()),
				)
			}
			continue
		}

		c.logger.Info("late inclusion observed",
			slog.String("request_id", req.ID),
			slog.String("tx_hash", req.TxHash.Hex()),
		)
		if _, err := c.resolve(ctx, req.ID, p.key, p.tx, receipt); err != nil {
			c.logger.Warn("late inclusion resolve failed",
				slog.String("request_id", req.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}
