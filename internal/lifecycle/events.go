package lifecycle

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cipherperp/cipherperp/internal/domain"
)

// ChannelLifecycle is the signal bus channel request updates are published on.
const ChannelLifecycle = "lifecycle"

// publish emits a request snapshot on the signal bus. Publication is best
// effort; a bus outage never blocks the state machine.
func (c *Controller) publish(ctx context.Context, req domain.TransactionRequest, event string) {
	if c.bus == nil {
		return
	}

	evt, _ := json.Marshal(map[string]any{
		"event":       event,
		"request_id":  req.ID,
		"kind":        string(req.Kind),
		"state":       string(req.State),
		"position_id": req.PositionID,
		"tx_hash":     req.TxHash.Hex(),
		"reason":      req.Reason,
		"abandoned":   req.Abandoned,
		"timestamp":   req.UpdatedAt.Format(time.RFC3339Nano),
	})
	if err := c.bus.Publish(ctx, ChannelLifecycle, evt); err != nil {
		c.logger.Warn("publish request update failed",
			slog.String("request_id", req.ID),
			slog.String("error", err.Error()),
		)
	}
}

// alert pushes an operator notification, best effort.
func (c *Controller) alert(ctx context.Context, event, title, message string) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.Notify(ctx, event, title, message); err != nil {
		c.logger.Warn("notification failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// auditLog records a lifecycle decision in the audit store, best effort.
func (c *Controller) auditLog(ctx context.Context, event string, detail map[string]any) {
	if c.audit == nil {
		return
	}
	if err := c.audit.Log(ctx, event, detail); err != nil {
		c.logger.Warn("audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
