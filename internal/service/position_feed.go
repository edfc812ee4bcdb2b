package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cipherperp/cipherperp/internal/domain"
	"github.com/cipherperp/cipherperp/internal/store"
)

// ChannelPositions is the signal bus channel carrying position change events.
const ChannelPositions = "positions"

// PositionFeed mirrors Store change notifications onto the signal bus so
// WebSocket clients and other processes see position churn as it happens.
type PositionFeed struct {
	store  *store.Store
	bus    domain.SignalBus
	logger *slog.Logger
}

func NewPositionFeed(st *store.Store, bus domain.SignalBus, logger *slog.Logger) *PositionFeed {
	return &PositionFeed{
		store:  st,
		bus:    bus,
		logger: logger.With(slog.String("component", "position_feed")),
	}
}

// Run forwards store events until the context is cancelled.
func (f *PositionFeed) Run(ctx context.Context) error {
	events, cancel := f.store.Subscribe()
	defer cancel()

	f.logger.Info("position feed started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			f.publish(ctx, ev)
		}
	}
}

func (f *PositionFeed) publish(ctx context.Context, ev domain.PositionEvent) {
	p := ev.Position
	payload, err := json.Marshal(map[string]any{
		"event":       "position_" + ev.Type,
		"position_id": p.ID,
		"trader":      p.Trader.Hex(),
		"side":        p.Side,
		"entry_price": p.EntryPriceFloat(),
		"leverage":    p.Leverage,
		"is_open":     p.IsOpen,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}

	if err := f.bus.Publish(ctx, ChannelPositions, payload); err != nil {
		f.logger.Warn("failed to publish position event",
			slog.Uint64("position_id", p.ID),
			slog.String("error", err.Error()),
		)
	}
}
