package oracle

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cipherperp/cipherperp/internal/domain"
)

// ChannelPrices is the signal bus channel price updates are published on.
const ChannelPrices = "prices"

func publishQuote(ctx context.Context, bus domain.SignalBus, logger *slog.Logger, quote domain.PriceQuote) {
	evt, _ := json.Marshal(map[string]any{
		"event":     "price_update",
		"asset":     quote.Asset,
		"price":     quote.Price,
		"decimals":  quote.Decimals,
		"value":     quote.Float(),
		"timestamp": quote.Timestamp.Format(time.RFC3339Nano),
	})
	if err := bus.Publish(ctx, ChannelPrices, evt); err != nil {
		logger.Warn("publish price update failed",
			slog.String("asset", quote.Asset),
			slog.String("error", err.Error()),
		)
	}
}
