package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/cipherperp/cipherperp/internal/domain"
)

// QuoteSource reads the latest oracle quote and its freshness.
type QuoteSource interface {
	GetPrice(ctx context.Context, asset string) (domain.PriceQuote, error)
	IsFresh(ctx context.Context, asset string) (bool, error)
}

// PriceHandler serves the oracle price endpoint.
type PriceHandler struct {
	quotes QuoteSource
	asset  string
	logger *slog.Logger
}

// NewPriceHandler creates a PriceHandler for the configured market asset.
func NewPriceHandler(quotes QuoteSource, asset string, logger *slog.Logger) *PriceHandler {
	return &PriceHandler{quotes: quotes, asset: asset, logger: logger}
}

// GetPrice returns the latest quote with its freshness verdict. The asset
// defaults to the configured market, overridable with ?asset=.
// GET /api/price
func (h *PriceHandler) GetPrice(w http.ResponseWriter, r *http.Request) {
	asset := r.URL.Query().Get("asset")
	if asset == "" {
		asset = h.asset
	}

	quote, err := h.quotes.GetPrice(r.Context(), asset)
	if err != nil {
		h.logger.WarnContext(r.Context(), "handler: get price failed",
			slog.String("asset", asset),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	fresh, err := h.quotes.IsFresh(r.Context(), asset)
	if err != nil {
		fresh = false
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"asset":     quote.Asset,
		"price":     quote.Price,
		"decimals":  quote.Decimals,
		"value":     quote.Float(),
		"fresh":     fresh,
		"timestamp": quote.Timestamp.UTC().Format(time.RFC3339),
	})
}
