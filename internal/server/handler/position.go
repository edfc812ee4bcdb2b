package handler

import (
	"context"
	"encoding/hex"
	"log/slog"
	"net/http"
	"time"

	"github.com/cipherperp/cipherperp/internal/domain"
)

// PositionView is the slice of the Position Store the handler reads.
type PositionView interface {
	Snapshot() []domain.Position
	OpenPositions() []domain.Position
	Get(id uint64) (domain.Position, error)
}

// RiskView computes on-demand risk snapshots for open positions.
type RiskView interface {
	Snapshots(ctx context.Context) ([]domain.RiskSnapshot, error)
}

// PositionHandler serves position and risk endpoints.
type PositionHandler struct {
	positions PositionView
	risks     RiskView
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(positions PositionView, risks RiskView, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		risks:     risks,
		logger:    logger,
	}
}

// positionDTO renders a Position with hex handles and a float entry price.
type positionDTO struct {
	ID                  uint64  `json:"id"`
	Trader              string  `json:"trader"`
	Side                string  `json:"side"`
	EncryptedSize       string  `json:"encrypted_size"`
	EncryptedCollateral string  `json:"encrypted_collateral"`
	EntryPrice          float64 `json:"entry_price"`
	Leverage            int     `json:"leverage"`
	OpenedAt            string  `json:"opened_at"`
	IsOpen              bool    `json:"is_open"`
}

func toDTO(p domain.Position) positionDTO {
	return positionDTO{
		ID:                  p.ID,
		Trader:              p.Trader.Hex(),
		Side:                string(p.Side),
		EncryptedSize:       "0x" + hex.EncodeToString(p.EncryptedSize[:]),
		EncryptedCollateral: "0x" + hex.EncodeToString(p.EncryptedCollateral[:]),
		EntryPrice:          p.EntryPriceFloat(),
		Leverage:            p.Leverage,
		OpenedAt:            p.OpenedAt.UTC().Format(time.RFC3339),
		IsOpen:              p.IsOpen,
	}
}

// ListPositions returns the trader's known positions. With ?open=true only
// open ones are returned.
// GET /api/positions
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	var positions []domain.Position
	if r.URL.Query().Get("open") == "true" {
		positions = h.positions.OpenPositions()
	} else {
		positions = h.positions.Snapshot()
	}

	out := make([]positionDTO, 0, len(positions))
	for _, p := range positions {
		out = append(out, toDTO(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": out})
}

// GetPosition returns a single position by id.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid position id")
		return
	}

	pos, err := h.positions.Get(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDTO(pos))
}

// ListRisk returns current risk snapshots for every open position, computed
// from a freshness-checked quote.
// GET /api/risk
func (h *PositionHandler) ListRisk(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.risks.Snapshots(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: risk snapshots failed",
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}
	if snaps == nil {
		snaps = []domain.RiskSnapshot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"risk": snaps})
}
