package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cipherperp/cipherperp/internal/domain"
	"github.com/cipherperp/cipherperp/internal/lifecycle"
)

// TradeDriver starts trade submissions and manages their requests.
type TradeDriver interface {
	StartOpen(ctx context.Context, p lifecycle.OpenParams) (domain.TransactionRequest, error)
	StartClose(ctx context.Context, positionID uint64) (domain.TransactionRequest, error)
	Abandon(ctx context.Context, requestID string) error
}

// RequestReader reads the request journal.
type RequestReader interface {
	Get(id string) (domain.TransactionRequest, error)
	List() []domain.TransactionRequest
}

// TradeHandler serves trade submission and request inspection endpoints.
type TradeHandler struct {
	driver   TradeDriver
	requests RequestReader
	logger   *slog.Logger
}

// NewTradeHandler creates a TradeHandler.
func NewTradeHandler(driver TradeDriver, requests RequestReader, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{
		driver:   driver,
		requests: requests,
		logger:   logger,
	}
}

type openRequest struct {
	Size       string `json:"size"`
	Collateral string `json:"collateral"`
	Leverage   int    `json:"leverage"`
	Side       string `json:"side"`
}

// requestDTO renders a TransactionRequest for API consumers.
type requestDTO struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Trader      string          `json:"trader"`
	PositionID  uint64          `json:"position_id,omitempty"`
	State       string          `json:"state"`
	TxHash      string          `json:"tx_hash,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Abandoned   bool            `json:"abandoned,omitempty"`
	CreatedAt   string          `json:"created_at"`
	UpdatedAt   string          `json:"updated_at"`
	Transitions []transitionDTO `json:"transitions,omitempty"`
}

type transitionDTO struct {
	From string `json:"from"`
	To   string `json:"to"`
	At   string `json:"at"`
}

func toRequestDTO(req domain.TransactionRequest) requestDTO {
	dto := requestDTO{
		ID:         req.ID,
		Kind:       string(req.Kind),
		Trader:     req.Trader.Hex(),
		PositionID: req.PositionID,
		State:      string(req.State),
		Reason:     req.Reason,
		Abandoned:  req.Abandoned,
		CreatedAt:  req.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:  req.UpdatedAt.Format(time.RFC3339Nano),
	}
	if req.TxHash != (common.Hash{}) {
		dto.TxHash = req.TxHash.Hex()
	}
	for _, tr := range req.Transitions {
		dto.Transitions = append(dto.Transitions, transitionDTO{
			From: string(tr.From),
			To:   string(tr.To),
			At:   tr.At.Format(time.RFC3339Nano),
		})
	}
	return dto
}

// OpenPosition starts an open submission and returns the accepted request.
// Progress streams over the lifecycle WS channel and GET /api/requests/{id}.
// POST /api/trade/open
func (h *TradeHandler) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var body openRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	size, ok := new(big.Int).SetString(body.Size, 10)
	if !ok {
		writeError(w, http.StatusBadRequest, "size must be a decimal integer string")
		return
	}
	collateral, ok := new(big.Int).SetString(body.Collateral, 10)
	if !ok {
		writeError(w, http.StatusBadRequest, "collateral must be a decimal integer string")
		return
	}

	params := lifecycle.OpenParams{
		Size:       size,
		Collateral: collateral,
		Leverage:   body.Leverage,
		Side:       domain.Side(body.Side),
	}

	req, err := h.driver.StartOpen(r.Context(), params)
	if err != nil {
		h.logger.WarnContext(r.Context(), "handler: open rejected",
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toRequestDTO(req))
}

// ClosePosition starts a close submission for a position id.
// POST /api/trade/close/{id}
func (h *TradeHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid position id")
		return
	}

	req, err := h.driver.StartClose(r.Context(), id)
	if err != nil {
		h.logger.WarnContext(r.Context(), "handler: close rejected",
			slog.Uint64("position_id", id),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toRequestDTO(req))
}

// ListRequests returns every request the controller has driven.
// GET /api/requests
func (h *TradeHandler) ListRequests(w http.ResponseWriter, r *http.Request) {
	reqs := h.requests.List()
	out := make([]requestDTO, 0, len(reqs))
	for _, req := range reqs {
		out = append(out, toRequestDTO(req))
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": out})
}

// GetRequest returns one request with its transition history.
// GET /api/requests/{id}
func (h *TradeHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.requests.Get(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(req))
}

// AbandonRequest gives up on a timed-out request.
// POST /api/requests/{id}/abandon
func (h *TradeHandler) AbandonRequest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.driver.Abandon(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "abandoned", "id": id})
}
