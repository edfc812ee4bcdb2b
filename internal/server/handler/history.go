package handler

import (
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cipherperp/cipherperp/internal/domain"
)

// HistoryHandler serves persisted position history and the audit trail.
// Both backends are optional; routes are only registered when present.
type HistoryHandler struct {
	history domain.PositionHistoryStore
	audit   domain.AuditStore
	trader  common.Address
	logger  *slog.Logger
}

// NewHistoryHandler creates a HistoryHandler for the daemon's wallet.
func NewHistoryHandler(history domain.PositionHistoryStore, audit domain.AuditStore, trader common.Address, logger *slog.Logger) *HistoryHandler {
	return &HistoryHandler{
		history: history,
		audit:   audit,
		trader:  trader,
		logger:  logger,
	}
}

// ListHistory returns the trader's persisted open/close records.
// GET /api/history
func (h *HistoryHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	rows, err := h.history.ListByTrader(r.Context(), h.trader, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list history failed",
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}
	if rows == nil {
		rows = []domain.PositionHistoryRow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": rows})
}

// ListAudit returns audit log entries, newest first.
// GET /api/audit
func (h *HistoryHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.audit.List(r.Context(), parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list audit failed",
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit": entries})
}
