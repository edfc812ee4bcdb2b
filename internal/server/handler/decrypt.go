package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
)

// OwnerDecryptor decrypts encrypted position fields for their owner.
type OwnerDecryptor interface {
	PositionSize(ctx context.Context, viewer common.Address, positionID uint64) (uint64, error)
	PositionCollateral(ctx context.Context, viewer common.Address, positionID uint64) (uint64, error)
}

// DecryptHandler serves owner-side decryption of position size and
// collateral. The viewer is the daemon's own wallet; decrypting someone
// else's position fails with an authorization error.
type DecryptHandler struct {
	dec    OwnerDecryptor
	viewer common.Address
	logger *slog.Logger
}

// NewDecryptHandler creates a DecryptHandler bound to the wallet address.
func NewDecryptHandler(dec OwnerDecryptor, viewer common.Address, logger *slog.Logger) *DecryptHandler {
	return &DecryptHandler{dec: dec, viewer: viewer, logger: logger}
}

// DecryptPosition returns the decrypted size and collateral of an owned
// position. These values exist only in this response, never at rest.
// GET /api/positions/{id}/decrypt
func (h *DecryptHandler) DecryptPosition(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid position id")
		return
	}

	size, err := h.dec.PositionSize(r.Context(), h.viewer, id)
	if err != nil {
		h.logger.WarnContext(r.Context(), "handler: decrypt size failed",
			slog.Uint64("position_id", id),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	collateral, err := h.dec.PositionCollateral(r.Context(), h.viewer, id)
	if err != nil {
		h.logger.WarnContext(r.Context(), "handler: decrypt collateral failed",
			slog.Uint64("position_id", id),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"position_id": id,
		"size":        size,
		"collateral":  collateral,
	})
}
