package handler

import (
	"log/slog"
	"net/http"
	"time"
)

// ChainStatus reports deployment state for the health endpoint.
type ChainStatus interface {
	ChainID() int64
	Deployed() bool
	OracleDeployed() bool
}

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	chain  ChainStatus
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(chain ChainStatus, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{chain: chain, logger: logger}
}

// HealthCheck reports liveness plus the chain deployment state, so clients
// can distinguish a healthy daemon from one running without contracts.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	trading := "ok"
	if !h.chain.Deployed() {
		trading = "contracts_not_deployed"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"chain_id":        h.chain.ChainID(),
		"trading":         trading,
		"oracle_deployed": h.chain.OracleDeployed(),
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	})
}
