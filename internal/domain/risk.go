package domain

import "time"

// RiskSnapshot is a derived, display-ready view of a position's risk. It is
// computed from the position's plaintext fields and a fresh PriceQuote and is
// never persisted. Fields that would require the encrypted size or collateral
// magnitude (absolute PnL, notional exposure) are deliberately absent: they
// need owner-side decryption and are outside the on-chain-observable path.
type RiskSnapshot struct {
	PositionID       uint64    `json:"position_id"`
	Asset            string    `json:"asset"`
	MarkPrice        float64   `json:"mark_price"`
	MarginRatio      float64   `json:"margin_ratio"`
	LiquidationPrice float64   `json:"liquidation_price"`
	UnrealizedPnLPct float64   `json:"unrealized_pnl_pct"`
	ComputedAt       time.Time `json:"computed_at"`
}
