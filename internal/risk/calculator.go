// Package risk provides the pure, deterministic financial formulas behind
// the margin, liquidation, and PnL figures shown to the trader. All inputs
// are plaintext: entry price, leverage, and the mark price are publicly
// observable even though position size and collateral remain encrypted.
// Anything that would need the encrypted magnitudes is out of scope here and
// lives behind owner-side decryption.
package risk

import (
	"fmt"
	"time"

	"github.com/cipherperp/cipherperp/internal/domain"
)

// Params carries the protocol margin constants. Values are ratios, not
// basis points: 0.05 means five percent.
type Params struct {
	InitialMarginRatio     float64
	MaintenanceMarginRatio float64
	MinLeverage            int
	MaxLeverage            int
}

// DefaultParams mirrors the protocol defaults: 10% initial margin, 5%
// maintenance margin, leverage 1x..10x.
func DefaultParams() Params {
	return Params{
		InitialMarginRatio:     0.10,
		MaintenanceMarginRatio: 0.05,
		MinLeverage:            1,
		MaxLeverage:            10,
	}
}

// Calculator derives risk metrics from plaintext market data. The zero
// value is not usable; construct with New.
type Calculator struct {
	params Params
}

// New creates a Calculator with the given protocol parameters.
func New(params Params) *Calculator {
	return &Calculator{params: params}
}

// LiquidationPrice returns the mark price at which maintenance margin is
// breached. For a long: entry * (1 - 1/L + mmr). For a short:
// entry * (1 + 1/L - mmr). Zero leverage or a non-positive entry price is a
// contract violation and fails fast rather than producing NaN or infinity.
func (c *Calculator) LiquidationPrice(entryPrice float64, leverage int, isLong bool) (float64, error) {
	if leverage <= 0 {
		return 0, fmt.Errorf("risk: %w: leverage must be positive, got %d", domain.ErrInvalidRiskInput, leverage)
	}
	if entryPrice <= 0 {
		return 0, fmt.Errorf("risk: %w: entry price must be positive, got %g", domain.ErrInvalidRiskInput, entryPrice)
	}

	inv := 1 / float64(leverage)
	if isLong {
		return entryPrice * (1 - inv + c.params.MaintenanceMarginRatio), nil
	}
	return entryPrice * (1 + inv - c.params.MaintenanceMarginRatio), nil
}

// UnrealizedPnLPercent returns the price-move PnL as a fraction of entry
// price: (current - entry) / entry for a long, negated for a short. The
// absolute PnL additionally depends on the encrypted size and is not
// computable here.
func (c *Calculator) UnrealizedPnLPercent(entryPrice, currentPrice float64, isLong bool) (float64, error) {
	if entryPrice <= 0 {
		return 0, fmt.Errorf("risk: %w: entry price must be positive, got %g", domain.ErrInvalidRiskInput, entryPrice)
	}
	if currentPrice <= 0 {
		return 0, fmt.Errorf("risk: %w: current price must be positive, got %g", domain.ErrInvalidRiskInput, currentPrice)
	}

	pnl := (currentPrice - entryPrice) / entryPrice
	if !isLong {
		pnl = -pnl
	}
	return pnl, nil
}

// MarginRatio returns the position's current margin as a fraction of
// notional: the initial 1/L margin plus the unrealized PnL fraction. The
// position is liquidatable once this falls to the maintenance margin ratio,
// which is exactly the point LiquidationPrice reports.
func (c *Calculator) MarginRatio(entryPrice, currentPrice float64, leverage int, isLong bool) (float64, error) {
	if leverage <= 0 {
		return 0, fmt.Errorf("risk: %w: leverage must be positive, got %d", domain.ErrInvalidRiskInput, leverage)
	}
	pnl, err := c.UnrealizedPnLPercent(entryPrice, currentPrice, isLong)
	if err != nil {
		return 0, err
	}
	return 1/float64(leverage) + pnl, nil
}

// RequiredInitialMargin returns the collateral required to open a position
// of the given notional value.
func (c *Calculator) RequiredInitialMargin(notional float64) (float64, error) {
	if notional <= 0 {
		return 0, fmt.Errorf("risk: %w: notional must be positive, got %g", domain.ErrInvalidRiskInput, notional)
	}
	return notional * c.params.InitialMarginRatio, nil
}

// ValidLeverage reports whether the leverage is inside the protocol's
// configured range.
func (c *Calculator) ValidLeverage(leverage int) bool {
	return leverage >= c.params.MinLeverage && leverage <= c.params.MaxLeverage
}

// SnapshotFromQuote combines a position's plaintext fields with a price
// quote into a display-ready RiskSnapshot. Stale or empty quotes are
// rejected with ErrInvalidRiskInput: callers must filter through the oracle
// reader's freshness signal, and this is the backstop.
func (c *Calculator) SnapshotFromQuote(pos domain.Position, quote domain.PriceQuote, freshnessWindow time.Duration, now time.Time) (domain.RiskSnapshot, error) {
	if quote.IsStale(now, freshnessWindow) {
		return domain.RiskSnapshot{}, fmt.Errorf("risk: %w: quote for %s is stale (%s old)",
			domain.ErrInvalidRiskInput, quote.Asset, now.Sub(quote.Timestamp))
	}

	entry := pos.EntryPriceFloat()
	mark := quote.Float()
	isLong := pos.Side.IsLong()

	liq, err := c.LiquidationPrice(entry, pos.Leverage, isLong)
	if err != nil {
		return domain.RiskSnapshot{}, err
	}
	pnl, err := c.UnrealizedPnLPercent(entry, mark, isLong)
	if err != nil {
		return domain.RiskSnapshot{}, err
	}
	margin, err := c.MarginRatio(entry, mark, pos.Leverage, isLong)
	if err != nil {
		return domain.RiskSnapshot{}, err
	}

	return domain.RiskSnapshot{
		PositionID:       pos.ID,
		Asset:            quote.Asset,
		MarkPrice:        mark,
		MarginRatio:      margin,
		LiquidationPrice: liq,
		UnrealizedPnLPct: pnl,
		ComputedAt:       now,
	}, nil
}

// MaintenanceMarginRatio exposes the configured maintenance margin for
// consumers that alert when MarginRatio approaches it.
func (c *Calculator) MaintenanceMarginRatio() float64 {
	return c.params.MaintenanceMarginRatio
}
