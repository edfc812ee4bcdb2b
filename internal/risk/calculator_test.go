package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cipherperp/cipherperp/internal/domain"
)

func TestLiquidationPriceLong(t *testing.T) {
	calc := New(DefaultParams())

	// 5x long at 44500: 44500 * (1 - 0.2 + 0.05) = 37825
	liq, err := calc.LiquidationPrice(44500, 5, true)
	require.NoError(t, err)
	assert.InDelta(t, 37825, liq, 1e-9)

	// Liquidation sits below entry for a long.
	assert.Less(t, liq, 44500.0)
}

func TestLiquidationPriceShort(t *testing.T) {
	calc := New(DefaultParams())

	// 5x short at 44500: 44500 * (1 + 0.2 - 0.05) = 51175
	liq, err := calc.LiquidationPrice(44500, 5, false)
	require.NoError(t, err)
	assert.InDelta(t, 51175, liq, 1e-9)

	assert.Greater(t, liq, 44500.0)
}

func TestLiquidationPriceTightensWithLeverage(t *testing.T) {
	calc := New(Params{
		InitialMarginRatio:     0.10,
		MaintenanceMarginRatio: 0.05,
		MinLeverage:            1,
		MaxLeverage:            50,
	})

	prev := 0.0
	for _, lev := range []int{2, 5, 10, 20, 50} {
		liq, err := calc.LiquidationPrice(10000, lev, true)
		require.NoError(t, err)
		// Higher leverage moves the long liquidation price toward entry.
		assert.Greater(t, liq, prev, "leverage %d", lev)
		prev = liq
	}
	assert.Less(t, prev, 10000.0)
}

func TestLiquidationPriceRejectsBadInput(t *testing.T) {
	calc := New(DefaultParams())

	_, err := calc.LiquidationPrice(44500, 0, true)
	assert.ErrorIs(t, err, domain.ErrInvalidRiskInput)

	_, err = calc.LiquidationPrice(0, 5, true)
	assert.ErrorIs(t, err, domain.ErrInvalidRiskInput)

	_, err = calc.LiquidationPrice(-1, 5, false)
	assert.ErrorIs(t, err, domain.ErrInvalidRiskInput)
}

func TestUnrealizedPnLPercent(t *testing.T) {
	calc := New(DefaultParams())

	pnl, err := calc.UnrealizedPnLPercent(40000, 44000, true)
	require.NoError(t, err)
	assert.InDelta(t, 0.10, pnl, 1e-9)

	// The same move is a loss for a short.
	pnl, err = calc.UnrealizedPnLPercent(40000, 44000, false)
	require.NoError(t, err)
	assert.InDelta(t, -0.10, pnl, 1e-9)

	_, err = calc.UnrealizedPnLPercent(40000, 0, true)
	assert.ErrorIs(t, err, domain.ErrInvalidRiskInput)
}

func TestMarginRatioHitsMaintenanceAtLiquidationPrice(t *testing.T) {
	calc := New(DefaultParams())

	liq, err := calc.LiquidationPrice(44500, 5, true)
	require.NoError(t, err)

	margin, err := calc.MarginRatio(44500, liq, 5, true)
	require.NoError(t, err)
	assert.InDelta(t, calc.MaintenanceMarginRatio(), margin, 1e-9)
}

func TestRequiredInitialMargin(t *testing.T) {
	calc := New(DefaultParams())

	required, err := calc.RequiredInitialMargin(50000)
	require.NoError(t, err)
	assert.InDelta(t, 5000, required, 1e-9)

	_, err = calc.RequiredInitialMargin(0)
	assert.ErrorIs(t, err, domain.ErrInvalidRiskInput)
}

func TestValidLeverage(t *testing.T) {
	calc := New(DefaultParams())

	assert.False(t, calc.ValidLeverage(0))
	assert.True(t, calc.ValidLeverage(1))
	assert.True(t, calc.ValidLeverage(10))
	assert.False(t, calc.ValidLeverage(11))
}

func TestSnapshotFromQuote(t *testing.T) {
	calc := New(DefaultParams())
	now := time.Now()

	pos := domain.Position{
		ID:            7,
		Side:          domain.SideLong,
		EntryPrice:    44500_00000000,
		PriceDecimals: 8,
		Leverage:      5,
		IsOpen:        true,
	}
	quote := domain.PriceQuote{
		Asset:     "BTC/USD",
		Price:     45000_00000000,
		Decimals:  8,
		Timestamp: now.Add(-time.Minute),
	}

	snap, err := calc.SnapshotFromQuote(pos, quote, time.Hour, now)
	require.NoError(t, err)

	assert.Equal(t, uint64(7), snap.PositionID)
	assert.Equal(t, "BTC/USD", snap.Asset)
	assert.InDelta(t, 45000, snap.MarkPrice, 1e-6)
	assert.InDelta(t, 37825, snap.LiquidationPrice, 1e-6)
	assert.Greater(t, snap.UnrealizedPnLPct, 0.0)
	assert.Greater(t, snap.MarginRatio, calc.MaintenanceMarginRatio())
}

func TestSnapshotFromQuoteRejectsStaleQuote(t *testing.T) {
	calc := New(DefaultParams())
	now := time.Now()

	pos := domain.Position{
		ID:            7,
		Side:          domain.SideLong,
		EntryPrice:    44500_00000000,
		PriceDecimals: 8,
		Leverage:      5,
	}
	quote := domain.PriceQuote{
		Asset:     "BTC/USD",
		Price:     45000_00000000,
		Decimals:  8,
		Timestamp: now.Add(-2 * time.Hour),
	}

	_, err := calc.SnapshotFromQuote(pos, quote, time.Hour, now)
	assert.ErrorIs(t, err, domain.ErrInvalidRiskInput)

	// An empty quote is always stale.
	_, err = calc.SnapshotFromQuote(pos, domain.PriceQuote{}, time.Hour, now)
	assert.ErrorIs(t, err, domain.ErrInvalidRiskInput)
}
