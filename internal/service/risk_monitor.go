// Package service contains the background services layered on the core:
// continuous risk monitoring over open positions and owner-side decryption
// of encrypted position fields.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cipherperp/cipherperp/internal/domain"
	"github.com/cipherperp/cipherperp/internal/notify"
	"github.com/cipherperp/cipherperp/internal/oracle"
	"github.com/cipherperp/cipherperp/internal/risk"
	"github.com/cipherperp/cipherperp/internal/store"
)

// ChannelRisk is the signal bus channel risk snapshots are published on.
const ChannelRisk = "risk"

// RiskMonitorConfig holds the monitor's cadence and alerting threshold.
type RiskMonitorConfig struct {
	Asset           string
	Interval        time.Duration
	FreshnessWindow time.Duration
	// AlertHeadroom widens the maintenance margin for alerting: an alert
	// fires when marginRatio <= maintenance * (1 + AlertHeadroom).
	AlertHeadroom float64
}

// RiskMonitor recomputes risk snapshots for every open position on a fixed
// cadence and raises a liquidation alert when a position's margin ratio
// approaches the maintenance requirement. Alerts fire once per excursion.
type RiskMonitor struct {
	store    *store.Store
	oracle   *oracle.Reader
	calc     *risk.Calculator
	bus      domain.SignalBus // optional
	notifier *notify.Notifier // optional
	cfg      RiskMonitorConfig
	logger   *slog.Logger

	mu      sync.Mutex
	alerted map[uint64]bool
}

// NewRiskMonitor creates a RiskMonitor. bus and notifier may be nil.
func NewRiskMonitor(
	positions *store.Store,
	prices *oracle.Reader,
	calc *risk.Calculator,
	bus domain.SignalBus,
	notifier *notify.Notifier,
	cfg RiskMonitorConfig,
	logger *slog.Logger,
) *RiskMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.AlertHeadroom <= 0 {
		cfg.AlertHeadroom = 0.2
	}
	return &RiskMonitor{
		store:    positions,
		oracle:   prices,
		calc:     calc,
		bus:      bus,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "risk_monitor")),
		alerted:  make(map[uint64]bool),
	}
}

// Run keeps the asset's price feed alive and evaluates open positions on
// every tick. Blocks until the context is cancelled.
func (m *RiskMonitor) Run(ctx context.Context) error {
	sub := m.oracle.Subscribe(m.cfg.Asset)
	defer sub.Close()

	m.logger.Info("risk monitor started",
		slog.String("asset", m.cfg.Asset),
		slog.Duration("interval", m.cfg.Interval),
	)
	defer m.logger.Info("risk monitor stopped")

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.evaluate(ctx)
		}
	}
}

// Snapshots computes current risk snapshots for all open positions using a
// freshness-checked quote. Serves the API's on-demand risk view.
func (m *RiskMonitor) Snapshots(ctx context.Context) ([]domain.RiskSnapshot, error) {
	quote, err := m.oracle.FreshQuote(ctx, m.cfg.Asset)
	if err != nil {
		return nil, err
	}

	open := m.store.OpenPositions()
	snaps := make([]domain.RiskSnapshot, 0, len(open))
	for _, pos := range open {
		snap, err := m.calc.SnapshotFromQuote(pos, quote, m.cfg.FreshnessWindow, time.Now())
		if err != nil {
			return nil, fmt.Errorf("service: snapshot position %d: %w", pos.ID, err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

func (m *RiskMonitor) evaluate(ctx context.Context) {
	quote, err := m.oracle.FreshQuote(ctx, m.cfg.Asset)
	if err != nil {
		if !errors.Is(err, domain.ErrOracleStale) && !errors.Is(err, domain.ErrOracleUnavailable) {
			m.logger.Warn("fresh quote unavailable", slog.String("error", err.Error()))
		}
		return
	}

	threshold := m.calc.MaintenanceMarginRatio() * (1 + m.cfg.AlertHeadroom)

	for _, pos := range m.store.OpenPositions() {
		snap, err := m.calc.SnapshotFromQuote(pos, quote, m.cfg.FreshnessWindow, time.Now())
		if err != nil {
			m.logger.Warn("risk snapshot failed",
				slog.Uint64("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
			continue
		}

		m.publish(ctx, snap)
		m.checkAlert(ctx, pos, snap, threshold)
	}
}

// checkAlert fires a liquidation_risk notification when the margin ratio
// enters the alert band, and re-arms once the position recovers.
func (m *RiskMonitor) checkAlert(ctx context.Context, pos domain.Position, snap domain.RiskSnapshot, threshold float64) {
	atRisk := snap.MarginRatio <= threshold

	m.mu.Lock()
	already := m.alerted[pos.ID]
	m.alerted[pos.ID] = atRisk
	m.mu.Unlock()

	if !atRisk || already {
		return
	}

	m.logger.Warn("position approaching liquidation",
		slog.Uint64("position_id", pos.ID),
		slog.Float64("margin_ratio", snap.MarginRatio),
		slog.Float64("liquidation_price", snap.LiquidationPrice),
		slog.Float64("mark_price", snap.MarkPrice),
	)

	if m.notifier == nil {
		return
	}
	title := fmt.Sprintf("Position %d approaching liquidation", pos.ID)
	msg := fmt.Sprintf(
		"side=%s entry=%.2f mark=%.2f liquidation=%.2f margin_ratio=%.4f pnl=%.2f%%",
		pos.Side, pos.EntryPriceFloat(), snap.MarkPrice, snap.LiquidationPrice,
		snap.MarginRatio, snap.UnrealizedPnLPct,
	)
	if err := m.notifier.Notify(ctx, "liquidation_risk", title, msg); err != nil {
		m.logger.Warn("liquidation alert failed",
			slog.Uint64("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (m *RiskMonitor) publish(ctx context.Context, snap domain.RiskSnapshot) {
	if m.bus == nil {
		return
	}
	evt, _ := json.Marshal(map[string]any{
		"event":             "risk_snapshot",
		"position_id":       snap.PositionID,
		"asset":             snap.Asset,
		"mark_price":        snap.MarkPrice,
		"margin_ratio":      snap.MarginRatio,
		"liquidation_price": snap.LiquidationPrice,
		"unrealized_pnl":    snap.UnrealizedPnLPct,
		"timestamp":         snap.ComputedAt.Format(time.RFC3339Nano),
	})
	if err := m.bus.Publish(ctx, ChannelRisk, evt); err != nil {
		m.logger.Warn("publish risk snapshot failed",
			slog.Uint64("position_id", snap.PositionID),
			slog.String("error", err.Error()),
		)
	}
}
