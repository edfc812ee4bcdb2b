package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cipherperp/cipherperp/internal/lifecycle"
	"github.com/cipherperp/cipherperp/internal/server"
	"github.com/cipherperp/cipherperp/internal/server/handler"
	"github.com/cipherperp/cipherperp/internal/server/ws"
	"github.com/cipherperp/cipherperp/internal/service"
)

// TradeMode runs the full client: chain sync, oracle polling, the trade
// lifecycle controller with its reconciler, risk monitoring, and the HTTP
// API. It blocks until the context is cancelled.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "trade mode starting",
		slog.String("trader", deps.Trader.Hex()),
		slog.Int64("chain_id", a.cfg.Chain.ChainID),
		slog.Bool("contracts_deployed", deps.Chain.Deployed()),
	)

	g, ctx := errgroup.WithContext(ctx)

	controller := lifecycle.New(
		deps.Chain,
		deps.Gateway,
		deps.Signer,
		deps.Store,
		deps.RiskCalc,
		lifecycle.Config{
			Asset:          a.cfg.Trading.DefaultAsset,
			PriceDecimals:  uint8(a.cfg.Trading.PriceDecimals),
			ConfirmTimeout: a.cfg.Trading.ConfirmTimeout.Duration,
			ReceiptPoll:    a.cfg.Trading.ReceiptPollInterval.Duration,
		},
		a.logger,
	)
	controller.SetOracle(deps.Oracle)
	controller.SetLocks(deps.LockManager)
	controller.SetBus(deps.SignalBus)
	controller.SetNotifier(deps.Notifier)
	controller.SetRefreshKick(deps.Refresher.Kick)
	if deps.AuditStore != nil {
		controller.SetAudit(deps.AuditStore)
	}
	if deps.HistoryStore != nil {
		controller.SetHistory(deps.HistoryStore)
	}

	g.Go(func() error {
		return deps.Refresher.Run(ctx)
	})
	g.Go(func() error {
		return controller.RunReconciler(ctx, 0)
	})

	riskMonitor := a.newRiskMonitor(deps)
	g.Go(func() error {
		return riskMonitor.Run(ctx)
	})

	feed := service.NewPositionFeed(deps.Store, deps.SignalBus, a.logger)
	g.Go(func() error {
		return feed.Run(ctx)
	})

	if a.cfg.Server.Enabled {
		a.startServer(ctx, g, deps, controller, riskMonitor)
	}

	return ignoreCancel(g.Wait())
}

// MonitorMode watches positions and prices without any signing capability:
// chain sync, risk monitoring, and the read-only slice of the HTTP API.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "monitor mode starting",
		slog.String("trader", deps.Trader.Hex()),
		slog.Bool("watch_only", deps.Signer == nil),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return deps.Refresher.Run(ctx)
	})

	riskMonitor := a.newRiskMonitor(deps)
	g.Go(func() error {
		return riskMonitor.Run(ctx)
	})

	feed := service.NewPositionFeed(deps.Store, deps.SignalBus, a.logger)
	g.Go(func() error {
		return feed.Run(ctx)
	})

	if a.cfg.Server.Enabled {
		a.startServer(ctx, g, deps, nil, riskMonitor)
	}

	return ignoreCancel(g.Wait())
}

// ArchiveMode is a one-shot job: export closed positions older than the
// retention window to object storage, prune them from Postgres, and exit.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	retention := time.Duration(a.cfg.S3.RetentionDays) * 24 * time.Hour
	cutoff := time.Now().UTC().Add(-retention)

	a.logger.InfoContext(ctx, "archive mode starting",
		slog.Int("retention_days", a.cfg.S3.RetentionDays),
		slog.Time("cutoff", cutoff),
	)

	archived, err := deps.Archiver.ArchiveClosedPositions(ctx, cutoff)
	if err != nil {
		return err
	}

	a.logger.InfoContext(ctx, "archive complete", slog.Int64("archived", archived))
	return nil
}

// newRiskMonitor builds the risk monitor for the configured default asset.
func (a *App) newRiskMonitor(deps *Dependencies) *service.RiskMonitor {
	return service.NewRiskMonitor(
		deps.Store,
		deps.Oracle,
		deps.RiskCalc,
		deps.SignalBus,
		deps.Notifier,
		service.RiskMonitorConfig{
			Asset:           a.cfg.Trading.DefaultAsset,
			Interval:        a.cfg.Trading.SnapshotRefreshInterval.Duration,
			FreshnessWindow: a.cfg.Oracle.FreshnessWindow.Duration,
		},
		a.logger,
	)
}

// startServer registers the available handlers, starts the WebSocket hub,
// and adds the HTTP server plus its shutdown watcher to the errgroup.
// controller is nil outside trade mode; nil handlers leave their routes
// unregistered.
func (a *App) startServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	controller *lifecycle.Controller,
	riskMonitor *service.RiskMonitor,
) {
	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(deps.Chain, a.logger),
		Positions: handler.NewPositionHandler(deps.Store, riskMonitor, a.logger),
		Price:     handler.NewPriceHandler(deps.Oracle, a.cfg.Trading.DefaultAsset, a.logger),
	}

	if controller != nil {
		handlers.Trade = handler.NewTradeHandler(controller, controller.Journal(), a.logger)
	}

	if deps.Gateway != nil {
		decryptSvc := service.NewDecryptService(
			a.cfg.Chain.ChainID,
			deps.Chain.ManagerAddress(),
			deps.Chain,
			deps.Gateway,
			deps.Store,
			a.logger,
		)
		handlers.Decrypt = handler.NewDecryptHandler(decryptSvc, deps.Trader, a.logger)
	}

	if deps.HistoryStore != nil {
		handlers.History = handler.NewHistoryHandler(deps.HistoryStore, deps.AuditStore, deps.Trader, a.logger)
	}

	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		Trader:    deps.Trader.Hex(),
		StartedAt: time.Now().UTC(),
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.APIKey,
		RateLimit:       a.cfg.Server.RateLimit,
		RateLimitWindow: a.cfg.Server.RateLimitWindow.Duration,
	}, handlers, deps.RateLimiter, hub, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// ignoreCancel maps context cancellation to a clean exit so Ctrl-C does not
// report an error.
func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
