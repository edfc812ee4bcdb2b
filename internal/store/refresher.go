package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cipherperp/cipherperp/internal/domain"
)

// ChainReader is the slice of the chain client the refresher needs.
type ChainReader interface {
	GetTraderPositions(ctx context.Context, trader common.Address) ([]uint64, error)
	GetPosition(ctx context.Context, trader common.Address, id uint64, priceDecimals uint8) (domain.Position, error)
}

// RefresherConfig holds the polling cadence. Membership (the id list)
// changes rarely, so it refreshes slower than the price-sensitive position
// snapshots.
type RefresherConfig struct {
	IDInterval       time.Duration
	SnapshotInterval time.Duration
	PriceDecimals    uint8
}

// Refresher keeps the Store in sync with the chain: the id list on a
// bounded interval, each known position's snapshot more frequently, and
// both immediately after a successful lifecycle transaction via Kick.
type Refresher struct {
	store  *Store
	reader ChainReader
	cfg    RefresherConfig
	logger *slog.Logger
	kick   chan struct{}
}

// NewRefresher creates a Refresher for the given store and chain reader.
func NewRefresher(store *Store, reader ChainReader, cfg RefresherConfig, logger *slog.Logger) *Refresher {
	return &Refresher{
		store:  store,
		reader: reader,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "store_refresher")),
		kick:   make(chan struct{}, 1),
	}
}

// Kick requests an immediate full refresh. Coalesces if one is pending.
func (r *Refresher) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Run polls until the context is cancelled. It returns ctx.Err() on
// shutdown so errgroup peers stop together.
func (r *Refresher) Run(ctx context.Context) error {
	// Initial sync before the tickers start.
	r.refreshIDs(ctx)
	r.refreshSnapshots(ctx)

	idTicker := time.NewTicker(r.cfg.IDInterval)
	defer idTicker.Stop()
	snapTicker := time.NewTicker(r.cfg.SnapshotInterval)
	defer snapTicker.Stop()

	r.logger.Info("refresher started",
		slog.Duration("id_interval", r.cfg.IDInterval),
		slog.Duration("snapshot_interval", r.cfg.SnapshotInterval),
	)
	defer r.logger.Info("refresher stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idTicker.C:
			r.refreshIDs(ctx)
		case <-snapTicker.C:
			r.refreshSnapshots(ctx)
		case <-r.kick:
			r.refreshIDs(ctx)
			r.refreshSnapshots(ctx)
		}
	}
}

// refreshIDs fetches the trader's id list and pulls snapshots for ids the
// store has not seen yet. Ids are appended in chain order, preserving the
// contract's monotonic assignment.
func (r *Refresher) refreshIDs(ctx context.Context) {
	trader := r.store.Trader()
	ids, err := r.reader.GetTraderPositions(ctx, trader)
	if err != nil {
		r.logReadErr(ctx, "refresh ids", err)
		return
	}

	for _, id := range ids {
		if _, err := r.store.Get(id); err == nil {
			continue
		}
		pos, err := r.reader.GetPosition(ctx, trader, id, r.cfg.PriceDecimals)
		if err != nil {
			r.logReadErr(ctx, "fetch new position", err)
			continue
		}
		pos.Trader = trader
		r.store.Upsert(pos)
	}
}

// refreshSnapshots refetches every open position. Closed positions are
// final on-chain, so refetching them is wasted RPC.
func (r *Refresher) refreshSnapshots(ctx context.Context) {
	trader := r.store.Trader()
	for _, pos := range r.store.OpenPositions() {
		fresh, err := r.reader.GetPosition(ctx, trader, pos.ID, r.cfg.PriceDecimals)
		if err != nil {
			r.logReadErr(ctx, "refresh position", err)
			continue
		}
		fresh.Trader = trader
		// Leverage is a client-side intent parameter the contract does not
		// echo back; carry the known value forward.
		if fresh.Leverage == 0 {
			fresh.Leverage = pos.Leverage
		}
		r.store.Upsert(fresh)
	}
}

func (r *Refresher) logReadErr(ctx context.Context, op string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	level := slog.LevelWarn
	if errors.Is(err, domain.ErrContractsNotDeployed) {
		level = slog.LevelDebug
	}
	r.logger.Log(ctx, level, "chain read failed",
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
}
