// Package oracle reads the on-chain price feed and maintains a fresh local
// view per asset. Polling is consumer-driven: the first subscriber starts
// the poll loop for an asset, the last one leaving stops it, and no
// background work survives without a consumer.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cipherperp/cipherperp/internal/domain"
)

// PriceSource is the slice of the chain client the reader polls.
type PriceSource interface {
	GetPrice(ctx context.Context, asset string) (domain.PriceQuote, error)
	IsPriceFresh(ctx context.Context, asset string) (bool, error)
}

// Config holds polling cadence and the staleness horizon.
type Config struct {
	PollInterval    time.Duration
	FreshnessWindow time.Duration
}

// Reader polls the oracle contract and exposes the latest quote per asset.
// Quotes only ever advance by timestamp; the reader never interpolates and
// never replaces a quote with an older one.
type Reader struct {
	source PriceSource
	cache  domain.PriceCache // optional shared cache, may be nil
	bus    domain.SignalBus  // optional event fan-out, may be nil
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	feeds map[string]*feed
}

// feed is the per-asset poll state.
type feed struct {
	consumers int
	cancel    context.CancelFunc
	done      chan struct{}

	mu     sync.RWMutex
	latest domain.PriceQuote
}

// NewReader creates a Reader over the given source. cache and bus may be
// nil; when present, every accepted quote is mirrored into them.
func NewReader(source PriceSource, cache domain.PriceCache, bus domain.SignalBus, cfg Config, logger *slog.Logger) *Reader {
	return &Reader{
		source: source,
		cache:  cache,
		bus:    bus,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "oracle")),
		feeds:  make(map[string]*feed),
	}
}

// Subscription keeps one asset's poll loop alive until closed.
type Subscription struct {
	reader *Reader
	asset  string
	once   sync.Once
}

// Close releases the subscription. When the last consumer for the asset
// leaves, its poll loop stops.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.reader.unsubscribe(s.asset)
	})
}

// Subscribe registers interest in an asset, starting its poll loop if this
// is the first consumer.
func (r *Reader) Subscribe(asset string) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.feeds[asset]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		f = &feed{
			cancel: cancel,
			done:   make(chan struct{}),
		}
		r.feeds[asset] = f
		go r.poll(ctx, asset, f)
	}
	f.consumers++

	return &Subscription{reader: r, asset: asset}
}

func (r *Reader) unsubscribe(asset string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.feeds[asset]
	if !ok {
		return
	}
	f.consumers--
	if f.consumers <= 0 {
		f.cancel()
		delete(r.feeds, asset)
	}
}

// GetPrice returns the latest accepted quote for the asset. Without an
// active feed it reads through to the contract directly.
func (r *Reader) GetPrice(ctx context.Context, asset string) (domain.PriceQuote, error) {
	r.mu.Lock()
	f := r.feeds[asset]
	r.mu.Unlock()

	if f != nil {
		f.mu.RLock()
		latest := f.latest
		f.mu.RUnlock()
		if !latest.IsZero() {
			return latest, nil
		}
	}

	return r.source.GetPrice(ctx, asset)
}

// IsFresh reports whether the asset's latest quote is inside the freshness
// window. With no local quote it defers to the contract's own freshness
// view.
func (r *Reader) IsFresh(ctx context.Context, asset string) (bool, error) {
	r.mu.Lock()
	f := r.feeds[asset]
	r.mu.Unlock()

	if f != nil {
		f.mu.RLock()
		latest := f.latest
		f.mu.RUnlock()
		if !latest.IsZero() {
			return !latest.IsStale(time.Now(), r.cfg.FreshnessWindow), nil
		}
	}

	return r.source.IsPriceFresh(ctx, asset)
}

// FreshQuote returns the latest quote only if it is fresh; stale quotes
// surface domain.ErrOracleStale so they are never silently treated as live.
func (r *Reader) FreshQuote(ctx context.Context, asset string) (domain.PriceQuote, error) {
	quote, err := r.GetPrice(ctx, asset)
	if err != nil {
		return domain.PriceQuote{}, err
	}
	if quote.IsStale(time.Now(), r.cfg.FreshnessWindow) {
		return domain.PriceQuote{}, fmt.Errorf("oracle: %s: %w", asset, domain.ErrOracleStale)
	}
	return quote, nil
}

// poll is the per-asset loop. An immediate first fetch seeds the feed so
// subscribers do not wait a full interval for the initial quote.
func (r *Reader) poll(ctx context.Context, asset string, f *feed) {
	defer close(f.done)

	r.logger.Debug("price poll started", slog.String("asset", asset))
	defer r.logger.Debug("price poll stopped", slog.String("asset", asset))

	r.fetch(ctx, asset, f)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.fetch(ctx, asset, f)
		}
	}
}

func (r *Reader) fetch(ctx context.Context, asset string, f *feed) {
	quote, err := r.source.GetPrice(ctx, asset)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		level := slog.LevelWarn
		if errors.Is(err, domain.ErrOracleUnavailable) {
			// Degraded, not broken: the oracle contract is simply not
			// deployed here. Callers fall back to other sources.
			level = slog.LevelDebug
		}
		r.logger.Log(ctx, level, "price fetch failed",
			slog.String("asset", asset),
			slog.String("error", err.Error()),
		)
		return
	}

	f.mu.Lock()
	// Reject regressions so two successive reads always compare forward.
	if quote.Timestamp.Before(f.latest.Timestamp) {
		f.mu.Unlock()
		return
	}
	changed := quote != f.latest
	f.latest = quote
	f.mu.Unlock()

	if !changed {
		return
	}

	if r.cache != nil {
		if err := r.cache.SetQuote(ctx, quote); err != nil {
			r.logger.Debug("price cache write failed",
				slog.String("asset", asset),
				slog.String("error", err.Error()),
			)
		}
	}
	if r.bus != nil {
		publishQuote(ctx, r.bus, r.logger, quote)
	}
}
