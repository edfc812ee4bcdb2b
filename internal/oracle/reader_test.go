package oracle

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cipherperp/cipherperp/internal/domain"
)

// fakeSource serves quotes from a mutable slot and counts reads.
type fakeSource struct {
	mu    sync.Mutex
	quote domain.PriceQuote
	err   error
	calls int
}

func (f *fakeSource) set(q domain.PriceQuote) {
	f.mu.Lock()
	f.quote = q
	f.mu.Unlock()
}

func (f *fakeSource) GetPrice(ctx context.Context, asset string) (domain.PriceQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return domain.PriceQuote{}, f.err
	}
	return f.quote, nil
}

func (f *fakeSource) IsPriceFresh(ctx context.Context, asset string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.quote.IsZero(), nil
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func quoteAt(ts time.Time) domain.PriceQuote {
	return domain.PriceQuote{Asset: "BTC/USD", Price: 44500_00000000, Decimals: 8, Timestamp: ts}
}

func testReader(src *fakeSource, cfg Config) *Reader {
	return NewReader(src, nil, nil, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestGetPriceReadsThroughWithoutFeed(t *testing.T) {
	src := &fakeSource{quote: quoteAt(time.Now())}
	r := testReader(src, Config{PollInterval: time.Hour, FreshnessWindow: time.Hour})

	q, err := r.GetPrice(context.Background(), "BTC/USD")
	require.NoError(t, err)
	assert.Equal(t, uint64(44500_00000000), q.Price)
	assert.Equal(t, 1, src.callCount())
}

func TestFreshQuote(t *testing.T) {
	src := &fakeSource{quote: quoteAt(time.Now())}
	r := testReader(src, Config{PollInterval: time.Hour, FreshnessWindow: time.Hour})

	q, err := r.FreshQuote(context.Background(), "BTC/USD")
	require.NoError(t, err)
	assert.False(t, q.IsZero())

	src.set(quoteAt(time.Now().Add(-2 * time.Hour)))
	_, err = r.FreshQuote(context.Background(), "BTC/USD")
	assert.ErrorIs(t, err, domain.ErrOracleStale)
}

func TestFreshQuotePropagatesSourceError(t *testing.T) {
	src := &fakeSource{err: fmt.Errorf("dial: %w", domain.ErrOracleUnavailable)}
	r := testReader(src, Config{PollInterval: time.Hour, FreshnessWindow: time.Hour})

	_, err := r.FreshQuote(context.Background(), "BTC/USD")
	assert.ErrorIs(t, err, domain.ErrOracleUnavailable)
}

func TestSubscribeSeedsFeedImmediately(t *testing.T) {
	src := &fakeSource{quote: quoteAt(time.Now())}
	r := testReader(src, Config{PollInterval: time.Hour, FreshnessWindow: time.Hour})

	sub := r.Subscribe("BTC/USD")
	defer sub.Close()

	require.Eventually(t, func() bool {
		q, err := r.GetPrice(context.Background(), "BTC/USD")
		return err == nil && !q.IsZero()
	}, time.Second, 5*time.Millisecond)

	// Subsequent reads serve the local quote without touching the source.
	before := src.callCount()
	for i := 0; i < 5; i++ {
		_, err := r.GetPrice(context.Background(), "BTC/USD")
		require.NoError(t, err)
	}
	assert.Equal(t, before, src.callCount())
}

func TestLastCloseStopsPolling(t *testing.T) {
	src := &fakeSource{quote: quoteAt(time.Now())}
	r := testReader(src, Config{PollInterval: 5 * time.Millisecond, FreshnessWindow: time.Hour})

	a := r.Subscribe("BTC/USD")
	b := r.Subscribe("BTC/USD")

	require.Eventually(t, func() bool { return src.callCount() > 2 }, time.Second, time.Millisecond)

	a.Close()
	a.Close() // double close is harmless

	// One consumer remains, polling continues.
	mid := src.callCount()
	require.Eventually(t, func() bool { return src.callCount() > mid }, time.Second, time.Millisecond)

	b.Close()
	time.Sleep(20 * time.Millisecond)
	stopped := src.callCount()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped, src.callCount(), "poll loop must stop with the last consumer")
}

func TestFetchRejectsTimestampRegression(t *testing.T) {
	now := time.Now()
	src := &fakeSource{quote: quoteAt(now)}
	r := testReader(src, Config{PollInterval: 5 * time.Millisecond, FreshnessWindow: time.Hour})

	sub := r.Subscribe("BTC/USD")
	defer sub.Close()

	require.Eventually(t, func() bool {
		q, _ := r.GetPrice(context.Background(), "BTC/USD")
		return q.Timestamp.Equal(now)
	}, time.Second, time.Millisecond)

	// The source regresses; the reader keeps the newer quote.
	older := quoteAt(now.Add(-time.Minute))
	older.Price = 1
	src.set(older)

	time.Sleep(30 * time.Millisecond)
	q, err := r.GetPrice(context.Background(), "BTC/USD")
	require.NoError(t, err)
	assert.Equal(t, uint64(44500_00000000), q.Price)
	assert.True(t, q.Timestamp.Equal(now))
}

func TestIsFreshDefersToContractWithoutLocalQuote(t *testing.T) {
	src := &fakeSource{quote: quoteAt(time.Now())}
	r := testReader(src, Config{PollInterval: time.Hour, FreshnessWindow: time.Hour})

	fresh, err := r.IsFresh(context.Background(), "BTC/USD")
	require.NoError(t, err)
	assert.True(t, fresh)
}
