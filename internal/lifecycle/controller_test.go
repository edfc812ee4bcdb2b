package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cipherperp/cipherperp/internal/chain"
	"github.com/cipherperp/cipherperp/internal/domain"
	"github.com/cipherperp/cipherperp/internal/risk"
	"github.com/cipherperp/cipherperp/internal/store"
)

var (
	testTrader  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testManager = common.HexToAddress("0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
)

// fakeChain is an in-memory ChainBackend. Receipts appear after
// SendTransaction unless withholdReceipt is set.
type fakeChain struct {
	mu sync.Mutex

	deployed        bool
	paused          bool
	buildErr        error
	sendErr         error
	withholdReceipt bool
	revertReceipt   bool
	revertReason    string

	opened chain.OpenedEvent
	closed chain.ClosedEvent

	nonce    uint64
	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		deployed: true,
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

func (f *fakeChain) ChainID() int64                 { return 8009 }
func (f *fakeChain) ManagerAddress() common.Address { return testManager }
func (f *fakeChain) Deployed() bool                 { return f.deployed }

func (f *fakeChain) IsPaused(ctx context.Context) (bool, error) { return f.paused, nil }

func (f *fakeChain) buildTx(data []byte) (*types.Transaction, error) {
	if f.buildErr != nil {
		return nil, f.buildErr
	}
	f.mu.Lock()
	f.nonce++
	nonce := f.nonce
	f.mu.Unlock()
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &testManager,
		Gas:      500_000,
		GasPrice: big.NewInt(1),
		Data:     data,
	}), nil
}

func (f *fakeChain) BuildOpenTx(ctx context.Context, from common.Address, size, collateral domain.EncryptedInput, isLong bool) (*types.Transaction, error) {
	return f.buildTx([]byte{0x01})
}

func (f *fakeChain) BuildCloseTx(ctx context.Context, from common.Address, positionID uint64) (*types.Transaction, error) {
	return f.buildTx([]byte{0x02})
}

func (f *fakeChain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	if !f.withholdReceipt {
		f.storeReceiptLocked(tx)
	}
	return nil
}

func (f *fakeChain) storeReceiptLocked(tx *types.Transaction) {
	status := types.ReceiptStatusSuccessful
	if f.revertReceipt {
		status = types.ReceiptStatusFailed
	}
	f.receipts[tx.Hash()] = &types.Receipt{
		Status:      status,
		TxHash:      tx.Hash(),
		BlockNumber: big.NewInt(100),
	}
}

func (f *fakeChain) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// releaseReceipt makes the receipt for the most recently sent transaction
// visible to polls.
func (f *fakeChain) releaseReceipt() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) > 0 {
		f.storeReceiptLocked(f.sent[len(f.sent)-1])
	}
}

func (f *fakeChain) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[hash]
	if !ok {
		return nil, fmt.Errorf("fake: receipt: %w", domain.ErrNotFound)
	}
	return r, nil
}

func (f *fakeChain) RevertReason(ctx context.Context, tx *types.Transaction, from common.Address, blockNumber *big.Int) string {
	return f.revertReason
}

func (f *fakeChain) ParsePositionOpened(receipt *types.Receipt) (chain.OpenedEvent, error) {
	if f.opened == (chain.OpenedEvent{}) {
		return chain.OpenedEvent{}, domain.ErrNotFound
	}
	return f.opened, nil
}

func (f *fakeChain) ParsePositionClosed(receipt *types.Receipt) (chain.ClosedEvent, error) {
	if f.closed == (chain.ClosedEvent{}) {
		return chain.ClosedEvent{}, domain.ErrNotFound
	}
	return f.closed, nil
}

// fakeEncryptor returns deterministic handles, or a configured error.
type fakeEncryptor struct {
	err   error
	calls int
}

func (f *fakeEncryptor) Encrypt(ctx context.Context, chainID int64, value *big.Int, target common.Address) (domain.EncryptedInput, error) {
	f.calls++
	if f.err != nil {
		return domain.EncryptedInput{}, f.err
	}
	var h domain.Handle
	h[0] = byte(f.calls)
	return domain.EncryptedInput{Handle: h, Ciphertext: []byte{0xCC}, Proof: []byte{0xDD}}, nil
}

// fakeSigner signs by returning the transaction unchanged.
type fakeSigner struct {
	err error
}

func (f *fakeSigner) SignTx(ctx context.Context, tx *types.Transaction) (*types.Transaction, error) {
	if f.err != nil {
		return nil, f.err
	}
	return tx, nil
}

func (f *fakeSigner) Address() common.Address { return testTrader }

// fakePrices serves one canned quote or error.
type fakePrices struct {
	err error
}

func (f *fakePrices) FreshQuote(ctx context.Context, asset string) (domain.PriceQuote, error) {
	if f.err != nil {
		return domain.PriceQuote{}, f.err
	}
	return domain.PriceQuote{Asset: asset, Price: 44500_00000000, Decimals: 8, Timestamp: time.Now()}, nil
}

// recordingHistory captures RecordOpened calls and runs an optional hook.
type recordingHistory struct {
	mu       sync.Mutex
	opened   []domain.PositionHistoryRow
	closed   []uint64
	onOpened func()
}

func (r *recordingHistory) RecordOpened(ctx context.Context, row domain.PositionHistoryRow) error {
	r.mu.Lock()
	r.opened = append(r.opened, row)
	r.mu.Unlock()
	if r.onOpened != nil {
		r.onOpened()
	}
	return nil
}

func (r *recordingHistory) RecordClosed(ctx context.Context, positionID uint64, exitPrice float64, closedAt time.Time, txHash string) error {
	r.mu.Lock()
	r.closed = append(r.closed, positionID)
	r.mu.Unlock()
	return nil
}

func (r *recordingHistory) ListByTrader(ctx context.Context, trader common.Address, opts domain.ListOpts) ([]domain.PositionHistoryRow, error) {
	return nil, nil
}

func (r *recordingHistory) ListClosedBefore(ctx context.Context, before time.Time, limit int) ([]domain.PositionHistoryRow, error) {
	return nil, nil
}

func (r *recordingHistory) DeleteClosedBefore(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

func testController(t *testing.T, backend *fakeChain, enc *fakeEncryptor, signer *fakeSigner) (*Controller, *store.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st := store.New(logger)
	st.Bind(testTrader, 8009)

	c := New(backend, enc, signer, st, risk.New(risk.DefaultParams()), Config{
		Asset:          "BTC/USD",
		PriceDecimals:  8,
		ConfirmTimeout: 2 * time.Second,
		ReceiptPoll:    10 * time.Millisecond,
	}, logger)
	return c, st
}

func validOpen() OpenParams {
	return OpenParams{
		Size:       big.NewInt(1000),
		Collateral: big.NewInt(600),
		Leverage:   5,
		Side:       domain.SideLong,
	}
}

func TestOpenPositionSucceeds(t *testing.T) {
	backend := newFakeChain()
	backend.opened = chain.OpenedEvent{
		Trader:     testTrader,
		PositionID: 42,
		IsLong:     true,
		EntryPrice: 44500_00000000,
		Timestamp:  time.Now().UTC(),
	}
	enc := &fakeEncryptor{}
	c, st := testController(t, backend, enc, &fakeSigner{})
	c.SetOracle(&fakePrices{})

	req, err := c.OpenPosition(context.Background(), validOpen())
	require.NoError(t, err)

	assert.Equal(t, domain.StateSucceeded, req.State)
	assert.Equal(t, uint64(42), req.PositionID)
	assert.Equal(t, 2, enc.calls, "size and collateral encrypted separately")

	states := make([]domain.RequestState, 0, len(req.Transitions))
	for _, tr := range req.Transitions {
		states = append(states, tr.To)
	}
	assert.Equal(t, []domain.RequestState{
		domain.StateValidating,
		domain.StateEncrypting,
		domain.StateAwaitingSignature,
		domain.StateBroadcast,
		domain.StateConfirming,
		domain.StateSucceeded,
	}, states)

	pos, err := st.Get(42)
	require.NoError(t, err)
	assert.True(t, pos.IsOpen)
	assert.Equal(t, 5, pos.Leverage)
	assert.Equal(t, domain.SideLong, pos.Side)
}

func TestStoreUpdatedBeforeSuccessReported(t *testing.T) {
	backend := newFakeChain()
	backend.opened = chain.OpenedEvent{
		Trader: testTrader, PositionID: 7, IsLong: true,
		EntryPrice: 44500_00000000, Timestamp: time.Now().UTC(),
	}
	c, st := testController(t, backend, &fakeEncryptor{}, &fakeSigner{})

	hist := &recordingHistory{}
	var stateAtRecord domain.RequestState
	hist.onOpened = func() {
		// applyOpen runs after the store upsert but before the transition
		// to Succeeded.
		if _, err := st.Get(7); err != nil {
			t.Error("position missing from store during settlement")
		}
		reqs := c.Journal().List()
		stateAtRecord = reqs[len(reqs)-1].State
	}
	c.SetHistory(hist)

	req, err := c.OpenPosition(context.Background(), validOpen())
	require.NoError(t, err)
	assert.Equal(t, domain.StateSucceeded, req.State)
	assert.NotEqual(t, domain.StateSucceeded, stateAtRecord)
	require.Len(t, hist.opened, 1)
	assert.Equal(t, uint64(7), hist.opened[0].PositionID)
}

func TestOpenValidationFailureReturnsToIdle(t *testing.T) {
	backend := newFakeChain()
	c, _ := testController(t, backend, &fakeEncryptor{}, &fakeSigner{})

	cases := []struct {
		name string
		mut  func(*OpenParams)
	}{
		{"zero size", func(p *OpenParams) { p.Size = big.NewInt(0) }},
		{"nil collateral", func(p *OpenParams) { p.Collateral = nil }},
		{"bad side", func(p *OpenParams) { p.Side = "sideways" }},
		{"leverage too high", func(p *OpenParams) { p.Leverage = 11 }},
		{"collateral below margin", func(p *OpenParams) { p.Collateral = big.NewInt(100) }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := validOpen()
			tc.mut(&p)

			req, err := c.OpenPosition(context.Background(), p)
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
			assert.Equal(t, domain.StateIdle, req.State)
			assert.Equal(t, domain.ReasonInvalidInput, req.Reason)
			assert.Empty(t, backend.sent, "nothing must reach the chain")
		})
	}
}

func TestOpenRefusedWhenNotDeployed(t *testing.T) {
	backend := newFakeChain()
	backend.deployed = false
	c, _ := testController(t, backend, &fakeEncryptor{}, &fakeSigner{})

	_, err := c.OpenPosition(context.Background(), validOpen())
	assert.ErrorIs(t, err, domain.ErrContractsNotDeployed)
}

func TestOpenRefusedWhenPaused(t *testing.T) {
	backend := newFakeChain()
	backend.paused = true
	c, _ := testController(t, backend, &fakeEncryptor{}, &fakeSigner{})

	_, err := c.OpenPosition(context.Background(), validOpen())
	assert.ErrorIs(t, err, domain.ErrPaused)
}

func TestOpenRefusedOnStaleOracle(t *testing.T) {
	backend := newFakeChain()
	c, _ := testController(t, backend, &fakeEncryptor{}, &fakeSigner{})
	c.SetOracle(&fakePrices{err: domain.ErrOracleStale})

	req, err := c.OpenPosition(context.Background(), validOpen())
	assert.ErrorIs(t, err, domain.ErrOracleStale)
	assert.Equal(t, domain.StateIdle, req.State)
}

func TestOpenEncryptionFailure(t *testing.T) {
	backend := newFakeChain()
	enc := &fakeEncryptor{err: domain.ErrEncryptionUnavailable}
	c, _ := testController(t, backend, enc, &fakeSigner{})

	req, err := c.OpenPosition(context.Background(), validOpen())
	assert.ErrorIs(t, err, domain.ErrEncryptionUnavailable)
	assert.Equal(t, domain.StateReverted, req.State)
	assert.Equal(t, domain.ReasonEncryptionFailure, req.Reason)
	assert.Empty(t, backend.sent)
}

func TestOpenUserRejected(t *testing.T) {
	backend := newFakeChain()
	c, _ := testController(t, backend, &fakeEncryptor{}, &fakeSigner{err: domain.ErrUserRejected})

	req, err := c.OpenPosition(context.Background(), validOpen())
	assert.ErrorIs(t, err, domain.ErrUserRejected)
	assert.Equal(t, domain.StateRejected, req.State)
	assert.Equal(t, domain.ReasonUserRejected, req.Reason)
	assert.Empty(t, backend.sent)
}

func TestOpenReverted(t *testing.T) {
	backend := newFakeChain()
	backend.revertReceipt = true
	backend.revertReason = "InsufficientCollateral"
	c, st := testController(t, backend, &fakeEncryptor{}, &fakeSigner{})

	req, err := c.OpenPosition(context.Background(), validOpen())
	require.Error(t, err)
	assert.Equal(t, domain.StateReverted, req.State)
	assert.Equal(t, "InsufficientCollateral", req.Reason)
	assert.Empty(t, st.ListIDs(), "reverted open must not touch the store")
}

func TestTimeoutHoldsClaimUntilReconciled(t *testing.T) {
	backend := newFakeChain()
	backend.withholdReceipt = true
	backend.opened = chain.OpenedEvent{
		Trader: testTrader, PositionID: 9, IsLong: true,
		EntryPrice: 44500_00000000, Timestamp: time.Now().UTC(),
	}
	c, st := testController(t, backend, &fakeEncryptor{}, &fakeSigner{})
	c.cfg.ConfirmTimeout = 50 * time.Millisecond

	req, err := c.OpenPosition(context.Background(), validOpen())
	assert.ErrorIs(t, err, domain.ErrTimedOut)
	assert.Equal(t, domain.StateTimedOut, req.State)
	require.Len(t, backend.sent, 1)

	// The intent stays claimed: a second open must be refused.
	_, err = c.OpenPosition(context.Background(), validOpen())
	assert.ErrorIs(t, err, domain.ErrOperationInProgress)

	// The transaction lands late; reconciliation folds it in.
	backend.releaseReceipt()
	c.reconcileOnce(context.Background())

	final, err := c.Journal().Get(req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateSucceeded, final.State)

	pos, err := st.Get(9)
	require.NoError(t, err)
	assert.True(t, pos.IsOpen)

	// The claim is free again.
	backend.withholdReceipt = false
	backend.opened.PositionID = 10
	_, err = c.OpenPosition(context.Background(), validOpen())
	require.NoError(t, err)
}

func TestAbandonFreesClaimButReconcilerStillWatches(t *testing.T) {
	backend := newFakeChain()
	backend.withholdReceipt = true
	backend.opened = chain.OpenedEvent{
		Trader: testTrader, PositionID: 11, IsLong: true,
		EntryPrice: 44500_00000000, Timestamp: time.Now().UTC(),
	}
	c, st := testController(t, backend, &fakeEncryptor{}, &fakeSigner{})
	c.cfg.ConfirmTimeout = 50 * time.Millisecond

	req, err := c.OpenPosition(context.Background(), validOpen())
	assert.ErrorIs(t, err, domain.ErrTimedOut)

	require.NoError(t, c.Abandon(context.Background(), req.ID))

	got, err := c.Journal().Get(req.ID)
	require.NoError(t, err)
	assert.True(t, got.Abandoned)

	// Abandoning cannot cancel a broadcast transaction. If it lands, the
	// reconciler must still record the position.
	backend.releaseReceipt()
	c.reconcileOnce(context.Background())

	pos, err := st.Get(11)
	require.NoError(t, err)
	assert.True(t, pos.IsOpen)
}

func TestAbandonRequiresTimedOut(t *testing.T) {
	backend := newFakeChain()
	backend.opened = chain.OpenedEvent{
		Trader: testTrader, PositionID: 12, IsLong: true,
		EntryPrice: 44500_00000000, Timestamp: time.Now().UTC(),
	}
	c, _ := testController(t, backend, &fakeEncryptor{}, &fakeSigner{})

	req, err := c.OpenPosition(context.Background(), validOpen())
	require.NoError(t, err)

	err = c.Abandon(context.Background(), req.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestClosePosition(t *testing.T) {
	backend := newFakeChain()
	backend.closed = chain.ClosedEvent{
		Trader:     testTrader,
		PositionID: 5,
		ExitPrice:  46000_00000000,
		Timestamp:  time.Now().UTC(),
	}
	c, st := testController(t, backend, &fakeEncryptor{}, &fakeSigner{})

	st.Upsert(domain.Position{
		ID: 5, Trader: testTrader, Side: domain.SideLong,
		EntryPrice: 44500_00000000, PriceDecimals: 8, Leverage: 5, IsOpen: true,
	})

	hist := &recordingHistory{}
	c.SetHistory(hist)

	req, err := c.ClosePosition(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, domain.StateSucceeded, req.State)

	pos, err := st.Get(5)
	require.NoError(t, err)
	assert.False(t, pos.IsOpen)
	assert.Equal(t, []uint64{5}, hist.closed)

	// Close does not encrypt anything.
	states := make([]domain.RequestState, 0, len(req.Transitions))
	for _, tr := range req.Transitions {
		states = append(states, tr.To)
	}
	assert.NotContains(t, states, domain.StateEncrypting)

	// Closing a closed position is invalid input.
	_, err = c.ClosePosition(context.Background(), 5)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestSecondCloseWhileConfirmingIsRefused(t *testing.T) {
	backend := newFakeChain()
	backend.withholdReceipt = true
	backend.closed = chain.ClosedEvent{
		Trader:     testTrader,
		PositionID: 8,
		ExitPrice:  46000_00000000,
		Timestamp:  time.Now().UTC(),
	}
	c, st := testController(t, backend, &fakeEncryptor{}, &fakeSigner{})

	st.Upsert(domain.Position{
		ID: 8, Trader: testTrader, Side: domain.SideLong,
		EntryPrice: 44500_00000000, PriceDecimals: 8, Leverage: 5, IsOpen: true,
	})

	req, err := c.StartClose(context.Background(), 8)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := c.Journal().Get(req.ID)
		return err == nil && got.State == domain.StateConfirming
	}, 2*time.Second, 5*time.Millisecond)

	// The first close holds the position's claim until it settles.
	_, err = c.ClosePosition(context.Background(), 8)
	assert.ErrorIs(t, err, domain.ErrOperationInProgress)
	assert.Equal(t, 1, backend.sentCount(), "the refused close must not broadcast")

	backend.releaseReceipt()
	require.Eventually(t, func() bool {
		got, err := c.Journal().Get(req.ID)
		return err == nil && got.State == domain.StateSucceeded
	}, 2*time.Second, 5*time.Millisecond)

	pos, err := st.Get(8)
	require.NoError(t, err)
	assert.False(t, pos.IsOpen)
}

func TestCloseUnknownPosition(t *testing.T) {
	backend := newFakeChain()
	c, _ := testController(t, backend, &fakeEncryptor{}, &fakeSigner{})

	_, err := c.ClosePosition(context.Background(), 99)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestCloseForeignPosition(t *testing.T) {
	backend := newFakeChain()
	c, st := testController(t, backend, &fakeEncryptor{}, &fakeSigner{})

	other := common.HexToAddress("0x2222222222222222222222222222222222222222")
	st.Upsert(domain.Position{ID: 6, Trader: other, Side: domain.SideShort, EntryPrice: 1, PriceDecimals: 8, Leverage: 2, IsOpen: true})

	_, err := c.ClosePosition(context.Background(), 6)
	assert.ErrorIs(t, err, domain.ErrAuthorization)
	assert.Empty(t, backend.sent)
}

func TestStartOpenReturnsImmediately(t *testing.T) {
	backend := newFakeChain()
	backend.opened = chain.OpenedEvent{
		Trader: testTrader, PositionID: 21, IsLong: true,
		EntryPrice: 44500_00000000, Timestamp: time.Now().UTC(),
	}
	c, _ := testController(t, backend, &fakeEncryptor{}, &fakeSigner{})

	req, err := c.StartOpen(context.Background(), validOpen())
	require.NoError(t, err)
	assert.Equal(t, domain.StateIdle, req.State)

	// The background drive settles the request.
	require.Eventually(t, func() bool {
		got, err := c.Journal().Get(req.ID)
		return err == nil && got.State == domain.StateSucceeded
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBroadcastFailure(t *testing.T) {
	backend := newFakeChain()
	backend.sendErr = errors.New("nonce too low")
	c, _ := testController(t, backend, &fakeEncryptor{}, &fakeSigner{})

	req, err := c.OpenPosition(context.Background(), validOpen())
	require.Error(t, err)
	assert.Equal(t, domain.StateReverted, req.State)

	// The broadcast failure frees the claim for a retry.
	backend.sendErr = nil
	backend.opened = chain.OpenedEvent{
		Trader: testTrader, PositionID: 30, IsLong: true,
		EntryPrice: 44500_00000000, Timestamp: time.Now().UTC(),
	}
	_, err = c.OpenPosition(context.Background(), validOpen())
	require.NoError(t, err)
}
