// Package lifecycle drives open and close submissions through their state
// machine: validate, encrypt, sign, broadcast, confirm. Every request moves
// strictly forward, the Position Store is updated before success is
// reported, and a timed-out broadcast is watched until it resolves or the
// caller abandons it.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/cipherperp/cipherperp/internal/chain"
	"github.com/cipherperp/cipherperp/internal/crypto"
	"github.com/cipherperp/cipherperp/internal/domain"
	"github.com/cipherperp/cipherperp/internal/notify"
	"github.com/cipherperp/cipherperp/internal/risk"
	"github.com/cipherperp/cipherperp/internal/store"
)

// ChainBackend is the slice of the chain client the controller drives
// transactions through.
type ChainBackend interface {
	ChainID() int64
	ManagerAddress() common.Address
	Deployed() bool
	IsPaused(ctx context.Context) (bool, error)
	BuildOpenTx(ctx context.Context, from common.Address, size, collateral domain.EncryptedInput, isLong bool) (*types.Transaction, error)
	BuildCloseTx(ctx context.Context, from common.Address, positionID uint64) (*types.Transaction, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	RevertReason(ctx context.Context, tx *types.Transaction, from common.Address, blockNumber *big.Int) string
	ParsePositionOpened(receipt *types.Receipt) (chain.OpenedEvent, error)
	ParsePositionClosed(receipt *types.Receipt) (chain.ClosedEvent, error)
}

// Encryptor produces ciphertext plus input proof for plaintext values bound
// to a target contract.
type Encryptor interface {
	Encrypt(ctx context.Context, chainID int64, value *big.Int, targetContract common.Address) (domain.EncryptedInput, error)
}

// PriceReader supplies freshness-checked quotes for pre-trade validation.
type PriceReader interface {
	FreshQuote(ctx context.Context, asset string) (domain.PriceQuote, error)
}

// Config holds controller timing and market parameters.
type Config struct {
	Asset          string
	PriceDecimals  uint8
	ConfirmTimeout time.Duration
	ReceiptPoll    time.Duration
	LockTTL        time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 120 * time.Second
	}
	if c.ReceiptPoll <= 0 {
		c.ReceiptPoll = 2 * time.Second
	}
	if c.LockTTL <= 0 {
		c.LockTTL = c.ConfirmTimeout + 30*time.Second
	}
	return c
}

// OpenParams describes an open-position intent. Size and Collateral are
// plaintext integers that leave this process only as ciphertext.
type OpenParams struct {
	Size       *big.Int
	Collateral *big.Int
	Leverage   int
	Side       domain.Side
}

// pendingTx keeps what a timed-out request needs for later resolution.
type pendingTx struct {
	key      string
	tx       *types.Transaction
	leverage int
}

// Controller orchestrates the transaction lifecycle for one trader session.
type Controller struct {
	chain   ChainBackend
	enc     Encryptor
	signer  crypto.TxSigner
	store   *store.Store
	risk    *risk.Calculator
	journal *Journal
	cfg     Config
	logger  *slog.Logger

	// optional collaborators, nil when the deployment does not carry them
	oracle   PriceReader
	locks    domain.LockManager
	bus      domain.SignalBus
	audit    domain.AuditStore
	history  domain.PositionHistoryStore
	notifier *notify.Notifier
	kick     func()

	mu       sync.Mutex
	inflight map[string]string     // intent key -> request id
	pending  map[string]*pendingTx // request id -> broadcast context
}

// New creates a Controller. Optional collaborators are attached through the
// Set* methods before first use.
func New(
	backend ChainBackend,
	enc Encryptor,
	signer crypto.TxSigner,
	positions *store.Store,
	riskCalc *risk.Calculator,
	cfg Config,
	logger *slog.Logger,
) *Controller {
	return &Controller{
		chain:    backend,
		enc:      enc,
		signer:   signer,
		store:    positions,
		risk:     riskCalc,
		journal:  NewJournal(),
		cfg:      cfg.withDefaults(),
		logger:   logger.With(slog.String("component", "lifecycle")),
		inflight: make(map[string]string),
		pending:  make(map[string]*pendingTx),
	}
}

// SetOracle enables freshness-checked price validation before submission.
func (c *Controller) SetOracle(oracle PriceReader) { c.oracle = oracle }

// SetLocks enables distributed locking across daemon instances.
func (c *Controller) SetLocks(locks domain.LockManager) { c.locks = locks }

// SetBus enables lifecycle event publication.
func (c *Controller) SetBus(bus domain.SignalBus) { c.bus = bus }

// SetAudit enables persistent audit logging of lifecycle decisions.
func (c *Controller) SetAudit(audit domain.AuditStore) { c.audit = audit }

// SetHistory enables plaintext position history recording.
func (c *Controller) SetHistory(history domain.PositionHistoryStore) { c.history = history }

// SetNotifier enables operator alerts on trade settlement outcomes.
func (c *Controller) SetNotifier(n *notify.Notifier) { c.notifier = n }

// SetRefreshKick wires the store refresher's kick so confirmed transactions
// trigger an immediate chain resync.
func (c *Controller) SetRefreshKick(kick func()) { c.kick = kick }

// Journal exposes the request journal for read-only consumers.
func (c *Controller) Journal() *Journal { return c.journal }

func openKey(trader common.Address) string { return "open:" + trader.Hex() }

func closeKey(positionID uint64) string { return "close:" + strconv.FormatUint(positionID, 10) }

// claim reserves an intent key for a request. A held key means an earlier
// request for the same intent is still unresolved.
func (c *Controller) claim(key, requestID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if holder, held := c.inflight[key]; held {
		return fmt.Errorf("lifecycle: request %s still active for this intent: %w", holder, domain.ErrOperationInProgress)
	}
	c.inflight[key] = requestID
	return nil
}

// release frees an intent key, but only for its current holder: an abandoned
// request must not free a successor's claim.
func (c *Controller) release(key, requestID string) {
	c.mu.Lock()
	if c.inflight[key] == requestID {
		delete(c.inflight, key)
	}
	c.mu.Unlock()
}

// begin creates the journal entry and reserves the intent key and, when
// configured, the distributed lock.
func (c *Controller) begin(ctx context.Context, kind domain.RequestKind, positionID uint64, key string) (domain.TransactionRequest, func(), error) {
	req := c.journal.create(kind, c.signer.Address(), positionID)
	if err := c.claim(key, req.ID); err != nil {
		final, _ := c.fail(ctx, req.ID, domain.StateIdle, domain.ReasonInvalidInput, err)
		return final, nil, err
	}

	unlock, err := c.acquireLock(ctx, key)
	if err != nil {
		c.release(key, req.ID)
		final, _ := c.fail(ctx, req.ID, domain.StateIdle, domain.ReasonInvalidInput, err)
		return final, nil, err
	}

	snap, _ := c.journal.Get(req.ID)
	return snap, unlock, nil
}

// OpenPosition drives an open submission to a terminal state and returns the
// final request snapshot. The call blocks for at most the confirm timeout
// once broadcast; a timed-out request stays claimed until reconciled or
// abandoned.
func (c *Controller) OpenPosition(ctx context.Context, p OpenParams) (domain.TransactionRequest, error) {
	key := openKey(c.signer.Address())
	req, unlock, err := c.begin(ctx, domain.RequestKindOpen, 0, key)
	if err != nil {
		return req, err
	}
	return c.driveOpen(ctx, req.ID, key, unlock, p)
}

// StartOpen begins an open submission and drives it in the background,
// returning the request snapshot immediately. Claim conflicts still surface
// synchronously. Progress is observable through the journal and signal bus.
func (c *Controller) StartOpen(ctx context.Context, p OpenParams) (domain.TransactionRequest, error) {
	key := openKey(c.signer.Address())
	req, unlock, err := c.begin(ctx, domain.RequestKindOpen, 0, key)
	if err != nil {
		return req, err
	}

	go func() {
		bg := context.WithoutCancel(ctx)
		if _, err := c.driveOpen(bg, req.ID, key, unlock, p); err != nil {
			c.logger.Warn("background open failed",
				slog.String("request_id", req.ID),
				slog.String("error", err.Error()),
			)
		}
	}()
	return req, nil
}

// ClosePosition drives a close submission for an open position the trader
// owns. A second close for a position whose first close is still in flight
// fails with OperationInProgress.
func (c *Controller) ClosePosition(ctx context.Context, positionID uint64) (domain.TransactionRequest, error) {
	key := closeKey(positionID)
	req, unlock, err := c.begin(ctx, domain.RequestKindClose, positionID, key)
	if err != nil {
		return req, err
	}
	return c.driveClose(ctx, req.ID, key, unlock, positionID)
}

// StartClose begins a close submission and drives it in the background.
func (c *Controller) StartClose(ctx context.Context, positionID uint64) (domain.TransactionRequest, error) {
	key := closeKey(positionID)
	req, unlock, err := c.begin(ctx, domain.RequestKindClose, positionID, key)
	if err != nil {
		return req, err
	}

	go func() {
		bg := context.WithoutCancel(ctx)
		if _, err := c.driveClose(bg, req.ID, key, unlock, positionID); err != nil {
			c.logger.Warn("background close failed",
				slog.String("request_id", req.ID),
				slog.String("error", err.Error()),
			)
		}
	}()
	return req, nil
}

func (c *Controller) driveOpen(ctx context.Context, requestID, key string, unlock func(), p OpenParams) (domain.TransactionRequest, error) {
	defer unlock()
	trader := c.signer.Address()

	c.advance(ctx, requestID, domain.StateValidating, "")
	if err := c.validateOpen(ctx, p); err != nil {
		c.release(key, requestID)
		return c.fail(ctx, requestID, domain.StateIdle, domain.ReasonInvalidInput, err)
	}

	c.advance(ctx, requestID, domain.StateEncrypting, "")
	encSize, err := c.enc.Encrypt(ctx, c.chain.ChainID(), p.Size, c.chain.ManagerAddress())
	if err != nil {
		c.release(key, requestID)
		return c.fail(ctx, requestID, domain.StateReverted, domain.ReasonEncryptionFailure, err)
	}
	encCollateral, err := c.enc.Encrypt(ctx, c.chain.ChainID(), p.Collateral, c.chain.ManagerAddress())
	if err != nil {
		c.release(key, requestID)
		return c.fail(ctx, requestID, domain.StateReverted, domain.ReasonEncryptionFailure, err)
	}

	tx, err := c.chain.BuildOpenTx(ctx, trader, encSize, encCollateral, p.Side.IsLong())
	if err != nil {
		c.release(key, requestID)
		return c.fail(ctx, requestID, domain.StateReverted, domain.ReasonUnknownRevert, err)
	}

	signed, err := c.sign(ctx, requestID, key, tx)
	if err != nil {
		return c.journalErr(requestID, err)
	}

	if err := c.broadcast(ctx, requestID, key, signed, p.Leverage); err != nil {
		return c.journalErr(requestID, err)
	}

	return c.confirm(ctx, requestID, key, signed)
}

func (c *Controller) driveClose(ctx context.Context, requestID, key string, unlock func(), positionID uint64) (domain.TransactionRequest, error) {
	defer unlock()
	trader := c.signer.Address()

	c.advance(ctx, requestID, domain.StateValidating, "")
	if err := c.validateClose(ctx, trader, positionID); err != nil {
		c.release(key, requestID)
		return c.fail(ctx, requestID, domain.StateIdle, domain.ReasonInvalidInput, err)
	}

	// Close carries no plaintext, so there is nothing to encrypt.
	tx, err := c.chain.BuildCloseTx(ctx, trader, positionID)
	if err != nil {
		c.release(key, requestID)
		return c.fail(ctx, requestID, domain.StateReverted, domain.ReasonUnknownRevert, err)
	}

	signed, err := c.sign(ctx, requestID, key, tx)
	if err != nil {
		return c.journalErr(requestID, err)
	}

	if err := c.broadcast(ctx, requestID, key, signed, 0); err != nil {
		return c.journalErr(requestID, err)
	}

	return c.confirm(ctx, requestID, key, signed)
}

// Abandon gives up on a timed-out request, freeing its intent so a fresh
// attempt may proceed. The broadcast transaction is not cancelled; if it
// lands later the reconciler still folds it into the Store.
func (c *Controller) Abandon(ctx context.Context, requestID string) error {
	if err := c.journal.Abandon(requestID); err != nil {
		return err
	}

	c.mu.Lock()
	p := c.pending[requestID]
	c.mu.Unlock()
	if p != nil {
		c.release(p.key, requestID)
	}

	req, err := c.journal.Get(requestID)
	if err == nil {
		c.publish(ctx, req, "request_abandoned")
		c.auditLog(ctx, "request_abandoned", map[string]any{
			"request_id": req.ID,
			"kind":       string(req.Kind),
			"tx_hash":    req.TxHash.Hex(),
		})
	}
	return nil
}

func (c *Controller) validateOpen(ctx context.Context, p OpenParams) error {
	if p.Size == nil || p.Size.Sign() <= 0 {
		return fmt.Errorf("lifecycle: size must be positive: %w", domain.ErrInvalidInput)
	}
	if p.Collateral == nil || p.Collateral.Sign() <= 0 {
		return fmt.Errorf("lifecycle: collateral must be positive: %w", domain.ErrInvalidInput)
	}
	if p.Side != domain.SideLong && p.Side != domain.SideShort {
		return fmt.Errorf("lifecycle: side %q: %w", p.Side, domain.ErrInvalidInput)
	}
	if !c.risk.ValidLeverage(p.Leverage) {
		return fmt.Errorf("lifecycle: leverage %d out of range: %w", p.Leverage, domain.ErrInvalidInput)
	}

	// Size is the base amount; the leveraged notional sets the margin
	// requirement.
	size, _ := new(big.Float).SetInt(p.Size).Float64()
	collateral, _ := new(big.Float).SetInt(p.Collateral).Float64()
	notional := size * float64(p.Leverage)
	required, err := c.risk.RequiredInitialMargin(notional)
	if err != nil {
		return err
	}
	if collateral < required {
		return fmt.Errorf("lifecycle: collateral %.2f below required initial margin %.2f: %w", collateral, required, domain.ErrInvalidInput)
	}

	return c.validateChain(ctx)
}

func (c *Controller) validateClose(ctx context.Context, trader common.Address, positionID uint64) error {
	pos, err := c.store.Get(positionID)
	if err != nil {
		return fmt.Errorf("lifecycle: position %d unknown: %w", positionID, domain.ErrInvalidInput)
	}
	if !pos.IsOpen {
		return fmt.Errorf("lifecycle: position %d already closed: %w", positionID, domain.ErrInvalidInput)
	}
	if pos.Trader != trader {
		return fmt.Errorf("lifecycle: position %d belongs to %s: %w", positionID, pos.Trader.Hex(), domain.ErrAuthorization)
	}
	return c.validateChain(ctx)
}

func (c *Controller) validateChain(ctx context.Context) error {
	if !c.chain.Deployed() {
		return fmt.Errorf("lifecycle: %w", domain.ErrContractsNotDeployed)
	}
	paused, err := c.chain.IsPaused(ctx)
	if err != nil {
		return fmt.Errorf("lifecycle: pause check: %w", err)
	}
	if paused {
		return fmt.Errorf("lifecycle: %w", domain.ErrPaused)
	}

	if c.oracle != nil {
		if _, err := c.oracle.FreshQuote(ctx, c.cfg.Asset); err != nil {
			return fmt.Errorf("lifecycle: pre-trade price check: %w", err)
		}
	}
	return nil
}

// sign requests a signature from the wallet. Waiting is indefinite and
// cancellable only through the context; a decline is terminal.
func (c *Controller) sign(ctx context.Context, requestID, key string, tx *types.Transaction) (*types.Transaction, error) {
	c.advance(ctx, requestID, domain.StateAwaitingSignature, "")

	signed, err := c.signer.SignTx(ctx, tx)
	if err != nil {
		c.release(key, requestID)
		reason := domain.ReasonUserRejected
		if !errors.Is(err, domain.ErrUserRejected) && !errors.Is(err, context.Canceled) {
			reason = err.Error()
		}
		_, _ = c.fail(ctx, requestID, domain.StateRejected, reason, err)
		return nil, fmt.Errorf("lifecycle: sign: %w", err)
	}
	return signed, nil
}

func (c *Controller) broadcast(ctx context.Context, requestID, key string, signed *types.Transaction, leverage int) error {
	c.advance(ctx, requestID, domain.StateBroadcast, "")
	c.journal.setTxHash(requestID, signed.Hash())

	if err := c.chain.SendTransaction(ctx, signed); err != nil {
		c.release(key, requestID)
		_, _ = c.fail(ctx, requestID, domain.StateReverted, chainReason(err), err)
		return fmt.Errorf("lifecycle: broadcast: %w", err)
	}

	c.mu.Lock()
	c.pending[requestID] = &pendingTx{key: key, tx: signed, leverage: leverage}
	c.mu.Unlock()

	return nil
}

// confirm polls for inclusion until the receipt arrives or the bounded wait
// expires. Timeout is not failure: the claim stays held and the reconciler
// keeps watching the hash.
func (c *Controller) confirm(ctx context.Context, requestID, key string, signed *types.Transaction) (domain.TransactionRequest, error) {
	c.advance(ctx, requestID, domain.StateConfirming, "")

	deadline := time.NewTimer(c.cfg.ConfirmTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.cfg.ReceiptPoll)
	defer ticker.Stop()

	for {
		receipt, err := c.chain.TransactionReceipt(ctx, signed.Hash())
		if err == nil {
			return c.resolve(ctx, requestID, key, signed, receipt)
		}
		if !errors.Is(err, domain.ErrNotFound) {
			c.logger.Debug("receipt poll failed",
				slog.String("request_id", requestID),
				slog.String("error", err.Error()),
			)
		}

		select {
		case <-ctx.Done():
			// The transaction is out; treat cancellation like a timeout so
			// reconciliation still observes a late inclusion.
			return c.timeout(requestID)
		case <-deadline.C:
			return c.timeout(requestID)
		case <-ticker.C:
		}
	}
}

func (c *Controller) timeout(requestID string) (domain.TransactionRequest, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req := c.advance(ctx, requestID, domain.StateTimedOut, domain.ReasonTimeout)
	c.auditLog(ctx, "request_timed_out", map[string]any{
		"request_id": requestID,
		"tx_hash":    req.TxHash.Hex(),
	})
	c.alert(ctx, "trade_timed_out", "Trade timed out",
		fmt.Sprintf("%s request %s saw no inclusion within %s (tx %s); reconciliation continues",
			req.Kind, requestID, c.cfg.ConfirmTimeout, req.TxHash.Hex()))
	return req, fmt.Errorf("lifecycle: no inclusion within %s: %w", c.cfg.ConfirmTimeout, domain.ErrTimedOut)
}

// resolve folds a receipt into the journal and the Store. The Store mutation
// strictly precedes the transition to Succeeded.
func (c *Controller) resolve(ctx context.Context, requestID, key string, signed *types.Transaction, receipt *types.Receipt) (domain.TransactionRequest, error) {
	defer func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
		c.release(key, requestID)
	}()

	req, err := c.journal.Get(requestID)
	if err != nil {
		return domain.TransactionRequest{}, err
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		reason := c.chain.RevertReason(ctx, signed, req.Trader, receipt.BlockNumber)
		if reason == "" {
			reason = domain.ReasonUnknownRevert
		}
		final := c.advance(ctx, requestID, domain.StateReverted, reason)
		c.auditLog(ctx, "request_reverted", map[string]any{
			"request_id": requestID,
			"kind":       string(req.Kind),
			"reason":     reason,
			"tx_hash":    receipt.TxHash.Hex(),
		})
		c.alert(ctx, "trade_reverted", "Trade reverted",
			fmt.Sprintf("%s request %s reverted on-chain: %s", req.Kind, requestID, reason))
		return final, fmt.Errorf("lifecycle: transaction reverted: %s", reason)
	}

	switch req.Kind {
	case domain.RequestKindOpen:
		if err := c.applyOpen(ctx, requestID, receipt); err != nil {
			final := c.advance(ctx, requestID, domain.StateReverted, domain.ReasonUnknownRevert)
			return final, err
		}
	case domain.RequestKindClose:
		if err := c.applyClose(ctx, requestID, receipt); err != nil {
			final := c.advance(ctx, requestID, domain.StateReverted, domain.ReasonUnknownRevert)
			return final, err
		}
	}

	final := c.advance(ctx, requestID, domain.StateSucceeded, "")
	c.auditLog(ctx, "request_succeeded", map[string]any{
		"request_id":  requestID,
		"kind":        string(req.Kind),
		"position_id": final.PositionID,
		"tx_hash":     receipt.TxHash.Hex(),
	})
	c.alert(ctx, "trade_succeeded", "Trade confirmed",
		fmt.Sprintf("%s request %s confirmed, position %d (tx %s)",
			req.Kind, requestID, final.PositionID, receipt.TxHash.Hex()))
	if c.kick != nil {
		c.kick()
	}
	return final, nil
}

func (c *Controller) applyOpen(ctx context.Context, requestID string, receipt *types.Receipt) error {
	ev, err := c.chain.ParsePositionOpened(receipt)
	if err != nil {
		return err
	}

	c.mu.Lock()
	p := c.pending[requestID]
	c.mu.Unlock()
	leverage := 0
	if p != nil {
		leverage = p.leverage
	}

	pos := domain.Position{
		ID:            ev.PositionID,
		Trader:        ev.Trader,
		Side:          domain.SideFromBool(ev.IsLong),
		EntryPrice:    ev.EntryPrice,
		PriceDecimals: c.cfg.PriceDecimals,
		Leverage:      leverage,
		OpenedAt:      ev.Timestamp,
		IsOpen:        true,
	}
	c.store.Upsert(pos)
	c.journal.setPositionID(requestID, ev.PositionID)

	if c.history != nil {
		row := domain.PositionHistoryRow{
			PositionID: ev.PositionID,
			Trader:     ev.Trader.Hex(),
			Side:       pos.Side,
			EntryPrice: pos.EntryPriceFloat(),
			Leverage:   leverage,
			OpenedAt:   ev.Timestamp,
			TxHash:     receipt.TxHash.Hex(),
		}
		if err := c.history.RecordOpened(ctx, row); err != nil {
			c.logger.Warn("record opened position failed",
				slog.Uint64("position_id", ev.PositionID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func (c *Controller) applyClose(ctx context.Context, requestID string, receipt *types.Receipt) error {
	ev, err := c.chain.ParsePositionClosed(receipt)
	if err != nil {
		return err
	}

	c.store.MarkClosed(ev.PositionID)

	if c.history != nil {
		exit := domain.PriceQuote{Price: ev.ExitPrice, Decimals: c.cfg.PriceDecimals}
		if err := c.history.RecordClosed(ctx, ev.PositionID, exit.Float(), ev.Timestamp, receipt.TxHash.Hex()); err != nil {
			c.logger.Warn("record closed position failed",
				slog.Uint64("position_id", ev.PositionID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// fail transitions a request to a failure (or back to Idle for validation
// errors) and returns the snapshot with the causing error.
func (c *Controller) fail(ctx context.Context, requestID string, to domain.RequestState, reason string, cause error) (domain.TransactionRequest, error) {
	req := c.advance(ctx, requestID, to, reason)
	c.auditLog(ctx, "request_failed", map[string]any{
		"request_id": requestID,
		"state":      string(to),
		"reason":     reason,
		"error":      cause.Error(),
	})
	return req, cause
}

// journalErr re-reads the request after a helper already recorded the
// failure, preserving the terminal snapshot for the caller.
func (c *Controller) journalErr(requestID string, cause error) (domain.TransactionRequest, error) {
	req, err := c.journal.Get(requestID)
	if err != nil {
		return domain.TransactionRequest{}, cause
	}
	return req, cause
}

func (c *Controller) advance(ctx context.Context, requestID string, to domain.RequestState, reason string) domain.TransactionRequest {
	req, err := c.journal.advance(requestID, to, reason)
	if err != nil {
		c.logger.Error("state transition rejected",
			slog.String("request_id", requestID),
			slog.String("to", string(to)),
			slog.String("error", err.Error()),
		)
		req, _ = c.journal.Get(requestID)
		return req
	}

	c.logger.Info("request state",
		slog.String("request_id", requestID),
		slog.String("kind", string(req.Kind)),
		slog.String("state", string(to)),
		slog.String("reason", reason),
	)
	c.publish(ctx, req, "request_update")
	return req
}

func (c *Controller) acquireLock(ctx context.Context, key string) (func(), error) {
	if c.locks == nil {
		return func() {}, nil
	}
	unlock, err := c.locks.Acquire(ctx, key, c.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return nil, fmt.Errorf("lifecycle: another instance holds %s: %w", key, domain.ErrOperationInProgress)
		}
		return nil, err
	}
	return unlock, nil
}

// chainReason extracts a short failure reason from a send error.
func chainReason(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
