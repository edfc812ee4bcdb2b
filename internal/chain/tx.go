package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/cipherperp/cipherperp/internal/domain"
)

// gasMarginPercent pads the node's gas estimate; confidential-input
// verification cost varies slightly between estimation and inclusion.
const gasMarginPercent = 20

// BuildOpenTx packs an openPosition call into an unsigned transaction ready
// for the signer. Both encrypted inputs travel with their own proofs.
func (c *Client) BuildOpenTx(ctx context.Context, from common.Address, size, collateral domain.EncryptedInput, isLong bool) (*types.Transaction, error) {
	if !c.Deployed() {
		return nil, domain.ErrContractsNotDeployed
	}

	input, err := positionManagerABI.Pack("openPosition",
		[32]byte(size.Handle), size.Proof,
		[32]byte(collateral.Handle), collateral.Proof,
		isLong,
	)
	if err != nil {
		return nil, fmt.Errorf("chain: pack openPosition: %w", err)
	}
	return c.buildTx(ctx, from, input)
}

// BuildCloseTx packs a closePosition call into an unsigned transaction.
func (c *Client) BuildCloseTx(ctx context.Context, from common.Address, positionID uint64) (*types.Transaction, error) {
	if !c.Deployed() {
		return nil, domain.ErrContractsNotDeployed
	}

	input, err := positionManagerABI.Pack("closePosition", new(big.Int).SetUint64(positionID))
	if err != nil {
		return nil, fmt.Errorf("chain: pack closePosition: %w", err)
	}
	return c.buildTx(ctx, from, input)
}

func (c *Client) buildTx(ctx context.Context, from common.Address, input []byte) (*types.Transaction, error) {
	nonce, err := c.eth.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("chain: pending nonce: %w", err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: suggest gas price: %w", err)
	}

	gas, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
		From: from,
		To:   &c.manager,
		Data: input,
	})
	if err != nil {
		// Estimation reverts surface the same reason a broadcast would.
		return nil, fmt.Errorf("chain: estimate gas: %w", err)
	}
	gas += gas * gasMarginPercent / 100

	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &c.manager,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     input,
	}), nil
}

// SendTransaction broadcasts a signed transaction. Once this returns nil the
// transaction cannot be un-sent; callers own the confirmation wait.
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := c.eth.SendTransaction(ctx, tx); err != nil {
		return fmt.Errorf("chain: send transaction: %w", err)
	}
	return nil
}

// TransactionReceipt returns the receipt. While the transaction is unmined
// the node's not-found answer maps to domain.ErrNotFound.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	receipt, err := c.eth.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("chain: receipt %s: %w", hash.Hex(), domain.ErrNotFound)
		}
		return nil, fmt.Errorf("chain: receipt %s: %w", hash.Hex(), err)
	}
	return receipt, nil
}

// RevertReason replays a failed transaction as eth_call at its inclusion
// block and decodes the revert string. Empty string means the node gave no
// reason.
func (c *Client) RevertReason(ctx context.Context, tx *types.Transaction, from common.Address, blockNumber *big.Int) string {
	msg := ethereum.CallMsg{
		From:     from,
		To:       tx.To(),
		Gas:      tx.Gas(),
		GasPrice: tx.GasPrice(),
		Value:    tx.Value(),
		Data:     tx.Data(),
	}

	ret, err := c.eth.CallContract(ctx, msg, blockNumber)
	if err != nil {
		// Some nodes embed the reason in the error text.
		return revertFromError(err)
	}
	if reason, unpackErr := abi.UnpackRevert(ret); unpackErr == nil {
		return reason
	}
	return ""
}

func revertFromError(err error) string {
	msg := err.Error()
	const marker = "execution reverted"
	idx := strings.Index(msg, marker)
	if idx < 0 {
		return ""
	}
	reason := strings.TrimPrefix(msg[idx+len(marker):], ":")
	return strings.TrimSpace(reason)
}

// OpenedEvent is the decoded PositionOpened log.
type OpenedEvent struct {
	Trader     common.Address
	PositionID uint64
	IsLong     bool
	EntryPrice uint64
	Timestamp  time.Time
}

// ClosedEvent is the decoded PositionClosed log.
type ClosedEvent struct {
	Trader     common.Address
	PositionID uint64
	ExitPrice  uint64
	Timestamp  time.Time
}

// ParsePositionOpened scans a receipt for the manager's PositionOpened event
// and decodes it. Returns domain.ErrNotFound when the receipt carries none.
func (c *Client) ParsePositionOpened(receipt *types.Receipt) (OpenedEvent, error) {
	ev := positionManagerABI.Events["PositionOpened"]
	for _, lg := range receipt.Logs {
		if lg.Address != c.manager || len(lg.Topics) != 3 || lg.Topics[0] != ev.ID {
			continue
		}

		var data struct {
			IsLong     bool
			EntryPrice *big.Int
			Timestamp  *big.Int
		}
		if err := positionManagerABI.UnpackIntoInterface(&data, "PositionOpened", lg.Data); err != nil {
			return OpenedEvent{}, fmt.Errorf("chain: PositionOpened: %w: %v", domain.ErrDecode, err)
		}

		return OpenedEvent{
			Trader:     common.BytesToAddress(lg.Topics[1].Bytes()),
			PositionID: new(big.Int).SetBytes(lg.Topics[2].Bytes()).Uint64(),
			IsLong:     data.IsLong,
			EntryPrice: data.EntryPrice.Uint64(),
			Timestamp:  time.Unix(data.Timestamp.Int64(), 0).UTC(),
		}, nil
	}
	return OpenedEvent{}, fmt.Errorf("chain: no PositionOpened log in receipt: %w", domain.ErrNotFound)
}

// ParsePositionClosed scans a receipt for the manager's PositionClosed event.
func (c *Client) ParsePositionClosed(receipt *types.Receipt) (ClosedEvent, error) {
	ev := positionManagerABI.Events["PositionClosed"]
	for _, lg := range receipt.Logs {
		if lg.Address != c.manager || len(lg.Topics) != 3 || lg.Topics[0] != ev.ID {
			continue
		}

		var data struct {
			ExitPrice *big.Int
			Timestamp *big.Int
		}
		if err := positionManagerABI.UnpackIntoInterface(&data, "PositionClosed", lg.Data); err != nil {
			return ClosedEvent{}, fmt.Errorf("chain: PositionClosed: %w: %v", domain.ErrDecode, err)
		}

		return ClosedEvent{
			Trader:     common.BytesToAddress(lg.Topics[1].Bytes()),
			PositionID: new(big.Int).SetBytes(lg.Topics[2].Bytes()).Uint64(),
			ExitPrice:  data.ExitPrice.Uint64(),
			Timestamp:  time.Unix(data.Timestamp.Int64(), 0).UTC(),
		}, nil
	}
	return ClosedEvent{}, fmt.Errorf("chain: no PositionClosed log in receipt: %w", domain.ErrNotFound)
}
