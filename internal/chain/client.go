// Package chain wraps the JSON-RPC connection to the confidential-state
// chain behind typed contract calls. Every loosely-typed return tuple is
// decoded into a tagged struct at this boundary; decode failures fail fast
// instead of propagating untyped values upward.
package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/cipherperp/cipherperp/internal/domain"
)

// Config holds the endpoint and deployed contract addresses for one chain.
// Zero addresses mean the contract is not deployed; the corresponding calls
// report domain.ErrContractsNotDeployed / domain.ErrOracleUnavailable.
type Config struct {
	RPCURL          string
	ChainID         int64
	PositionManager common.Address
	PriceOracle     common.Address
	PerpetualDEX    common.Address
}

// Client is the typed gateway to the position manager, price oracle, and DEX
// pause switch. Safe for concurrent use.
type Client struct {
	eth     *ethclient.Client
	chainID int64

	manager common.Address
	oracle  common.Address
	dex     common.Address

	logger *slog.Logger
}

// Dial connects to the RPC endpoint and verifies the advertised chain id
// matches the configured one.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", cfg.RPCURL, err)
	}

	remote, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("chain: fetch chain id: %w", err)
	}
	if remote.Int64() != cfg.ChainID {
		eth.Close()
		return nil, fmt.Errorf("chain: rpc reports chain id %d, config says %d", remote.Int64(), cfg.ChainID)
	}

	return &Client{
		eth:     eth,
		chainID: cfg.ChainID,
		manager: cfg.PositionManager,
		oracle:  cfg.PriceOracle,
		dex:     cfg.PerpetualDEX,
		logger:  logger.With(slog.String("component", "chain")),
	}, nil
}

// Close releases the RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

// ChainID returns the configured chain id.
func (c *Client) ChainID() int64 { return c.chainID }

// ManagerAddress returns the position manager contract address.
func (c *Client) ManagerAddress() common.Address { return c.manager }

// Deployed reports whether the position manager address is configured.
func (c *Client) Deployed() bool { return c.manager != (common.Address{}) }

// OracleDeployed reports whether the price oracle address is configured.
func (c *Client) OracleDeployed() bool { return c.oracle != (common.Address{}) }

// positionResult is the tagged decode target for getPosition.
type positionResult struct {
	Size       *big.Int
	Collateral *big.Int
	EntryPrice *big.Int
	Timestamp  *big.Int
	IsLong     bool
	IsOpen     bool
}

// GetPosition fetches one position snapshot. The trader and id are stamped
// onto the returned domain.Position since the contract tuple omits them.
func (c *Client) GetPosition(ctx context.Context, trader common.Address, id uint64, priceDecimals uint8) (domain.Position, error) {
	if !c.Deployed() {
		return domain.Position{}, domain.ErrContractsNotDeployed
	}

	data, err := c.view(ctx, c.manager, positionManagerABI, "getPosition", new(big.Int).SetUint64(id))
	if err != nil {
		return domain.Position{}, fmt.Errorf("chain: getPosition(%d): %w", id, err)
	}

	var res positionResult
	if err := positionManagerABI.UnpackIntoInterface(&res, "getPosition", data); err != nil {
		return domain.Position{}, fmt.Errorf("chain: getPosition(%d): %w: %v", id, domain.ErrDecode, err)
	}
	if res.EntryPrice == nil || res.Timestamp == nil {
		return domain.Position{}, fmt.Errorf("chain: getPosition(%d): %w: nil tuple member", id, domain.ErrDecode)
	}

	return domain.Position{
		ID:                  id,
		Trader:              trader,
		Side:                domain.SideFromBool(res.IsLong),
		EncryptedSize:       handleFromBig(res.Size),
		EncryptedCollateral: handleFromBig(res.Collateral),
		EntryPrice:          res.EntryPrice.Uint64(),
		PriceDecimals:       priceDecimals,
		OpenedAt:            time.Unix(res.Timestamp.Int64(), 0).UTC(),
		IsOpen:              res.IsOpen,
	}, nil
}

// GetTraderPositions returns the trader's position ids in the contract's
// order (assignment order, monotonically increasing).
func (c *Client) GetTraderPositions(ctx context.Context, trader common.Address) ([]uint64, error) {
	if !c.Deployed() {
		return nil, domain.ErrContractsNotDeployed
	}

	data, err := c.view(ctx, c.manager, positionManagerABI, "getTraderPositions", trader)
	if err != nil {
		return nil, fmt.Errorf("chain: getTraderPositions: %w", err)
	}

	out, err := positionManagerABI.Unpack("getTraderPositions", data)
	if err != nil {
		return nil, fmt.Errorf("chain: getTraderPositions: %w: %v", domain.ErrDecode, err)
	}
	raw, ok := out[0].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("chain: getTraderPositions: %w: unexpected type %T", domain.ErrDecode, out[0])
	}

	ids := make([]uint64, 0, len(raw))
	for _, v := range raw {
		ids = append(ids, v.Uint64())
	}
	return ids, nil
}

// GetEncryptedSize fetches the ciphertext handle for a position's size.
func (c *Client) GetEncryptedSize(ctx context.Context, id uint64) (domain.Handle, error) {
	return c.handleView(ctx, "getEncryptedSize", id)
}

// GetEncryptedCollateral fetches the ciphertext handle for a position's
// collateral.
func (c *Client) GetEncryptedCollateral(ctx context.Context, id uint64) (domain.Handle, error) {
	return c.handleView(ctx, "getEncryptedCollateral", id)
}

func (c *Client) handleView(ctx context.Context, method string, id uint64) (domain.Handle, error) {
	if !c.Deployed() {
		return domain.Handle{}, domain.ErrContractsNotDeployed
	}

	data, err := c.view(ctx, c.manager, positionManagerABI, method, new(big.Int).SetUint64(id))
	if err != nil {
		return domain.Handle{}, fmt.Errorf("chain: %s(%d): %w", method, id, err)
	}

	out, err := positionManagerABI.Unpack(method, data)
	if err != nil {
		return domain.Handle{}, fmt.Errorf("chain: %s(%d): %w: %v", method, id, domain.ErrDecode, err)
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return domain.Handle{}, fmt.Errorf("chain: %s(%d): %w: unexpected type %T", method, id, domain.ErrDecode, out[0])
	}
	return handleFromBig(v), nil
}

// IsPaused reports the DEX-wide pause switch. A missing DEX contract is
// treated as not paused: the position manager itself still enforces its own
// invariants.
func (c *Client) IsPaused(ctx context.Context) (bool, error) {
	if c.dex == (common.Address{}) {
		return false, nil
	}

	data, err := c.view(ctx, c.dex, perpetualDEXABI, "isPaused")
	if err != nil {
		return false, fmt.Errorf("chain: isPaused: %w", err)
	}
	out, err := perpetualDEXABI.Unpack("isPaused", data)
	if err != nil {
		return false, fmt.Errorf("chain: isPaused: %w: %v", domain.ErrDecode, err)
	}
	paused, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("chain: isPaused: %w: unexpected type %T", domain.ErrDecode, out[0])
	}
	return paused, nil
}

// GetPrice reads the oracle price feed for an asset. An unconfigured oracle
// reports domain.ErrOracleUnavailable so callers can fall back rather than
// crash.
func (c *Client) GetPrice(ctx context.Context, asset string) (domain.PriceQuote, error) {
	if !c.OracleDeployed() {
		return domain.PriceQuote{}, domain.ErrOracleUnavailable
	}

	data, err := c.view(ctx, c.oracle, priceOracleABI, "getPrice", asset)
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("chain: getPrice(%s): %w", asset, err)
	}

	var res struct {
		Price     *big.Int
		Decimals  uint8
		Timestamp *big.Int
	}
	if err := priceOracleABI.UnpackIntoInterface(&res, "getPrice", data); err != nil {
		return domain.PriceQuote{}, fmt.Errorf("chain: getPrice(%s): %w: %v", asset, domain.ErrDecode, err)
	}
	if res.Price == nil || res.Timestamp == nil {
		return domain.PriceQuote{}, fmt.Errorf("chain: getPrice(%s): %w: nil tuple member", asset, domain.ErrDecode)
	}

	return domain.PriceQuote{
		Asset:     asset,
		Price:     res.Price.Uint64(),
		Decimals:  res.Decimals,
		Timestamp: time.Unix(res.Timestamp.Int64(), 0).UTC(),
	}, nil
}

// IsPriceFresh asks the oracle contract's own freshness view.
func (c *Client) IsPriceFresh(ctx context.Context, asset string) (bool, error) {
	if !c.OracleDeployed() {
		return false, domain.ErrOracleUnavailable
	}

	data, err := c.view(ctx, c.oracle, priceOracleABI, "isPriceFresh", asset)
	if err != nil {
		return false, fmt.Errorf("chain: isPriceFresh(%s): %w", asset, err)
	}
	out, err := priceOracleABI.Unpack("isPriceFresh", data)
	if err != nil {
		return false, fmt.Errorf("chain: isPriceFresh(%s): %w: %v", asset, domain.ErrDecode, err)
	}
	fresh, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("chain: isPriceFresh(%s): %w: unexpected type %T", asset, domain.ErrDecode, out[0])
	}
	return fresh, nil
}

// view packs a method call and executes it as eth_call against latest state.
func (c *Client) view(ctx context.Context, to common.Address, contractABI abi.ABI, method string, args ...any) ([]byte, error) {
	input, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	return c.eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: input}, nil)
}

func handleFromBig(v *big.Int) domain.Handle {
	if v == nil {
		return domain.Handle{}
	}
	return domain.Handle(common.BigToHash(v))
}
