// Package fhevm is the client for the confidential-computation gateway. It
// turns plaintext trade parameters into ciphertext handles plus input proofs
// that the position manager contract accepts, and performs owner-authorized
// reencryption (decryption) of on-chain handles.
//
// The gateway is treated as an opaque encryption service with a fixed
// contract: given a non-negative integer, produce a ciphertext handle and a
// validity proof bound to the submitting contract. Proof construction
// internals are out of scope here.
package fhevm

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/singleflight"

	"github.com/cipherperp/cipherperp/internal/domain"
)

// euint64Max is the largest plaintext that fits the euint64 ciphertext width.
var euint64Max = new(big.Int).SetUint64(^uint64(0))

// session holds the key material handshaken with the gateway for one chain.
// Sessions are created lazily on first use and reused until Reset.
type session struct {
	chainID   int64
	publicKey []byte
	createdAt time.Time
}

// Client manages one gateway session per chain id and provides Encrypt and
// Decrypt on top of it. It is safe for concurrent use: many goroutines may
// encrypt against one session at once, and concurrent initializers for the
// same chain collapse into a single handshake.
type Client struct {
	gatewayURL string
	httpClient *http.Client
	logger     *slog.Logger

	group    singleflight.Group
	mu       sync.RWMutex
	sessions map[int64]*session
}

// NewClient creates a gateway client. No network traffic happens until the
// first Encrypt or Decrypt call triggers the session handshake.
func NewClient(gatewayURL string, logger *slog.Logger) *Client {
	return &Client{
		gatewayURL: gatewayURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:   logger.With(slog.String("component", "fhevm")),
		sessions: make(map[int64]*session),
	}
}

// ensureSession returns the cached session for the chain, performing the
// gateway handshake at most once per chain id. Re-initialization is
// idempotent: callers racing here all receive the same session.
func (c *Client) ensureSession(ctx context.Context, chainID int64) (*session, error) {
	c.mu.RLock()
	s := c.sessions[chainID]
	c.mu.RUnlock()
	if s != nil {
		return s, nil
	}

	v, err, _ := c.group.Do(strconv.FormatInt(chainID, 10), func() (any, error) {
		// Double-check under the write path; a previous flight may have
		// stored the session already.
		c.mu.RLock()
		cached := c.sessions[chainID]
		c.mu.RUnlock()
		if cached != nil {
			return cached, nil
		}

		pub, err := c.fetchPublicKey(ctx, chainID)
		if err != nil {
			return nil, fmt.Errorf("fhevm: session handshake: %w", err)
		}

		ns := &session{
			chainID:   chainID,
			publicKey: pub,
			createdAt: time.Now().UTC(),
		}
		c.mu.Lock()
		c.sessions[chainID] = ns
		c.mu.Unlock()

		c.logger.InfoContext(ctx, "gateway session initialized",
			slog.Int64("chain_id", chainID),
		)
		return ns, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*session), nil
}

// Encrypt converts a plaintext value into an EncryptedInput bound to the
// target contract. The input is fresh for every call and must be submitted
// exactly once; the contract rejects replayed proofs.
//
// Negative values and values exceeding the euint64 width fail with
// domain.ErrEncoding before any network traffic.
func (c *Client) Encrypt(ctx context.Context, chainID int64, value *big.Int, targetContract common.Address) (domain.EncryptedInput, error) {
	if value == nil || value.Sign() < 0 {
		return domain.EncryptedInput{}, fmt.Errorf("fhevm: %w: value must be non-negative", domain.ErrEncoding)
	}
	if value.Cmp(euint64Max) > 0 {
		return domain.EncryptedInput{}, fmt.Errorf("fhevm: %w: value %s exceeds euint64 width", domain.ErrEncoding, value)
	}

	if _, err := c.ensureSession(ctx, chainID); err != nil {
		return domain.EncryptedInput{}, err
	}

	input, err := c.gatewayEncrypt(ctx, chainID, value.Uint64(), targetContract)
	if err != nil {
		return domain.EncryptedInput{}, err
	}
	return input, nil
}

// Decrypt asks the gateway to reencrypt the handle for the viewer and
// returns the plaintext. Only the ciphertext's authorized party may decrypt;
// anyone else receives domain.ErrAuthorization. The returned plaintext is
// transient and must never be persisted client-side.
func (c *Client) Decrypt(ctx context.Context, chainID int64, handle domain.Handle, contractAddress, viewerAddress common.Address) (uint64, error) {
	if handle.IsZero() {
		return 0, fmt.Errorf("fhevm: %w: zero handle", domain.ErrInvalidInput)
	}

	if _, err := c.ensureSession(ctx, chainID); err != nil {
		return 0, err
	}

	return c.gatewayReencrypt(ctx, chainID, handle, contractAddress, viewerAddress)
}

// Reset disposes the session for the given chain. Call on chain or account
// switch; the next Encrypt performs a fresh handshake.
func (c *Client) Reset(chainID int64) {
	c.mu.Lock()
	delete(c.sessions, chainID)
	c.mu.Unlock()
}
