package crypto

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// TxSigner approves and signs transactions on behalf of the trader. The
// local implementation signs immediately; remote implementations (hardware
// wallet, WalletConnect) may block on an external actor indefinitely, so
// SignTx takes a context and must honour cancellation. A signer signals the
// account holder's refusal by returning domain.ErrUserRejected.
type TxSigner interface {
	SignTx(ctx context.Context, tx *types.Transaction) (*types.Transaction, error)
	Address() common.Address
}

// LocalSigner signs transactions with an in-process secp256k1 key using the
// EIP-155 signer for the configured chain.
type LocalSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
	signer  types.Signer
}

// NewLocalSigner creates a LocalSigner for the given key and chain id.
func NewLocalSigner(key *ecdsa.PrivateKey, chainID int64) *LocalSigner {
	return &LocalSigner{
		key:     key,
		address: ethcrypto.PubkeyToAddress(key.PublicKey),
		signer:  types.LatestSignerForChainID(big.NewInt(chainID)),
	}
}

// SignTx signs the transaction. A nil-safe context check keeps the interface
// contract honest even though local signing never blocks.
func (s *LocalSigner) SignTx(ctx context.Context, tx *types.Transaction) (*types.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	signed, err := types.SignTx(tx, s.signer, s.key)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: sign tx: %w", err)
	}
	return signed, nil
}

// Address returns the Ethereum address derived from the signer's key.
func (s *LocalSigner) Address() common.Address {
	return s.address
}
