package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// IsLong reports whether the side is long.
func (s Side) IsLong() bool { return s == SideLong }

// SideFromBool converts the contract's isLong flag into a Side.
func SideFromBool(isLong bool) Side {
	if isLong {
		return SideLong
	}
	return SideShort
}

// Handle is an opaque on-chain reference to an encrypted value (an euint64
// ciphertext handle). It is never decryptable client-side without the
// gateway's authorization.
type Handle [32]byte

// IsZero reports whether the handle is unset.
func (h Handle) IsZero() bool { return h == Handle{} }

// Position is the client-side snapshot of an on-chain confidential position.
// Size and collateral are held only as ciphertext handles; the plaintext
// magnitudes are known to the contract but not to this process unless the
// owner explicitly requests decryption through the gateway.
type Position struct {
	ID                  uint64
	Trader              common.Address
	Side                Side
	EncryptedSize       Handle
	EncryptedCollateral Handle
	EntryPrice          uint64 // fixed-point, PriceDecimals decimal places
	PriceDecimals       uint8
	Leverage            int
	OpenedAt            time.Time
	IsOpen              bool
}

// EntryPriceFloat returns the entry price as a float for display and risk
// arithmetic.
func (p Position) EntryPriceFloat() float64 {
	return scalePrice(p.EntryPrice, p.PriceDecimals)
}

// PositionEvent is a Store change notification.
type PositionEvent struct {
	Type     string // "upserted" or "closed"
	Position Position
}
