package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cipherperp/cipherperp/internal/domain"
	"github.com/cipherperp/cipherperp/internal/store"
)

// HandleReader fetches encrypted field handles from the position manager.
type HandleReader interface {
	GetEncryptedSize(ctx context.Context, id uint64) (domain.Handle, error)
	GetEncryptedCollateral(ctx context.Context, id uint64) (domain.Handle, error)
}

// Decryptor reencrypts a handle for an authorized viewer through the
// encryption gateway.
type Decryptor interface {
	Decrypt(ctx context.Context, chainID int64, handle domain.Handle, contractAddress, viewerAddress common.Address) (uint64, error)
}

// DecryptService exposes owner-side decryption of a position's encrypted
// size and collateral. The gateway enforces viewer authorization; the local
// ownership check just fails fast before a doomed round trip.
type DecryptService struct {
	chainID int64
	manager common.Address
	reader  HandleReader
	dec     Decryptor
	store   *store.Store
	logger  *slog.Logger
}

// NewDecryptService creates a DecryptService bound to one chain deployment.
func NewDecryptService(
	chainID int64,
	manager common.Address,
	reader HandleReader,
	dec Decryptor,
	positions *store.Store,
	logger *slog.Logger,
) *DecryptService {
	return &DecryptService{
		chainID: chainID,
		manager: manager,
		reader:  reader,
		dec:     dec,
		store:   positions,
		logger:  logger.With(slog.String("component", "decrypt")),
	}
}

// PositionSize decrypts a position's size for its owner. Returns
// domain.ErrAuthorization when viewer does not own the position.
func (s *DecryptService) PositionSize(ctx context.Context, viewer common.Address, positionID uint64) (uint64, error) {
	if err := s.authorize(viewer, positionID); err != nil {
		return 0, err
	}
	handle, err := s.reader.GetEncryptedSize(ctx, positionID)
	if err != nil {
		return 0, err
	}
	return s.decrypt(ctx, viewer, positionID, "size", handle)
}

// PositionCollateral decrypts a position's collateral for its owner.
func (s *DecryptService) PositionCollateral(ctx context.Context, viewer common.Address, positionID uint64) (uint64, error) {
	if err := s.authorize(viewer, positionID); err != nil {
		return 0, err
	}
	handle, err := s.reader.GetEncryptedCollateral(ctx, positionID)
	if err != nil {
		return 0, err
	}
	return s.decrypt(ctx, viewer, positionID, "collateral", handle)
}

func (s *DecryptService) authorize(viewer common.Address, positionID uint64) error {
	pos, err := s.store.Get(positionID)
	if err != nil {
		return err
	}
	if pos.Trader != viewer {
		return fmt.Errorf("service: position %d not owned by %s: %w", positionID, viewer.Hex(), domain.ErrAuthorization)
	}
	return nil
}

func (s *DecryptService) decrypt(ctx context.Context, viewer common.Address, positionID uint64, field string, handle domain.Handle) (uint64, error) {
	if handle.IsZero() {
		return 0, fmt.Errorf("service: position %d has no %s handle: %w", positionID, field, domain.ErrNotFound)
	}

	value, err := s.dec.Decrypt(ctx, s.chainID, handle, s.manager, viewer)
	if err != nil {
		return 0, fmt.Errorf("service: decrypt %s of position %d: %w", field, positionID, err)
	}

	s.logger.Debug("owner decryption served",
		slog.Uint64("position_id", positionID),
		slog.String("field", field),
	)
	return value, nil
}
