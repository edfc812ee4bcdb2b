package domain

import "errors"

var (
	ErrNotFound              = errors.New("not found")
	ErrInvalidInput          = errors.New("invalid input")
	ErrEncryptionUnavailable = errors.New("encryption service unavailable")
	ErrEncoding              = errors.New("value cannot be encoded")
	ErrAuthorization         = errors.New("viewer not authorized for ciphertext")
	ErrUserRejected          = errors.New("user rejected signature")
	ErrTimedOut              = errors.New("transaction confirmation timed out")
	ErrOperationInProgress   = errors.New("operation already in progress for position")
	ErrOracleUnavailable     = errors.New("price oracle unavailable")
	ErrOracleStale           = errors.New("price quote is stale")
	ErrInvalidRiskInput      = errors.New("invalid risk calculator input")
	ErrContractsNotDeployed  = errors.New("contracts not deployed on this chain")
	ErrPaused                = errors.New("trading is paused")
	ErrDecode                = errors.New("contract return value decode failed")
	ErrLockHeld              = errors.New("lock already held")
)
