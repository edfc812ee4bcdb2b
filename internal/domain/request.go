package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RequestKind distinguishes open and close submissions.
type RequestKind string

const (
	RequestKindOpen  RequestKind = "open"
	RequestKindClose RequestKind = "close"
)

// RequestState is a stage in the transaction lifecycle state machine. A
// request only ever moves forward; earlier states are never revisited.
type RequestState string

const (
	StateIdle              RequestState = "idle"
	StateValidating        RequestState = "validating"
	StateEncrypting        RequestState = "encrypting"
	StateAwaitingSignature RequestState = "awaiting_signature"
	StateBroadcast         RequestState = "broadcast"
	StateConfirming        RequestState = "confirming"
	StateSucceeded         RequestState = "succeeded"
	StateReverted          RequestState = "reverted"
	StateTimedOut          RequestState = "timed_out"
	StateRejected          RequestState = "rejected"
)

// Terminal reports whether the state ends the machine. TimedOut is terminal
// for the machine but not for the transaction itself: the broadcast
// transaction may still land and is reconciled into the Store later.
func (s RequestState) Terminal() bool {
	switch s {
	case StateSucceeded, StateReverted, StateTimedOut, StateRejected:
		return true
	default:
		return false
	}
}

// Failure reasons attached to terminal states.
const (
	ReasonInvalidInput      = "InvalidInput"
	ReasonEncryptionFailure = "EncryptionFailure"
	ReasonUserRejected      = "UserRejected"
	ReasonUnknownRevert     = "UnknownRevert"
	ReasonTimeout           = "Timeout"
)

// Transition records a single state-machine step.
type Transition struct {
	From RequestState
	To   RequestState
	At   time.Time
}

// TransactionRequest tracks one open or close submission through the
// lifecycle state machine.
type TransactionRequest struct {
	ID         string
	Kind       RequestKind
	Trader     common.Address
	PositionID uint64 // target position for close; assigned on open success
	State      RequestState
	TxHash     common.Hash
	Reason     string // failure reason for terminal failure states
	Abandoned  bool   // caller gave up on a timed-out request
	CreatedAt  time.Time
	UpdatedAt  time.Time

	Transitions []Transition
}

// Succeeded reports whether the request reached the success state.
func (r *TransactionRequest) Succeeded() bool { return r.State == StateSucceeded }
