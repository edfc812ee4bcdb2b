package lifecycle

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/cipherperp/cipherperp/internal/domain"
)

// Journal holds every TransactionRequest the controller has driven, in
// creation order. Requests are never removed; timed-out ones stay visible
// until abandoned or reconciled.
type Journal struct {
	mu    sync.RWMutex
	byID  map[string]*domain.TransactionRequest
	order []string
}

// NewJournal creates an empty Journal.
func NewJournal() *Journal {
	return &Journal{byID: make(map[string]*domain.TransactionRequest)}
}

func (j *Journal) create(kind domain.RequestKind, trader common.Address, positionID uint64) *domain.TransactionRequest {
	now := time.Now().UTC()
	req := &domain.TransactionRequest{
		ID:         uuid.New().String(),
		Kind:       kind,
		Trader:     trader,
		PositionID: positionID,
		State:      domain.StateIdle,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	j.mu.Lock()
	j.byID[req.ID] = req
	j.order = append(j.order, req.ID)
	j.mu.Unlock()

	return req
}

// advance moves a request to the next state, recording the transition. It
// refuses to move a request that already reached a terminal state, except
// for the timed-out to succeeded/reverted path used by reconciliation.
func (j *Journal) advance(id string, to domain.RequestState, reason string) (domain.TransactionRequest, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	req, ok := j.byID[id]
	if !ok {
		return domain.TransactionRequest{}, fmt.Errorf("lifecycle: request %s: %w", id, domain.ErrNotFound)
	}
	if req.State.Terminal() && req.State != domain.StateTimedOut {
		return domain.TransactionRequest{}, fmt.Errorf("lifecycle: request %s already %s: %w", id, req.State, domain.ErrInvalidInput)
	}

	now := time.Now().UTC()
	req.Transitions = append(req.Transitions, domain.Transition{From: req.State, To: to, At: now})
	req.State = to
	req.Reason = reason
	req.UpdatedAt = now

	return *req, nil
}

func (j *Journal) setTxHash(id string, hash common.Hash) {
	j.mu.Lock()
	if req, ok := j.byID[id]; ok {
		req.TxHash = hash
		req.UpdatedAt = time.Now().UTC()
	}
	j.mu.Unlock()
}

func (j *Journal) setPositionID(id string, positionID uint64) {
	j.mu.Lock()
	if req, ok := j.byID[id]; ok {
		req.PositionID = positionID
		req.UpdatedAt = time.Now().UTC()
	}
	j.mu.Unlock()
}

// Get returns a snapshot of a request by id.
func (j *Journal) Get(id string) (domain.TransactionRequest, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	req, ok := j.byID[id]
	if !ok {
		return domain.TransactionRequest{}, fmt.Errorf("lifecycle: request %s: %w", id, domain.ErrNotFound)
	}
	return snapshot(req), nil
}

// List returns snapshots of all requests in creation order.
func (j *Journal) List() []domain.TransactionRequest {
	j.mu.RLock()
	defer j.mu.RUnlock()

	out := make([]domain.TransactionRequest, 0, len(j.order))
	for _, id := range j.order {
		out = append(out, snapshot(j.byID[id]))
	}
	return out
}

// Abandon marks a timed-out request abandoned so a fresh attempt for the
// same intent may proceed. Only timed-out requests can be abandoned.
func (j *Journal) Abandon(id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	req, ok := j.byID[id]
	if !ok {
		return fmt.Errorf("lifecycle: request %s: %w", id, domain.ErrNotFound)
	}
	if req.State != domain.StateTimedOut {
		return fmt.Errorf("lifecycle: request %s is %s, only timed-out requests can be abandoned: %w", id, req.State, domain.ErrInvalidInput)
	}

	req.Abandoned = true
	req.UpdatedAt = time.Now().UTC()
	return nil
}

// timedOut returns snapshots of every timed-out request, abandoned ones
// included: a broadcast transaction can land regardless of what the client
// decided, so reconciliation watches them all.
func (j *Journal) timedOut() []domain.TransactionRequest {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var out []domain.TransactionRequest
	for _, id := range j.order {
		if req := j.byID[id]; req.State == domain.StateTimedOut {
			out = append(out, snapshot(req))
		}
	}
	return out
}

func snapshot(req *domain.TransactionRequest) domain.TransactionRequest {
	cp := *req
	cp.Transitions = append([]domain.Transition(nil), req.Transitions...)
	return cp
}
