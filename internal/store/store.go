// Package store holds the client-side authoritative cache of the trader's
// positions. The UI and risk paths never infer position existence from a
// pending transaction; they ask this store, and the store only ever changes
// from confirmed on-chain observations.
package store

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cipherperp/cipherperp/internal/domain"
)

// Store is an in-memory map from position id to the last-observed on-chain
// snapshot, scoped to one (trader, chain) pair. Writers serialize on the
// store mutex; ids are kept in insertion order.
type Store struct {
	logger *slog.Logger

	mu      sync.RWMutex
	trader  common.Address
	chainID int64
	order   []uint64
	byID    map[uint64]domain.Position

	subMu   sync.Mutex
	subs    map[int]chan domain.PositionEvent
	nextSub int
}

// New creates an empty Store. Bind must be called before the first write.
func New(logger *slog.Logger) *Store {
	return &Store{
		logger: logger.With(slog.String("component", "position_store")),
		byID:   make(map[uint64]domain.Position),
		subs:   make(map[int]chan domain.PositionEvent),
	}
}

// Bind scopes the store to a trader and chain. Binding to a different pair
// clears all cached state: positions from another account or chain must
// never leak across a switch.
func (s *Store) Bind(trader common.Address, chainID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.trader == trader && s.chainID == chainID {
		return
	}
	s.trader = trader
	s.chainID = chainID
	s.order = nil
	s.byID = make(map[uint64]domain.Position)
	s.logger.Info("store bound",
		slog.String("trader", trader.Hex()),
		slog.Int64("chain_id", chainID),
	)
}

// Trader returns the bound trader address.
func (s *Store) Trader() common.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.trader
}

// ListIDs returns all known position ids in insertion order.
func (s *Store) ListIDs() []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]uint64, len(s.order))
	copy(out, s.order)
	return out
}

// Get returns the snapshot for a position id, or domain.ErrNotFound.
func (s *Store) Get(id uint64) (domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.byID[id]
	if !ok {
		return domain.Position{}, fmt.Errorf("store: position %d: %w", id, domain.ErrNotFound)
	}
	return pos, nil
}

// Upsert inserts or updates a position snapshot. A closed position is
// terminal: an update can never flip it back to open, and stale refetches
// that still show the old open state are dropped.
func (s *Store) Upsert(pos domain.Position) {
	s.mu.Lock()
	prev, known := s.byID[pos.ID]
	if known && !prev.IsOpen && pos.IsOpen {
		s.mu.Unlock()
		s.logger.Warn("dropping stale reopen of closed position",
			slog.Uint64("position_id", pos.ID),
		)
		return
	}
	if !known {
		s.order = append(s.order, pos.ID)
	}
	s.byID[pos.ID] = pos
	s.mu.Unlock()

	s.notify(domain.PositionEvent{Type: "upserted", Position: pos})
}

// MarkClosed flips a position to closed. Unknown ids are a no-op: the next
// id refresh will fetch the authoritative state.
func (s *Store) MarkClosed(id uint64) {
	s.mu.Lock()
	pos, ok := s.byID[id]
	if !ok || !pos.IsOpen {
		s.mu.Unlock()
		return
	}
	pos.IsOpen = false
	s.byID[id] = pos
	s.mu.Unlock()

	s.notify(domain.PositionEvent{Type: "closed", Position: pos})
}

// Snapshot returns a copy of every known position in insertion order.
func (s *Store) Snapshot() []domain.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Position, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

// OpenPositions returns only the open positions, insertion order.
func (s *Store) OpenPositions() []domain.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Position
	for _, id := range s.order {
		if pos := s.byID[id]; pos.IsOpen {
			out = append(out, pos)
		}
	}
	return out
}

// Subscribe registers a change listener. The returned cancel function must
// be called to release the subscription. Slow subscribers drop events rather
// than block writers.
func (s *Store) Subscribe() (<-chan domain.PositionEvent, func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan domain.PositionEvent, 64)
	s.subs[id] = ch
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		if existing, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(existing)
		}
		s.subMu.Unlock()
	}
	return ch, cancel
}

func (s *Store) notify(ev domain.PositionEvent) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
