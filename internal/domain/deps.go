package domain

import (
	"context"
	"io"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PriceCache provides fast access to the latest quote per asset, shared with
// other processes (WS hub, dashboards) through Redis.
type PriceCache interface {
	SetQuote(ctx context.Context, quote PriceQuote) error
	GetQuote(ctx context.Context, asset string) (PriceQuote, error)
}

// LockManager provides distributed locking so two daemon instances never
// drive the same position concurrently.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus provides pub/sub fan-out for lifecycle, position, and price
// events.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// RateLimiter bounds request rates per key across daemon instances.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// PositionHistoryRow is one persisted open/close record.
type PositionHistoryRow struct {
	PositionID uint64     `json:"position_id"`
	Trader     string     `json:"trader"`
	Side       Side       `json:"side"`
	EntryPrice float64    `json:"entry_price"`
	ExitPrice  *float64   `json:"exit_price,omitempty"`
	Leverage   int        `json:"leverage"`
	OpenedAt   time.Time  `json:"opened_at"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`
	TxHash     string     `json:"tx_hash"`
}

// ListOpts provides pagination for list queries.
type ListOpts struct {
	Limit  int
	Offset int
}

// PositionHistoryStore persists the plaintext-observable history of
// positions (prices and timestamps only; sizes stay encrypted on-chain).
type PositionHistoryStore interface {
	RecordOpened(ctx context.Context, row PositionHistoryRow) error
	RecordClosed(ctx context.Context, positionID uint64, exitPrice float64, closedAt time.Time, txHash string) error
	ListByTrader(ctx context.Context, trader common.Address, opts ListOpts) ([]PositionHistoryRow, error)
	ListClosedBefore(ctx context.Context, before time.Time, limit int) ([]PositionHistoryRow, error)
	DeleteClosedBefore(ctx context.Context, before time.Time) (int64, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log of lifecycle decisions.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// Archiver exports aged closed-position history to cold storage.
type Archiver interface {
	ArchiveClosedPositions(ctx context.Context, before time.Time) (int64, error)
}
