package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cipherperp/cipherperp/internal/domain"
)

// HistoryStore implements domain.PositionHistoryStore using PostgreSQL.
// Only plaintext-observable fields are persisted; encrypted size and
// collateral never leave the chain.
type HistoryStore struct {
	pool *pgxpool.Pool
}

// NewHistoryStore creates a HistoryStore backed by the given connection pool.
func NewHistoryStore(pool *pgxpool.Pool) *HistoryStore {
	return &HistoryStore{pool: pool}
}

const historySelectCols = `position_id, trader, side, entry_price, exit_price,
	leverage, opened_at, closed_at, tx_hash`

func scanHistoryRows(rows pgx.Rows) ([]domain.PositionHistoryRow, error) {
	var out []domain.PositionHistoryRow
	for rows.Next() {
		var r domain.PositionHistoryRow
		var side string
		if err := rows.Scan(
			&r.PositionID, &r.Trader, &side,
			&r.EntryPrice, &r.ExitPrice, &r.Leverage,
			&r.OpenedAt, &r.ClosedAt, &r.TxHash,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan history row: %w", err)
		}
		r.Side = domain.Side(side)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: history rows: %w", err)
	}
	return out, nil
}

// RecordOpened inserts the open record for a confirmed position. Replaying
// the same confirmation is a no-op.
func (s *HistoryStore) RecordOpened(ctx context.Context, row domain.PositionHistoryRow) error {
	const query = `
		INSERT INTO position_history (position_id, trader, side, entry_price, leverage, opened_at, tx_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (position_id) DO NOTHING`
	_, err := s.pool.Exec(ctx, query,
		row.PositionID, row.Trader, string(row.Side),
		row.EntryPrice, row.Leverage, row.OpenedAt, row.TxHash,
	)
	if err != nil {
		return fmt.Errorf("postgres: record opened position %d: %w", row.PositionID, err)
	}
	return nil
}

// RecordClosed stamps the close side of an existing record.
func (s *HistoryStore) RecordClosed(ctx context.Context, positionID uint64, exitPrice float64, closedAt time.Time, txHash string) error {
	const query = `
		UPDATE position_history
		SET exit_price = $2, closed_at = $3, tx_hash = $4
		WHERE position_id = $1`
	tag, err := s.pool.Exec(ctx, query, positionID, exitPrice, closedAt, txHash)
	if err != nil {
		return fmt.Errorf("postgres: record closed position %d: %w", positionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: record closed position %d: %w", positionID, domain.ErrNotFound)
	}
	return nil
}

// ListByTrader returns a trader's history, newest first.
func (s *HistoryStore) ListByTrader(ctx context.Context, trader common.Address, opts domain.ListOpts) ([]domain.PositionHistoryRow, error) {
	query := `SELECT ` + historySelectCols + `
		FROM position_history WHERE trader = $1
		ORDER BY opened_at DESC`
	args := []any{trader.Hex()}
	argIdx := 2

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list history for %s: %w", trader.Hex(), err)
	}
	defer rows.Close()

	return scanHistoryRows(rows)
}

// ListClosedBefore returns closed records older than the cutoff, oldest
// first, for archival batches.
func (s *HistoryStore) ListClosedBefore(ctx context.Context, before time.Time, limit int) ([]domain.PositionHistoryRow, error) {
	query := `SELECT ` + historySelectCols + `
		FROM position_history
		WHERE closed_at IS NOT NULL AND closed_at < $1
		ORDER BY closed_at ASC`
	args := []any{before}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed before %s: %w", before.Format(time.RFC3339), err)
	}
	defer rows.Close()

	return scanHistoryRows(rows)
}

// DeleteClosedBefore removes archived close records older than the cutoff
// and reports how many rows went away.
func (s *HistoryStore) DeleteClosedBefore(ctx context.Context, before time.Time) (int64, error) {
	const query = `DELETE FROM position_history WHERE closed_at IS NOT NULL AND closed_at < $1`
	tag, err := s.pool.Exec(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete closed before %s: %w", before.Format(time.RFC3339), err)
	}
	return tag.RowsAffected(), nil
}

// Compile-time interface check.
var _ domain.PositionHistoryStore = (*HistoryStore)(nil)
