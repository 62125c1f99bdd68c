package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/perparb/internal/domain"
)

// ClosedTradeStore implements domain.ClosedTradeStore using PostgreSQL.
type ClosedTradeStore struct {
	pool *pgxpool.Pool
}

// NewClosedTradeStore creates a ClosedTradeStore backed by the given
// connection pool.
func NewClosedTradeStore(pool *pgxpool.Pool) *ClosedTradeStore {
	return &ClosedTradeStore{pool: pool}
}

const closedTradeSelectCols = `trade_id, instrument, long_venue, short_venue,
	long_entry, long_exit, short_entry, short_exit,
	size_usd, realized_pnl_usd, entry_spread_bps, exit_reason, leg_out,
	opened_at, closed_at`

func scanClosedTradeRows(rows pgx.Rows) ([]domain.ClosedTrade, error) {
	var trades []domain.ClosedTrade
	for rows.Next() {
		var t domain.ClosedTrade
		if err := rows.Scan(
			&t.TradeID, &t.Instrument, &t.LongVenue, &t.ShortVenue,
			&t.LongEntry, &t.LongExit, &t.ShortEntry, &t.ShortExit,
			&t.SizeUSD, &t.RealizedPnLUSD, &t.EntrySpreadBps, &t.ExitReason, &t.LegOut,
			&t.OpenedAt, &t.ClosedAt,
		); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// Insert writes one closed trade. Re-inserting the same trade id is a
// silent no-op so retries from the persistence worker are safe.
func (s *ClosedTradeStore) Insert(ctx context.Context, t domain.ClosedTrade) error {
	const query = `
		INSERT INTO closed_trades (
			trade_id, instrument, long_venue, short_venue,
			long_entry, long_exit, short_entry, short_exit,
			size_usd, realized_pnl_usd, entry_spread_bps, exit_reason, leg_out,
			opened_at, closed_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10, $11, $12, $13,
			$14, $15
		) ON CONFLICT (trade_id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		t.TradeID, t.Instrument, t.LongVenue, t.ShortVenue,
		t.LongEntry, t.LongExit, t.ShortEntry, t.ShortExit,
		t.SizeUSD, t.RealizedPnLUSD, t.EntrySpreadBps, t.ExitReason, t.LegOut,
		t.OpenedAt, t.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert closed trade %s: %w", t.TradeID, err)
	}
	return nil
}

// ListClosedBefore returns up to limit trades closed strictly before the
// given time in closing order (for archiving). A limit of 0 or less means
// no limit.
func (s *ClosedTradeStore) ListClosedBefore(ctx context.Context, before time.Time, limit int) ([]domain.ClosedTrade, error) {
	query := `SELECT ` + closedTradeSelectCols + ` FROM closed_trades WHERE closed_at < $1 ORDER BY closed_at ASC`
	args := []any{before}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed trades before: %w", err)
	}
	defer rows.Close()

	trades, err := scanClosedTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan closed trades: %w", err)
	}
	return trades, nil
}

// ListRecent returns the most recently closed trades, newest first.
func (s *ClosedTradeStore) ListRecent(ctx context.Context, limit int) ([]domain.ClosedTrade, error) {
	query := `SELECT ` + closedTradeSelectCols + ` FROM closed_trades ORDER BY closed_at DESC LIMIT $1`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent closed trades: %w", err)
	}
	defer rows.Close()

	trades, err := scanClosedTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan recent closed trades: %w", err)
	}
	return trades, nil
}

// DeleteClosedBefore deletes all trades closed before the given time.
// Returns the number deleted.
func (s *ClosedTradeStore) DeleteClosedBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM closed_trades WHERE closed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete closed trades before: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Compile-time interface check.
var _ domain.ClosedTradeStore = (*ClosedTradeStore)(nil)
