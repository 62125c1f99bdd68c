package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/perparb/internal/domain"
)

// EventStore implements domain.EventStore using PostgreSQL. The table is
// append-only; rows are never updated.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates an EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

const eventInsert = `
	INSERT INTO trade_events (
		id, type, trade_id, instrument, long_venue, short_venue,
		size_usd, spread_bps, pnl_usd, reason, occurred_at
	) VALUES (
		$1, $2, NULLIF($3, '')::uuid, $4, $5, $6,
		$7, $8, $9, $10, $11
	) ON CONFLICT (id) DO NOTHING`

// Append writes one event.
func (s *EventStore) Append(ctx context.Context, ev domain.TradeEvent) error {
	_, err := s.pool.Exec(ctx, eventInsert,
		ev.ID, string(ev.Type), ev.TradeID, ev.Instrument,
		ev.LongVenue, ev.ShortVenue,
		ev.SizeUSD, ev.SpreadBps, ev.PnLUSD, ev.Reason, ev.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: append event %s: %w", ev.Type, err)
	}
	return nil
}

// AppendBatch writes multiple events efficiently using pgx Batch.
// Duplicate ids are silently skipped via ON CONFLICT DO NOTHING.
func (s *EventStore) AppendBatch(ctx context.Context, events []domain.TradeEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, ev := range events {
		batch.Queue(eventInsert,
			ev.ID, string(ev.Type), ev.TradeID, ev.Instrument,
			ev.LongVenue, ev.ShortVenue,
			ev.SizeUSD, ev.SpreadBps, ev.PnLUSD, ev.Reason, ev.OccurredAt,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range events {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: append event batch item %d: %w", i, err)
		}
	}
	return nil
}

// Compile-time interface check.
var _ domain.EventStore = (*EventStore)(nil)
