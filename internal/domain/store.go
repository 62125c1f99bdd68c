package domain

import (
	"context"
	"time"
)

// EventStore appends trade events to the persistent log. Implementations
// must tolerate bursts; callers hand events over through a buffered channel
// and never block the strategy thread on a write.
type EventStore interface {
	Append(ctx context.Context, ev TradeEvent) error
}

// ClosedTradeStore persists and reads back fully closed trades.
type ClosedTradeStore interface {
	Insert(ctx context.Context, trade ClosedTrade) error
	ListClosedBefore(ctx context.Context, cutoff time.Time, limit int) ([]ClosedTrade, error)
	DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// TelemetryPublisher pushes portfolio snapshots and detected opportunities
// to the out-of-process telemetry bus consumed by dashboards.
type TelemetryPublisher interface {
	PublishSnapshot(ctx context.Context, snap PortfolioSnapshot) error
	PublishOpportunity(ctx context.Context, opp Opportunity, instrument string) error
}

// TradeArchiver moves aged closed trades into long-term object storage.
type TradeArchiver interface {
	Archive(ctx context.Context, trades []ClosedTrade) (string, error)
}

// Notifier delivers operational alerts (trade opened/closed, leg-out,
// stuck hedge, fatal errors) to external channels.
type Notifier interface {
	Notify(ctx context.Context, ev TradeEvent) error
}

// LockManager guards mutually exclusive work across processes. Live mode
// takes a leadership lock so two traders never share one account.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// RateLimiter throttles venue REST calls to stay under exchange limits.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}
