package s3blob

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/perparb/internal/domain"
)

// RetentionConfig controls the archive-then-delete sweep over aged closed
// trades.
type RetentionConfig struct {
	// RetentionDays is how long closed trades stay in the primary store.
	RetentionDays int
	// SweepInterval is how often the sweeper checks for aged trades.
	SweepInterval time.Duration
	// BatchSize caps how many trades one sweep uploads at once.
	BatchSize int
}

// Retention periodically moves closed trades older than the retention window
// from the primary store into object storage. Rows are deleted only after
// the uploaded object has been verified, so a failed upload leaves the
// primary store untouched and the next sweep retries.
type Retention struct {
	cfg      RetentionConfig
	store    domain.ClosedTradeStore
	archiver *Archiver
	logger   *slog.Logger
	now      func() time.Time
}

// NewRetention creates a retention sweeper.
func NewRetention(cfg RetentionConfig, store domain.ClosedTradeStore, archiver *Archiver, logger *slog.Logger) *Retention {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5000
	}
	return &Retention{
		cfg:      cfg,
		store:    store,
		archiver: archiver,
		logger:   logger,
		now:      time.Now,
	}
}

// Run sweeps on the configured interval until the context is cancelled.
// Sweep errors are logged and retried on the next tick.
func (r *Retention) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.logger.Error("retention sweep failed", "error", err)
			}
		}
	}
}

// Sweep archives and deletes every closed trade older than the retention
// window, in batches. It stops early on the first error.
func (r *Retention) Sweep(ctx context.Context) error {
	cutoff := r.now().Add(-time.Duration(r.cfg.RetentionDays) * 24 * time.Hour)

	for {
		trades, err := r.store.ListClosedBefore(ctx, cutoff, r.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(trades) == 0 {
			return nil
		}

		path, err := r.archiver.Archive(ctx, trades)
		if err != nil {
			return err
		}
		if err := r.archiver.Verify(ctx, path); err != nil {
			return err
		}

		// Delete exactly the batch that was uploaded. The batch is ordered
		// by closed_at ascending, so everything at or before the last entry
		// is covered by the verified object.
		batchEnd := trades[len(trades)-1].ClosedAt.Add(time.Nanosecond)
		deleted, err := r.store.DeleteClosedBefore(ctx, batchEnd)
		if err != nil {
			return err
		}

		r.logger.Info("archived closed trades",
			"path", path,
			"archived", len(trades),
			"deleted", deleted,
		)

		if len(trades) < r.cfg.BatchSize {
			return nil
		}
	}
}
