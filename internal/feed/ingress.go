// Package feed bridges venue connectors into the market-data ring. Each
// connector normalizes its wire format into MarketUpdate records and hands
// them to the Ingress, which pushes onto the single-consumer ring read by
// the detector.
package feed

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/perparb/internal/domain"
	"github.com/alanyoungcy/perparb/internal/metrics"
	"github.com/alanyoungcy/perparb/internal/ring"
)

// Connector is one venue's market-data source. Connect establishes the feed
// and begins delivering updates to the handler registered with OnUpdate;
// Close tears the feed down.
type Connector interface {
	Connect(ctx context.Context) error
	OnUpdate(fn func(*domain.MarketUpdate))
	Close() error
}

// Ingress fans every connector's updates into the market ring. Pushing is
// wait-free; when the ring is full the oldest update is displaced and the
// drop is counted, never blocking a connector's read loop.
type Ingress struct {
	ring       *ring.MarketRing
	metrics    *metrics.Metrics
	logger     *slog.Logger
	connectors []Connector
}

// NewIngress creates an Ingress over the given ring.
func NewIngress(r *ring.MarketRing, m *metrics.Metrics, logger *slog.Logger) *Ingress {
	return &Ingress{
		ring:    r,
		metrics: m,
		logger:  logger.With(slog.String("component", "ingress")),
	}
}

// Attach registers a connector and wires its updates into the ring.
func (in *Ingress) Attach(c Connector) {
	c.OnUpdate(in.publish)
	in.connectors = append(in.connectors, c)
}

// Start connects every attached connector. A single connector failing to
// establish its initial connection fails the whole start; reconnection after
// that point is each connector's own responsibility.
func (in *Ingress) Start(ctx context.Context) error {
	for _, c := range in.connectors {
		if err := c.Connect(ctx); err != nil {
			in.closeAll()
			return fmt.Errorf("feed: start: %w", err)
		}
	}
	in.logger.Info("ingress started", slog.Int("connectors", len(in.connectors)))
	return nil
}

// Close shuts down every connector.
func (in *Ingress) Close() {
	in.closeAll()
	in.logger.Info("ingress stopped",
		slog.Uint64("pushed", in.ring.Pushed()),
		slog.Uint64("dropped", in.ring.Dropped()),
	)
}

func (in *Ingress) closeAll() {
	for _, c := range in.connectors {
		if err := c.Close(); err != nil {
			in.logger.Warn("connector close failed", slog.String("error", err.Error()))
		}
	}
}

func (in *Ingress) publish(u *domain.MarketUpdate) {
	if in.ring.Push(u) {
		in.metrics.IngressDropped.Inc()
	}
	in.metrics.IngressPushed.Inc()
}
