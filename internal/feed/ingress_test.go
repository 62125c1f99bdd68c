package feed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perparb/internal/domain"
	"github.com/alanyoungcy/perparb/internal/metrics"
	"github.com/alanyoungcy/perparb/internal/ring"
)

type fakeConnector struct {
	connectErr error
	connected  bool
	closed     bool
	handler    func(*domain.MarketUpdate)
}

func (f *fakeConnector) Connect(_ context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeConnector) OnUpdate(fn func(*domain.MarketUpdate)) { f.handler = fn }

func (f *fakeConnector) Close() error {
	f.closed = true
	return nil
}

func newIngress(t *testing.T, capacity int) (*Ingress, *ring.MarketRing, *metrics.Metrics) {
	t.Helper()
	r := ring.NewMarketRing(capacity)
	m := metrics.New(0)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewIngress(r, m, logger), r, m
}

func TestIngressRoutesUpdatesToRing(t *testing.T) {
	in, r, m := newIngress(t, 16)
	c := &fakeConnector{}
	in.Attach(c)
	require.NoError(t, in.Start(context.Background()))
	require.True(t, c.connected)

	c.handler(&domain.MarketUpdate{SymbolID: 1, Bid: 49999, Ask: 50000, TsMicros: 1})
	c.handler(&domain.MarketUpdate{SymbolID: 2, Bid: 2999, Ask: 3000, TsMicros: 2})

	assert.Equal(t, uint64(2), m.IngressPushed.Load())
	assert.Equal(t, uint64(0), m.IngressDropped.Load())

	var u domain.MarketUpdate
	require.True(t, r.Pop(&u))
	assert.Equal(t, uint32(1), u.SymbolID)
	require.True(t, r.Pop(&u))
	assert.Equal(t, uint32(2), u.SymbolID)
}

func TestIngressCountsDisplacedUpdates(t *testing.T) {
	in, _, m := newIngress(t, 2)
	c := &fakeConnector{}
	in.Attach(c)

	for i := 1; i <= 3; i++ {
		c.handler(&domain.MarketUpdate{SymbolID: 1, Bid: 1, Ask: 2, TsMicros: int64(i)})
	}

	// Capacity 2: the third push displaces the oldest.
	assert.Equal(t, uint64(3), m.IngressPushed.Load())
	assert.Equal(t, uint64(1), m.IngressDropped.Load())
}

func TestIngressStartFailureClosesAll(t *testing.T) {
	in, _, _ := newIngress(t, 16)
	ok := &fakeConnector{}
	bad := &fakeConnector{connectErr: errors.New("dial refused")}
	in.Attach(ok)
	in.Attach(bad)

	err := in.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "feed: start")

	// Everything is torn down, the already-connected feed included.
	assert.True(t, ok.closed)
	assert.True(t, bad.closed)
}

func TestIngressCloseShutsDownConnectors(t *testing.T) {
	in, _, _ := newIngress(t, 16)
	a := &fakeConnector{}
	b := &fakeConnector{}
	in.Attach(a)
	in.Attach(b)
	require.NoError(t, in.Start(context.Background()))

	in.Close()
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}
