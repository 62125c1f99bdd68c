package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	name  string
	err   error
	calls []string
}

func (f *fakeSender) Send(_ context.Context, title, message string) error {
	f.calls = append(f.calls, title+"|"+message)
	return f.err
}

func (f *fakeSender) Name() string { return f.name }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifyFiltersByEventType(t *testing.T) {
	s := &fakeSender{name: "telegram"}
	n := NewNotifier([]Sender{s}, []string{"trade_opened", "hedge_stuck"}, discardLogger())

	require.NoError(t, n.Notify(context.Background(), "trade_opened", "opened", "BTCUSDT"))
	require.NoError(t, n.Notify(context.Background(), "trade_closed", "closed", "BTCUSDT"))

	// Only the allowed event reached the sender.
	require.Len(t, s.calls, 1)
	assert.Equal(t, "opened|BTCUSDT", s.calls[0])
}

func TestNotifyEmptyFilterAllowsEverything(t *testing.T) {
	s := &fakeSender{name: "discord"}
	n := NewNotifier([]Sender{s}, nil, discardLogger())

	require.NoError(t, n.Notify(context.Background(), "anything", "t", "m"))
	assert.Len(t, s.calls, 1)
}

func TestNotifyAllBypassesFilter(t *testing.T) {
	s := &fakeSender{name: "telegram"}
	n := NewNotifier([]Sender{s}, []string{"trade_opened"}, discardLogger())

	require.NoError(t, n.NotifyAll(context.Background(), "halted", "operator stop"))
	assert.Len(t, s.calls, 1)
}

func TestDispatchContinuesPastFailingSender(t *testing.T) {
	bad := &fakeSender{name: "telegram", err: errors.New("429 too many requests")}
	good := &fakeSender{name: "discord"}
	n := NewNotifier([]Sender{bad, good}, nil, discardLogger())

	err := n.NotifyAll(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 sender(s) failed")
	assert.Contains(t, err.Error(), "telegram")

	// The failure did not starve the second channel.
	assert.Len(t, good.calls, 1)
}

func TestNotifierNoSendersIsNoop(t *testing.T) {
	n := NewNotifier(nil, nil, discardLogger())
	assert.NoError(t, n.NotifyAll(context.Background(), "t", "m"))
}

func TestEventListWhitespaceTrimmed(t *testing.T) {
	s := &fakeSender{name: "telegram"}
	n := NewNotifier([]Sender{s}, []string{" trade_closed "}, discardLogger())

	require.NoError(t, n.Notify(context.Background(), "trade_closed", "t", "m"))
	assert.Len(t, s.calls, 1)
}
