package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHaltFirstReasonWins(t *testing.T) {
	h := NewHalt()
	assert.False(t, h.Active())
	assert.Empty(t, h.Reason())

	h.Set("hedge stuck: BTC")
	h.Set("operator stop")

	assert.True(t, h.Active())
	assert.Equal(t, "hedge stuck: BTC", h.Reason())
}

func TestHaltClearResets(t *testing.T) {
	h := NewHalt()
	h.Set("operator stop")
	h.Clear()

	assert.False(t, h.Active())
	assert.Empty(t, h.Reason())

	h.Set("second run")
	assert.Equal(t, "second run", h.Reason())
}
