package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelayDisabledWithoutURL(t *testing.T) {
	relay, err := NewRelay(RelayConfig{})
	require.NoError(t, err)
	assert.False(t, relay.Enabled())

	// Attach and Close are no-ops on a disabled relay.
	bus := NewBus()
	relay.Attach(bus)
	assert.Equal(t, 0, bus.SubscriberCount())

	bus.Publish(New(SessionCreated, "s1", nil))
	relay.Close()
}
