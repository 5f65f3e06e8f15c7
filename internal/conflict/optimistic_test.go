package conflict

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptimisticUpdaterTrackConfirm(t *testing.T) {
	o := NewOptimisticUpdater()

	id := o.Track(Update{BaseVersion: 3, Updates: map[string]any{"a": 1}})
	require.NotEmpty(t, id)
	require.Len(t, o.GetPending(), 1)

	o.Confirm(id)
	assert.Empty(t, o.GetPending())

	// Confirming twice is harmless.
	o.Confirm(id)
}

func TestOptimisticUpdaterRollbackReturnsUpdate(t *testing.T) {
	o := NewOptimisticUpdater()

	id := o.Track(Update{BaseVersion: 7, Updates: map[string]any{"agentStatus": "thinking"}})

	upd, ok := o.Rollback(id)
	require.True(t, ok)
	assert.Equal(t, 7, upd.BaseVersion)
	assert.Empty(t, o.GetPending())

	_, ok = o.Rollback(id)
	assert.False(t, ok)
}

func TestOptimisticUpdaterGetPendingOrderedByCreation(t *testing.T) {
	o := NewOptimisticUpdater()

	first := o.Track(Update{BaseVersion: 1})
	second := o.Track(Update{BaseVersion: 2})
	third := o.Track(Update{BaseVersion: 3})

	pending := o.GetPending()
	require.Len(t, pending, 3)
	assert.Equal(t, []string{first, second, third},
		[]string{pending[0].ID, pending[1].ID, pending[2].ID})
}
