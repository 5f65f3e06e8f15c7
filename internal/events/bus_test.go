package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversInPublishOrder(t *testing.T) {
	bus := NewBus()

	var got []Type
	bus.Subscribe(func(ev Event) {
		got = append(got, ev.Type)
	})

	bus.Publish(New(LockAcquired, "s1", nil))
	bus.Publish(New(StateChanged, "s1", nil))
	bus.Publish(New(UserLeft, "s1", nil))

	require.Equal(t, []Type{LockAcquired, StateChanged, UserLeft}, got)
}

func TestBusInvokesSubscribersInSubscriptionOrder(t *testing.T) {
	bus := NewBus()

	var order []string
	bus.Subscribe(func(Event) { order = append(order, "first") })
	bus.Subscribe(func(Event) { order = append(order, "second") })
	bus.Subscribe(func(Event) { order = append(order, "third") })

	bus.Publish(New(SessionCreated, "s1", nil))
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestBusIsolatesPanickingSubscriber(t *testing.T) {
	bus := NewBus()

	var delivered int
	bus.Subscribe(func(Event) { panic("boom") })
	bus.Subscribe(func(Event) { delivered++ })

	// Neither the publisher nor the sibling subscriber is affected.
	assert.NotPanics(t, func() {
		bus.Publish(New(SessionCreated, "s1", nil))
	})
	assert.Equal(t, 1, delivered)
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()

	var count int
	unsubscribe := bus.Subscribe(func(Event) { count++ })

	bus.Publish(New(SessionCreated, "s1", nil))
	unsubscribe()
	bus.Publish(New(SessionCreated, "s1", nil))

	assert.Equal(t, 1, count)
	assert.Equal(t, 0, bus.SubscriberCount())

	// Double-unsubscribe is harmless.
	assert.NotPanics(t, unsubscribe)
}

func TestBusConcurrentPublishAndSubscribe(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	counts := make(map[Type]int)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unsub := bus.Subscribe(func(ev Event) {
				mu.Lock()
				counts[ev.Type]++
				mu.Unlock()
			})
			defer unsub()
			for j := 0; j < 50; j++ {
				bus.Publish(New(CursorMoved, "s1", nil))
			}
		}()
	}
	wg.Wait()

	// No assertion on exact totals (subscribers come and go); the point is
	// that concurrent add/remove/publish does not race or deadlock.
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestNewScopedCarriesScope(t *testing.T) {
	ev := NewScoped(PROpened, "owner/repo#1", nil)
	assert.Equal(t, "owner/repo#1", ev.Scope)
	assert.Empty(t, ev.SessionID)
	assert.False(t, ev.Timestamp.IsZero())
}
