package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux-dev/agentmux/internal/events"
)

func queueIDs(prompts []Prompt) []string {
	out := make([]string, len(prompts))
	for i, p := range prompts {
		out[i] = p.PromptID
	}
	return out
}

func TestEnqueuePriorityOrdering(t *testing.T) {
	store, _, _ := setupStore(t, DefaultConfig())
	snap := store.Create(CreateInput{})
	joinUsers(t, store, snap.ID, "a", "b")

	p1, err := store.Enqueue(snap.ID, "a", "first normal", PriorityNormal)
	require.NoError(t, err)
	p2, err := store.Enqueue(snap.ID, "b", "urgent", PriorityUrgent)
	require.NoError(t, err)
	p3, err := store.Enqueue(snap.ID, "a", "second normal", PriorityNormal)
	require.NoError(t, err)
	p4, err := store.Enqueue(snap.ID, "b", "high", PriorityHigh)
	require.NoError(t, err)

	queue, err := store.Queue(snap.ID)
	require.NoError(t, err)
	assert.Equal(t,
		[]string{p2.PromptID, p4.PromptID, p1.PromptID, p3.PromptID},
		queueIDs(queue))
}

func TestEnqueueRequiresMembershipAndCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxQueueSize = 2
	store, _, _ := setupStore(t, cfg)
	snap := store.Create(CreateInput{})
	joinUsers(t, store, snap.ID, "a")

	_, err := store.Enqueue(snap.ID, "ghost", "hi", PriorityNormal)
	assert.ErrorIs(t, err, ErrUserNotInSession)

	_, err = store.Enqueue(snap.ID, "a", "one", PriorityNormal)
	require.NoError(t, err)
	_, err = store.Enqueue(snap.ID, "a", "two", PriorityNormal)
	require.NoError(t, err)
	_, err = store.Enqueue(snap.ID, "a", "three", PriorityNormal)
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestEnqueueDefaultsAndValidatesPriority(t *testing.T) {
	store, _, _ := setupStore(t, DefaultConfig())
	snap := store.Create(CreateInput{})
	joinUsers(t, store, snap.ID, "a")

	p, err := store.Enqueue(snap.ID, "a", "hi", "")
	require.NoError(t, err)
	assert.Equal(t, PriorityNormal, p.Priority)
	assert.Equal(t, PromptQueuedStatus, p.Status)

	_, err = store.Enqueue(snap.ID, "a", "hi", Priority("critical"))
	assert.ErrorIs(t, err, ErrInvalidPriority)
}

// Scenario: queue authorization with mixed priorities, then single-in-flight
// execution.
func TestQueueAuthorizationAndStartNext(t *testing.T) {
	store, _, rec := setupStore(t, DefaultConfig())
	snap := store.Create(CreateInput{})
	joinUsers(t, store, snap.ID, "A", "B")

	p1, err := store.Enqueue(snap.ID, "A", "p1", PriorityNormal)
	require.NoError(t, err)
	p2, err := store.Enqueue(snap.ID, "B", "p2", PriorityUrgent)
	require.NoError(t, err)
	p3, err := store.Enqueue(snap.ID, "A", "p3", PriorityNormal)
	require.NoError(t, err)

	queue, _ := store.Queue(snap.ID)
	require.Equal(t, []string{p2.PromptID, p1.PromptID, p3.PromptID}, queueIDs(queue))

	// B does not own p1.
	assert.ErrorIs(t, store.Cancel(snap.ID, p1.PromptID, "B", false), ErrNotPromptOwner)
	// The owner may cancel.
	require.NoError(t, store.Cancel(snap.ID, p1.PromptID, "A", false))

	rec.reset()
	started, err := store.StartNext(snap.ID)
	require.NoError(t, err)
	require.NotNil(t, started)
	assert.Equal(t, p2.PromptID, started.PromptID)
	assert.Equal(t, PromptExecutingStatus, started.Status)
	assert.NotNil(t, started.StartedAt)

	cur, _ := store.Get(snap.ID)
	require.NotNil(t, cur.Executing)
	assert.Equal(t, p2.PromptID, cur.Executing.PromptID)
	assert.Equal(t, AgentExecuting, cur.State.AgentStatus)
	assert.Equal(t, []events.Type{events.PromptStarted, events.StateChanged}, rec.types())

	// Single in-flight: a second StartNext is a no-op.
	again, err := store.StartNext(snap.ID)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestCancelExecutingPromptFails(t *testing.T) {
	store, _, _ := setupStore(t, DefaultConfig())
	snap := store.Create(CreateInput{})
	joinUsers(t, store, snap.ID, "a")

	p, _ := store.Enqueue(snap.ID, "a", "run", PriorityNormal)
	_, err := store.StartNext(snap.ID)
	require.NoError(t, err)

	assert.ErrorIs(t, store.Cancel(snap.ID, p.PromptID, "a", false), ErrPromptExecuting)
	// Not even a manager may cancel the executing prompt.
	assert.ErrorIs(t, store.Cancel(snap.ID, p.PromptID, "admin", true), ErrPromptExecuting)
}

func TestManagerMayCancelAnyQueuedPrompt(t *testing.T) {
	store, _, _ := setupStore(t, DefaultConfig())
	snap := store.Create(CreateInput{})
	joinUsers(t, store, snap.ID, "a")

	p, _ := store.Enqueue(snap.ID, "a", "run", PriorityNormal)
	require.NoError(t, store.Cancel(snap.ID, p.PromptID, "someone-else", true))

	queue, _ := store.Queue(snap.ID)
	assert.Empty(t, queue)
}

func TestComplete(t *testing.T) {
	store, _, rec := setupStore(t, DefaultConfig())
	snap := store.Create(CreateInput{})
	joinUsers(t, store, snap.ID, "a")

	// Nothing executing.
	p, err := store.Complete(snap.ID)
	require.NoError(t, err)
	assert.Nil(t, p)

	store.Enqueue(snap.ID, "a", "run", PriorityNormal)
	store.StartNext(snap.ID)

	rec.reset()
	done, err := store.Complete(snap.ID)
	require.NoError(t, err)
	require.NotNil(t, done)
	assert.Equal(t, PromptCompletedStatus, done.Status)
	assert.NotNil(t, done.CompletedAt)

	cur, _ := store.Get(snap.ID)
	assert.Nil(t, cur.Executing)
	assert.Equal(t, AgentIdle, cur.State.AgentStatus)
	assert.Equal(t, []events.Type{events.PromptCompleted, events.StateChanged}, rec.types())
}

func TestReorderWithinClass(t *testing.T) {
	store, _, _ := setupStore(t, DefaultConfig())
	snap := store.Create(CreateInput{})
	joinUsers(t, store, snap.ID, "a")

	p1, _ := store.Enqueue(snap.ID, "a", "one", PriorityNormal)
	p2, _ := store.Enqueue(snap.ID, "a", "two", PriorityNormal)
	p3, _ := store.Enqueue(snap.ID, "a", "three", PriorityNormal)

	require.NoError(t, store.Reorder(snap.ID, p3.PromptID, "a", 0, false))

	queue, _ := store.Queue(snap.ID)
	assert.Equal(t, []string{p3.PromptID, p1.PromptID, p2.PromptID}, queueIDs(queue))
}

func TestReorderClampsIndex(t *testing.T) {
	store, _, _ := setupStore(t, DefaultConfig())
	snap := store.Create(CreateInput{})
	joinUsers(t, store, snap.ID, "a")

	p1, _ := store.Enqueue(snap.ID, "a", "one", PriorityNormal)
	p2, _ := store.Enqueue(snap.ID, "a", "two", PriorityNormal)

	// An out-of-range index clamps to the queue tail.
	require.NoError(t, store.Reorder(snap.ID, p1.PromptID, "a", 99, false))
	queue, _ := store.Queue(snap.ID)
	assert.Equal(t, []string{p2.PromptID, p1.PromptID}, queueIDs(queue))
}

func TestReorderCannotCrossPriorityClass(t *testing.T) {
	store, _, _ := setupStore(t, DefaultConfig())
	snap := store.Create(CreateInput{})
	joinUsers(t, store, snap.ID, "a")

	urgent, _ := store.Enqueue(snap.ID, "a", "urgent", PriorityUrgent)
	normal, _ := store.Enqueue(snap.ID, "a", "normal", PriorityNormal)

	// Moving the normal prompt into the urgent slot crosses classes.
	assert.ErrorIs(t, store.Reorder(snap.ID, normal.PromptID, "a", 0, false), ErrCrossClassReorder)
	// Same for pushing the urgent prompt down.
	assert.ErrorIs(t, store.Reorder(snap.ID, urgent.PromptID, "a", 1, false), ErrCrossClassReorder)

	queue, _ := store.Queue(snap.ID)
	assert.Equal(t, []string{urgent.PromptID, normal.PromptID}, queueIDs(queue))
}

func TestReorderOwnership(t *testing.T) {
	store, _, _ := setupStore(t, DefaultConfig())
	snap := store.Create(CreateInput{})
	joinUsers(t, store, snap.ID, "a", "b")

	p1, _ := store.Enqueue(snap.ID, "a", "one", PriorityNormal)
	store.Enqueue(snap.ID, "a", "two", PriorityNormal)

	assert.ErrorIs(t, store.Reorder(snap.ID, p1.PromptID, "b", 1, false), ErrNotPromptOwner)
	assert.NoError(t, store.Reorder(snap.ID, p1.PromptID, "b", 1, true))
}

func TestReorderUnknownPrompt(t *testing.T) {
	store, _, _ := setupStore(t, DefaultConfig())
	snap := store.Create(CreateInput{})
	joinUsers(t, store, snap.ID, "a")

	assert.ErrorIs(t, store.Reorder(snap.ID, "nope", "a", 0, false), ErrPromptNotFound)
	assert.ErrorIs(t, store.Cancel(snap.ID, "nope", "a", false), ErrPromptNotFound)
}
