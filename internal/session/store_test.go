package session

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux-dev/agentmux/internal/conflict"
	"github.com/agentmux-dev/agentmux/internal/events"
)

// setupStore creates a store with a recording bus subscriber.
func setupStore(t *testing.T, cfg Config) (*Store, *events.Bus, *eventRecorder) {
	t.Helper()
	bus := events.NewBus()
	rec := newEventRecorder(bus)
	return NewStore(cfg, bus), bus, rec
}

// eventRecorder captures bus events for order assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func newEventRecorder(bus *events.Bus) *eventRecorder {
	rec := &eventRecorder{}
	bus.Subscribe(func(ev events.Event) {
		rec.mu.Lock()
		rec.events = append(rec.events, ev)
		rec.mu.Unlock()
	})
	return rec
}

func (r *eventRecorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func (r *eventRecorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func joinUsers(t *testing.T, store *Store, sessionID string, userIDs ...string) {
	t.Helper()
	for _, id := range userIDs {
		_, err := store.Join(sessionID, JoinInput{UserID: id, Name: "User " + id})
		require.NoError(t, err)
	}
}

func TestCreateSession(t *testing.T) {
	store, _, rec := setupStore(t, DefaultConfig())

	snap := store.Create(CreateInput{})
	require.NotEmpty(t, snap.ID)
	assert.Equal(t, snap.ID, snap.ExternalSessionID)
	assert.Empty(t, snap.Users)
	assert.Empty(t, snap.Clients)
	assert.Empty(t, snap.Queue)
	assert.Nil(t, snap.Executing)
	assert.Equal(t, 0, snap.State.Version)
	assert.Equal(t, AgentIdle, snap.State.AgentStatus)
	assert.Equal(t, GitSyncPending, snap.State.GitSyncStatus)
	assert.Equal(t, []events.Type{events.SessionCreated}, rec.types())
}

func TestCreateSessionIdempotentByExternalID(t *testing.T) {
	store, _, _ := setupStore(t, DefaultConfig())

	first := store.Create(CreateInput{ExternalSessionID: "ext-1"})
	second := store.Create(CreateInput{ExternalSessionID: "ext-1"})
	assert.Equal(t, first.ID, second.ID)

	third := store.Create(CreateInput{ExternalSessionID: "ext-2"})
	assert.NotEqual(t, first.ID, third.ID)
}

func TestDeleteSession(t *testing.T) {
	store, _, _ := setupStore(t, DefaultConfig())

	snap := store.Create(CreateInput{})
	require.NoError(t, store.Delete(snap.ID))
	assert.ErrorIs(t, store.Delete(snap.ID), ErrSessionNotFound)

	_, err := store.Get(snap.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestJoinAssignsPaletteColor(t *testing.T) {
	store, _, _ := setupStore(t, DefaultConfig())
	snap := store.Create(CreateInput{})

	a, err := store.Join(snap.ID, JoinInput{UserID: "a", Name: "A"})
	require.NoError(t, err)
	b, err := store.Join(snap.ID, JoinInput{UserID: "b", Name: "B"})
	require.NoError(t, err)
	assert.NotEmpty(t, a.Color)
	assert.NotEqual(t, a.Color, b.Color)

	c, err := store.Join(snap.ID, JoinInput{UserID: "c", Name: "C", Color: "#123456"})
	require.NoError(t, err)
	assert.Equal(t, "#123456", c.Color)
}

func TestJoinIdempotent(t *testing.T) {
	store, _, rec := setupStore(t, DefaultConfig())
	snap := store.Create(CreateInput{})
	rec.reset()

	first, err := store.Join(snap.ID, JoinInput{UserID: "a", Name: "A"})
	require.NoError(t, err)
	second, err := store.Join(snap.ID, JoinInput{UserID: "a", Name: "A"})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	// One join, one user.joined event.
	assert.Equal(t, []events.Type{events.UserJoined}, rec.types())

	users, err := store.GetUsers(snap.ID)
	require.NoError(t, err)
	assert.Len(t, users, 1)
}

func TestJoinSessionFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxUsersPerSession = 2
	store, _, _ := setupStore(t, cfg)
	snap := store.Create(CreateInput{})

	joinUsers(t, store, snap.ID, "a", "b")

	_, err := store.Join(snap.ID, JoinInput{UserID: "c", Name: "C"})
	assert.ErrorIs(t, err, ErrSessionFull)

	// An already-present user succeeds regardless of capacity.
	_, err = store.Join(snap.ID, JoinInput{UserID: "a", Name: "A"})
	assert.NoError(t, err)
}

func TestJoinUnknownSession(t *testing.T) {
	store, _, _ := setupStore(t, DefaultConfig())
	_, err := store.Join("missing", JoinInput{UserID: "a", Name: "A"})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestConnectEnforcesPerUserClientLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxClientsPerUser = 2
	store, _, _ := setupStore(t, cfg)
	snap := store.Create(CreateInput{})
	joinUsers(t, store, snap.ID, "a", "b")

	_, err := store.Connect(snap.ID, ConnectInput{UserID: "a", Type: ClientWeb})
	require.NoError(t, err)
	_, err = store.Connect(snap.ID, ConnectInput{UserID: "a", Type: ClientExtension})
	require.NoError(t, err)

	_, err = store.Connect(snap.ID, ConnectInput{UserID: "a"})
	assert.ErrorIs(t, err, ErrClientLimitReached)

	// The limit counts only clients of the same user.
	_, err = store.Connect(snap.ID, ConnectInput{UserID: "b"})
	assert.NoError(t, err)
}

func TestConnectRequiresMembership(t *testing.T) {
	store, _, _ := setupStore(t, DefaultConfig())
	snap := store.Create(CreateInput{})

	_, err := store.Connect(snap.ID, ConnectInput{UserID: "ghost"})
	assert.ErrorIs(t, err, ErrUserNotInSession)
}

func TestDisconnect(t *testing.T) {
	store, _, _ := setupStore(t, DefaultConfig())
	snap := store.Create(CreateInput{})
	joinUsers(t, store, snap.ID, "a")

	client, err := store.Connect(snap.ID, ConnectInput{UserID: "a"})
	require.NoError(t, err)

	require.NoError(t, store.Disconnect(snap.ID, client.ClientID))
	assert.ErrorIs(t, store.Disconnect(snap.ID, client.ClientID), ErrClientNotFound)
}

func TestUpdateCursorDoesNotBumpVersion(t *testing.T) {
	store, _, rec := setupStore(t, DefaultConfig())
	snap := store.Create(CreateInput{})
	joinUsers(t, store, snap.ID, "a")
	rec.reset()

	before, _ := store.Get(snap.ID)
	require.NoError(t, store.UpdateCursor(snap.ID, "a", Cursor{File: "main.go", Line: 10, Column: 2}))
	after, _ := store.Get(snap.ID)

	assert.Equal(t, before.State.Version, after.State.Version)
	assert.Equal(t, []events.Type{events.CursorMoved}, rec.types())

	user, err := store.GetUser(snap.ID, "a")
	require.NoError(t, err)
	require.NotNil(t, user.Cursor)
	assert.Equal(t, "main.go", user.Cursor.File)
	assert.Equal(t, 10, user.Cursor.Line)
}

func TestAcquireLock(t *testing.T) {
	store, _, _ := setupStore(t, DefaultConfig())
	snap := store.Create(CreateInput{})
	joinUsers(t, store, snap.ID, "a", "b")

	outcome, err := store.AcquireLock(snap.ID, "a")
	require.NoError(t, err)
	assert.Equal(t, LockAcquired, outcome.Status)

	// Holder re-acquiring and another user both see alreadyHeld.
	outcome, _ = store.AcquireLock(snap.ID, "a")
	assert.Equal(t, LockAlreadyHeld, outcome.Status)
	outcome, _ = store.AcquireLock(snap.ID, "b")
	assert.Equal(t, LockAlreadyHeld, outcome.Status)
	assert.Equal(t, "a", outcome.Holder)

	// Non-member.
	outcome, _ = store.AcquireLock(snap.ID, "ghost")
	assert.Equal(t, LockNotMember, outcome.Status)

	cur, _ := store.Get(snap.ID)
	assert.Equal(t, "a", cur.State.EditLock)
	assert.Equal(t, 1, cur.State.Version)
}

func TestReleaseLockOnlyHolder(t *testing.T) {
	store, _, _ := setupStore(t, DefaultConfig())
	snap := store.Create(CreateInput{})
	joinUsers(t, store, snap.ID, "a", "b")

	_, err := store.AcquireLock(snap.ID, "a")
	require.NoError(t, err)

	assert.ErrorIs(t, store.ReleaseLock(snap.ID, "b"), ErrLockNotHeld)
	require.NoError(t, store.ReleaseLock(snap.ID, "a"))

	cur, _ := store.Get(snap.ID)
	assert.Empty(t, cur.State.EditLock)
	assert.Equal(t, 2, cur.State.Version)
}

func TestCanEdit(t *testing.T) {
	store, _, _ := setupStore(t, DefaultConfig())
	snap := store.Create(CreateInput{})
	joinUsers(t, store, snap.ID, "a", "b")

	assert.True(t, store.CanEdit(snap.ID, "a"))
	assert.True(t, store.CanEdit(snap.ID, "b"))

	store.AcquireLock(snap.ID, "a")
	assert.True(t, store.CanEdit(snap.ID, "a"))
	assert.False(t, store.CanEdit(snap.ID, "b"))

	assert.False(t, store.CanEdit("missing", "a"))
}

// Scenario: lock contention across joins and a leave, with the derived event
// order pinned.
func TestLockContentionAcrossLeave(t *testing.T) {
	store, _, rec := setupStore(t, DefaultConfig())
	snap := store.Create(CreateInput{})
	joinUsers(t, store, snap.ID, "A", "B", "C")

	outcome, err := store.AcquireLock(snap.ID, "A")
	require.NoError(t, err)
	require.Equal(t, LockAcquired, outcome.Status)

	outcome, err = store.AcquireLock(snap.ID, "B")
	require.NoError(t, err)
	assert.Equal(t, LockAlreadyHeld, outcome.Status)
	cur, _ := store.Get(snap.ID)
	assert.Equal(t, "A", cur.State.EditLock)

	// A has two connected clients; both disconnect on leave.
	_, err = store.Connect(snap.ID, ConnectInput{UserID: "A", Type: ClientWeb})
	require.NoError(t, err)
	_, err = store.Connect(snap.ID, ConnectInput{UserID: "A", Type: ClientExtension})
	require.NoError(t, err)

	versionBefore := cur.State.Version
	rec.reset()
	require.NoError(t, store.Leave(snap.ID, "A"))

	assert.Equal(t, []events.Type{
		events.ClientDisconnected,
		events.ClientDisconnected,
		events.LockReleased,
		events.UserLeft,
		events.StateChanged,
	}, rec.types())

	cur, _ = store.Get(snap.ID)
	assert.Empty(t, cur.State.EditLock)
	// A single version increment covers the whole leave.
	assert.Equal(t, versionBefore+1, cur.State.Version)

	outcome, err = store.AcquireLock(snap.ID, "C")
	require.NoError(t, err)
	assert.Equal(t, LockAcquired, outcome.Status)
}

func TestLeaveWithoutLockEmitsNoStateChange(t *testing.T) {
	store, _, rec := setupStore(t, DefaultConfig())
	snap := store.Create(CreateInput{})
	joinUsers(t, store, snap.ID, "a")
	rec.reset()

	before, _ := store.Get(snap.ID)
	require.NoError(t, store.Leave(snap.ID, "a"))
	assert.Equal(t, []events.Type{events.UserLeft}, rec.types())

	after, _ := store.Get(snap.ID)
	assert.Equal(t, before.State.Version, after.State.Version)
}

func TestLeaveCleansUpEverything(t *testing.T) {
	store, _, _ := setupStore(t, DefaultConfig())
	snap := store.Create(CreateInput{})
	joinUsers(t, store, snap.ID, "a", "b")
	store.Connect(snap.ID, ConnectInput{UserID: "a"})
	store.AcquireLock(snap.ID, "a")

	require.NoError(t, store.Leave(snap.ID, "a"))

	cur, _ := store.Get(snap.ID)
	for _, c := range cur.Clients {
		assert.NotEqual(t, "a", c.UserID)
	}
	assert.NotEqual(t, "a", cur.State.EditLock)
	_, err := store.GetUser(snap.ID, "a")
	assert.ErrorIs(t, err, ErrUserNotInSession)
}

func TestUpdateStateBumpsVersionAndEmits(t *testing.T) {
	store, _, rec := setupStore(t, DefaultConfig())
	snap := store.Create(CreateInput{})
	rec.reset()

	res, err := store.UpdateState(snap.ID, conflict.Update{
		BaseVersion: 0,
		Updates:     map[string]any{FieldAgentStatus: string(AgentThinking)},
	})
	require.NoError(t, err)
	require.True(t, res.Applied)
	assert.Equal(t, 1, res.Version)

	types := rec.types()
	assert.Contains(t, types, events.ConflictResolved)
	assert.Equal(t, events.StateChanged, types[len(types)-1])

	cur, _ := store.Get(snap.ID)
	assert.Equal(t, AgentThinking, cur.State.AgentStatus)
}

func TestUpdateStateMirrorsSandboxID(t *testing.T) {
	store, _, _ := setupStore(t, DefaultConfig())
	snap := store.Create(CreateInput{})

	res, err := store.UpdateState(snap.ID, conflict.Update{
		BaseVersion: 0,
		Updates:     map[string]any{FieldSandboxID: "sbx-42"},
	})
	require.NoError(t, err)
	require.True(t, res.Applied)

	cur, _ := store.Get(snap.ID)
	assert.Equal(t, "sbx-42", cur.SandboxID)
}

func TestUpdateStateRejectStrategyPerSession(t *testing.T) {
	store, _, _ := setupStore(t, DefaultConfig())
	snap := store.Create(CreateInput{ConflictStrategy: "reject"})

	_, err := store.UpdateState(snap.ID, conflict.Update{
		BaseVersion: 0,
		Updates:     map[string]any{FieldAgentStatus: string(AgentThinking)},
	})
	require.NoError(t, err)

	res, err := store.UpdateState(snap.ID, conflict.Update{
		BaseVersion: 0,
		Updates:     map[string]any{FieldAgentStatus: string(AgentWaiting)},
	})
	require.NoError(t, err)
	assert.False(t, res.Applied)

	cur, _ := store.Get(snap.ID)
	assert.Equal(t, AgentThinking, cur.State.AgentStatus)
	assert.Equal(t, 1, cur.State.Version)
}

// Invariant sweep: after an arbitrary mixed workload every structural
// invariant holds.
func TestInvariantsUnderMixedWorkload(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxUsersPerSession = 4
	cfg.MaxClientsPerUser = 2
	store, _, _ := setupStore(t, cfg)
	snap := store.Create(CreateInput{})

	for i := 0; i < 30; i++ {
		uid := fmt.Sprintf("u%d", i%6)
		store.Join(snap.ID, JoinInput{UserID: uid, Name: uid})
		store.Connect(snap.ID, ConnectInput{UserID: uid})
		store.AcquireLock(snap.ID, uid)
		store.Enqueue(snap.ID, uid, "do something", PriorityNormal)
		if i%4 == 0 {
			store.StartNext(snap.ID)
		}
		if i%5 == 0 {
			store.Leave(snap.ID, uid)
		}
		if i%7 == 0 {
			store.Complete(snap.ID)
		}
	}

	cur, err := store.Get(snap.ID)
	require.NoError(t, err)
	assertInvariants(t, cur, cfg)
}

// assertInvariants checks the structural invariants on a snapshot.
func assertInvariants(t *testing.T, s *Session, cfg Config) {
	t.Helper()

	members := make(map[string]bool, len(s.Users))
	for _, u := range s.Users {
		members[u.UserID] = true
	}

	// SingleEditLockHolder.
	if s.State.EditLock != "" {
		assert.True(t, members[s.State.EditLock], "edit lock held by non-member %q", s.State.EditLock)
	}

	// ClientsReferenceValidUsers + BoundedMembership.
	assert.LessOrEqual(t, len(s.Users), cfg.MaxUsersPerSession)
	perUser := make(map[string]int)
	for _, c := range s.Clients {
		assert.True(t, members[c.UserID], "client %q references non-member %q", c.ClientID, c.UserID)
		perUser[c.UserID]++
	}
	for uid, n := range perUser {
		assert.LessOrEqual(t, n, cfg.MaxClientsPerUser, "user %q exceeds client limit", uid)
	}

	// AtMostOneExecuting.
	if s.Executing != nil {
		for _, p := range s.Queue {
			assert.NotEqual(t, s.Executing.PromptID, p.PromptID, "executing prompt still queued")
		}
	}
}

func TestConcurrentMutationsSerializePerSession(t *testing.T) {
	store, _, _ := setupStore(t, DefaultConfig())
	snap := store.Create(CreateInput{})
	joinUsers(t, store, snap.ID, "a")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.UpdateState(snap.ID, conflict.Update{
				BaseVersion: 0,
				Updates:     map[string]any{FieldGitSyncStatus: string(GitSyncSyncing)},
			})
		}()
	}
	wg.Wait()

	// Drift rejections are allowed; the version never regresses and only
	// applied updates incremented it.
	cur, _ := store.Get(snap.ID)
	assert.GreaterOrEqual(t, cur.State.Version, 1)
	assert.LessOrEqual(t, cur.State.Version, 20)
}
