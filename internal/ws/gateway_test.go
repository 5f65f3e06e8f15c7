package ws

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux-dev/agentmux/internal/events"
	"github.com/agentmux-dev/agentmux/internal/session"
)

type frame struct {
	Type    string          `json:"type"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Session json.RawMessage `json:"session,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func setupGateway(t *testing.T) (*session.Store, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	bus := events.NewBus()
	store := session.NewStore(session.DefaultConfig(), bus)
	gateway := NewGateway(store, bus, nil)

	router := gin.New()
	router.GET("/multiplayer/:id/ws", gateway.Handle)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return store, srv
}

func dial(t *testing.T, srv *httptest.Server, sessionID, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/multiplayer/" + sessionID + "/ws?userId=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

// readUntil skips frames until one of type wantType arrives and returns it;
// it fails the test after 20 frames without a match.
func readUntil(t *testing.T, conn *websocket.Conn, wantType string) frame {
	t.Helper()
	for i := 0; i < 20; i++ {
		f := readFrame(t, conn)
		if f.Type == wantType {
			return f
		}
	}
	t.Fatalf("never received frame of type %s", wantType)
	return frame{}
}

func TestConnectReceivesSnapshotFirst(t *testing.T) {
	store, srv := setupGateway(t)
	snap := store.Create(session.CreateInput{})
	_, err := store.Join(snap.ID, session.JoinInput{UserID: "A", Name: "A"})
	require.NoError(t, err)

	conn := dial(t, srv, snap.ID, "A")

	first := readFrame(t, conn)
	assert.Equal(t, "session.snapshot", first.Type)

	var s session.Session
	require.NoError(t, json.Unmarshal(first.Session, &s))
	assert.Equal(t, snap.ID, s.ID)
}

func TestConnectUnknownSessionRejected(t *testing.T) {
	_, srv := setupGateway(t)

	conn := dial(t, srv, "missing", "A")
	f := readFrame(t, conn)
	assert.Equal(t, "error", f.Type)
	assert.Equal(t, CodeSessionNotFound, f.Code)

	// The server then closes with a policy-violation status.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}

func TestConnectNonMemberRejected(t *testing.T) {
	store, srv := setupGateway(t)
	snap := store.Create(session.CreateInput{})

	conn := dial(t, srv, snap.ID, "ghost")
	f := readFrame(t, conn)
	assert.Equal(t, "error", f.Type)
	assert.Equal(t, CodeUserNotInSession, f.Code)
}

func TestPingPong(t *testing.T) {
	store, srv := setupGateway(t)
	snap := store.Create(session.CreateInput{})
	store.Join(snap.ID, session.JoinInput{UserID: "A", Name: "A"})

	conn := dial(t, srv, snap.ID, "A")
	readFrame(t, conn) // snapshot

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	f := readUntil(t, conn, "pong")
	assert.Equal(t, "pong", f.Type)
}

func TestLockAcquireOverSocket(t *testing.T) {
	store, srv := setupGateway(t)
	snap := store.Create(session.CreateInput{})
	store.Join(snap.ID, session.JoinInput{UserID: "A", Name: "A"})
	store.Join(snap.ID, session.JoinInput{UserID: "B", Name: "B"})

	connA := dial(t, srv, snap.ID, "A")
	readFrame(t, connA)

	require.NoError(t, connA.WriteJSON(map[string]string{"type": "lock.acquire"}))
	f := readUntil(t, connA, "lock.acquired")
	assert.Equal(t, "lock.acquired", f.Type)

	// B's acquire attempt fails with LOCK_HELD naming the holder.
	connB := dial(t, srv, snap.ID, "B")
	readFrame(t, connB)
	require.NoError(t, connB.WriteJSON(map[string]string{"type": "lock.acquire"}))
	errFrame := readUntil(t, connB, "error")
	assert.Equal(t, CodeLockHeld, errFrame.Code)
	assert.Contains(t, errFrame.Message, "A")
}

func TestUnknownInboundMessage(t *testing.T) {
	store, srv := setupGateway(t)
	snap := store.Create(session.CreateInput{})
	store.Join(snap.ID, session.JoinInput{UserID: "A", Name: "A"})

	conn := dial(t, srv, snap.ID, "A")
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "teleport"}))
	f := readUntil(t, conn, "error")
	assert.Equal(t, CodeInvalidMessage, f.Code)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	f = readUntil(t, conn, "error")
	assert.Equal(t, CodeParseError, f.Code)
}

// Scenario: two connected clients observe the same committed events in the
// same order; a client connecting later gets a snapshot reflecting current
// state and no replay.
func TestFanOutOrdering(t *testing.T) {
	store, srv := setupGateway(t)
	snap := store.Create(session.CreateInput{})
	for _, uid := range []string{"A", "B", "C"} {
		_, err := store.Join(snap.ID, session.JoinInput{UserID: uid, Name: uid})
		require.NoError(t, err)
	}

	conn1 := dial(t, srv, snap.ID, "A")
	readFrame(t, conn1)
	conn2 := dial(t, srv, snap.ID, "B")
	readFrame(t, conn2)

	outcome, err := store.AcquireLock(snap.ID, "A")
	require.NoError(t, err)
	require.Equal(t, session.LockAcquired, outcome.Status)

	for _, conn := range []*websocket.Conn{conn1, conn2} {
		f := readUntil(t, conn, "lock.acquired")
		require.Equal(t, "lock.acquired", f.Type)
		// state.changed follows, carrying the new lock holder.
		next := readUntil(t, conn, "state.changed")
		require.Equal(t, "state.changed", next.Type)

		var st session.State
		require.NoError(t, json.Unmarshal(next.Payload, &st))
		assert.Equal(t, "A", st.EditLock)
	}

	// A third client connecting after the fact receives a snapshot with the
	// lock applied, never a replay of the events above.
	conn3 := dial(t, srv, snap.ID, "C")
	first := readFrame(t, conn3)
	require.Equal(t, "session.snapshot", first.Type)

	var s session.Session
	require.NoError(t, json.Unmarshal(first.Session, &s))
	assert.Equal(t, "A", s.State.EditLock)
	assert.Equal(t, 1, s.State.Version)
}

func TestDisconnectCleansUpClient(t *testing.T) {
	store, srv := setupGateway(t)
	snap := store.Create(session.CreateInput{})
	store.Join(snap.ID, session.JoinInput{UserID: "A", Name: "A"})

	conn := dial(t, srv, snap.ID, "A")
	readFrame(t, conn)

	clients, err := store.GetClients(snap.ID)
	require.NoError(t, err)
	require.Len(t, clients, 1)

	conn.Close()

	require.Eventually(t, func() bool {
		clients, err := store.GetClients(snap.ID)
		return err == nil && len(clients) == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestCursorUpdateOverSocket(t *testing.T) {
	store, srv := setupGateway(t)
	snap := store.Create(session.CreateInput{})
	store.Join(snap.ID, session.JoinInput{UserID: "A", Name: "A"})

	conn := dial(t, srv, snap.ID, "A")
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":   "cursor.update",
		"cursor": map[string]any{"file": "main.go", "line": 3, "column": 7},
	}))

	f := readUntil(t, conn, "cursor.moved")
	var payload session.CursorPayload
	require.NoError(t, json.Unmarshal(f.Payload, &payload))
	assert.Equal(t, "A", payload.UserID)
	assert.Equal(t, "main.go", payload.Cursor.File)

	require.Eventually(t, func() bool {
		u, err := store.GetUser(snap.ID, "A")
		return err == nil && u.Cursor != nil && u.Cursor.Line == 3
	}, 2*time.Second, 20*time.Millisecond)
}
