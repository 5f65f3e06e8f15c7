package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/agentmux-dev/agentmux/internal/auth"
	"github.com/agentmux-dev/agentmux/internal/events"
	"github.com/agentmux-dev/agentmux/internal/logger"
	"github.com/agentmux-dev/agentmux/internal/session"
)

const (
	// writeWait bounds a single socket write.
	writeWait = 10 * time.Second
	// pongWait is how long a connection may stay silent before it is
	// considered dead.
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// maxMessageSize caps inbound frames.
	maxMessageSize = 32 * 1024
	// sendBuffer is the per-connection outbound queue. A connection that
	// falls this far behind starts losing frames rather than blocking
	// fan-out; the snapshot on reconnect resynchronizes it.
	sendBuffer = 256
)

// Gateway upgrades and serves multiplayer WebSocket connections.
type Gateway struct {
	store *session.Store
	bus   *events.Bus
	auth  *auth.Manager

	upgrader websocket.Upgrader
}

// NewGateway creates a gateway. auth may be nil (authentication disabled).
func NewGateway(store *session.Store, bus *events.Bus, authManager *auth.Manager) *Gateway {
	return &Gateway{
		store: store,
		bus:   bus,
		auth:  authManager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browsers cannot set custom headers on WebSocket dials; origin
			// enforcement happens at the proxy layer.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// conn is one live gateway connection.
type conn struct {
	gw        *Gateway
	ws        *websocket.Conn
	sessionID string
	userID    string
	clientID  string
	send      chan []byte

	// mu guards closed: a bus publish already in flight may try to enqueue
	// after the connection shut down.
	mu     sync.Mutex
	closed bool
}

// shutdown closes the send queue exactly once.
func (c *conn) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// Handle is the gin handler for GET /multiplayer/:id/ws.
//
// Membership problems are reported on the socket: one error frame, then a
// policy-violation close. With authentication enabled, a missing or invalid
// token is answered with HTTP 401 before any upgrade; apart from that the
// HTTP upgrade itself only fails for transport reasons.
func (g *Gateway) Handle(c *gin.Context) {
	sessionID := c.Param("id")
	userID := c.Query("userId")
	clientType := session.ClientType(c.DefaultQuery("clientType", "web"))

	if g.auth != nil {
		claims, err := g.auth.VerifyRequest(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing token"})
			return
		}
		userID = claims.UserID
	}

	ws, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.WebSocket().Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	if _, err := g.store.Get(sessionID); err != nil {
		rejectAndClose(ws, CodeSessionNotFound, "session not found")
		return
	}
	if _, err := g.store.GetUser(sessionID, userID); err != nil {
		rejectAndClose(ws, CodeUserNotInSession, "user is not in session")
		return
	}

	client, err := g.store.Connect(sessionID, session.ConnectInput{UserID: userID, Type: clientType})
	if err != nil {
		code := CodeClientLimitReached
		if err == session.ErrUserNotInSession {
			code = CodeUserNotInSession
		}
		rejectAndClose(ws, code, err.Error())
		return
	}

	cn := &conn{
		gw:        g,
		ws:        ws,
		sessionID: sessionID,
		userID:    userID,
		clientID:  client.ClientID,
		send:      make(chan []byte, sendBuffer),
	}

	// Snapshot first, then live events: a subscriber connecting late gets
	// current state and no replay.
	snap, err := g.store.Get(sessionID)
	if err != nil {
		rejectAndClose(ws, CodeSessionNotFound, "session not found")
		return
	}
	cn.enqueueJSON(snapshotFrame{Type: "session.snapshot", Session: snap})

	unsubscribe := g.bus.Subscribe(func(ev events.Event) {
		if ev.SessionID != cn.sessionID {
			return
		}
		cn.enqueueJSON(ev)
	})

	logger.WebSocket().Info().
		Str("session_id", sessionID).
		Str("user_id", userID).
		Str("client_id", client.ClientID).
		Msg("WebSocket client connected")

	go cn.writePump()
	cn.readPump()

	// readPump returned: the connection is gone.
	unsubscribe()
	cn.shutdown()
	if err := g.store.Disconnect(sessionID, client.ClientID); err != nil && err != session.ErrClientNotFound {
		logger.WebSocket().Warn().Err(err).Str("client_id", client.ClientID).Msg("Disconnect cleanup failed")
	}
}

// enqueueJSON marshals v onto the send queue. Serialization failures are
// swallowed (the connection is likely closing); when the queue is full the
// payload is dropped and a warning is logged.
func (c *conn) enqueueJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		logger.WebSocket().Warn().
			Str("client_id", c.clientID).
			Msg("Send buffer full, dropping frame")
	}
}

// readPump consumes client→server frames until the connection dies.
func (c *conn) readPump() {
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.WebSocket().Debug().Err(err).Str("client_id", c.clientID).Msg("WebSocket read error")
			}
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.enqueueJSON(newErrorFrame(CodeParseError, "invalid JSON frame"))
			continue
		}
		c.dispatch(msg)
	}
}

// dispatch routes one inbound command to the session store.
func (c *conn) dispatch(msg inboundMessage) {
	switch msg.Type {
	case msgPing:
		c.enqueueJSON(pongFrame{Type: "pong"})

	case msgCursorUpdate:
		if msg.Cursor == nil {
			c.enqueueJSON(newErrorFrame(CodeInvalidMessage, "cursor.update requires a cursor"))
			return
		}
		if err := c.gw.store.UpdateCursor(c.sessionID, c.userID, *msg.Cursor); err != nil {
			c.enqueueJSON(newErrorFrame(CodeInvalidMessage, err.Error()))
		}

	case msgLockAcquire:
		outcome, err := c.gw.store.AcquireLock(c.sessionID, c.userID)
		if err != nil {
			c.enqueueJSON(newErrorFrame(CodeSessionNotFound, err.Error()))
			return
		}
		switch outcome.Status {
		case session.LockAcquired:
			// lock.acquired arrives through the event subscription.
		case session.LockAlreadyHeld:
			c.enqueueJSON(newErrorFrame(CodeLockHeld, "edit lock held by "+outcome.Holder))
		case session.LockNotMember:
			c.enqueueJSON(newErrorFrame(CodeUserNotInSession, "user is not in session"))
		}

	case msgLockRelease:
		if err := c.gw.store.ReleaseLock(c.sessionID, c.userID); err != nil {
			c.enqueueJSON(newErrorFrame(CodeInvalidMessage, err.Error()))
		}

	default:
		c.enqueueJSON(newErrorFrame(CodeInvalidMessage, "unknown message type "+msg.Type))
	}
}

// writePump drains the send queue onto the socket and keeps the connection
// alive with pings.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// rejectAndClose sends a single error frame and closes with a
// policy-violation status (1008).
func rejectAndClose(ws *websocket.Conn, code, message string) {
	defer ws.Close()

	frame, err := json.Marshal(newErrorFrame(code, message))
	if err == nil {
		ws.SetWriteDeadline(time.Now().Add(writeWait))
		ws.WriteMessage(websocket.TextMessage, frame)
	}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message))
}
