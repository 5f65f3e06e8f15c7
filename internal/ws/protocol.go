// Package ws implements the WebSocket gateway: it upgrades connections,
// authenticates session membership, registers a client in the session store,
// and fans bus events out to the socket in commit order.
package ws

import (
	"github.com/agentmux-dev/agentmux/internal/session"
)

// Error codes sent in error frames.
const (
	CodeSessionNotFound    = "SESSION_NOT_FOUND"
	CodeUserNotInSession   = "USER_NOT_IN_SESSION"
	CodeClientLimitReached = "CLIENT_LIMIT_REACHED"
	CodeInvalidMessage     = "INVALID_MESSAGE"
	CodeLockHeld           = "LOCK_HELD"
	CodeParseError         = "PARSE_ERROR"
)

// Client→server message types.
const (
	msgCursorUpdate = "cursor.update"
	msgLockAcquire  = "lock.acquire"
	msgLockRelease  = "lock.release"
	msgPing         = "ping"
)

// inboundMessage is a tagged client→server frame.
type inboundMessage struct {
	Type   string          `json:"type"`
	Cursor *session.Cursor `json:"cursor,omitempty"`
}

// errorFrame is sent once before a policy-violation close, and for rejected
// commands on a live connection.
type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func newErrorFrame(code, message string) errorFrame {
	return errorFrame{Type: "error", Message: message, Code: code}
}

// snapshotFrame delivers the current session value right after registration.
type snapshotFrame struct {
	Type    string           `json:"type"`
	Session *session.Session `json:"session"`
}

// pongFrame answers a ping.
type pongFrame struct {
	Type string `json:"type"`
}
