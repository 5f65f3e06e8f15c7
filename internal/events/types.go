// Package events provides the in-process event bus for AgentMux.
//
// Every mutation committed by the session store, and every translated
// integration webhook, is published here as a typed Event. Subscribers
// (WebSocket gateway, cache invalidation, NATS relay) observe events for a
// given session in commit order.
package events

import (
	"time"
)

// Type identifies an event kind.
type Type string

// Session lifecycle events
const (
	SessionCreated Type = "session.created"
	SessionDeleted Type = "session.deleted"
)

// Membership events
const (
	UserJoined         Type = "user.joined"
	UserLeft           Type = "user.left"
	ClientConnected    Type = "client.connected"
	ClientDisconnected Type = "client.disconnected"
)

// Presence events
const (
	CursorMoved Type = "cursor.moved"
)

// Coordination events
const (
	LockAcquired Type = "lock.acquired"
	LockReleased Type = "lock.released"
	StateChanged Type = "state.changed"
)

// Queue events
const (
	PromptQueued    Type = "prompt.queued"
	PromptStarted   Type = "prompt.started"
	PromptCompleted Type = "prompt.completed"
	PromptCancelled Type = "prompt.cancelled"
	PromptReordered Type = "prompt.reordered"
)

// Conflict events
const (
	ConflictDetected Type = "conflict.detected"
	ConflictResolved Type = "conflict.resolved"
	ConflictRejected Type = "conflict.rejected"
)

// Integration events
const (
	PROpened        Type = "pr.opened"
	PRUpdated       Type = "pr.updated"
	PRClosed        Type = "pr.closed"
	PRMerged        Type = "pr.merged"
	CommentCreated  Type = "comment.created"
	CommentUpdated  Type = "comment.updated"
	ReviewSubmitted Type = "review.submitted"
	ResponsePosted  Type = "response.posted"
	ThreadCreated   Type = "thread.created"
	ThreadUpdated   Type = "thread.updated"
	ThreadCompleted Type = "thread.completed"
)

// Event is a single bus message. SessionID is set for all session-scoped
// events; integration events that have not been mapped to a session yet carry
// an empty SessionID and a Scope identifying the external context.
type Event struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	Scope     string    `json:"scope,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// New builds an event stamped with the current time.
func New(t Type, sessionID string, payload any) Event {
	return Event{
		Type:      t,
		SessionID: sessionID,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}

// NewScoped builds an event for an external-integration scope (e.g. a PR or
// chat thread that has no session mapping yet).
func NewScoped(t Type, scope string, payload any) Event {
	return Event{
		Type:      t,
		Scope:     scope,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}
