// Package session implements the multiplayer session store: the authoritative
// registry of sessions, their members, connected clients, edit lock, versioned
// state, and prompt queue.
//
// All mutations of a given session are serialized behind a per-session mutex.
// Mutators emit events on the bus while holding that mutex, so every
// subscriber observes a session's events in commit order. Reads return deep
// copies; callers never see live aggregate internals.
package session

import (
	"time"
)

// GitSyncStatus tracks repository synchronization for a session.
type GitSyncStatus string

const (
	GitSyncPending GitSyncStatus = "pending"
	GitSyncSyncing GitSyncStatus = "syncing"
	GitSyncSynced  GitSyncStatus = "synced"
	GitSyncFailed  GitSyncStatus = "failed"
)

// AgentStatus tracks what the agent attached to a session is doing.
type AgentStatus string

const (
	AgentIdle      AgentStatus = "idle"
	AgentThinking  AgentStatus = "thinking"
	AgentExecuting AgentStatus = "executing"
	AgentWaiting   AgentStatus = "waiting"
)

// ClientType identifies the kind of UI a client connection represents.
type ClientType string

const (
	ClientWeb       ClientType = "web"
	ClientChat      ClientType = "chat"
	ClientExtension ClientType = "extension"
	ClientMobile    ClientType = "mobile"
	ClientVoice     ClientType = "voice"
)

// Priority orders prompts across classes; within a class the queue is FIFO.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// rank orders priorities for queue insertion. Lower runs first.
func (p Priority) rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	default:
		return 2
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// PromptStatus is the lifecycle state of a prompt.
// queued → executing → completed; cancelled is terminal from queued only.
type PromptStatus string

const (
	PromptQueuedStatus    PromptStatus = "queued"
	PromptExecutingStatus PromptStatus = "executing"
	PromptCompletedStatus PromptStatus = "completed"
	PromptCancelledStatus PromptStatus = "cancelled"
)

// Cursor is a user's presence position within the shared workspace.
type Cursor struct {
	File   string `json:"file,omitempty"`
	Line   int    `json:"line,omitempty"`
	Column int    `json:"column,omitempty"`
}

// User is a session member.
type User struct {
	UserID   string    `json:"userId"`
	Name     string    `json:"name"`
	Email    string    `json:"email,omitempty"`
	Avatar   string    `json:"avatar,omitempty"`
	Color    string    `json:"color"`
	JoinedAt time.Time `json:"joinedAt"`
	Cursor   *Cursor   `json:"cursor,omitempty"`
}

// Client is one connected UI instance belonging to a session member.
type Client struct {
	ClientID     string     `json:"clientId"`
	UserID       string     `json:"userId"`
	Type         ClientType `json:"type"`
	ConnectedAt  time.Time  `json:"connectedAt"`
	LastActivity time.Time  `json:"lastActivity"`
}

// Prompt is a queued user request awaiting agent execution.
type Prompt struct {
	PromptID    string       `json:"promptId"`
	UserID      string       `json:"userId"`
	Content     string       `json:"content"`
	Priority    Priority     `json:"priority"`
	Status      PromptStatus `json:"status"`
	QueuedAt    time.Time    `json:"queuedAt"`
	StartedAt   *time.Time   `json:"startedAt,omitempty"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
}

// State is a snapshot of the versioned session state.
type State struct {
	EditLock      string         `json:"editLock,omitempty"`
	GitSyncStatus GitSyncStatus  `json:"gitSyncStatus"`
	AgentStatus   AgentStatus    `json:"agentStatus"`
	Version       int            `json:"version"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// Session is a snapshot of one multiplayer session.
type Session struct {
	ID                string    `json:"id"`
	ExternalSessionID string    `json:"externalSessionId"`
	SandboxID         string    `json:"sandboxId,omitempty"`
	Users             []User    `json:"users"`
	Clients           []Client  `json:"clients"`
	Queue             []Prompt  `json:"promptQueue"`
	Executing         *Prompt   `json:"executing,omitempty"`
	State             State     `json:"state"`
	CreatedAt         time.Time `json:"createdAt"`
}

// Versioned state field names.
const (
	FieldEditLock      = "editLock"
	FieldGitSyncStatus = "gitSyncStatus"
	FieldAgentStatus   = "agentStatus"
	FieldSandboxID     = "sandboxId"
)

// colorPalette assigns member colors round-robin at join time.
var colorPalette = [8]string{
	"#FF6B6B",
	"#4ECDC4",
	"#45B7D1",
	"#FFA07A",
	"#98D8C8",
	"#F7DC6F",
	"#BB8FBA",
	"#85C1E9",
}

// Event payloads.

// UserLeftPayload is attached to user.left events.
type UserLeftPayload struct {
	UserID string `json:"userId"`
}

// ClientGonePayload is attached to client.disconnected events.
type ClientGonePayload struct {
	ClientID string `json:"clientId"`
	UserID   string `json:"userId"`
}

// CursorPayload is attached to cursor.moved events.
type CursorPayload struct {
	UserID string `json:"userId"`
	Cursor Cursor `json:"cursor"`
}

// LockPayload is attached to lock.acquired and lock.released events.
type LockPayload struct {
	UserID string `json:"userId"`
}

// ReorderPayload is attached to prompt.reordered events.
type ReorderPayload struct {
	Prompt   Prompt `json:"prompt"`
	NewIndex int    `json:"newIndex"`
}
