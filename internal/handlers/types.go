// Package handlers provides the HTTP control surface for the AgentMux API:
// session CRUD, membership, locking, cursor presence, state updates, prompt
// queue operations, and webhook receivers.
package handlers

import (
	"github.com/agentmux-dev/agentmux/internal/session"
)

// CreateSessionRequest creates a session.
type CreateSessionRequest struct {
	ExternalSessionID string `json:"externalSessionId,omitempty" validate:"max=256"`
	SandboxID         string `json:"sandboxId,omitempty" validate:"max=256"`
	ConflictStrategy  string `json:"conflictStrategy,omitempty" validate:"omitempty,oneof=last-write-wins reject merge"`
}

// JoinRequest adds a user to a session.
type JoinRequest struct {
	UserID string `json:"userId" validate:"required,max=128"`
	Name   string `json:"name" validate:"required,max=256"`
	Email  string `json:"email,omitempty" validate:"omitempty,email"`
	Avatar string `json:"avatar,omitempty" validate:"max=2048"`
	Color  string `json:"color,omitempty" validate:"max=32"`
}

// UserRequest identifies a user for leave/lock operations.
type UserRequest struct {
	UserID string `json:"userId" validate:"required,max=128"`
}

// ConnectRequest registers a client.
type ConnectRequest struct {
	UserID string `json:"userId" validate:"required,max=128"`
	Type   string `json:"type,omitempty" validate:"omitempty,oneof=web chat extension mobile voice"`
}

// DisconnectRequest removes a client.
type DisconnectRequest struct {
	ClientID string `json:"clientId" validate:"required,max=128"`
}

// CursorRequest updates a user's cursor.
type CursorRequest struct {
	UserID string         `json:"userId" validate:"required,max=128"`
	Cursor session.Cursor `json:"cursor"`
}

// StateUpdateRequest is an optimistic partial state update.
type StateUpdateRequest struct {
	BaseVersion int            `json:"baseVersion" validate:"min=0"`
	Updates     map[string]any `json:"updates" validate:"required"`
	ClientID    string         `json:"clientId,omitempty" validate:"max=128"`
}

// EnqueueRequest appends a prompt.
type EnqueueRequest struct {
	UserID   string `json:"userId" validate:"required,max=128"`
	Content  string `json:"content" validate:"required,max=100000"`
	Priority string `json:"priority,omitempty" validate:"omitempty,oneof=normal high urgent"`
}

// ReorderRequest moves a queued prompt.
type ReorderRequest struct {
	UserID   string `json:"userId" validate:"required,max=128"`
	NewIndex int    `json:"newIndex" validate:"min=0"`
}

// RespondRequest posts an agent response back to a PR comment.
type RespondRequest struct {
	CommentID int64  `json:"commentId" validate:"required"`
	Summary   string `json:"summary" validate:"required"`
	CommitSHA string `json:"commitSha,omitempty" validate:"max=64"`
	AsReply   bool   `json:"asReply,omitempty"`
}

// SlackRespondRequest posts an agent response into a chat thread.
type SlackRespondRequest struct {
	ChannelID string `json:"channelId" validate:"required,max=64"`
	ThreadTs  string `json:"threadTs" validate:"required,max=64"`
	Text      string `json:"text" validate:"required"`
}
