// Package slack ingests Slack event and interaction webhooks, maps chat
// threads to multiplayer sessions, and posts agent responses back into the
// thread.
package slack

import (
	"fmt"

	"github.com/agentmux-dev/agentmux/internal/events"
)

// ThreadStatus is the lifecycle of a mapped chat thread.
type ThreadStatus string

const (
	ThreadActive     ThreadStatus = "active"
	ThreadProcessing ThreadStatus = "processing"
	ThreadWaiting    ThreadStatus = "waiting"
	ThreadCompleted  ThreadStatus = "completed"
	ThreadError      ThreadStatus = "error"
)

// ThreadInfo is the Extra payload stored on thread mappings.
type ThreadInfo struct {
	ChannelID    string       `json:"channelId"`
	ThreadTs     string       `json:"threadTs"`
	UserID       string       `json:"userId,omitempty"`
	Status       ThreadStatus `json:"status"`
	MessageCount int          `json:"messageCount"`
}

// ThreadMessage remembers one message in a mapped thread. Messages carry the
// mapping key for mass deletion when the thread mapping is evicted.
type ThreadMessage struct {
	Ts     string `json:"ts"`
	Key    string `json:"key"`
	UserID string `json:"userId"`
	Text   string `json:"text"`
}

// Webhook payload fragments.

type eventEnvelope struct {
	Type      string       `json:"type"`
	Challenge string       `json:"challenge,omitempty"`
	TeamID    string       `json:"team_id,omitempty"`
	Event     messageEvent `json:"event,omitempty"`
}

type messageEvent struct {
	Type     string `json:"type"`
	Subtype  string `json:"subtype,omitempty"`
	Channel  string `json:"channel"`
	User     string `json:"user"`
	BotID    string `json:"bot_id,omitempty"`
	Text     string `json:"text"`
	Ts       string `json:"ts"`
	ThreadTs string `json:"thread_ts,omitempty"`
}

type interactionPayload struct {
	Type    string `json:"type"`
	User    struct {
		ID string `json:"id"`
	} `json:"user"`
	Channel struct {
		ID string `json:"id"`
	} `json:"channel"`
	Message struct {
		Ts       string `json:"ts"`
		ThreadTs string `json:"thread_ts,omitempty"`
	} `json:"message"`
	Actions []struct {
		ActionID string `json:"action_id"`
		Value    string `json:"value,omitempty"`
	} `json:"actions"`
}

// Bus event payloads.

// ThreadPayload is attached to thread.* events.
type ThreadPayload struct {
	ChannelID string       `json:"channelId"`
	ThreadTs  string       `json:"threadTs"`
	UserID    string       `json:"userId,omitempty"`
	Status    ThreadStatus `json:"status"`
	Text      string       `json:"text,omitempty"`
}

// ResponsePayload is attached to response.posted events for chat responses.
type ResponsePayload struct {
	ChannelID string `json:"channelId"`
	ThreadTs  string `json:"threadTs"`
	MessageTs string `json:"messageTs,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Result is the outcome of handling one webhook delivery.
type Result struct {
	Handled bool
	Event   *events.Event
	Err     error
	// Challenge is set for url_verification requests; the HTTP layer echoes
	// it back instead of translating an event.
	Challenge string
}

// MappingKey builds the store key for a thread: "<channel>:<thread_ts>".
func MappingKey(channelID, threadTs string) string {
	return fmt.Sprintf("%s:%s", channelID, threadTs)
}
