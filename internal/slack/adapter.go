package slack

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/agentmux-dev/agentmux/internal/events"
	"github.com/agentmux-dev/agentmux/internal/logger"
	"github.com/agentmux-dev/agentmux/internal/mapping"
	"github.com/agentmux-dev/agentmux/internal/session"
)

// SessionCreator is the slice of the session store the adapter needs.
type SessionCreator interface {
	Create(input session.CreateInput) *session.Session
}

// AdapterConfig holds chat adapter settings.
type AdapterConfig struct {
	// SigningSecret verifies X-Slack-Signature. Empty disables verification.
	SigningSecret string
	// BotUserID silently drops the bot's own messages.
	BotUserID string
	// AutoCreateSessions creates a session + mapping for new threads.
	AutoCreateSessions bool
	Threads            mapping.Config[ThreadInfo]
}

// Adapter translates Slack webhook deliveries into bus events and thread
// mapping operations.
type Adapter struct {
	cfg      AdapterConfig
	bus      *events.Bus
	sessions SessionCreator
	threads  *mapping.Store[ThreadInfo]

	mu       sync.Mutex
	messages map[string]ThreadMessage // message ts → message
}

// NewAdapter creates a chat webhook adapter. Threads stuck in processing are
// exempt from idle eviction; capacity eviction still bounds the store.
func NewAdapter(cfg AdapterConfig, bus *events.Bus, sessions SessionCreator) *Adapter {
	a := &Adapter{
		cfg:      cfg,
		bus:      bus,
		sessions: sessions,
		messages: make(map[string]ThreadMessage),
	}
	tcfg := cfg.Threads
	tcfg.RetainStale = func(m mapping.Mapping[ThreadInfo]) bool {
		return m.Extra.Status == ThreadProcessing
	}
	tcfg.OnEvict = a.onThreadEvicted
	a.threads = mapping.NewStore("slack-thread", tcfg)
	return a
}

// Threads exposes the thread mapping store.
func (a *Adapter) Threads() *mapping.Store[ThreadInfo] {
	return a.threads
}

// VerifySignature checks Slack's v0 signature: HMAC-SHA256 over
// "v0:<timestamp>:<body>" compared in constant time. An empty configured
// secret disables verification.
func (a *Adapter) VerifySignature(body []byte, timestamp, signatureHeader string) bool {
	if a.cfg.SigningSecret == "" {
		return true
	}
	if !strings.HasPrefix(signatureHeader, "v0=") {
		return false
	}

	mac := hmac.New(sha256.New, []byte(a.cfg.SigningSecret))
	fmt.Fprintf(mac, "v0:%s:", timestamp)
	mac.Write(body)
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signatureHeader))
}

// HandleEvent translates one Events API delivery. URL-verification requests
// return a Result carrying the challenge token.
func (a *Adapter) HandleEvent(body []byte) Result {
	var env eventEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Result{Handled: false, Err: fmt.Errorf("malformed event payload: %w", err)}
	}

	switch env.Type {
	case "url_verification":
		return Result{Handled: true, Challenge: env.Challenge}
	case "event_callback":
		return a.handleMessage(env.Event)
	default:
		return Result{Handled: false, Err: fmt.Errorf("unsupported event envelope type %q", env.Type)}
	}
}

func (a *Adapter) handleMessage(ev messageEvent) Result {
	if ev.Type != "message" && ev.Type != "app_mention" {
		return Result{Handled: false, Err: fmt.Errorf("unsupported event type %q", ev.Type)}
	}
	// The bot's own messages, and channel housekeeping subtypes, are noise.
	if ev.BotID != "" || (a.cfg.BotUserID != "" && ev.User == a.cfg.BotUserID) {
		return Result{Handled: true}
	}
	if ev.Subtype != "" && ev.Subtype != "thread_broadcast" {
		return Result{Handled: true}
	}

	threadTs := ev.ThreadTs
	newThread := threadTs == "" || threadTs == ev.Ts
	if threadTs == "" {
		threadTs = ev.Ts
	}
	key := MappingKey(ev.Channel, threadTs)

	if newThread {
		sessionID := ""
		if a.cfg.AutoCreateSessions {
			snap := a.sessions.Create(session.CreateInput{ExternalSessionID: "slack:" + key})
			sessionID = snap.ID
		}
		a.threads.CreateOrGet(key, sessionID, ThreadInfo{
			ChannelID:    ev.Channel,
			ThreadTs:     threadTs,
			UserID:       ev.User,
			Status:       ThreadActive,
			MessageCount: 1,
		})
		a.putMessage(ThreadMessage{Ts: ev.Ts, Key: key, UserID: ev.User, Text: ev.Text})
		return a.emit(events.ThreadCreated, key, ThreadPayload{
			ChannelID: ev.Channel, ThreadTs: threadTs,
			UserID: ev.User, Status: ThreadActive, Text: ev.Text,
		})
	}

	a.threads.Update(key, func(info *ThreadInfo) {
		info.MessageCount++
	})
	a.putMessage(ThreadMessage{Ts: ev.Ts, Key: key, UserID: ev.User, Text: ev.Text})
	status := ThreadActive
	if info, ok := a.threads.Get(key); ok {
		status = info.Extra.Status
	}
	return a.emit(events.ThreadUpdated, key, ThreadPayload{
		ChannelID: ev.Channel, ThreadTs: threadTs,
		UserID: ev.User, Status: status, Text: ev.Text,
	})
}

// HandleInteraction translates one interactivity delivery (a block action).
func (a *Adapter) HandleInteraction(body []byte) Result {
	var p interactionPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return Result{Handled: false, Err: fmt.Errorf("malformed interaction payload: %w", err)}
	}
	if p.Type != "block_actions" || len(p.Actions) == 0 {
		return Result{Handled: false, Err: fmt.Errorf("unsupported interaction type %q", p.Type)}
	}

	threadTs := p.Message.ThreadTs
	if threadTs == "" {
		threadTs = p.Message.Ts
	}
	key := MappingKey(p.Channel.ID, threadTs)

	switch p.Actions[0].ActionID {
	case "thread_complete":
		return a.SetStatus(key, ThreadCompleted)
	case "thread_cancel":
		return a.SetStatus(key, ThreadError)
	default:
		a.threads.Touch(key)
		status := ThreadActive
		if info, ok := a.threads.Get(key); ok {
			status = info.Extra.Status
		}
		return a.emit(events.ThreadUpdated, key, ThreadPayload{
			ChannelID: p.Channel.ID, ThreadTs: threadTs,
			UserID: p.User.ID, Status: status,
		})
	}
}

// SetStatus transitions a thread's lifecycle status and emits the matching
// event.
func (a *Adapter) SetStatus(key string, status ThreadStatus) Result {
	var info ThreadInfo
	ok := a.threads.Update(key, func(t *ThreadInfo) {
		t.Status = status
		info = *t
	})
	if !ok {
		return Result{Handled: false, Err: fmt.Errorf("no thread mapping for key %s", key)}
	}

	t := events.ThreadUpdated
	if status == ThreadCompleted {
		t = events.ThreadCompleted
	}
	return a.emit(t, key, ThreadPayload{
		ChannelID: info.ChannelID, ThreadTs: info.ThreadTs, Status: status,
	})
}

// MessagesFor lists stored messages for a thread key.
func (a *Adapter) MessagesFor(key string) []ThreadMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []ThreadMessage
	for _, m := range a.messages {
		if m.Key == key {
			out = append(out, m)
		}
	}
	return out
}

func (a *Adapter) emit(t events.Type, key string, payload any) Result {
	ev := events.NewScoped(t, key, payload)
	if m, ok := a.threads.Get(key); ok {
		ev.SessionID = m.SessionID
	}
	a.bus.Publish(ev)
	logger.Integration().Debug().Str("event", string(t)).Str("key", key).Msg("Slack event translated")
	return Result{Handled: true, Event: &ev}
}

func (a *Adapter) putMessage(m ThreadMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages[m.Ts] = m
}

// onThreadEvicted purges stored messages for a removed thread mapping.
func (a *Adapter) onThreadEvicted(m mapping.Mapping[ThreadInfo]) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for ts, msg := range a.messages {
		if msg.Key == m.Key {
			delete(a.messages, ts)
		}
	}
}
