package github

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

// SessionCreator is the slice of the session store the adapter needs to
// auto-create sessions for newly opened PRs.
type SessionCreator interface {
	Create(input session.CreateInput) *session.Session
}

// AdapterConfig holds PR adapter settings.
type AdapterConfig struct {
	// WebhookSecret verifies X-Hub-Signature-256. Empty disables verification.
	WebhookSecret string
	// BotUsername silently drops events authored by the bot itself.
	BotUsername string
	// AutoCreateSessions creates a session + mapping when a PR opens.
	AutoCreateSessions bool
	Mapping            mapping.Config[PRInfo]
}

// Adapter translates GitHub webhook deliveries into bus events and mapping
// operations. Handle never panics and never returns a Go error for payloads
// it understands; malformed or unknown input yields Handled=false.
type Adapter struct {
	cfg      AdapterConfig
	bus      *events.Bus
	sessions SessionCreator
	mappings *mapping.Store[PRInfo]

	mu       sync.Mutex
	comments map[int64]CommentContext
}

// NewAdapter creates a PR webhook adapter.
func NewAdapter(cfg AdapterConfig, bus *events.Bus, sessions SessionCreator) *Adapter {
	a := &Adapter{
		cfg:      cfg,
		bus:      bus,
		sessions: sessions,
		comments: make(map[int64]CommentContext),
	}
	mcfg := cfg.Mapping
	mcfg.OnEvict = a.onMappingEvicted
	a.mappings = mapping.NewStore("github-pr", mcfg)
	return a
}

// Mappings exposes the PR mapping store.
func (a *Adapter) Mappings() *mapping.Store[PRInfo] {
	return a.mappings
}

// VerifySignature checks an X-Hub-Signature-256 header ("sha256=<hex>")
// against the raw body using HMAC-SHA256 with constant-time compare. An
// empty configured secret disables verification.
func (a *Adapter) VerifySignature(body []byte, signatureHeader string) bool {
	if a.cfg.WebhookSecret == "" {
		return true
	}
	if !strings.HasPrefix(signatureHeader, "sha256=") {
		return false
	}
	sig := strings.TrimPrefix(signatureHeader, "sha256=")

	mac := hmac.New(sha256.New, []byte(a.cfg.WebhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(sig))
}

// Handle translates one webhook delivery. eventType is the X-GitHub-Event
// header value; body is the raw JSON payload.
func (a *Adapter) Handle(eventType string, body []byte) Result {
	switch eventType {
	case "ping":
		return Result{Handled: true}
	case "pull_request":
		return a.handlePullRequest(body)
	case "pull_request_review_comment":
		return a.handleReviewComment(body)
	case "issue_comment":
		return a.handleIssueComment(body)
	case "pull_request_review":
		return a.handleReview(body)
	default:
		return Result{Handled: false, Err: fmt.Errorf("unsupported event type %q", eventType)}
	}
}

func (a *Adapter) handlePullRequest(body []byte) Result {
	var ev prEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return Result{Handled: false, Err: fmt.Errorf("malformed pull_request payload: %w", err)}
	}
	if a.isBot(ev.Sender.Login, ev.PullRequest.User.Login) {
		return Result{Handled: true}
	}

	repo := ev.Repository.FullName
	number := ev.PullRequest.Number
	if number == 0 {
		number = ev.Number
	}
	key := MappingKey(repo, number)

	switch ev.Action {
	case "opened", "reopened":
		sessionID := ""
		if a.cfg.AutoCreateSessions {
			snap := a.sessions.Create(session.CreateInput{ExternalSessionID: "github:" + key})
			sessionID = snap.ID
		}
		a.mappings.CreateOrGet(key, sessionID, PRInfo{
			Repo:    repo,
			Number:  number,
			Title:   ev.PullRequest.Title,
			Author:  ev.PullRequest.User.Login,
			HeadSHA: ev.PullRequest.Head.SHA,
			Branch:  ev.PullRequest.Head.Ref,
		})
		return a.emit(events.PROpened, key, PRPayload{
			Repo: repo, Number: number,
			Title: ev.PullRequest.Title, Author: ev.PullRequest.User.Login,
			Action: ev.Action,
		})

	case "edited", "synchronize", "ready_for_review", "labeled", "unlabeled":
		a.mappings.Touch(key)
		if ev.Action == "synchronize" {
			a.mappings.Update(key, func(info *PRInfo) {
				info.HeadSHA = ev.PullRequest.Head.SHA
			})
		}
		return a.emit(events.PRUpdated, key, PRPayload{
			Repo: repo, Number: number, Action: ev.Action,
		})

	case "closed":
		t := events.PRClosed
		if ev.PullRequest.Merged {
			t = events.PRMerged
		}
		return a.emit(t, key, PRPayload{
			Repo: repo, Number: number, Action: ev.Action,
		})

	default:
		return Result{Handled: false, Err: fmt.Errorf("unsupported pull_request action %q", ev.Action)}
	}
}

func (a *Adapter) handleReviewComment(body []byte) Result {
	var ev reviewCommentEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return Result{Handled: false, Err: fmt.Errorf("malformed pull_request_review_comment payload: %w", err)}
	}
	if a.isBot(ev.Comment.User.Login, ev.Sender.Login) {
		return Result{Handled: true}
	}

	repo := ev.Repository.FullName
	key := MappingKey(repo, ev.PullRequest.Number)

	switch ev.Action {
	case "created":
		a.putContext(CommentContext{
			CommentID: ev.Comment.ID,
			Key:       key,
			Author:    ev.Comment.User.Login,
			Path:      ev.Comment.Path,
			Line:      ev.Comment.Line,
		})
		a.mappings.Touch(key)
		return a.emit(events.CommentCreated, key, CommentPayload{
			Repo: repo, Number: ev.PullRequest.Number,
			CommentID: ev.Comment.ID, Author: ev.Comment.User.Login,
			Path: ev.Comment.Path, Line: ev.Comment.Line, Body: ev.Comment.Body,
		})

	case "edited":
		return a.emit(events.CommentUpdated, key, CommentPayload{
			Repo: repo, Number: ev.PullRequest.Number,
			CommentID: ev.Comment.ID, Author: ev.Comment.User.Login,
			Path: ev.Comment.Path, Line: ev.Comment.Line, Body: ev.Comment.Body,
		})

	default:
		return Result{Handled: false, Err: fmt.Errorf("unsupported review comment action %q", ev.Action)}
	}
}

func (a *Adapter) handleIssueComment(body []byte) Result {
	var ev issueCommentEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return Result{Handled: false, Err: fmt.Errorf("malformed issue_comment payload: %w", err)}
	}
	// Issue comments on plain issues are outside this adapter's scope.
	if ev.Issue.PullRequest == nil {
		return Result{Handled: true}
	}
	if a.isBot(ev.Comment.User.Login, ev.Sender.Login) {
		return Result{Handled: true}
	}
	if ev.Action != "created" {
		return Result{Handled: false, Err: fmt.Errorf("unsupported issue_comment action %q", ev.Action)}
	}

	repo := ev.Repository.FullName
	key := MappingKey(repo, ev.Issue.Number)

	a.putContext(CommentContext{
		CommentID: ev.Comment.ID,
		Key:       key,
		Author:    ev.Comment.User.Login,
	})
	a.mappings.Touch(key)
	return a.emit(events.CommentCreated, key, CommentPayload{
		Repo: repo, Number: ev.Issue.Number,
		CommentID: ev.Comment.ID, Author: ev.Comment.User.Login,
		Body: ev.Comment.Body,
	})
}

func (a *Adapter) handleReview(body []byte) Result {
	var ev reviewEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return Result{Handled: false, Err: fmt.Errorf("malformed pull_request_review payload: %w", err)}
	}
	if a.isBot(ev.Review.User.Login, ev.Sender.Login) {
		return Result{Handled: true}
	}
	if ev.Action != "submitted" {
		return Result{Handled: false, Err: fmt.Errorf("unsupported review action %q", ev.Action)}
	}

	repo := ev.Repository.FullName
	key := MappingKey(repo, ev.PullRequest.Number)
	a.mappings.Touch(key)
	return a.emit(events.ReviewSubmitted, key, ReviewPayload{
		Repo: repo, Number: ev.PullRequest.Number,
		ReviewID: ev.Review.ID, State: ev.Review.State, Author: ev.Review.User.Login,
	})
}

// emit publishes the event (scoped to the mapped session when one exists)
// and returns it in the Result.
func (a *Adapter) emit(t events.Type, key string, payload any) Result {
	ev := events.NewScoped(t, key, payload)
	if m, ok := a.mappings.Get(key); ok {
		ev.SessionID = m.SessionID
	}
	a.bus.Publish(ev)
	logger.Integration().Debug().Str("event", string(t)).Str("key", key).Msg("GitHub event translated")
	return Result{Handled: true, Event: &ev}
}

func (a *Adapter) isBot(logins ...string) bool {
	if a.cfg.BotUsername == "" {
		return false
	}
	for _, l := range logins {
		if l == a.cfg.BotUsername {
			return true
		}
	}
	return false
}

func (a *Adapter) putContext(ctx CommentContext) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.comments[ctx.CommentID] = ctx
}

// CommentContextFor returns the stored context for a comment id.
func (a *Adapter) CommentContextFor(commentID int64) (CommentContext, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ctx, ok := a.comments[commentID]
	return ctx, ok
}

// onMappingEvicted purges comment contexts belonging to a removed mapping.
func (a *Adapter) onMappingEvicted(m mapping.Mapping[PRInfo]) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, ctx := range a.comments {
		if ctx.Key == m.Key {
			delete(a.comments, id)
		}
	}
}
