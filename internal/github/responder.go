package github

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/agentmux-dev/agentmux/internal/events"
	"github.com/agentmux-dev/agentmux/internal/logger"
)

// truncationMarker ends a body cut down to the configured maximum length.
const truncationMarker = "\n\n_…response truncated_"

// ResponderConfig holds response formatting settings.
type ResponderConfig struct {
	// HeaderTemplate opens every response body.
	HeaderTemplate string
	// FooterTemplate closes the body when set.
	FooterTemplate string
	// IncludeCommitSha appends a commit reference line when a SHA is known.
	IncludeCommitSha bool
	// MaxLength caps the posted body; longer bodies are truncated with a
	// marker.
	MaxLength int
}

// poster is the outbound surface the responder uses; *Client satisfies it.
type poster interface {
	CreateIssueComment(ctx context.Context, repo string, number int, body string) (*CommentResult, error)
	CreateReviewCommentReply(ctx context.Context, repo string, number int, commentID int64, body string) (*CommentResult, error)
}

// Responder formats agent output and posts it back to the PR the triggering
// comment came from. Posting is idempotent per triggering comment: a retry
// after a recorded success is skipped.
type Responder struct {
	cfg     ResponderConfig
	client  poster
	adapter *Adapter
	bus     *events.Bus

	mu     sync.Mutex
	posted map[int64]int64 // triggering comment id → posted response id
}

// NewResponder creates a responder posting through client.
func NewResponder(cfg ResponderConfig, client poster, adapter *Adapter, bus *events.Bus) *Responder {
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = 65000
	}
	return &Responder{
		cfg:     cfg,
		client:  client,
		adapter: adapter,
		bus:     bus,
		posted:  make(map[int64]int64),
	}
}

// RespondInput describes one response to post.
type RespondInput struct {
	// CommentID is the triggering comment; its stored context decides where
	// a reply can land.
	CommentID int64
	Summary   string
	CommitSHA string
	// AsReply posts under the triggering inline comment when its context has
	// a file path; otherwise the response is a top-level comment with no
	// parent.
	AsReply bool
}

// Respond formats and posts one response. The returned id is the posted
// comment's id; a repeat call for an already-answered comment returns the
// recorded id without posting again.
func (r *Responder) Respond(ctx context.Context, input RespondInput) (int64, error) {
	cctx, ok := r.adapter.CommentContextFor(input.CommentID)
	if !ok {
		return 0, fmt.Errorf("no context stored for comment %d", input.CommentID)
	}

	r.mu.Lock()
	if id, done := r.posted[input.CommentID]; done {
		r.mu.Unlock()
		return id, nil
	}
	r.mu.Unlock()

	m, ok := r.adapter.Mappings().Get(cctx.Key)
	if !ok {
		return 0, fmt.Errorf("no mapping for key %s", cctx.Key)
	}
	repo, number := m.Extra.Repo, m.Extra.Number

	body := r.format(input)

	var result *CommentResult
	var err error
	asReply := input.AsReply && cctx.Path != ""
	if asReply {
		result, err = r.client.CreateReviewCommentReply(ctx, repo, number, input.CommentID, body)
	} else {
		result, err = r.client.CreateIssueComment(ctx, repo, number, body)
	}

	payload := ResponsePayload{Repo: repo, Number: number, AsReply: asReply}
	if err != nil {
		payload.Error = err.Error()
		ev := events.NewScoped(events.ResponsePosted, cctx.Key, payload)
		ev.SessionID = m.SessionID
		r.bus.Publish(ev)
		return 0, err
	}

	r.mu.Lock()
	r.posted[input.CommentID] = result.ID
	r.mu.Unlock()

	payload.ResponseID = result.ID
	ev := events.NewScoped(events.ResponsePosted, cctx.Key, payload)
	ev.SessionID = m.SessionID
	r.bus.Publish(ev)

	logger.Integration().Info().
		Str("repo", repo).
		Int("pr", number).
		Int64("response_id", result.ID).
		Bool("as_reply", asReply).
		Msg("Response posted")
	return result.ID, nil
}

// format assembles the response body from templates and truncates it to the
// configured maximum.
func (r *Responder) format(input RespondInput) string {
	var b strings.Builder
	if r.cfg.HeaderTemplate != "" {
		b.WriteString(r.cfg.HeaderTemplate)
		b.WriteString("\n\n")
	}
	b.WriteString(input.Summary)
	if r.cfg.IncludeCommitSha && input.CommitSHA != "" {
		b.WriteString(fmt.Sprintf("\n\nCommit: `%s`", input.CommitSHA))
	}
	if r.cfg.FooterTemplate != "" {
		b.WriteString("\n\n")
		b.WriteString(r.cfg.FooterTemplate)
	}

	body := b.String()
	if len(body) > r.cfg.MaxLength {
		cut := r.cfg.MaxLength - len(truncationMarker)
		if cut < 0 {
			cut = 0
		}
		body = body[:cut] + truncationMarker
	}
	return body
}
