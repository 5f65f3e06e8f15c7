// Package github ingests GitHub pull-request webhooks, maps PRs to
// multiplayer sessions, and posts agent responses back as PR comments.
package github

import (
	"fmt"

	"github.com/agentmux-dev/agentmux/internal/events"
)

// Webhook payload fragments. Only the fields the adapter reads are declared;
// GitHub sends far more.

type webhookUser struct {
	Login string `json:"login"`
}

type webhookRepo struct {
	FullName string `json:"full_name"`
}

type webhookHead struct {
	SHA string `json:"sha"`
	Ref string `json:"ref"`
}

type webhookPR struct {
	Number  int         `json:"number"`
	Title   string      `json:"title"`
	State   string      `json:"state"`
	Merged  bool        `json:"merged"`
	HTMLURL string      `json:"html_url"`
	User    webhookUser `json:"user"`
	Head    webhookHead `json:"head"`
}

type prEvent struct {
	Action      string      `json:"action"`
	Number      int         `json:"number"`
	PullRequest webhookPR   `json:"pull_request"`
	Repository  webhookRepo `json:"repository"`
	Sender      webhookUser `json:"sender"`
}

type reviewComment struct {
	ID   int64       `json:"id"`
	Body string      `json:"body"`
	Path string      `json:"path"`
	Line int         `json:"line"`
	User webhookUser `json:"user"`
}

type reviewCommentEvent struct {
	Action      string        `json:"action"`
	Comment     reviewComment `json:"comment"`
	PullRequest webhookPR     `json:"pull_request"`
	Repository  webhookRepo   `json:"repository"`
	Sender      webhookUser   `json:"sender"`
}

type issueRef struct {
	Number      int  `json:"number"`
	PullRequest *struct {
		URL string `json:"url"`
	} `json:"pull_request"`
}

type issueComment struct {
	ID   int64       `json:"id"`
	Body string      `json:"body"`
	User webhookUser `json:"user"`
}

type issueCommentEvent struct {
	Action     string       `json:"action"`
	Issue      issueRef     `json:"issue"`
	Comment    issueComment `json:"comment"`
	Repository webhookRepo  `json:"repository"`
	Sender     webhookUser  `json:"sender"`
}

type prReview struct {
	ID    int64       `json:"id"`
	State string      `json:"state"`
	Body  string      `json:"body"`
	User  webhookUser `json:"user"`
}

type reviewEvent struct {
	Action      string      `json:"action"`
	Review      prReview    `json:"review"`
	PullRequest webhookPR   `json:"pull_request"`
	Repository  webhookRepo `json:"repository"`
	Sender      webhookUser `json:"sender"`
}

// PRInfo is the Extra payload stored on PR mappings.
type PRInfo struct {
	Repo    string `json:"repo"`
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Author  string `json:"author"`
	HeadSHA string `json:"headSha,omitempty"`
	Branch  string `json:"branch,omitempty"`
}

// CommentContext remembers where a PR comment lives so a response can reply
// in place. Contexts carry the mapping key for mass deletion when the
// mapping is evicted. Path and Line are zero for top-level issue comments.
type CommentContext struct {
	CommentID int64  `json:"commentId"`
	Key       string `json:"key"`
	Author    string `json:"author"`
	Path      string `json:"path,omitempty"`
	Line      int    `json:"line,omitempty"`
}

// Bus event payloads.

// PRPayload is attached to pr.* events.
type PRPayload struct {
	Repo   string `json:"repo"`
	Number int    `json:"number"`
	Title  string `json:"title,omitempty"`
	Author string `json:"author,omitempty"`
	Action string `json:"action"`
}

// CommentPayload is attached to comment.* events.
type CommentPayload struct {
	Repo      string `json:"repo"`
	Number    int    `json:"number"`
	CommentID int64  `json:"commentId"`
	Author    string `json:"author"`
	Path      string `json:"path,omitempty"`
	Line      int    `json:"line,omitempty"`
	Body      string `json:"body,omitempty"`
}

// ReviewPayload is attached to review.submitted events.
type ReviewPayload struct {
	Repo     string `json:"repo"`
	Number   int    `json:"number"`
	ReviewID int64  `json:"reviewId"`
	State    string `json:"state"`
	Author   string `json:"author"`
}

// ResponsePayload is attached to response.posted events.
type ResponsePayload struct {
	Repo       string `json:"repo"`
	Number     int    `json:"number"`
	ResponseID int64  `json:"responseId,omitempty"`
	AsReply    bool   `json:"asReply"`
	Error      string `json:"error,omitempty"`
}

// Result is the outcome of handling one webhook delivery. Handled is false
// for deliveries the adapter cannot translate (unsupported event types or
// actions, malformed payloads); Err then explains.
type Result struct {
	Handled bool
	Event   *events.Event
	Err     error
}

// MappingKey builds the store key for a PR: "<owner>/<repo>#<number>".
func MappingKey(repo string, number int) string {
	return fmt.Sprintf("%s#%d", repo, number)
}
