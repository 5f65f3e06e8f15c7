package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/agentmux-dev/agentmux/internal/logger"
)

// ClientConfig holds outbound GitHub REST settings.
type ClientConfig struct {
	BaseURL string
	Token   string
	// Timeout bounds each HTTP attempt.
	Timeout time.Duration
	// MaxElapsed bounds the whole retry loop for one call.
	MaxElapsed time.Duration
}

// Client is a minimal GitHub REST client for the endpoints the responder
// needs. Transient failures (network errors, 5xx, 429) retry with bounded
// exponential backoff; other 4xx responses fail immediately.
type Client struct {
	cfg  ClientConfig
	http *http.Client
}

// CommentResult is the subset of GitHub's comment response the core records.
type CommentResult struct {
	ID      int64  `json:"id"`
	HTMLURL string `json:"html_url"`
}

// PullRequest is the subset of PR data exposed to callers.
type PullRequest struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	State   string `json:"state"`
	Merged  bool   `json:"merged"`
	HTMLURL string `json:"html_url"`
	Head    struct {
		SHA string `json:"sha"`
		Ref string `json:"ref"`
	} `json:"head"`
}

// NewClient creates a GitHub REST client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.github.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = 30 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// CreateIssueComment posts a top-level comment on a PR (issue endpoint).
func (c *Client) CreateIssueComment(ctx context.Context, repo string, number int, body string) (*CommentResult, error) {
	url := fmt.Sprintf("%s/repos/%s/issues/%d/comments", c.cfg.BaseURL, repo, number)
	return c.postComment(ctx, url, body)
}

// CreateReviewCommentReply posts a reply under an inline review comment.
func (c *Client) CreateReviewCommentReply(ctx context.Context, repo string, number int, commentID int64, body string) (*CommentResult, error) {
	url := fmt.Sprintf("%s/repos/%s/pulls/%d/comments/%d/replies", c.cfg.BaseURL, repo, number, commentID)
	return c.postComment(ctx, url, body)
}

// GetPullRequest fetches PR metadata.
func (c *Client) GetPullRequest(ctx context.Context, repo string, number int) (*PullRequest, error) {
	url := fmt.Sprintf("%s/repos/%s/pulls/%d", c.cfg.BaseURL, repo, number)

	var pr PullRequest
	err := c.do(ctx, http.MethodGet, url, nil, "", func(data []byte) error {
		return json.Unmarshal(data, &pr)
	})
	if err != nil {
		return nil, err
	}
	return &pr, nil
}

// GetDiff fetches the unified diff for a PR.
func (c *Client) GetDiff(ctx context.Context, repo string, number int) (string, error) {
	url := fmt.Sprintf("%s/repos/%s/pulls/%d", c.cfg.BaseURL, repo, number)

	var diff string
	err := c.do(ctx, http.MethodGet, url, nil, "application/vnd.github.v3.diff", func(data []byte) error {
		diff = string(data)
		return nil
	})
	return diff, err
}

func (c *Client) postComment(ctx context.Context, url, body string) (*CommentResult, error) {
	payload, err := json.Marshal(map[string]string{"body": body})
	if err != nil {
		return nil, err
	}

	var result CommentResult
	err = c.do(ctx, http.MethodPost, url, payload, "", func(data []byte) error {
		return json.Unmarshal(data, &result)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// permanentError marks a response that must not be retried.
type permanentError struct {
	status int
	body   string
}

func (e *permanentError) Error() string {
	return fmt.Sprintf("github api returned %d: %s", e.status, e.body)
}

func (c *Client) do(ctx context.Context, method, url string, payload []byte, accept string, decode func([]byte) error) error {
	operation := func() error {
		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/vnd.github+json")
		if accept != "" {
			req.Header.Set("Accept", accept)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.cfg.Token != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return decode(data)
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("github api returned %d", resp.StatusCode)
		default:
			return backoff.Permanent(&permanentError{status: resp.StatusCode, body: string(data)})
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = c.cfg.MaxElapsed
	err := backoff.Retry(operation, backoff.WithContext(policy, ctx))
	if err != nil {
		logger.Integration().Warn().Err(err).Str("url", url).Msg("GitHub API call failed")
	}
	return err
}
