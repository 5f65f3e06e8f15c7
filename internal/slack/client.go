package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/agentmux-dev/agentmux/internal/events"
	"github.com/agentmux-dev/agentmux/internal/logger"
)

// ClientConfig holds outbound Slack Web API settings.
type ClientConfig struct {
	BaseURL    string
	BotToken   string
	Timeout    time.Duration
	MaxElapsed time.Duration
}

// Client posts messages through the Slack Web API. Transport failures, 5xx
// and 429 responses, and undecodable response bodies retry with bounded
// exponential backoff; an ok=false API response fails immediately.
type Client struct {
	cfg  ClientConfig
	http *http.Client
	bus  *events.Bus
}

// NewClient creates a Slack Web API client. The bus is optional; when set,
// each PostMessage call emits one response.posted after its retries end,
// carrying the error when the post failed.
func NewClient(cfg ClientConfig, bus *events.Bus) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://slack.com/api"
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
		bus:  bus,
	}
}

type postMessageResponse struct {
	OK    bool   `json:"ok"`
	Ts    string `json:"ts"`
	Error string `json:"error,omitempty"`
}

// PostMessage posts text into a channel, threaded under threadTs when set.
// Returns the posted message's ts.
func (c *Client) PostMessage(ctx context.Context, channelID, threadTs, text string) (string, error) {
	payload := map[string]string{
		"channel": channelID,
		"text":    text,
	}
	if threadTs != "" {
		payload["thread_ts"] = threadTs
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	var result postMessageResponse
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat.postMessage", bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
		req.Header.Set("Authorization", "Bearer "+c.cfg.BotToken)

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("slack api returned %d", resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return err
		}
		if !result.OK {
			return backoff.Permanent(fmt.Errorf("slack api error: %s", result.Error))
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = c.cfg.MaxElapsed
	err = backoff.Retry(operation, backoff.WithContext(policy, ctx))

	key := MappingKey(channelID, threadTs)
	payloadEvent := ResponsePayload{ChannelID: channelID, ThreadTs: threadTs, MessageTs: result.Ts}
	if err != nil {
		payloadEvent.Error = err.Error()
		logger.Integration().Warn().Err(err).Str("channel", channelID).Msg("Slack post failed")
	}
	if c.bus != nil {
		c.bus.Publish(events.NewScoped(events.ResponsePosted, key, payloadEvent))
	}

	if err != nil {
		return "", err
	}
	return result.Ts, nil
}
