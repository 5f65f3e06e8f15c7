package handlers

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/agentmux-dev/agentmux/internal/github"
	"github.com/agentmux-dev/agentmux/internal/logger"
	"github.com/agentmux-dev/agentmux/internal/slack"
	"github.com/agentmux-dev/agentmux/internal/validator"
)

// WebhookHandler receives GitHub and Slack webhook deliveries and exposes
// the response-posting endpoints the agent runtime calls.
type WebhookHandler struct {
	github    *github.Adapter
	responder *github.Responder
	slack     *slack.Adapter
	slackPost *slack.Client
}

// NewWebhookHandler creates the webhook receiver.
func NewWebhookHandler(gh *github.Adapter, responder *github.Responder, sl *slack.Adapter, slackPost *slack.Client) *WebhookHandler {
	return &WebhookHandler{
		github:    gh,
		responder: responder,
		slack:     sl,
		slackPost: slackPost,
	}
}

// GitHubWebhook handles POST /webhook/github.
func (h *WebhookHandler) GitHubWebhook(c *gin.Context) {
	eventType := c.GetHeader("X-GitHub-Event")
	if eventType == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing X-GitHub-Event header"})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	if !h.github.VerifySignature(body, c.GetHeader("X-Hub-Signature-256")) {
		logger.Webhook().Warn().Str("event", eventType).Msg("GitHub signature verification failed")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook signature"})
		return
	}

	result := h.github.Handle(eventType, body)
	if !result.Handled {
		msg := "unsupported event"
		if result.Err != nil {
			msg = result.Err.Error()
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}

	resp := gin.H{"ok": true}
	if result.Event != nil {
		resp["event"] = result.Event.Type
	}
	c.JSON(http.StatusOK, resp)
}

// GitHubMappings handles GET /webhook/github/mappings (operations
// debugging).
func (h *WebhookHandler) GitHubMappings(c *gin.Context) {
	mappings := h.github.Mappings().All()
	keys := make([]string, 0, len(mappings))
	for _, m := range mappings {
		keys = append(keys, m.Key)
	}
	c.JSON(http.StatusOK, gin.H{"count": len(mappings), "keys": keys})
}

// GitHubRespond handles POST /webhook/github/respond.
func (h *WebhookHandler) GitHubRespond(c *gin.Context) {
	var req RespondRequest
	if !validator.BindAndValidate(c, &req) {
		return
	}

	responseID, err := h.responder.Respond(c.Request.Context(), github.RespondInput{
		CommentID: req.CommentID,
		Summary:   req.Summary,
		CommitSHA: req.CommitSHA,
		AsReply:   req.AsReply,
	})
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"responseId": responseID})
}

// SlackEvents handles POST /webhook/slack/events.
func (h *WebhookHandler) SlackEvents(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	if !h.slack.VerifySignature(body, c.GetHeader("X-Slack-Request-Timestamp"), c.GetHeader("X-Slack-Signature")) {
		logger.Webhook().Warn().Msg("Slack signature verification failed")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook signature"})
		return
	}

	result := h.slack.HandleEvent(body)
	if result.Challenge != "" {
		c.JSON(http.StatusOK, gin.H{"challenge": result.Challenge})
		return
	}
	if !result.Handled {
		msg := "unsupported event"
		if result.Err != nil {
			msg = result.Err.Error()
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}

	resp := gin.H{"ok": true}
	if result.Event != nil {
		resp["event"] = result.Event.Type
	}
	c.JSON(http.StatusOK, resp)
}

// SlackInteractions handles POST /webhook/slack/interactions. Slack posts
// either form-encoded with a "payload" field, or raw JSON.
func (h *WebhookHandler) SlackInteractions(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	if !h.slack.VerifySignature(body, c.GetHeader("X-Slack-Request-Timestamp"), c.GetHeader("X-Slack-Signature")) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook signature"})
		return
	}

	payload := body
	if strings.HasPrefix(c.ContentType(), "application/x-www-form-urlencoded") {
		values, err := parseForm(string(body))
		if err != nil || values.Get("payload") == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing payload field"})
			return
		}
		payload = []byte(values.Get("payload"))
	}

	result := h.slack.HandleInteraction(payload)
	if !result.Handled {
		msg := "unsupported interaction"
		if result.Err != nil {
			msg = result.Err.Error()
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// SlackThreads handles GET /webhook/slack/threads.
func (h *WebhookHandler) SlackThreads(c *gin.Context) {
	threads := h.slack.Threads().All()
	keys := make([]string, 0, len(threads))
	for _, m := range threads {
		keys = append(keys, m.Key)
	}
	c.JSON(http.StatusOK, gin.H{"count": len(threads), "keys": keys})
}

// SlackRespond handles POST /webhook/slack/respond.
func (h *WebhookHandler) SlackRespond(c *gin.Context) {
	var req SlackRespondRequest
	if !validator.BindAndValidate(c, &req) {
		return
	}

	ts, err := h.slackPost.PostMessage(c.Request.Context(), req.ChannelID, req.ThreadTs, req.Text)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messageTs": ts})
}
