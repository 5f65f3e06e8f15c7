package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentmux-dev/agentmux/internal/auth"
	"github.com/agentmux-dev/agentmux/internal/cache"
	"github.com/agentmux-dev/agentmux/internal/conflict"
	"github.com/agentmux-dev/agentmux/internal/events"
	"github.com/agentmux-dev/agentmux/internal/middleware"
	"github.com/agentmux-dev/agentmux/internal/session"
	"github.com/agentmux-dev/agentmux/internal/validator"
)

// MultiplayerHandler serves the session control surface.
type MultiplayerHandler struct {
	store     *session.Store
	bus       *events.Bus
	cache     *cache.Cache
	sanitizer *middleware.Sanitizer
	startedAt time.Time
}

// NewMultiplayerHandler creates the control-surface handler. The cache is
// optional; when enabled, committed mutations invalidate cached snapshots
// through a bus subscription.
func NewMultiplayerHandler(store *session.Store, bus *events.Bus, snapshotCache *cache.Cache) *MultiplayerHandler {
	h := &MultiplayerHandler{
		store:     store,
		bus:       bus,
		cache:     snapshotCache,
		sanitizer: middleware.NewSanitizer(),
		startedAt: time.Now(),
	}
	if snapshotCache.IsEnabled() {
		bus.Subscribe(h.invalidate)
	}
	return h
}

// invalidate drops cached snapshots for any session that changed.
func (h *MultiplayerHandler) invalidate(ev events.Event) {
	if ev.SessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	h.cache.Delete(ctx, cache.SessionKey(ev.SessionID), cache.SessionListKey())
}

// respondError maps store errors onto the HTTP error taxonomy.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrClientNotFound),
		errors.Is(err, session.ErrPromptNotFound):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrNotPromptOwner),
		errors.Is(err, session.ErrLockNotHeld),
		errors.Is(err, session.ErrPromptExecuting):
		status = http.StatusForbidden
	case errors.Is(err, session.ErrSessionFull),
		errors.Is(err, session.ErrClientLimitReached):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrQueueFull):
		status = http.StatusTooManyRequests
	case errors.Is(err, session.ErrUserNotInSession),
		errors.Is(err, session.ErrCrossClassReorder),
		errors.Is(err, session.ErrInvalidPriority):
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// callerUserID prefers the authenticated identity over the one in the body.
func callerUserID(c *gin.Context, bodyUserID string) string {
	if id := auth.UserID(c); id != "" {
		return id
	}
	return bodyUserID
}

// Health reports liveness.
func (h *MultiplayerHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"sessions": h.store.Count(),
		"uptime":   time.Since(h.startedAt).String(),
	})
}

// CreateSession handles POST /multiplayer.
func (h *MultiplayerHandler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if !validator.BindAndValidate(c, &req) {
		return
	}

	snap := h.store.Create(session.CreateInput{
		ExternalSessionID: req.ExternalSessionID,
		SandboxID:         req.SandboxID,
		ConflictStrategy:  req.ConflictStrategy,
	})
	c.JSON(http.StatusCreated, snap)
}

// ListSessions handles GET /multiplayer.
func (h *MultiplayerHandler) ListSessions(c *gin.Context) {
	var cached []*session.Session
	if err := h.cache.Get(c.Request.Context(), cache.SessionListKey(), &cached); err == nil {
		c.JSON(http.StatusOK, cached)
		return
	}

	sessions := h.store.All()
	h.cache.Set(c.Request.Context(), cache.SessionListKey(), sessions)
	c.JSON(http.StatusOK, sessions)
}

// GetSession handles GET /multiplayer/:id.
func (h *MultiplayerHandler) GetSession(c *gin.Context) {
	id := c.Param("id")

	var cached session.Session
	if err := h.cache.Get(c.Request.Context(), cache.SessionKey(id), &cached); err == nil {
		c.JSON(http.StatusOK, &cached)
		return
	}

	snap, err := h.store.Get(id)
	if err != nil {
		respondError(c, err)
		return
	}
	h.cache.Set(c.Request.Context(), cache.SessionKey(id), snap)
	c.JSON(http.StatusOK, snap)
}

// DeleteSession handles DELETE /multiplayer/:id.
func (h *MultiplayerHandler) DeleteSession(c *gin.Context) {
	if err := h.store.Delete(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// Join handles POST /multiplayer/:id/join.
func (h *MultiplayerHandler) Join(c *gin.Context) {
	var req JoinRequest
	if !validator.BindAndValidate(c, &req) {
		return
	}

	user, err := h.store.Join(c.Param("id"), session.JoinInput{
		UserID: callerUserID(c, req.UserID),
		Name:   h.sanitizer.Clean(req.Name),
		Email:  req.Email,
		Avatar: req.Avatar,
		Color:  req.Color,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

// Leave handles POST /multiplayer/:id/leave.
func (h *MultiplayerHandler) Leave(c *gin.Context) {
	var req UserRequest
	if !validator.BindAndValidate(c, &req) {
		return
	}

	if err := h.store.Leave(c.Param("id"), callerUserID(c, req.UserID)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"left": true})
}

// Connect handles POST /multiplayer/:id/connect.
func (h *MultiplayerHandler) Connect(c *gin.Context) {
	var req ConnectRequest
	if !validator.BindAndValidate(c, &req) {
		return
	}

	client, err := h.store.Connect(c.Param("id"), session.ConnectInput{
		UserID: callerUserID(c, req.UserID),
		Type:   session.ClientType(req.Type),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, client)
}

// Disconnect handles POST /multiplayer/:id/disconnect.
func (h *MultiplayerHandler) Disconnect(c *gin.Context) {
	var req DisconnectRequest
	if !validator.BindAndValidate(c, &req) {
		return
	}

	if err := h.store.Disconnect(c.Param("id"), req.ClientID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disconnected": true})
}

// GetUsers handles GET /multiplayer/:id/users.
func (h *MultiplayerHandler) GetUsers(c *gin.Context) {
	users, err := h.store.GetUsers(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, users)
}

// GetClients handles GET /multiplayer/:id/clients.
func (h *MultiplayerHandler) GetClients(c *gin.Context) {
	clients, err := h.store.GetClients(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, clients)
}

// AcquireLock handles POST /multiplayer/:id/lock.
func (h *MultiplayerHandler) AcquireLock(c *gin.Context) {
	var req UserRequest
	if !validator.BindAndValidate(c, &req) {
		return
	}

	outcome, err := h.store.AcquireLock(c.Param("id"), callerUserID(c, req.UserID))
	if err != nil {
		respondError(c, err)
		return
	}
	switch outcome.Status {
	case session.LockAcquired:
		c.JSON(http.StatusOK, outcome)
	case session.LockAlreadyHeld:
		c.JSON(http.StatusConflict, outcome)
	case session.LockNotMember:
		c.JSON(http.StatusForbidden, outcome)
	}
}

// ReleaseLock handles DELETE /multiplayer/:id/lock.
func (h *MultiplayerHandler) ReleaseLock(c *gin.Context) {
	var req UserRequest
	if !validator.BindAndValidate(c, &req) {
		return
	}

	if err := h.store.ReleaseLock(c.Param("id"), callerUserID(c, req.UserID)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": true})
}

// UpdateCursor handles PUT /multiplayer/:id/cursor.
func (h *MultiplayerHandler) UpdateCursor(c *gin.Context) {
	var req CursorRequest
	if !validator.BindAndValidate(c, &req) {
		return
	}

	cursor := req.Cursor
	cursor.File = h.sanitizer.CleanTruncate(cursor.File, 1024)
	if err := h.store.UpdateCursor(c.Param("id"), callerUserID(c, req.UserID), cursor); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

// UpdateState handles POST/PUT /multiplayer/:id/state.
func (h *MultiplayerHandler) UpdateState(c *gin.Context) {
	var req StateUpdateRequest
	if !validator.BindAndValidate(c, &req) {
		return
	}

	result, err := h.store.UpdateState(c.Param("id"), conflict.Update{
		BaseVersion: req.BaseVersion,
		Updates:     req.Updates,
		ClientID:    req.ClientID,
		Timestamp:   time.Now(),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	if !result.Applied {
		// Optimistic rejection: the client refreshes to the returned version
		// and retries.
		c.JSON(http.StatusConflict, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Enqueue handles POST /multiplayer/:id/prompt.
func (h *MultiplayerHandler) Enqueue(c *gin.Context) {
	var req EnqueueRequest
	if !validator.BindAndValidate(c, &req) {
		return
	}

	prompt, err := h.store.Enqueue(
		c.Param("id"),
		callerUserID(c, req.UserID),
		h.sanitizer.Clean(req.Content),
		session.Priority(req.Priority),
	)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, prompt)
}

// GetQueue handles GET /multiplayer/:id/prompt.
func (h *MultiplayerHandler) GetQueue(c *gin.Context) {
	snap, err := h.store.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"queue":     snap.Queue,
		"executing": snap.Executing,
	})
}

// CancelPrompt handles DELETE /multiplayer/:id/prompt/:pid.
func (h *MultiplayerHandler) CancelPrompt(c *gin.Context) {
	userID := callerUserID(c, c.Query("userId"))
	err := h.store.Cancel(c.Param("id"), c.Param("pid"), userID, auth.IsManager(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

// ReorderPrompt handles POST /multiplayer/:id/prompt/:pid/reorder.
func (h *MultiplayerHandler) ReorderPrompt(c *gin.Context) {
	var req ReorderRequest
	if !validator.BindAndValidate(c, &req) {
		return
	}

	err := h.store.Reorder(
		c.Param("id"), c.Param("pid"),
		callerUserID(c, req.UserID), req.NewIndex, auth.IsManager(c),
	)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reordered": true})
}

// StartNext handles POST /multiplayer/:id/start. The agent runtime calls
// this to pull the next prompt.
func (h *MultiplayerHandler) StartNext(c *gin.Context) {
	prompt, err := h.store.StartNext(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if prompt == nil {
		c.JSON(http.StatusOK, gin.H{"prompt": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"prompt": prompt})
}

// CompletePrompt handles POST /multiplayer/:id/complete. The agent runtime
// reports execution finished.
func (h *MultiplayerHandler) CompletePrompt(c *gin.Context) {
	prompt, err := h.store.Complete(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if prompt == nil {
		c.JSON(http.StatusOK, gin.H{"prompt": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"prompt": prompt})
}
