package session

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmux-dev/agentmux/internal/conflict"
	"github.com/agentmux-dev/agentmux/internal/events"
	"github.com/agentmux-dev/agentmux/internal/logger"
)

// Config bounds session membership and queueing.
type Config struct {
	MaxUsersPerSession int
	MaxClientsPerUser  int
	MaxQueueSize       int
	Conflict           conflict.Config
}

// DefaultConfig returns the standard store limits.
func DefaultConfig() Config {
	return Config{
		MaxUsersPerSession: 10,
		MaxClientsPerUser:  5,
		MaxQueueSize:       100,
		Conflict:           conflict.DefaultConfig(),
	}
}

// aggregate is the live, mutable form of a session. All access goes through
// the aggregate mutex; the store hands out snapshots only.
type aggregate struct {
	mu sync.Mutex

	id         string
	externalID string
	sandboxID  string
	users      map[string]*User
	clients    map[string]*Client
	queue      []*Prompt
	executing  *Prompt
	state      *conflict.State
	resolver   *conflict.Resolver
	createdAt  time.Time
	colorNext  int
}

// Store is the authoritative session registry.
type Store struct {
	mu         sync.RWMutex
	sessions   map[string]*aggregate
	byExternal map[string]string

	cfg Config
	bus *events.Bus
}

// NewStore creates a session store publishing to bus.
func NewStore(cfg Config, bus *events.Bus) *Store {
	if cfg.MaxUsersPerSession <= 0 {
		cfg.MaxUsersPerSession = 10
	}
	if cfg.MaxClientsPerUser <= 0 {
		cfg.MaxClientsPerUser = 5
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 100
	}
	return &Store{
		sessions:   make(map[string]*aggregate),
		byExternal: make(map[string]string),
		cfg:        cfg,
		bus:        bus,
	}
}

// CreateInput configures a new session.
type CreateInput struct {
	ExternalSessionID string `json:"externalSessionId,omitempty"`
	SandboxID         string `json:"sandboxId,omitempty"`
	// ConflictStrategy overrides the store default for this session.
	ConflictStrategy string `json:"conflictStrategy,omitempty"`
}

// Create makes a new session, or returns the existing one when the caller's
// externalSessionID is already registered.
func (s *Store) Create(input CreateInput) *Session {
	s.mu.Lock()

	if input.ExternalSessionID != "" {
		if id, ok := s.byExternal[input.ExternalSessionID]; ok {
			agg := s.sessions[id]
			s.mu.Unlock()
			agg.mu.Lock()
			snap := agg.snapshot()
			agg.mu.Unlock()
			return snap
		}
	}

	id := uuid.New().String()
	externalID := input.ExternalSessionID
	if externalID == "" {
		externalID = id
	}

	resolverCfg := s.cfg.Conflict
	if input.ConflictStrategy != "" {
		resolverCfg.Strategy = conflict.ParseStrategy(input.ConflictStrategy)
	}

	agg := &aggregate{
		id:         id,
		externalID: externalID,
		sandboxID:  input.SandboxID,
		users:      make(map[string]*User),
		clients:    make(map[string]*Client),
		state: conflict.NewState(map[string]any{
			FieldGitSyncStatus: string(GitSyncPending),
			FieldAgentStatus:   string(AgentIdle),
		}),
		createdAt: time.Now(),
	}
	agg.resolver = conflict.NewResolver(resolverCfg, s.bus)

	s.sessions[id] = agg
	s.byExternal[externalID] = id
	s.mu.Unlock()

	agg.mu.Lock()
	snap := agg.snapshot()
	s.bus.Publish(events.New(events.SessionCreated, id, snap))
	agg.mu.Unlock()

	logger.Store().Info().Str("session_id", id).Str("external_id", externalID).Msg("Session created")
	return snap
}

// Delete removes a session entirely.
func (s *Store) Delete(sessionID string) error {
	s.mu.Lock()
	agg, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	delete(s.sessions, sessionID)
	delete(s.byExternal, agg.externalID)
	s.mu.Unlock()

	agg.mu.Lock()
	snap := agg.snapshot()
	s.bus.Publish(events.New(events.SessionDeleted, sessionID, snap))
	agg.mu.Unlock()

	logger.Store().Info().Str("session_id", sessionID).Msg("Session deleted")
	return nil
}

// JoinInput describes a joining user.
type JoinInput struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Email  string `json:"email,omitempty"`
	Avatar string `json:"avatar,omitempty"`
	Color  string `json:"color,omitempty"`
}

// Join adds a user to the session. Joining again with the same userID is
// idempotent and succeeds even when the session is at capacity.
func (s *Store) Join(sessionID string, input JoinInput) (User, error) {
	agg, err := s.aggregate(sessionID)
	if err != nil {
		return User{}, err
	}

	agg.mu.Lock()
	defer agg.mu.Unlock()

	if existing, ok := agg.users[input.UserID]; ok {
		return *existing, nil
	}
	if len(agg.users) >= s.cfg.MaxUsersPerSession {
		return User{}, ErrSessionFull
	}

	color := input.Color
	if color == "" {
		color = colorPalette[agg.colorNext%len(colorPalette)]
		agg.colorNext++
	}

	user := &User{
		UserID:   input.UserID,
		Name:     input.Name,
		Email:    input.Email,
		Avatar:   input.Avatar,
		Color:    color,
		JoinedAt: time.Now(),
	}
	agg.users[user.UserID] = user

	s.bus.Publish(events.New(events.UserJoined, sessionID, *user))
	return *user, nil
}

// Leave removes a user, their clients, and any edit lock they hold.
//
// Derived event order is fixed: client.disconnected for each of the user's
// clients, then lock.released when the lock was held, then user.left, then a
// single state.changed when the state actually changed.
func (s *Store) Leave(sessionID, userID string) error {
	agg, err := s.aggregate(sessionID)
	if err != nil {
		return err
	}

	agg.mu.Lock()
	defer agg.mu.Unlock()

	if _, ok := agg.users[userID]; !ok {
		return ErrUserNotInSession
	}

	// Drop the user's clients first.
	clientIDs := make([]string, 0)
	for id, c := range agg.clients {
		if c.UserID == userID {
			clientIDs = append(clientIDs, id)
		}
	}
	sort.Strings(clientIDs)
	for _, id := range clientIDs {
		delete(agg.clients, id)
		s.bus.Publish(events.New(events.ClientDisconnected, sessionID, ClientGonePayload{
			ClientID: id,
			UserID:   userID,
		}))
	}

	heldLock := agg.state.GetString(FieldEditLock) == userID
	if heldLock {
		agg.state.Commit(map[string]any{FieldEditLock: nil})
		s.bus.Publish(events.New(events.LockReleased, sessionID, LockPayload{UserID: userID}))
	}

	delete(agg.users, userID)
	s.bus.Publish(events.New(events.UserLeft, sessionID, UserLeftPayload{UserID: userID}))

	if heldLock {
		s.bus.Publish(events.New(events.StateChanged, sessionID, agg.stateSnapshot()))
	}

	logger.Store().Debug().Str("session_id", sessionID).Str("user_id", userID).Msg("User left session")
	return nil
}

// ConnectInput describes a new client connection.
type ConnectInput struct {
	UserID string     `json:"userId"`
	Type   ClientType `json:"type,omitempty"`
}

// Connect registers a client for a session member.
func (s *Store) Connect(sessionID string, input ConnectInput) (Client, error) {
	agg, err := s.aggregate(sessionID)
	if err != nil {
		return Client{}, err
	}

	agg.mu.Lock()
	defer agg.mu.Unlock()

	if _, ok := agg.users[input.UserID]; !ok {
		return Client{}, ErrUserNotInSession
	}

	count := 0
	for _, c := range agg.clients {
		if c.UserID == input.UserID {
			count++
		}
	}
	if count >= s.cfg.MaxClientsPerUser {
		return Client{}, ErrClientLimitReached
	}

	clientType := input.Type
	if clientType == "" {
		clientType = ClientWeb
	}

	now := time.Now()
	client := &Client{
		ClientID:     uuid.New().String(),
		UserID:       input.UserID,
		Type:         clientType,
		ConnectedAt:  now,
		LastActivity: now,
	}
	agg.clients[client.ClientID] = client

	s.bus.Publish(events.New(events.ClientConnected, sessionID, *client))
	return *client, nil
}

// Disconnect removes a client.
func (s *Store) Disconnect(sessionID, clientID string) error {
	agg, err := s.aggregate(sessionID)
	if err != nil {
		return err
	}

	agg.mu.Lock()
	defer agg.mu.Unlock()

	client, ok := agg.clients[clientID]
	if !ok {
		return ErrClientNotFound
	}
	delete(agg.clients, clientID)

	s.bus.Publish(events.New(events.ClientDisconnected, sessionID, ClientGonePayload{
		ClientID: clientID,
		UserID:   client.UserID,
	}))
	return nil
}

// UpdateCursor records a member's cursor position. Presence is not versioned:
// the state version does not change, but cursor.moved is emitted.
func (s *Store) UpdateCursor(sessionID, userID string, cursor Cursor) error {
	agg, err := s.aggregate(sessionID)
	if err != nil {
		return err
	}

	agg.mu.Lock()
	defer agg.mu.Unlock()

	user, ok := agg.users[userID]
	if !ok {
		return ErrUserNotInSession
	}
	c := cursor
	user.Cursor = &c

	for _, cl := range agg.clients {
		if cl.UserID == userID {
			cl.LastActivity = time.Now()
		}
	}

	s.bus.Publish(events.New(events.CursorMoved, sessionID, CursorPayload{
		UserID: userID,
		Cursor: cursor,
	}))
	return nil
}

// AcquireLock grants the edit lock when it is free.
func (s *Store) AcquireLock(sessionID, userID string) (LockOutcome, error) {
	agg, err := s.aggregate(sessionID)
	if err != nil {
		return LockOutcome{}, err
	}

	agg.mu.Lock()
	defer agg.mu.Unlock()

	if _, ok := agg.users[userID]; !ok {
		return LockOutcome{Status: LockNotMember}, nil
	}

	holder := agg.state.GetString(FieldEditLock)
	if holder != "" {
		return LockOutcome{Status: LockAlreadyHeld, Holder: holder}, nil
	}

	agg.state.Commit(map[string]any{FieldEditLock: userID})
	s.bus.Publish(events.New(events.LockAcquired, sessionID, LockPayload{UserID: userID}))
	s.bus.Publish(events.New(events.StateChanged, sessionID, agg.stateSnapshot()))

	return LockOutcome{Status: LockAcquired, Holder: userID}, nil
}

// ReleaseLock releases the edit lock. Only the holder may release.
func (s *Store) ReleaseLock(sessionID, userID string) error {
	agg, err := s.aggregate(sessionID)
	if err != nil {
		return err
	}

	agg.mu.Lock()
	defer agg.mu.Unlock()

	if agg.state.GetString(FieldEditLock) != userID {
		return ErrLockNotHeld
	}

	agg.state.Commit(map[string]any{FieldEditLock: nil})
	s.bus.Publish(events.New(events.LockReleased, sessionID, LockPayload{UserID: userID}))
	s.bus.Publish(events.New(events.StateChanged, sessionID, agg.stateSnapshot()))
	return nil
}

// CanEdit reports whether userID may edit: the lock is free or theirs.
func (s *Store) CanEdit(sessionID, userID string) bool {
	agg, err := s.aggregate(sessionID)
	if err != nil {
		return false
	}

	agg.mu.Lock()
	defer agg.mu.Unlock()

	holder := agg.state.GetString(FieldEditLock)
	return holder == "" || holder == userID
}

// UpdateState applies an optimistic partial update to the session state via
// the session's conflict resolver. A sandboxId field in an applied update is
// mirrored onto the session aggregate.
func (s *Store) UpdateState(sessionID string, upd conflict.Update) (conflict.Result, error) {
	agg, err := s.aggregate(sessionID)
	if err != nil {
		return conflict.Result{}, err
	}

	agg.mu.Lock()
	defer agg.mu.Unlock()

	res := agg.resolver.Resolve(sessionID, agg.state, upd)
	if res.Applied {
		for _, f := range res.MergedFields {
			if f == FieldSandboxID {
				agg.sandboxID = agg.state.GetString(FieldSandboxID)
			}
		}
		s.bus.Publish(events.New(events.StateChanged, sessionID, agg.stateSnapshot()))
	}
	return res, nil
}

// Get returns a session snapshot.
func (s *Store) Get(sessionID string) (*Session, error) {
	agg, err := s.aggregate(sessionID)
	if err != nil {
		return nil, err
	}
	agg.mu.Lock()
	defer agg.mu.Unlock()
	return agg.snapshot(), nil
}

// GetByExternalID resolves a client-visible session identifier.
func (s *Store) GetByExternalID(externalID string) (*Session, error) {
	s.mu.RLock()
	id, ok := s.byExternal[externalID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Get(id)
}

// All returns snapshots of every session, ordered by creation time.
func (s *Store) All() []*Session {
	s.mu.RLock()
	aggs := make([]*aggregate, 0, len(s.sessions))
	for _, agg := range s.sessions {
		aggs = append(aggs, agg)
	}
	s.mu.RUnlock()

	out := make([]*Session, 0, len(aggs))
	for _, agg := range aggs {
		agg.mu.Lock()
		out = append(out, agg.snapshot())
		agg.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// GetUsers lists session members.
func (s *Store) GetUsers(sessionID string) ([]User, error) {
	snap, err := s.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return snap.Users, nil
}

// GetClients lists connected clients.
func (s *Store) GetClients(sessionID string) ([]Client, error) {
	snap, err := s.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return snap.Clients, nil
}

// GetUser returns one member.
func (s *Store) GetUser(sessionID, userID string) (User, error) {
	agg, err := s.aggregate(sessionID)
	if err != nil {
		return User{}, err
	}
	agg.mu.Lock()
	defer agg.mu.Unlock()

	user, ok := agg.users[userID]
	if !ok {
		return User{}, ErrUserNotInSession
	}
	return *user, nil
}

// Count returns the number of live sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// aggregate looks up the live aggregate for a session id.
func (s *Store) aggregate(sessionID string) (*aggregate, error) {
	s.mu.RLock()
	agg, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return agg, nil
}

// snapshot deep-copies the aggregate. Caller holds agg.mu.
func (a *aggregate) snapshot() *Session {
	users := make([]User, 0, len(a.users))
	for _, u := range a.users {
		cp := *u
		if u.Cursor != nil {
			c := *u.Cursor
			cp.Cursor = &c
		}
		users = append(users, cp)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })

	clients := make([]Client, 0, len(a.clients))
	for _, c := range a.clients {
		clients = append(clients, *c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].ClientID < clients[j].ClientID })

	queue := make([]Prompt, 0, len(a.queue))
	for _, p := range a.queue {
		queue = append(queue, copyPrompt(p))
	}

	var executing *Prompt
	if a.executing != nil {
		cp := copyPrompt(a.executing)
		executing = &cp
	}

	return &Session{
		ID:                a.id,
		ExternalSessionID: a.externalID,
		SandboxID:         a.sandboxID,
		Users:             users,
		Clients:           clients,
		Queue:             queue,
		Executing:         executing,
		State:             a.stateSnapshot(),
		CreatedAt:         a.createdAt,
	}
}

// stateSnapshot converts the versioned state into its typed form. Caller
// holds agg.mu.
func (a *aggregate) stateSnapshot() State {
	snap := a.state.Snapshot()
	st := State{
		GitSyncStatus: GitSyncPending,
		AgentStatus:   AgentIdle,
	}
	for k, v := range snap {
		switch k {
		case "version":
			st.Version = v.(int)
		case FieldEditLock:
			if s, ok := v.(string); ok {
				st.EditLock = s
			}
		case FieldGitSyncStatus:
			if s, ok := v.(string); ok {
				st.GitSyncStatus = GitSyncStatus(s)
			}
		case FieldAgentStatus:
			if s, ok := v.(string); ok {
				st.AgentStatus = AgentStatus(s)
			}
		default:
			if st.Extra == nil {
				st.Extra = make(map[string]any)
			}
			st.Extra[k] = v
		}
	}
	return st
}

func copyPrompt(p *Prompt) Prompt {
	cp := *p
	if p.StartedAt != nil {
		t := *p.StartedAt
		cp.StartedAt = &t
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		cp.CompletedAt = &t
	}
	return cp
}
