package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/agentmux-dev/agentmux/internal/events"
	"github.com/agentmux-dev/agentmux/internal/logger"
)

// Enqueue appends a prompt for a session member. Ordering is FIFO within a
// priority class; urgent runs before high before normal. Insertion is a
// stable promotion: a new prompt lands at the end of its class.
func (s *Store) Enqueue(sessionID, userID, content string, priority Priority) (Prompt, error) {
	agg, err := s.aggregate(sessionID)
	if err != nil {
		return Prompt{}, err
	}

	if priority == "" {
		priority = PriorityNormal
	}
	if !priority.Valid() {
		return Prompt{}, ErrInvalidPriority
	}

	agg.mu.Lock()
	defer agg.mu.Unlock()

	if _, ok := agg.users[userID]; !ok {
		return Prompt{}, ErrUserNotInSession
	}
	if len(agg.queue) >= s.cfg.MaxQueueSize {
		return Prompt{}, ErrQueueFull
	}

	prompt := &Prompt{
		PromptID: uuid.New().String(),
		UserID:   userID,
		Content:  content,
		Priority: priority,
		Status:   PromptQueuedStatus,
		QueuedAt: time.Now(),
	}

	// Insert before the first prompt of a lower class.
	pos := len(agg.queue)
	for i, p := range agg.queue {
		if p.Priority.rank() > priority.rank() {
			pos = i
			break
		}
	}
	agg.queue = append(agg.queue, nil)
	copy(agg.queue[pos+1:], agg.queue[pos:])
	agg.queue[pos] = prompt

	s.bus.Publish(events.New(events.PromptQueued, sessionID, copyPrompt(prompt)))
	return copyPrompt(prompt), nil
}

// StartNext promotes the queue head to executing. Returns nil when a prompt
// is already executing or the queue is empty. The promotion is atomic with
// respect to other mutators: nobody observes the head removed while
// executing is still unset.
func (s *Store) StartNext(sessionID string) (*Prompt, error) {
	agg, err := s.aggregate(sessionID)
	if err != nil {
		return nil, err
	}

	agg.mu.Lock()
	defer agg.mu.Unlock()

	if agg.executing != nil || len(agg.queue) == 0 {
		return nil, nil
	}

	prompt := agg.queue[0]
	agg.queue = agg.queue[1:]
	now := time.Now()
	prompt.Status = PromptExecutingStatus
	prompt.StartedAt = &now
	agg.executing = prompt

	agg.state.Commit(map[string]any{FieldAgentStatus: string(AgentExecuting)})

	s.bus.Publish(events.New(events.PromptStarted, sessionID, copyPrompt(prompt)))
	s.bus.Publish(events.New(events.StateChanged, sessionID, agg.stateSnapshot()))

	logger.Store().Debug().
		Str("session_id", sessionID).
		Str("prompt_id", prompt.PromptID).
		Msg("Prompt started")

	cp := copyPrompt(prompt)
	return &cp, nil
}

// Complete clears the executing prompt. Returns nil when nothing is
// executing.
func (s *Store) Complete(sessionID string) (*Prompt, error) {
	agg, err := s.aggregate(sessionID)
	if err != nil {
		return nil, err
	}

	agg.mu.Lock()
	defer agg.mu.Unlock()

	if agg.executing == nil {
		return nil, nil
	}

	prompt := agg.executing
	agg.executing = nil
	now := time.Now()
	prompt.Status = PromptCompletedStatus
	prompt.CompletedAt = &now

	agg.state.Commit(map[string]any{FieldAgentStatus: string(AgentIdle)})

	s.bus.Publish(events.New(events.PromptCompleted, sessionID, copyPrompt(prompt)))
	s.bus.Publish(events.New(events.StateChanged, sessionID, agg.stateSnapshot()))

	cp := copyPrompt(prompt)
	return &cp, nil
}

// Cancel removes a queued prompt. Only the prompt's owner, or a caller with
// the manage capability, may cancel. The executing prompt cannot be
// cancelled through the queue.
func (s *Store) Cancel(sessionID, promptID, userID string, asManager bool) error {
	agg, err := s.aggregate(sessionID)
	if err != nil {
		return err
	}

	agg.mu.Lock()
	defer agg.mu.Unlock()

	if agg.executing != nil && agg.executing.PromptID == promptID {
		return ErrPromptExecuting
	}

	idx := -1
	for i, p := range agg.queue {
		if p.PromptID == promptID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrPromptNotFound
	}

	prompt := agg.queue[idx]
	if prompt.UserID != userID && !asManager {
		return ErrNotPromptOwner
	}

	agg.queue = append(agg.queue[:idx], agg.queue[idx+1:]...)
	prompt.Status = PromptCancelledStatus

	s.bus.Publish(events.New(events.PromptCancelled, sessionID, copyPrompt(prompt)))
	return nil
}

// Reorder moves a queued prompt to newIndex, clamped to the queue bounds.
// The move never crosses a priority class: a target slot occupied by a
// different class fails. Ownership rules match Cancel.
func (s *Store) Reorder(sessionID, promptID, userID string, newIndex int, asManager bool) error {
	agg, err := s.aggregate(sessionID)
	if err != nil {
		return err
	}

	agg.mu.Lock()
	defer agg.mu.Unlock()

	idx := -1
	for i, p := range agg.queue {
		if p.PromptID == promptID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrPromptNotFound
	}

	prompt := agg.queue[idx]
	if prompt.UserID != userID && !asManager {
		return ErrNotPromptOwner
	}

	if newIndex < 0 {
		newIndex = 0
	}
	if newIndex > len(agg.queue)-1 {
		newIndex = len(agg.queue) - 1
	}
	if newIndex == idx {
		return nil
	}
	if agg.queue[newIndex].Priority != prompt.Priority {
		return ErrCrossClassReorder
	}

	agg.queue = append(agg.queue[:idx], agg.queue[idx+1:]...)
	agg.queue = append(agg.queue, nil)
	copy(agg.queue[newIndex+1:], agg.queue[newIndex:])
	agg.queue[newIndex] = prompt

	s.bus.Publish(events.New(events.PromptReordered, sessionID, ReorderPayload{
		Prompt:   copyPrompt(prompt),
		NewIndex: newIndex,
	}))
	return nil
}

// Queue returns the queued prompts in execution order.
func (s *Store) Queue(sessionID string) ([]Prompt, error) {
	snap, err := s.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return snap.Queue, nil
}

// Executing returns the currently executing prompt, if any.
func (s *Store) Executing(sessionID string) (*Prompt, error) {
	snap, err := s.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return snap.Executing, nil
}
