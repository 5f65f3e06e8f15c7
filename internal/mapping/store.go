// Package mapping links external integration identifiers (a PR, a chat
// thread) to internal session ids. One Store instance exists per
// integration; each is bounded by a capacity cap and idle-evicted on a
// periodic cleaner.
package mapping

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentmux-dev/agentmux/internal/logger"
)

// Mapping ties one external key to a session.
type Mapping[E any] struct {
	Key            string    `json:"key"`
	SessionID      string    `json:"sessionId"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	Extra          E         `json:"extra"`
}

// Config bounds a mapping store. It is generic over the Extra payload so
// RetainStale and OnEvict see typed mappings.
type Config[E any] struct {
	// IdleTimeout evicts mappings whose last activity is older than this.
	IdleTimeout time.Duration
	// MaxMappings caps the store; inserting past the cap evicts the
	// least-recently-active entry.
	MaxMappings int
	// RetainStale, when set, exempts a mapping from idle eviction. Capacity
	// eviction removes the least-recently-active unretained mapping, and a
	// retained one only when every mapping is retained.
	RetainStale func(Mapping[E]) bool
	// OnEvict runs after a mapping is removed for any reason, outside the
	// store lock. Adapters use it to purge auxiliary context tables.
	OnEvict func(Mapping[E])
}

// Store is a bounded, idle-evicted map of external key → session mapping.
// Safe for concurrent use.
type Store[E any] struct {
	mu       sync.Mutex
	mappings map[string]*Mapping[E]
	cfg      Config[E]
	name     string
}

// NewStore creates a mapping store. name labels log lines.
func NewStore[E any](name string, cfg Config[E]) *Store[E] {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 24 * time.Hour
	}
	if cfg.MaxMappings <= 0 {
		cfg.MaxMappings = 1000
	}
	return &Store[E]{
		mappings: make(map[string]*Mapping[E]),
		cfg:      cfg,
		name:     name,
	}
}

// CreateOrGet returns the mapping for key, creating it when absent. The
// second return reports whether a new mapping was created. Existing mappings
// are refreshed.
func (s *Store[E]) CreateOrGet(key, sessionID string, extra E) (Mapping[E], bool) {
	var evicted []Mapping[E]

	s.mu.Lock()
	if m, ok := s.mappings[key]; ok {
		m.LastActivityAt = time.Now()
		cp := *m
		s.mu.Unlock()
		return cp, false
	}

	if len(s.mappings) >= s.cfg.MaxMappings {
		if victim := s.evictOldestLocked(); victim != nil {
			evicted = append(evicted, *victim)
		}
	}

	now := time.Now()
	m := &Mapping[E]{
		Key:            key,
		SessionID:      sessionID,
		CreatedAt:      now,
		LastActivityAt: now,
		Extra:          extra,
	}
	s.mappings[key] = m
	cp := *m
	s.mu.Unlock()

	s.notifyEvicted(evicted)
	logger.Mapping().Debug().Str("store", s.name).Str("key", key).Str("session_id", sessionID).Msg("Mapping created")
	return cp, true
}

// Get returns the mapping for key.
func (s *Store[E]) Get(key string) (Mapping[E], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mappings[key]
	if !ok {
		return Mapping[E]{}, false
	}
	return *m, true
}

// GetBySessionID returns the first mapping pointing at sessionID.
func (s *Store[E]) GetBySessionID(sessionID string) (Mapping[E], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.mappings {
		if m.SessionID == sessionID {
			return *m, true
		}
	}
	return Mapping[E]{}, false
}

// Touch refreshes a mapping's activity timestamp.
func (s *Store[E]) Touch(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mappings[key]
	if !ok {
		return false
	}
	m.LastActivityAt = time.Now()
	return true
}

// Update mutates a mapping's Extra in place under the store lock.
func (s *Store[E]) Update(key string, fn func(*E)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mappings[key]
	if !ok {
		return false
	}
	fn(&m.Extra)
	m.LastActivityAt = time.Now()
	return true
}

// Delete removes a mapping.
func (s *Store[E]) Delete(key string) bool {
	s.mu.Lock()
	m, ok := s.mappings[key]
	if ok {
		delete(s.mappings, key)
	}
	s.mu.Unlock()

	if ok {
		s.notifyEvicted([]Mapping[E]{*m})
	}
	return ok
}

// ForScope lists mappings whose key starts with scope, ordered by key.
// Integrations build keys as "<scope>#<local-id>" so a scope query returns
// e.g. every PR mapping for one repository.
func (s *Store[E]) ForScope(scope string) []Mapping[E] {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Mapping[E]
	for key, m := range s.mappings {
		if strings.HasPrefix(key, scope) {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// All lists every mapping, ordered by key.
func (s *Store[E]) All() []Mapping[E] {
	return s.ForScope("")
}

// Count returns the number of live mappings.
func (s *Store[E]) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mappings)
}

// CleanupStale evicts mappings idle for longer than the idle timeout and
// returns how many were removed. Mappings exempted by RetainStale survive.
func (s *Store[E]) CleanupStale() int {
	cutoff := time.Now().Add(-s.cfg.IdleTimeout)
	var evicted []Mapping[E]

	s.mu.Lock()
	for key, m := range s.mappings {
		if m.LastActivityAt.After(cutoff) {
			continue
		}
		if s.cfg.RetainStale != nil && s.cfg.RetainStale(*m) {
			continue
		}
		delete(s.mappings, key)
		evicted = append(evicted, *m)
	}
	s.mu.Unlock()

	s.notifyEvicted(evicted)
	if len(evicted) > 0 {
		logger.Mapping().Info().Str("store", s.name).Int("evicted", len(evicted)).Msg("Stale mappings evicted")
	}
	return len(evicted)
}

// CleanupOldest evicts a single mapping, chosen as evictOldestLocked
// describes.
func (s *Store[E]) CleanupOldest() bool {
	s.mu.Lock()
	victim := s.evictOldestLocked()
	s.mu.Unlock()

	if victim == nil {
		return false
	}
	s.notifyEvicted([]Mapping[E]{*victim})
	return true
}

// evictOldestLocked removes the unretained entry with the smallest
// LastActivityAt. When every entry is retained, the oldest retained entry
// goes instead, with a warning.
func (s *Store[E]) evictOldestLocked() *Mapping[E] {
	var victim *Mapping[E]
	retainedOnly := true
	for _, m := range s.mappings {
		if s.cfg.RetainStale != nil && s.cfg.RetainStale(*m) {
			continue
		}
		retainedOnly = false
		if victim == nil || m.LastActivityAt.Before(victim.LastActivityAt) {
			victim = m
		}
	}
	if victim == nil {
		// Fall back to evicting a retained entry to bound memory.
		for _, m := range s.mappings {
			if victim == nil || m.LastActivityAt.Before(victim.LastActivityAt) {
				victim = m
			}
		}
		if victim != nil && retainedOnly {
			logger.Mapping().Warn().Str("store", s.name).Str("key", victim.Key).
				Msg("Capacity eviction removed a retained mapping")
		}
	}
	if victim == nil {
		return nil
	}
	delete(s.mappings, victim.Key)
	cp := *victim
	return &cp
}

func (s *Store[E]) notifyEvicted(evicted []Mapping[E]) {
	if s.cfg.OnEvict == nil {
		return
	}
	for _, m := range evicted {
		s.cfg.OnEvict(m)
	}
}
