package conflict

// State is a versioned bag of fields. The version starts at zero and every
// committed write increments it by exactly one. Per-field write versions back
// the resolver's conflict detection.
//
// State is not self-synchronizing: the owning aggregate serializes access.
type State struct {
	version int
	fields  map[string]any
	writes  map[string]int
}

// NewState creates a State at version 0 with the given initial fields.
// Initial fields carry no write history, so they never conflict with the
// first optimistic update that touches them.
func NewState(initial map[string]any) *State {
	fields := make(map[string]any, len(initial))
	for k, v := range initial {
		fields[k] = v
	}
	return &State{
		fields: fields,
		writes: make(map[string]int),
	}
}

// Version returns the current version.
func (s *State) Version() int {
	return s.version
}

// Get returns a field value.
func (s *State) Get(key string) (any, bool) {
	v, ok := s.fields[key]
	return v, ok
}

// GetString returns a string field, or "" when unset or not a string.
func (s *State) GetString(key string) string {
	if v, ok := s.fields[key].(string); ok {
		return v
	}
	return ""
}

// Commit applies updates unconditionally, records the write version for each
// key, and increments the version by one. An empty update map still
// increments the version: the commit records that a write happened.
func (s *State) Commit(updates map[string]any) int {
	s.version++
	for k, v := range updates {
		if v == nil {
			delete(s.fields, k)
		} else {
			s.fields[k] = v
		}
		s.writes[k] = s.version
	}
	return s.version
}

// Snapshot returns a copy of the fields plus the version under the key
// "version".
func (s *State) Snapshot() map[string]any {
	out := make(map[string]any, len(s.fields)+1)
	for k, v := range s.fields {
		out[k] = v
	}
	out["version"] = s.version
	return out
}

// conflictingFields returns the update keys that were rewritten after the
// update's baseVersion. Keys absent from the state, and keys last written at
// or before baseVersion, do not conflict.
func (s *State) conflictingFields(upd Update) []string {
	var out []string
	for k := range upd.Updates {
		if k == "version" {
			continue
		}
		if _, present := s.fields[k]; !present {
			continue
		}
		if s.writes[k] > upd.BaseVersion {
			out = append(out, k)
		}
	}
	return out
}
