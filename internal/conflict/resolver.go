// Package conflict implements optimistic concurrency control for versioned
// session state.
//
// A versioned State is a bag of named fields plus a monotonically increasing
// version. Writers submit partial updates stamped with the version they last
// saw (baseVersion); the Resolver decides whether the update applies, merges,
// or is rejected, according to the configured strategy.
//
// Conflict detection is per-field: the State records the version at which
// each field was last written, and an update key conflicts only when that
// field was rewritten after the update's baseVersion. A field nobody touched
// in the meantime merges cleanly even if the overall version moved on.
package conflict

import (
	"time"

	"github.com/agentmux-dev/agentmux/internal/events"
)

// Strategy selects the resolution policy for stale updates.
type Strategy string

const (
	// LastWriteWins applies stale updates wholesale.
	LastWriteWins Strategy = "last-write-wins"
	// Reject refuses any update whose baseVersion is stale.
	Reject Strategy = "reject"
	// Merge applies the non-conflicting subset of a stale update.
	Merge Strategy = "merge"
)

// ParseStrategy maps a config string to a Strategy, defaulting to
// last-write-wins for unknown values.
func ParseStrategy(s string) Strategy {
	switch Strategy(s) {
	case Reject:
		return Reject
	case Merge:
		return Merge
	default:
		return LastWriteWins
	}
}

// Config holds resolver settings.
type Config struct {
	Strategy           Strategy
	NonMergeableFields []string
	MaxVersionDrift    int
}

// DefaultConfig returns the standard resolver configuration.
func DefaultConfig() Config {
	return Config{
		Strategy:           LastWriteWins,
		NonMergeableFields: []string{"editLock"},
		MaxVersionDrift:    10,
	}
}

// Update is a partial write against a versioned State.
type Update struct {
	BaseVersion int            `json:"baseVersion"`
	Updates     map[string]any `json:"updates"`
	ClientID    string         `json:"clientId,omitempty"`
	Timestamp   time.Time      `json:"timestamp,omitempty"`
}

// Result reports the outcome of a Resolve call.
type Result struct {
	Applied           bool           `json:"applied"`
	Conflicted        bool           `json:"conflicted"`
	ConflictingFields []string       `json:"conflictingFields,omitempty"`
	MergedFields      []string       `json:"mergedFields,omitempty"`
	RejectedUpdates   map[string]any `json:"rejectedUpdates,omitempty"`
	Version           int            `json:"version"`
	Reason            string         `json:"reason,omitempty"`
}

// EventPayload is the payload attached to conflict.* events.
type EventPayload struct {
	ClientID          string   `json:"clientId,omitempty"`
	BaseVersion       int      `json:"baseVersion"`
	CurrentVersion    int      `json:"currentVersion"`
	Strategy          Strategy `json:"strategy"`
	ConflictingFields []string `json:"conflictingFields,omitempty"`
	MergedFields      []string `json:"mergedFields,omitempty"`
	Reason            string   `json:"reason,omitempty"`
}

// Resolver applies Updates to States under one Config. The bus is optional;
// a nil bus suppresses conflict.* events.
type Resolver struct {
	cfg Config
	bus *events.Bus
}

// NewResolver creates a resolver. Zero-valued config fields fall back to
// defaults.
func NewResolver(cfg Config, bus *events.Bus) *Resolver {
	if cfg.Strategy == "" {
		cfg.Strategy = LastWriteWins
	}
	if cfg.NonMergeableFields == nil {
		cfg.NonMergeableFields = []string{"editLock"}
	}
	if cfg.MaxVersionDrift == 0 {
		cfg.MaxVersionDrift = 10
	}
	return &Resolver{cfg: cfg, bus: bus}
}

// Config returns the resolver configuration.
func (r *Resolver) Config() Config {
	return r.cfg
}

// Resolve applies upd to st and reports the outcome. The caller must hold
// whatever serialization point guards st.
func (r *Resolver) Resolve(sessionID string, st *State, upd Update) Result {
	current := st.Version()

	// Fast path: the writer saw the latest version.
	if upd.BaseVersion == current {
		st.Commit(upd.Updates)
		res := Result{
			Applied:      true,
			MergedFields: keys(upd.Updates),
			Version:      st.Version(),
		}
		r.emit(events.ConflictResolved, sessionID, upd, current, res)
		return res
	}

	conflicting := st.conflictingFields(upd)
	r.emit(events.ConflictDetected, sessionID, upd, current, Result{ConflictingFields: conflicting})

	if current-upd.BaseVersion > r.cfg.MaxVersionDrift {
		res := Result{
			Conflicted:        true,
			ConflictingFields: conflicting,
			Version:           current,
			Reason:            "version drift exceeded",
		}
		r.emit(events.ConflictRejected, sessionID, upd, current, res)
		return res
	}

	switch r.cfg.Strategy {
	case Reject:
		res := Result{
			Conflicted:        true,
			ConflictingFields: conflicting,
			Version:           current,
			Reason:            "stale version rejected",
		}
		r.emit(events.ConflictRejected, sessionID, upd, current, res)
		return res

	case Merge:
		return r.merge(sessionID, st, upd, current, conflicting)

	default: // LastWriteWins
		st.Commit(upd.Updates)
		res := Result{
			Applied:           true,
			Conflicted:        true,
			ConflictingFields: conflicting,
			MergedFields:      keys(upd.Updates),
			Version:           st.Version(),
		}
		r.emit(events.ConflictResolved, sessionID, upd, current, res)
		return res
	}
}

// merge applies the non-conflicting subset of upd. A conflict on a
// non-mergeable field rejects the whole update. When every key conflicts the
// update degenerates to a no-op success: nothing merges, but the version
// still increments to record the attempted write.
func (r *Resolver) merge(sessionID string, st *State, upd Update, current int, conflicting []string) Result {
	for _, f := range conflicting {
		if r.nonMergeable(f) {
			res := Result{
				Conflicted:        true,
				ConflictingFields: conflicting,
				Version:           current,
				Reason:            "conflict on non-mergeable field " + f,
			}
			r.emit(events.ConflictRejected, sessionID, upd, current, res)
			return res
		}
	}

	conflictSet := make(map[string]bool, len(conflicting))
	for _, f := range conflicting {
		conflictSet[f] = true
	}

	merged := make(map[string]any)
	rejected := make(map[string]any)
	for k, v := range upd.Updates {
		if conflictSet[k] {
			rejected[k] = v
		} else {
			merged[k] = v
		}
	}

	st.Commit(merged)
	res := Result{
		Applied:           true,
		Conflicted:        true,
		ConflictingFields: conflicting,
		MergedFields:      keys(merged),
		Version:           st.Version(),
	}
	if len(rejected) > 0 {
		res.RejectedUpdates = rejected
	}
	r.emit(events.ConflictResolved, sessionID, upd, current, res)
	return res
}

func (r *Resolver) nonMergeable(field string) bool {
	for _, f := range r.cfg.NonMergeableFields {
		if f == field {
			return true
		}
	}
	return false
}

func (r *Resolver) emit(t events.Type, sessionID string, upd Update, current int, res Result) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.New(t, sessionID, EventPayload{
		ClientID:          upd.ClientID,
		BaseVersion:       upd.BaseVersion,
		CurrentVersion:    current,
		Strategy:          r.cfg.Strategy,
		ConflictingFields: res.ConflictingFields,
		MergedFields:      res.MergedFields,
		Reason:            res.Reason,
	}))
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
