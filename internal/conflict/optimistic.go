package conflict

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PendingUpdate is an optimistic update awaiting server confirmation.
type PendingUpdate struct {
	ID        string    `json:"id"`
	Update    Update    `json:"update"`
	CreatedAt time.Time `json:"createdAt"`

	seq int
}

// OptimisticUpdater tracks updates a client has applied locally but the
// server has not yet confirmed. On reconnect the pending set is replayed in
// creation order.
type OptimisticUpdater struct {
	mu      sync.Mutex
	pending map[string]PendingUpdate
	nextSeq int
}

// NewOptimisticUpdater creates an empty updater.
func NewOptimisticUpdater() *OptimisticUpdater {
	return &OptimisticUpdater{
		pending: make(map[string]PendingUpdate),
	}
}

// Track registers an update and returns its generated id.
func (o *OptimisticUpdater) Track(upd Update) string {
	o.mu.Lock()
	defer o.mu.Unlock()

	id := uuid.New().String()
	o.nextSeq++
	o.pending[id] = PendingUpdate{
		ID:        id,
		Update:    upd,
		CreatedAt: time.Now(),
		seq:       o.nextSeq,
	}
	return id
}

// Confirm drops a confirmed update. Unknown ids are ignored.
func (o *OptimisticUpdater) Confirm(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.pending, id)
}

// Rollback removes and returns a pending update so the caller can undo it.
func (o *OptimisticUpdater) Rollback(id string) (Update, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	p, ok := o.pending[id]
	if !ok {
		return Update{}, false
	}
	delete(o.pending, id)
	return p.Update, true
}

// GetPending lists pending updates in creation order, for replay after a
// reconnect.
func (o *OptimisticUpdater) GetPending() []PendingUpdate {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]PendingUpdate, 0, len(o.pending))
	for _, p := range o.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].seq < out[j].seq
	})
	return out
}
