// Package permissions holds pending agent permission prompts until the end
// user answers from a chat platform, or until they time out.
//
// The registry is process-wide: the webhook handler that receives the user's
// click has to find the pending entry without holding a reference to the
// engine instance that created it.
package permissions

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultTimeout is how long a pending permission waits for a user reply
// before resolving as rejected.
const DefaultTimeout = 5 * time.Minute

type pending struct {
	ch    chan bool
	timer *time.Timer
}

// Registry maps permission ids to pending completions. Safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*pending
	timeout time.Duration
}

// NewRegistry creates a Registry with the given reply timeout. A zero
// timeout uses DefaultTimeout.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Registry{
		entries: make(map[string]*pending),
		timeout: timeout,
	}
}

// Default is the process-wide registry used by webhook handlers.
var Default = NewRegistry(DefaultTimeout)

// Create registers a pending permission and returns a channel that yields
// the approval exactly once: true/false from a user reply, or false on
// timeout. Creating an id that is already pending replaces the old entry,
// which resolves as rejected.
func (r *Registry) Create(id string) <-chan bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.entries[id]; ok {
		old.timer.Stop()
		old.ch <- false
		delete(r.entries, id)
	}

	p := &pending{ch: make(chan bool, 1)}
	p.timer = time.AfterFunc(r.timeout, func() {
		if r.expire(id, p) {
			slog.Warn("permission timed out", "id", id)
		}
	})
	r.entries[id] = p
	return p.ch
}

// Reply resolves a pending permission. Returns false when no entry exists
// (already answered, timed out, or never created); a second Reply for the
// same id is a no-op.
func (r *Registry) Reply(id string, approved bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.entries[id]
	if !ok {
		return false
	}
	p.timer.Stop()
	p.ch <- approved
	delete(r.entries, id)
	return true
}

// IsPending reports whether an id is still awaiting a reply.
func (r *Registry) IsPending(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	return ok
}

// PendingCount returns the number of outstanding permissions.
func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// expire resolves a timed-out entry as rejected. Returns false when the
// entry was already answered (timer fired concurrently with Reply).
func (r *Registry) expire(id string, p *pending) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.entries[id]
	if !ok || cur != p {
		return false
	}
	p.ch <- false
	delete(r.entries, id)
	return true
}
