package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/chatbridge/internal/channels"
)

// DefaultIdleTTL is how long an unused session stays resolvable.
const DefaultIdleTTL = time.Hour

// Creator is the slice of the agent client the registry needs.
type Creator interface {
	CreateSession(ctx context.Context, agentName string) (string, error)
}

// Entry is one cached upstream session.
type Entry struct {
	SessionID  string
	CreatedAt  time.Time
	LastUsedAt time.Time
}

// Registry caches upstream session ids by composite key. Safe for
// concurrent use; expected to stay small (bounded by active users).
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry
	idleTTL time.Duration
	now     func() time.Time
}

// NewRegistry creates a Registry. A zero TTL uses DefaultIdleTTL.
func NewRegistry(idleTTL time.Duration) *Registry {
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	return &Registry{
		entries: make(map[string]*Entry),
		idleTTL: idleTTL,
		now:     time.Now,
	}
}

// Resolve returns the session id for a message, creating an upstream
// session when none is cached or the cached one went idle past the TTL.
// A failed create propagates the error and caches nothing.
func (r *Registry) Resolve(ctx context.Context, cfg *channels.ChannelConfig, msg *channels.NormalizedMessage, client Creator) (string, error) {
	key := Key(cfg.Strategy, cfg.ID, msg)

	r.mu.Lock()
	if e, ok := r.entries[key]; ok && r.now().Sub(e.LastUsedAt) < r.idleTTL {
		e.LastUsedAt = r.now()
		id := e.SessionID
		r.mu.Unlock()
		return id, nil
	}
	r.mu.Unlock()

	agentName := cfg.AgentName
	if msg.Overrides != nil && msg.Overrides.AgentName != "" {
		agentName = msg.Overrides.AgentName
	}

	id, err := client.CreateSession(ctx, agentName)
	if err != nil {
		return "", fmt.Errorf("resolve session %s: %w", key, err)
	}

	now := r.now()
	r.mu.Lock()
	r.entries[key] = &Entry{SessionID: id, CreatedAt: now, LastUsedAt: now}
	r.mu.Unlock()

	slog.Debug("session created", "key", key, "session_id", id)
	return id, nil
}

// Invalidate drops the cached session for a message's key.
func (r *Registry) Invalidate(cfg *channels.ChannelConfig, msg *channels.NormalizedMessage) {
	key := Key(cfg.Strategy, cfg.ID, msg)
	r.mu.Lock()
	delete(r.entries, key)
	r.mu.Unlock()
}

// ActiveSessionID returns the most recently used session whose key belongs
// to the given config and contains the user id. Used by slash-command
// status displays; scans the map, which stays small.
func (r *Registry) ActiveSessionID(configID, userID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *Entry
	prefix := configID + ":"
	for key, e := range r.entries {
		if key != configID && !strings.HasPrefix(key, prefix) {
			continue
		}
		if userID != "" && !strings.Contains(key, userID) {
			continue
		}
		if best == nil || e.LastUsedAt.After(best.LastUsedAt) {
			best = e
		}
	}
	if best == nil {
		return ""
	}
	return best.SessionID
}

// Cleanup removes entries idle for more than twice the TTL.
func (r *Registry) Cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-2 * r.idleTTL)
	for key, e := range r.entries {
		if e.LastUsedAt.Before(cutoff) {
			delete(r.entries, key)
		}
	}
}

// Len reports the number of cached sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
