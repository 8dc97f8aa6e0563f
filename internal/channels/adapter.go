// Package channels defines the adapter contract between the dispatch engine
// and the platform implementations (Slack, Discord, Telegram), plus the
// normalized message types that cross that boundary.
//
// Required capabilities live on Adapter; optional capabilities are separate
// interfaces probed by type assertion. The engine must never invoke an
// optional capability without first checking the adapter implements it.
package channels

import (
	"context"
	"net/http"
	"sync"
)

// ConnectionType describes how an adapter receives platform events.
type ConnectionType string

const (
	ConnectionWebhook ConnectionType = "webhook"
	ConnectionGateway ConnectionType = "gateway"
)

// Capabilities describes the delivery surface of a platform.
type Capabilities struct {
	TextChunkLimit          int
	SupportsRichText        bool
	SupportsEditing         bool
	SupportsTypingIndicator bool
	SupportsAttachments     bool
	ConnectionType          ConnectionType
}

// ValidationResult is the outcome of a credential check.
type ValidationResult struct {
	Valid bool
	Error string
}

// Processor is the engine surface adapters call when a webhook decodes into
// a message. Adapters receive it via RegisterRoutes and must not store it.
type Processor interface {
	ProcessMessage(ctx context.Context, msg *NormalizedMessage)
}

// ConfigLookup resolves a hydrated config by id. Webhook handlers need it
// before the engine runs, to verify request signatures with the config's
// own credentials.
type ConfigLookup func(ctx context.Context, id string) (*ChannelConfig, error)

// Adapter is the required capability surface every platform implements.
type Adapter interface {
	// Type is the platform tag ("slack", "discord", "telegram").
	Type() string

	// Name is a human-readable platform name.
	Name() string

	// Capabilities reports the platform delivery surface.
	Capabilities() Capabilities

	// RegisterRoutes attaches the platform webhook routes to the host mux.
	// The engine is passed explicitly so the adapter never holds a reference.
	RegisterRoutes(mux *http.ServeMux, engine Processor)

	// SendResponse delivers the final text, respecting the chunk limit.
	SendResponse(ctx context.Context, cfg *ChannelConfig, msg *NormalizedMessage, resp *AgentResponse) error

	// ValidateCredentials checks a credentials bag. It may mutate the bag to
	// record derived fields (bot user id, team id).
	ValidateCredentials(ctx context.Context, creds map[string]string) ValidationResult
}

// TypingIndicator is the optional typing-indicator capability.
type TypingIndicator interface {
	SendTypingIndicator(ctx context.Context, cfg *ChannelConfig, msg *NormalizedMessage) error
	RemoveTypingIndicator(ctx context.Context, cfg *ChannelConfig, msg *NormalizedMessage) error
}

// Reactor is the optional status-reaction capability.
type Reactor interface {
	ReactComplete(ctx context.Context, cfg *ChannelConfig, msg *NormalizedMessage) error
	ReactError(ctx context.Context, cfg *ChannelConfig, msg *NormalizedMessage) error
	ReactFilesChanged(ctx context.Context, cfg *ChannelConfig, msg *NormalizedMessage) error
}

// FileSender is the optional file-delivery capability.
type FileSender interface {
	SendFiles(ctx context.Context, cfg *ChannelConfig, msg *NormalizedMessage, files []FileOutput) error
}

// PermissionPrompter is the optional interactive-permission capability. The
// engine skips the permission path entirely when the adapter lacks it.
type PermissionPrompter interface {
	SendPermissionRequest(ctx context.Context, cfg *ChannelConfig, msg *NormalizedMessage, req PermissionRequest) error
}

// Lifecycle is the optional channel-lifecycle notification capability.
type Lifecycle interface {
	OnChannelCreated(ctx context.Context, cfg *ChannelConfig) error
	OnChannelRemoved(ctx context.Context, cfg *ChannelConfig) error
}

// Registry holds the adapters known to the gateway, keyed by platform tag.
// Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its platform tag, replacing any previous one.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Type()] = a
}

// Get returns the adapter for a platform tag, or nil.
func (r *Registry) Get(platform string) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters[platform]
}

// All returns the registered adapters in unspecified order.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	return out
}
