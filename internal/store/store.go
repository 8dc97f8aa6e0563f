// Package store defines the persistence boundary of the gateway: the
// channel configuration table and the append-only message log. Backends
// live in the sqlite and pg subpackages.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ConfigRow is one channel configuration as persisted. JSON columns are
// kept raw here; Hydrate turns a row into a channels.ChannelConfig.
type ConfigRow struct {
	ID             string
	Platform       string
	Name           string
	Enabled        bool
	TeamID         string // platform team/application id for webhook demux
	Credentials    string // JSON object, encrypted at rest when a key is set
	PlatformConfig string // JSON object
	Metadata       string // JSON object
	Strategy       string
	SystemPrompt   string
	AgentName      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ConfigStore is the channel configuration lookup used by the engine and
// the webhook layer.
type ConfigStore interface {
	// FindEnabledByID returns the enabled config with the given id, or nil.
	FindEnabledByID(ctx context.Context, id string) (*ConfigRow, error)

	// FindByTeamID returns the enabled config bound to a platform team or
	// application id, or nil. Used by webhook handlers to demultiplex.
	FindByTeamID(ctx context.Context, platform, teamID string) (*ConfigRow, error)

	// List returns all configs, enabled or not.
	List(ctx context.Context) ([]*ConfigRow, error)

	// Create inserts a config row.
	Create(ctx context.Context, row *ConfigRow) error

	// Update persists a partial change. Supported keys: name, enabled,
	// metadata, agent_name, system_prompt, strategy, platform_config.
	Update(ctx context.Context, id string, fields map[string]any) error

	// Delete removes a config row.
	Delete(ctx context.Context, id string) error
}

// Direction tags a message log row.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// MessageRow is one audit entry in the append-only message log.
type MessageRow struct {
	ID         uuid.UUID
	Direction  Direction
	ConfigID   string
	ExternalID string
	Content    string
	UserID     string
	UserName   string
	SessionID  string
	CreatedAt  time.Time
}

// MessageLog is the append-only audit writer. The core never reads it back.
type MessageLog interface {
	Append(ctx context.Context, row *MessageRow) error
}

// Stores bundles the storage backends for one gateway process.
type Stores struct {
	Configs  ConfigStore
	Messages MessageLog
}
