package channels

import "time"

// ChatType classifies the conversation a message arrived in.
type ChatType string

const (
	ChatDM      ChatType = "dm"
	ChatGroup   ChatType = "group"
	ChatChannel ChatType = "channel"
)

// SessionStrategy is the policy by which messages are bucketed into
// upstream agent sessions.
type SessionStrategy string

const (
	StrategySingle     SessionStrategy = "single"
	StrategyPerUser    SessionStrategy = "per-user"
	StrategyPerThread  SessionStrategy = "per-thread"
	StrategyPerMessage SessionStrategy = "per-message"
)

// ChannelConfig is a hydrated configuration row for one bound chat surface.
// The engine treats it as immutable during processing; the only write-back
// path is the explicit model/agent switch persisted through the config store.
type ChannelConfig struct {
	ID             string
	Platform       string // "slack", "discord", "telegram", ...
	Name           string
	Enabled        bool
	TeamID         string            // platform team/application id for webhook demux
	Credentials    map[string]string // decrypted, shape known to the adapter
	PlatformConfig map[string]any    // opaque except for the named keys adapters read
	Metadata       map[string]any    // carries "model" = {providerID, modelID} when pinned
	Strategy       SessionStrategy
	SystemPrompt   string
	AgentName      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// PinnedModel reads the model pinned in config metadata, if any.
// Returns ok=false when the metadata is absent or malformed.
func (c *ChannelConfig) PinnedModel() (providerID, modelID string, ok bool) {
	raw, exists := c.Metadata["model"]
	if !exists {
		return "", "", false
	}
	m, isMap := raw.(map[string]any)
	if !isMap {
		return "", "", false
	}
	providerID, _ = m["providerID"].(string)
	modelID, _ = m["modelID"].(string)
	if providerID == "" || modelID == "" {
		return "", "", false
	}
	return providerID, modelID, true
}

// ChannelPrompt returns the channel-specific instruction block configured for
// a group id, if any ("channelPrompts" key in the platform config bag).
func (c *ChannelConfig) ChannelPrompt(groupID string) string {
	raw, ok := c.PlatformConfig["channelPrompts"]
	if !ok || groupID == "" {
		return ""
	}
	prompts, ok := raw.(map[string]any)
	if !ok {
		return ""
	}
	s, _ := prompts[groupID].(string)
	return s
}

// AttachmentType classifies an inbound attachment.
type AttachmentType string

const (
	AttachmentImage AttachmentType = "image"
	AttachmentAudio AttachmentType = "audio"
	AttachmentVideo AttachmentType = "video"
	AttachmentFile  AttachmentType = "file"
)

// Attachment is a media item carried by an inbound message.
type Attachment struct {
	Type     AttachmentType
	URL      string
	MimeType string
	Name     string
	Size     int64
}

// PlatformUser identifies the sender on the originating platform.
type PlatformUser struct {
	ID     string
	Name   string
	Avatar string
}

// ThreadContextEntry is one prior message rendered into the prompt when the
// inbound message belongs to a thread.
type ThreadContextEntry struct {
	Sender string
	Text   string
	IsBot  bool
}

// Overrides are per-message settings that beat the config-level values.
type Overrides struct {
	Model     *ModelRef
	AgentName string
}

// ModelRef names a provider/model pair.
type ModelRef struct {
	ProviderID string
	ModelID    string
}

// NormalizedMessage is the adapter-produced input to the engine. Adapters
// build one per platform event; the engine never mutates it.
type NormalizedMessage struct {
	ExternalID    string
	Platform      string
	ConfigID      string
	ChatType      ChatType
	Content       string
	Attachments   []Attachment
	User          PlatformUser
	ThreadID      string
	GroupID       string
	Mention       bool
	ThreadContext []ThreadContextEntry
	Overrides     *Overrides

	// Raw carries the platform payload back to the same adapter for reply
	// targeting (response URLs, channel ids, interaction tokens). Opaque to
	// the engine.
	Raw map[string]any
}

// AgentResponse is the final envelope delivered to an adapter.
type AgentResponse struct {
	Content    string
	SessionID  string
	Truncated  bool
	ModelName  string
	DurationMs int64
}

// FileOutput is a file produced during streaming or by the workspace diff
// scan. Content is nil until the engine downloads it.
type FileOutput struct {
	Name     string
	URL      string
	MimeType string
	Content  []byte
}

// PermissionRequest is an agent-originated prompt requiring a yes/no from
// the end user before the agent proceeds.
type PermissionRequest struct {
	ID          string
	Tool        string
	Description string
}
