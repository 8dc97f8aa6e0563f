package agent

// EventType tags a StreamEvent variant.
type EventType string

const (
	EventText       EventType = "text"
	EventFile       EventType = "file"
	EventPermission EventType = "permission"
	EventBusy       EventType = "busy"
	EventDone       EventType = "done"
	EventError      EventType = "error"
)

// StreamEvent is one typed event produced by the stream reader.
type StreamEvent struct {
	Type EventType

	// Text is the delta for EventText and the message for EventError.
	Text string

	// File is set for EventFile.
	File *FilePart

	// Permission is set for EventPermission.
	Permission *PermissionAsk
}

// FilePart describes a file the agent produced during a run.
type FilePart struct {
	Name     string
	URL      string
	MimeType string
}

// PermissionAsk is an agent-originated permission prompt.
type PermissionAsk struct {
	ID          string
	Tool        string
	Description string
}

// ModifiedFile is one entry from the workspace modified-files listing.
type ModifiedFile struct {
	Name string
	Path string
}

// ModelRef names a provider/model pair for a prompt.
type ModelRef struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// PromptFilePart is an inbound attachment forwarded to the agent alongside
// the prompt text.
type PromptFilePart struct {
	Type     string `json:"type"` // always "file"
	Mime     string `json:"mime"`
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

// PromptOptions tune one PromptStream call.
type PromptOptions struct {
	AgentName string
	Model     *ModelRef
	FileParts []PromptFilePart
}
