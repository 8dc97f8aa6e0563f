package agent

import (
	"bufio"
	"encoding/json"
	"io"
	"mime"
	"path"
	"strings"
)

// Tool names whose completed output is surfaced to the user as a file.
var showTools = map[string]bool{
	"show":      true,
	"show_user": true,
	"show-user": true,
}

// streamReader turns the upstream SSE byte stream into StreamEvents for one
// session. It keeps per-stream state so deltas are attributed to assistant
// messages, tool outputs are emitted once, and an idle event only terminates
// the stream after some activity was observed.
type streamReader struct {
	sessionID string

	assistantMessageIDs map[string]bool
	processedToolCalls  map[string]bool
	sawBusy             bool
	gotText             bool
	sawPrimaryDelta     bool
}

func newStreamReader(sessionID string) *streamReader {
	return &streamReader{
		sessionID:           sessionID,
		assistantMessageIDs: make(map[string]bool),
		processedToolCalls:  make(map[string]bool),
	}
}

// upstream wire shapes; fields beyond these are ignored.

type upstreamEvent struct {
	Type       string     `json:"type"`
	Properties eventProps `json:"properties"`
}

type eventProps struct {
	SessionID   string        `json:"sessionID"`
	Info        *messageInfo  `json:"info"`
	Delta       string        `json:"delta"`
	Part        *messagePart  `json:"part"`
	ID          string        `json:"id"`
	RequestID   string        `json:"requestID"`
	Tool        string        `json:"tool"`
	ToolName    string        `json:"toolName"`
	Description string        `json:"description"`
	Message     string        `json:"message"`
	Status      *statusInfo   `json:"status"`
	Error       *sessionError `json:"error"`
}

type messageInfo struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	SessionID string `json:"sessionID"`
}

type messagePart struct {
	MessageID string     `json:"messageID"`
	SessionID string     `json:"sessionID"`
	Type      string     `json:"type"`
	Delta     string     `json:"delta"`
	Text      string     `json:"text"`
	Filename  string     `json:"filename"`
	URL       string     `json:"url"`
	MimeType  string     `json:"mime"`
	Tool      string     `json:"tool"`
	CallID    string     `json:"callID"`
	State     *toolState `json:"state"`
	Input     *toolInput `json:"input"`
}

type toolState struct {
	Status string     `json:"status"`
	Output string     `json:"output"`
	Input  *toolInput `json:"input"`
}

type toolInput struct {
	Type string `json:"type"`
	Path string `json:"path"`
}

type statusInfo struct {
	Type string `json:"type"`
}

type sessionError struct {
	Data struct {
		Message string `json:"message"`
	} `json:"data"`
}

// run reads the SSE stream until a terminal event or read error, sending
// typed events to emit. It returns nil on a clean terminal (done or
// session.error already emitted) and the read error otherwise.
func (r *streamReader) run(body io.Reader, emit func(StreamEvent) bool) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t\r")
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		var ev upstreamEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			continue // malformed JSON is skipped silently
		}

		events, terminal := r.handle(&ev)
		for _, out := range events {
			if !emit(out) {
				return nil // consumer gone
			}
		}
		if terminal {
			return nil
		}
	}
	return scanner.Err()
}

// handle applies one upstream event to the reader state. It returns the
// events to emit and whether the stream is finished.
func (r *streamReader) handle(ev *upstreamEvent) ([]StreamEvent, bool) {
	props := &ev.Properties

	if sid := eventSessionID(props); sid != "" && sid != r.sessionID {
		return nil, false
	}

	switch ev.Type {
	case "message.updated":
		if props.Info != nil && props.Info.Role == "assistant" {
			r.assistantMessageIDs[props.Info.ID] = true
		}

	case "message.part.delta":
		if props.Delta != "" {
			r.sawBusy = true
			r.gotText = true
			r.sawPrimaryDelta = true
			return []StreamEvent{{Type: EventText, Text: props.Delta}}, false
		}

	case "message.part.updated":
		return r.handlePartUpdated(props.Part)

	case "permission.asked", "permission.requested":
		return []StreamEvent{{Type: EventPermission, Permission: &PermissionAsk{
			ID:          firstNonEmpty(props.ID, props.RequestID),
			Tool:        firstNonEmpty(props.Tool, props.ToolName, "unknown"),
			Description: firstNonEmpty(props.Description, props.Message),
		}}}, false

	case "session.status":
		if props.Status != nil && props.Status.Type == "busy" {
			r.sawBusy = true
			return []StreamEvent{{Type: EventBusy}}, false
		}

	case "session.idle":
		// Idle before any activity is the previous prompt winding down, not
		// the end of ours.
		if r.sawBusy || r.gotText {
			return []StreamEvent{{Type: EventDone}}, true
		}

	case "session.error":
		msg := "unknown error"
		if props.Error != nil && props.Error.Data.Message != "" {
			msg = props.Error.Data.Message
		}
		return []StreamEvent{{Type: EventError, Text: msg}}, true
	}

	return nil, false
}

func (r *streamReader) handlePartUpdated(part *messagePart) ([]StreamEvent, bool) {
	if part == nil {
		return nil, false
	}

	switch part.Type {
	case "text":
		// Fallback delta path for agent versions that never emit
		// message.part.delta. Skipped once the primary path has been seen so
		// a delta is never counted twice.
		if r.sawPrimaryDelta || !r.assistantMessageIDs[part.MessageID] {
			return nil, false
		}
		if part.Delta != "" {
			r.gotText = true
			return []StreamEvent{{Type: EventText, Text: part.Delta}}, false
		}

	case "file":
		name := part.Filename
		if name == "" {
			name = "file"
		}
		return []StreamEvent{{Type: EventFile, File: &FilePart{
			Name:     name,
			URL:      part.URL,
			MimeType: part.MimeType,
		}}}, false

	case "tool":
		if part.State == nil || part.State.Status != "completed" {
			return nil, false
		}
		if !showTools[part.Tool] || r.processedToolCalls[part.CallID] {
			return nil, false
		}
		file := extractToolFile(part)
		if file == nil {
			return nil, false
		}
		r.processedToolCalls[part.CallID] = true
		return []StreamEvent{{Type: EventFile, File: file}}, false
	}

	return nil, false
}

// toolOutputEntry is the parsed shape of a show-tool's state.output JSON.
type toolOutputEntry struct {
	PublicURL string `json:"publicUrl"`
	Type      string `json:"type"`
	Path      string `json:"path"`
	FilePath  string `json:"filePath"`
}

// extractToolFile pulls a file reference out of a completed show-family tool
// call: the JSON output entry when present, else the tool input.
func extractToolFile(part *messagePart) *FilePart {
	var entry toolOutputEntry
	parsed := false
	if out := strings.TrimSpace(part.State.Output); out != "" {
		if err := json.Unmarshal([]byte(out), &entry); err == nil && (entry.PublicURL != "" || entry.Path != "" || entry.FilePath != "") {
			parsed = true
		} else {
			// Some agent versions wrap the entry in an array.
			var entries []toolOutputEntry
			if err := json.Unmarshal([]byte(out), &entries); err == nil {
				for _, e := range entries {
					if e.Type == "file" || e.Type == "image" {
						entry = e
						parsed = true
						break
					}
				}
			}
		}
	}

	itemType := entry.Type
	filePath := firstNonEmpty(entry.FilePath, entry.Path)
	publicURL := entry.PublicURL

	if !parsed {
		input := part.State.Input
		if input == nil {
			input = part.Input
		}
		if input == nil {
			return nil
		}
		itemType = input.Type
		filePath = input.Path
	}

	if itemType != "file" && itemType != "image" {
		return nil
	}

	url := firstNonEmpty(publicURL, filePath)
	if url == "" {
		return nil
	}

	name := path.Base(firstNonEmpty(filePath, publicURL))
	if idx := strings.IndexByte(name, '?'); idx >= 0 {
		name = name[:idx]
	}

	mimeType := ""
	if itemType == "image" {
		mimeType = mime.TypeByExtension(path.Ext(name))
	}

	return &FilePart{Name: name, URL: url, MimeType: mimeType}
}

// eventSessionID finds the session id an upstream event belongs to, checking
// the property locations the agent server uses.
func eventSessionID(props *eventProps) string {
	if props.SessionID != "" {
		return props.SessionID
	}
	if props.Info != nil && props.Info.SessionID != "" {
		return props.Info.SessionID
	}
	if props.Part != nil && props.Part.SessionID != "" {
		return props.Part.SessionID
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
