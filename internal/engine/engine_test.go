package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/chatbridge/internal/agent"
	"github.com/nextlevelbuilder/chatbridge/internal/channels"
	"github.com/nextlevelbuilder/chatbridge/internal/permissions"
	"github.com/nextlevelbuilder/chatbridge/internal/queue"
	"github.com/nextlevelbuilder/chatbridge/internal/sessions"
	"github.com/nextlevelbuilder/chatbridge/internal/store"
)

// fakeAgentServer scripts the upstream agent: health, session creation, the
// SSE event feed, prompt posts, permission replies and the file surface.
type fakeAgentServer struct {
	t  *testing.T
	ts *httptest.Server

	ready        atomic.Bool
	healthProbes atomic.Int32
	statusCalls  atomic.Int32

	promptArrived chan struct{}
	promptOnce    sync.Once

	mu          sync.Mutex
	script      []string // SSE data payloads, written on /event
	prompts     []map[string]any
	permReplies []permReply
	fileStatus  []string          // modified paths returned on /file/status
	fileContent map[string]string // path -> content
	pathsTried  []string
	shared      []string
	aborted     []string
}

type permReply struct {
	ID       string
	Approved bool
}

func newFakeAgent(t *testing.T) *fakeAgentServer {
	f := &fakeAgentServer{t: t, fileContent: map[string]string{}, promptArrived: make(chan struct{})}
	f.ready.Store(true)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /global/health", func(w http.ResponseWriter, r *http.Request) {
		f.healthProbes.Add(1)
		if !f.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /session", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "sess-1"})
	})
	mux.HandleFunc("GET /event", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		w.WriteHeader(http.StatusOK)
		fl.Flush()
		// The real server only emits lifecycle events once a prompt is in
		// flight; replaying the script before the prompt_async POST lands
		// would race the stream teardown against the post.
		select {
		case <-f.promptArrived:
		case <-r.Context().Done():
			return
		case <-time.After(2 * time.Second):
		}
		f.mu.Lock()
		lines := append([]string(nil), f.script...)
		f.mu.Unlock()
		for _, l := range lines {
			fmt.Fprintf(w, "data: %s\n\n", l)
			fl.Flush()
		}
	})
	mux.HandleFunc("POST /session/{id}/prompt_async", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.prompts = append(f.prompts, body)
		f.mu.Unlock()
		f.promptOnce.Do(func() { close(f.promptArrived) })
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /permission/{id}/reply", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Approved bool `json:"approved"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.permReplies = append(f.permReplies, permReply{ID: r.PathValue("id"), Approved: body.Approved})
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /global/providers", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{
			{"id": "anthropic", "name": "Anthropic", "models": []string{"large", "small"}},
		})
	})
	mux.HandleFunc("GET /global/agents", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]string{"general", "coder"})
	})
	mux.HandleFunc("POST /session/{id}/share", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.shared = append(f.shared, r.PathValue("id"))
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"url": "https://share.example/s/abc"})
	})
	mux.HandleFunc("POST /session/{id}/abort", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.aborted = append(f.aborted, r.PathValue("id"))
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /file/status", func(w http.ResponseWriter, r *http.Request) {
		n := f.statusCalls.Add(1)
		f.mu.Lock()
		paths := append([]string(nil), f.fileStatus...)
		f.mu.Unlock()
		// The pre-stream snapshot sees an empty workspace.
		if n == 1 {
			paths = nil
		}
		entries := make([]map[string]string, 0, len(paths))
		for _, p := range paths {
			entries = append(entries, map[string]string{"path": p})
		}
		json.NewEncoder(w).Encode(entries)
	})
	mux.HandleFunc("GET /file/content", func(w http.ResponseWriter, r *http.Request) {
		p := r.URL.Query().Get("path")
		f.mu.Lock()
		f.pathsTried = append(f.pathsTried, p)
		content, ok := f.fileContent[p]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"content": content})
	})

	f.ts = httptest.NewServer(mux)
	t.Cleanup(f.ts.Close)
	return f
}

func (f *fakeAgentServer) setScript(lines ...string) {
	f.mu.Lock()
	f.script = lines
	f.mu.Unlock()
}

func (f *fakeAgentServer) replies() []permReply {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]permReply(nil), f.permReplies...)
}

func (f *fakeAgentServer) promptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

// SSE payload builders for session sess-1.

func sseBusy() string {
	return `{"type":"session.status","properties":{"sessionID":"sess-1","status":{"type":"busy"}}}`
}

func sseDelta(text string) string {
	return fmt.Sprintf(`{"type":"message.part.delta","properties":{"sessionID":"sess-1","delta":%q}}`, text)
}

func sseIdle() string {
	return `{"type":"session.idle","properties":{"sessionID":"sess-1"}}`
}

func ssePermission(id, tool string) string {
	return fmt.Sprintf(`{"type":"permission.asked","properties":{"sessionID":"sess-1","id":%q,"tool":%q,"description":"needs approval"}}`, id, tool)
}

func sseError(msg string) string {
	return fmt.Sprintf(`{"type":"session.error","properties":{"sessionID":"sess-1","error":{"data":{"message":%q}}}}`, msg)
}

func sseFile(name, url string) string {
	return fmt.Sprintf(`{"type":"message.part.updated","properties":{"part":{"sessionID":"sess-1","type":"file","filename":%q,"url":%q}}}`, name, url)
}

// fakeAdapter records every capability call.
type fakeAdapter struct {
	mu             sync.Mutex
	responses      []*channels.AgentResponse
	fileBatches    [][]channels.FileOutput
	completes      int
	errors         int
	filesChanged   int
	typingAdds     atomic.Int32
	typingRemoves  atomic.Int32
	permRequests   chan channels.PermissionRequest
	failPermission bool
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{permRequests: make(chan channels.PermissionRequest, 4)}
}

func (a *fakeAdapter) Type() string { return "slack" }
func (a *fakeAdapter) Name() string { return "Slack" }
func (a *fakeAdapter) Capabilities() channels.Capabilities {
	return channels.Capabilities{TextChunkLimit: 4000, ConnectionType: channels.ConnectionWebhook}
}
func (a *fakeAdapter) RegisterRoutes(*http.ServeMux, channels.Processor) {}
func (a *fakeAdapter) ValidateCredentials(context.Context, map[string]string) channels.ValidationResult {
	return channels.ValidationResult{Valid: true}
}

func (a *fakeAdapter) SendResponse(_ context.Context, _ *channels.ChannelConfig, _ *channels.NormalizedMessage, resp *channels.AgentResponse) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.responses = append(a.responses, resp)
	return nil
}

func (a *fakeAdapter) SendFiles(_ context.Context, _ *channels.ChannelConfig, _ *channels.NormalizedMessage, files []channels.FileOutput) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fileBatches = append(a.fileBatches, files)
	return nil
}

func (a *fakeAdapter) SendTypingIndicator(context.Context, *channels.ChannelConfig, *channels.NormalizedMessage) error {
	a.typingAdds.Add(1)
	return nil
}

func (a *fakeAdapter) RemoveTypingIndicator(context.Context, *channels.ChannelConfig, *channels.NormalizedMessage) error {
	a.typingRemoves.Add(1)
	return nil
}

func (a *fakeAdapter) ReactComplete(context.Context, *channels.ChannelConfig, *channels.NormalizedMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.completes++
	return nil
}

func (a *fakeAdapter) ReactError(context.Context, *channels.ChannelConfig, *channels.NormalizedMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errors++
	return nil
}

func (a *fakeAdapter) ReactFilesChanged(context.Context, *channels.ChannelConfig, *channels.NormalizedMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.filesChanged++
	return nil
}

func (a *fakeAdapter) SendPermissionRequest(_ context.Context, _ *channels.ChannelConfig, _ *channels.NormalizedMessage, req channels.PermissionRequest) error {
	if a.failPermission {
		return fmt.Errorf("delivery failed")
	}
	a.permRequests <- req
	return nil
}

func (a *fakeAdapter) snapshot() (responses []*channels.AgentResponse, completes, errs, filesChanged int, batches [][]channels.FileOutput) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*channels.AgentResponse(nil), a.responses...), a.completes, a.errors, a.filesChanged, append([][]channels.FileOutput(nil), a.fileBatches...)
}

// In-memory store fakes.

type memConfigs struct {
	mu   sync.Mutex
	rows map[string]*store.ConfigRow
}

func (m *memConfigs) FindEnabledByID(_ context.Context, id string) (*store.ConfigRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok || !row.Enabled {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (m *memConfigs) FindByTeamID(_ context.Context, platform, teamID string) (*store.ConfigRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.Platform == platform && row.TeamID == teamID && row.Enabled {
			cp := *row
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memConfigs) List(context.Context) ([]*store.ConfigRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.ConfigRow
	for _, row := range m.rows {
		cp := *row
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memConfigs) Create(_ context.Context, row *store.ConfigRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[row.ID] = row
	return nil
}

func (m *memConfigs) Update(_ context.Context, id string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return fmt.Errorf("not found")
	}
	for k, v := range fields {
		switch k {
		case "metadata":
			row.Metadata, _ = v.(string)
		case "agent_name":
			row.AgentName, _ = v.(string)
		case "enabled":
			row.Enabled, _ = v.(bool)
		}
	}
	return nil
}

func (m *memConfigs) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, id)
	return nil
}

type memLog struct {
	mu   sync.Mutex
	rows []*store.MessageRow
}

func (m *memLog) Append(_ context.Context, row *store.MessageRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, row)
	return nil
}

func (m *memLog) byDirection(dir store.Direction) []*store.MessageRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.MessageRow
	for _, r := range m.rows {
		if r.Direction == dir {
			out = append(out, r)
		}
	}
	return out
}

// harness wires an engine against the fakes.
type harness struct {
	engine  *Engine
	agent   *fakeAgentServer
	adapter *fakeAdapter
	configs *memConfigs
	log     *memLog
	perms   *permissions.Registry
	queue   *queue.Readiness
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	fa := newFakeAgent(t)
	adapter := newFakeAdapter()
	configs := &memConfigs{rows: map[string]*store.ConfigRow{
		"cfg1": {
			ID:       "cfg1",
			Platform: "slack",
			Enabled:  true,
			Strategy: "per-user",
		},
	}}
	log := &memLog{}

	reg := channels.NewRegistry()
	reg.Register(adapter)

	perms := permissions.NewRegistry(time.Second)
	q := queue.New()
	q.PollInterval = 5 * time.Millisecond
	q.MaxWait = 250 * time.Millisecond

	eng := New(Config{
		Stores:      &store.Stores{Configs: configs, Messages: log},
		Adapters:    reg,
		Client:      agent.NewClient(fa.ts.URL),
		Sessions:    sessions.NewRegistry(time.Hour),
		Permissions: perms,
		Queue:       q,
	})

	return &harness{engine: eng, agent: fa, adapter: adapter, configs: configs, log: log, perms: perms, queue: q}
}

func inbound(externalID string) *channels.NormalizedMessage {
	return &channels.NormalizedMessage{
		ExternalID: externalID,
		Platform:   "slack",
		ConfigID:   "cfg1",
		ChatType:   channels.ChatDM,
		Content:    "hi",
		User:       channels.PlatformUser{ID: "U1", Name: "Alice"},
	}
}

func TestProcessMessage_HappyPath(t *testing.T) {
	h := newHarness(t)
	h.agent.setScript(sseBusy(), sseDelta("Hel"), sseDelta("lo"), sseIdle())

	h.engine.ProcessMessage(context.Background(), inbound("m1"))

	responses, completes, errs, _, batches := h.adapter.snapshot()
	if len(responses) != 1 {
		t.Fatalf("SendResponse called %d times, want 1", len(responses))
	}
	if responses[0].Content != "Hello" {
		t.Errorf("content = %q, want Hello", responses[0].Content)
	}
	if responses[0].SessionID != "sess-1" {
		t.Errorf("session id = %q", responses[0].SessionID)
	}
	if responses[0].ModelName != "default" {
		t.Errorf("model name = %q, want default", responses[0].ModelName)
	}
	if completes != 1 || errs != 0 {
		t.Errorf("reactions: complete=%d error=%d", completes, errs)
	}
	if len(batches) != 0 {
		t.Errorf("unexpected file calls: %v", batches)
	}

	if n := len(h.log.byDirection(store.DirectionInbound)); n != 1 {
		t.Errorf("inbound audit rows = %d", n)
	}
	out := h.log.byDirection(store.DirectionOutbound)
	if len(out) != 1 || out[0].Content != "Hello" || out[0].SessionID != "sess-1" {
		t.Errorf("outbound audit rows = %+v", out)
	}
}

func TestProcessMessage_UnknownConfigDropped(t *testing.T) {
	h := newHarness(t)
	msg := inbound("m1")
	msg.ConfigID = "nope"

	h.engine.ProcessMessage(context.Background(), msg)

	responses, _, _, _, _ := h.adapter.snapshot()
	if len(responses) != 0 || h.agent.promptCount() != 0 {
		t.Error("unknown config must produce no side effects")
	}
}

func TestProcessMessage_PermissionApproved(t *testing.T) {
	h := newHarness(t)
	h.agent.setScript(sseBusy(), ssePermission("p1", "bash"), sseDelta("done"), sseIdle())

	go func() {
		req := <-h.adapter.permRequests
		if req.ID != "p1" || req.Tool != "bash" {
			t.Errorf("permission request = %+v", req)
		}
		h.perms.Reply("p1", true)
	}()

	h.engine.ProcessMessage(context.Background(), inbound("m1"))

	replies := h.agent.replies()
	if len(replies) != 1 || replies[0].ID != "p1" || !replies[0].Approved {
		t.Fatalf("permission replies = %+v", replies)
	}
	responses, _, _, _, _ := h.adapter.snapshot()
	if len(responses) != 1 || responses[0].Content != "done" {
		t.Errorf("responses = %+v", responses)
	}
}

func TestProcessMessage_PermissionTimesOut(t *testing.T) {
	h := newHarness(t)
	h.agent.setScript(sseBusy(), ssePermission("p1", "bash"), sseIdle())

	// Drain the prompt but never reply; the registry's 1 s test timeout
	// resolves it as rejected.
	go func() { <-h.adapter.permRequests }()

	h.engine.ProcessMessage(context.Background(), inbound("m1"))

	replies := h.agent.replies()
	if len(replies) != 1 || replies[0].Approved {
		t.Fatalf("permission replies = %+v, want one rejection", replies)
	}
	responses, _, _, _, _ := h.adapter.snapshot()
	if len(responses) != 1 {
		t.Errorf("pipeline should continue to SendResponse after timeout")
	}
}

func TestProcessMessage_PermissionDeliveryFailureAutoRejects(t *testing.T) {
	h := newHarness(t)
	h.adapter.failPermission = true
	h.agent.setScript(sseBusy(), ssePermission("p1", "bash"), sseDelta("ok"), sseIdle())

	h.engine.ProcessMessage(context.Background(), inbound("m1"))

	replies := h.agent.replies()
	if len(replies) != 1 || replies[0].Approved {
		t.Fatalf("permission replies = %+v, want one rejection", replies)
	}
	responses, _, errs, _, _ := h.adapter.snapshot()
	if len(responses) != 1 || errs != 0 {
		t.Errorf("prompt delivery failure must not fail the pipeline: responses=%d errors=%d", len(responses), errs)
	}
}

func TestProcessMessage_NotReadyQueuesThenRecovers(t *testing.T) {
	h := newHarness(t)
	h.agent.ready.Store(false)
	h.agent.setScript(sseBusy(), sseDelta("Hello"), sseIdle())

	go func() {
		time.Sleep(20 * time.Millisecond)
		h.agent.ready.Store(true)
	}()

	h.engine.ProcessMessage(context.Background(), inbound("m1"))

	deadline := time.After(2 * time.Second)
	for {
		responses, _, _, _, _ := h.adapter.snapshot()
		if len(responses) == 1 {
			if responses[0].Content != "Hello" {
				t.Errorf("content = %q", responses[0].Content)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("queued message never processed after recovery")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// No double-send.
	time.Sleep(50 * time.Millisecond)
	if responses, _, _, _, _ := h.adapter.snapshot(); len(responses) != 1 {
		t.Errorf("SendResponse called %d times, want exactly 1", len(responses))
	}
}

func TestProcessMessage_RateLimitDropsExcess(t *testing.T) {
	h := newHarness(t)
	h.agent.setScript(sseBusy(), sseDelta("ok"), sseIdle())

	for i := 0; i < 21; i++ {
		h.engine.ProcessMessage(context.Background(), inbound(fmt.Sprintf("m%d", i)))
	}

	responses, _, _, _, _ := h.adapter.snapshot()
	if len(responses) != 20 {
		t.Errorf("SendResponse called %d times, want 20", len(responses))
	}
	if n := len(h.log.byDirection(store.DirectionOutbound)); n != 20 {
		t.Errorf("outbound audit rows = %d, want 20", n)
	}
}

func TestProcessMessage_StreamErrorReacts(t *testing.T) {
	h := newHarness(t)
	h.agent.setScript(sseBusy(), sseError("model exploded"))

	h.engine.ProcessMessage(context.Background(), inbound("m1"))

	time.Sleep(20 * time.Millisecond) // error reaction is fire-and-forget
	responses, _, errs, _, _ := h.adapter.snapshot()
	if len(responses) != 0 {
		t.Error("SendResponse must not be called on stream error")
	}
	if errs != 1 {
		t.Errorf("ReactError called %d times, want 1", errs)
	}
	if removes := h.adapter.typingRemoves.Load(); removes != 1 {
		t.Errorf("typing removals = %d, want 1 on the error path too", removes)
	}
}

func TestProcessMessage_FilesStreamedAndDiffed(t *testing.T) {
	h := newHarness(t)
	h.agent.setScript(sseBusy(), sseFile("out.md", "/workspace/out.md"), sseDelta("wrote it"), sseIdle())
	h.agent.mu.Lock()
	h.agent.fileStatus = []string{"out.md", "notes.txt"}
	h.agent.fileContent["out.md"] = "# report"
	h.agent.fileContent["notes.txt"] = "some notes"
	h.agent.mu.Unlock()

	h.engine.ProcessMessage(context.Background(), inbound("m1"))

	_, _, _, filesChanged, batches := h.adapter.snapshot()
	if len(batches) != 2 {
		t.Fatalf("SendFiles batches = %d, want 2", len(batches))
	}
	if len(batches[0]) != 1 || batches[0][0].Name != "out.md" || string(batches[0][0].Content) != "# report" {
		t.Errorf("first batch = %+v", batches[0])
	}
	if len(batches[1]) != 1 || batches[1][0].Name != "notes.txt" || string(batches[1][0].Content) != "some notes" {
		t.Errorf("second batch = %+v", batches[1])
	}
	if filesChanged != 1 {
		t.Errorf("ReactFilesChanged called %d times, want 1", filesChanged)
	}
}

func TestProcessMessage_TypingClearedOnEveryPath(t *testing.T) {
	h := newHarness(t)
	h.agent.setScript(sseBusy(), sseDelta("hi"), sseIdle())

	h.engine.ProcessMessage(context.Background(), inbound("m1"))
	if removes := h.adapter.typingRemoves.Load(); removes != 1 {
		t.Errorf("typing removals = %d, want 1", removes)
	}
}

func TestProcessMessage_ModelOverrideWinsOverPinned(t *testing.T) {
	h := newHarness(t)
	h.configs.mu.Lock()
	h.configs.rows["cfg1"].Metadata = `{"model":{"providerID":"anthropic","modelID":"pinned-model"}}`
	h.configs.mu.Unlock()
	h.agent.setScript(sseBusy(), sseDelta("ok"), sseIdle())

	msg := inbound("m1")
	msg.Overrides = &channels.Overrides{Model: &channels.ModelRef{ProviderID: "openai", ModelID: "override-model"}}
	h.engine.ProcessMessage(context.Background(), msg)

	responses, _, _, _, _ := h.adapter.snapshot()
	if len(responses) != 1 || responses[0].ModelName != "override-model" {
		t.Fatalf("responses = %+v", responses)
	}

	h.agent.mu.Lock()
	defer h.agent.mu.Unlock()
	if len(h.agent.prompts) != 1 {
		t.Fatalf("prompts = %d", len(h.agent.prompts))
	}
	model, _ := h.agent.prompts[0]["model"].(map[string]any)
	if model["modelID"] != "override-model" {
		t.Errorf("prompt model = %v", model)
	}
}

func TestBuildPrompt(t *testing.T) {
	cfg := &channels.ChannelConfig{
		ID:           "cfg1",
		Platform:     "slack",
		SystemPrompt: "You are the support bot.",
		PlatformConfig: map[string]any{
			"channelPrompts": map[string]any{"C1": "Answer in French."},
		},
	}
	msg := &channels.NormalizedMessage{
		ChatType: channels.ChatChannel,
		Content:  "bonjour",
		GroupID:  "C1",
		User:     channels.PlatformUser{Name: "Alice"},
		ThreadContext: []channels.ThreadContextEntry{
			{Sender: "Bob", Text: "earlier question"},
			{IsBot: true, Text: "earlier answer"},
		},
	}

	got := BuildPrompt(cfg, msg)
	sections := strings.Split(got, "\n\n")
	if len(sections) != 6 {
		t.Fatalf("sections = %d: %q", len(sections), got)
	}
	if sections[0] != "You are the support bot." {
		t.Errorf("system prompt section = %q", sections[0])
	}
	if !strings.HasPrefix(sections[1], "[Channel-specific instructions]\nAnswer in French.") {
		t.Errorf("channel prompt section = %q", sections[1])
	}
	if !strings.Contains(sections[3], "[Channel: slack | Chat: channel | User: Alice]") {
		t.Errorf("metadata section = %q", sections[3])
	}
	if !strings.Contains(sections[4], "Bob: earlier question") || !strings.Contains(sections[4], "Assistant: earlier answer") {
		t.Errorf("thread context section = %q", sections[4])
	}
	if sections[5] != "bonjour" {
		t.Errorf("content section = %q", sections[5])
	}
}

func TestBuildPrompt_MinimalTelegram(t *testing.T) {
	cfg := &channels.ChannelConfig{ID: "cfg1", Platform: "telegram"}
	msg := &channels.NormalizedMessage{ChatType: channels.ChatDM, Content: "hi", User: channels.PlatformUser{Name: "Bob"}}

	got := BuildPrompt(cfg, msg)
	sections := strings.Split(got, "\n\n")
	if len(sections) != 3 {
		t.Fatalf("sections = %d: %q", len(sections), got)
	}
	if !strings.Contains(sections[0], "plain conversational text") {
		t.Errorf("formatting directive missing: %q", sections[0])
	}
	if sections[2] != "hi" {
		t.Errorf("content = %q", sections[2])
	}
}

func TestBuildPrompt_DiscordSkipsFormattingDirective(t *testing.T) {
	cfg := &channels.ChannelConfig{ID: "cfg1", Platform: "discord"}
	msg := &channels.NormalizedMessage{ChatType: channels.ChatDM, Content: "hi", User: channels.PlatformUser{Name: "Bob"}}

	if got := BuildPrompt(cfg, msg); strings.Contains(got, "plain conversational text") {
		t.Errorf("discord prompt should not carry the formatting directive: %q", got)
	}
}
