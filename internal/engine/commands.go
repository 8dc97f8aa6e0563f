package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/chatbridge/internal/channels"
)

// isCommand reports whether a message came in through a slash-command route.
func isCommand(msg *channels.NormalizedMessage) bool {
	v, _ := msg.Raw["command"].(bool)
	return v
}

// handleCommand interprets control verbs on slash-command messages: session
// and config management that never reaches the agent. Returns false when the
// text is not a control verb, in which case it flows through the normal
// pipeline as a prompt.
func (e *Engine) handleCommand(ctx context.Context, adapter channels.Adapter, cfg *channels.ChannelConfig, msg *channels.NormalizedMessage) bool {
	fields := strings.Fields(msg.Content)
	if len(fields) == 0 {
		return false
	}

	reply := func(text string) {
		resp := &channels.AgentResponse{Content: text, ModelName: "default"}
		if err := adapter.SendResponse(ctx, cfg, msg, resp); err != nil {
			slog.Error("command reply failed", "config_id", cfg.ID, "error", err)
		}
	}

	switch fields[0] {
	case "status":
		e.replyStatus(ctx, reply, cfg, msg)

	case "new", "reset":
		e.sessions.Invalidate(cfg, msg)
		reply("Started a new session. The next message opens a fresh conversation.")

	case "model":
		e.commandModel(ctx, reply, cfg, fields[1:])

	case "agent":
		if len(fields) < 2 {
			reply("Usage: agent <name>")
			return true
		}
		e.commandAgent(ctx, reply, cfg, msg, fields[1])

	case "providers":
		e.replyProviders(ctx, reply)

	case "agents":
		names, err := e.client.ListAgents(ctx)
		if err != nil {
			reply("Could not list agents: " + err.Error())
			return true
		}
		if len(names) == 0 {
			reply("No agents configured upstream.")
			return true
		}
		reply("Available agents: " + strings.Join(names, ", "))

	case "share":
		sessionID := e.sessions.ActiveSessionID(cfg.ID, msg.User.ID)
		if sessionID == "" {
			reply("No active session to share.")
			return true
		}
		url, err := e.client.ShareSession(ctx, sessionID)
		if err != nil {
			reply("Could not share the session: " + err.Error())
			return true
		}
		reply("Session shared: " + url)

	case "abort":
		sessionID := e.sessions.ActiveSessionID(cfg.ID, msg.User.ID)
		if sessionID == "" {
			reply("No active session to abort.")
			return true
		}
		if err := e.client.Abort(ctx, sessionID); err != nil {
			reply("Abort failed: " + err.Error())
			return true
		}
		reply("Aborted the current run.")

	default:
		return false
	}
	return true
}

func (e *Engine) replyStatus(ctx context.Context, reply func(string), cfg *channels.ChannelConfig, msg *channels.NormalizedMessage) {
	upstream := "unreachable"
	if e.client.IsReady(ctx) {
		upstream = "ready"
	}
	model := "default"
	if provider, id, ok := cfg.PinnedModel(); ok {
		model = provider + "/" + id
	}
	agentName := cfg.AgentName
	if agentName == "" {
		agentName = "default"
	}
	session := e.sessions.ActiveSessionID(cfg.ID, msg.User.ID)
	if session == "" {
		session = "none"
	}
	reply(fmt.Sprintf("Upstream: %s | Model: %s | Agent: %s | Session: %s",
		upstream, model, agentName, session))
}

// commandModel pins or clears the model in config metadata. The change is
// persisted, so the next message on this config observes it.
func (e *Engine) commandModel(ctx context.Context, reply func(string), cfg *channels.ChannelConfig, args []string) {
	meta := cfg.Metadata
	if meta == nil {
		meta = make(map[string]any)
	}

	switch {
	case len(args) == 1 && args[0] == "default":
		delete(meta, "model")
	case len(args) == 2:
		meta["model"] = map[string]any{"providerID": args[0], "modelID": args[1]}
	default:
		reply("Usage: model <provider> <model>, or: model default")
		return
	}

	raw, err := json.Marshal(meta)
	if err != nil {
		reply("Could not encode the change: " + err.Error())
		return
	}
	if err := e.stores.Configs.Update(ctx, cfg.ID, map[string]any{"metadata": string(raw)}); err != nil {
		reply("Could not persist the change: " + err.Error())
		return
	}
	if len(args) == 2 {
		reply(fmt.Sprintf("Model pinned to %s/%s.", args[0], args[1]))
	} else {
		reply("Model reset to the upstream default.")
	}
}

func (e *Engine) commandAgent(ctx context.Context, reply func(string), cfg *channels.ChannelConfig, msg *channels.NormalizedMessage, name string) {
	if err := e.stores.Configs.Update(ctx, cfg.ID, map[string]any{"agent_name": name}); err != nil {
		reply("Could not persist the change: " + err.Error())
		return
	}
	// Existing sessions keep their agent; drop the binding so the next
	// message starts under the new one.
	e.sessions.Invalidate(cfg, msg)
	reply(fmt.Sprintf("Agent set to %q. The next message starts a fresh session with it.", name))
}

func (e *Engine) replyProviders(ctx context.Context, reply func(string)) {
	providers, err := e.client.ListProviders(ctx)
	if err != nil {
		reply("Could not list providers: " + err.Error())
		return
	}
	if len(providers) == 0 {
		reply("No providers configured upstream.")
		return
	}
	var b strings.Builder
	b.WriteString("Available models:")
	for _, p := range providers {
		b.WriteString("\n- " + p.ID)
		if len(p.Models) > 0 {
			b.WriteString(": " + strings.Join(p.Models, ", "))
		}
	}
	reply(b.String())
}
