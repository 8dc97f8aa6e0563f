package slack

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/nextlevelbuilder/chatbridge/internal/channels"
	"github.com/nextlevelbuilder/chatbridge/internal/permissions"
)

const (
	actionApprove = "permission_approve"
	actionDeny    = "permission_deny"
)

// processTimeout bounds background processing kicked off by a webhook; the
// HTTP response itself is sent immediately.
const processTimeout = 10 * time.Minute

// RegisterRoutes attaches the Slack webhook surface. Routes are config
// scoped so each workspace binding verifies with its own signing secret.
func (a *Adapter) RegisterRoutes(mux *http.ServeMux, engine channels.Processor) {
	mux.HandleFunc("POST /webhook/slack/{config}/events", func(w http.ResponseWriter, r *http.Request) {
		a.handleEvents(w, r, engine)
	})
	mux.HandleFunc("POST /webhook/slack/{config}/interactions", a.handleInteractions)
	mux.HandleFunc("POST /webhook/slack/{config}/commands", func(w http.ResponseWriter, r *http.Request) {
		a.handleCommand(w, r, engine)
	})
}

// verifiedBody reads the request body and checks the Slack signature against
// the config's signing secret. Returns the body and the hydrated config.
func (a *Adapter) verifiedBody(w http.ResponseWriter, r *http.Request) ([]byte, *channels.ChannelConfig) {
	cfg, err := a.lookup(r.Context(), r.PathValue("config"))
	if err != nil || cfg == nil {
		http.Error(w, "unknown config", http.StatusNotFound)
		return nil, nil
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return nil, nil
	}

	verifier, err := slack.NewSecretsVerifier(r.Header, cfg.Credentials["signingSecret"])
	if err != nil {
		http.Error(w, "bad signature headers", http.StatusBadRequest)
		return nil, nil
	}
	verifier.Write(body)
	if err := verifier.Ensure(); err != nil {
		slog.Warn("slack signature rejected", "config_id", cfg.ID)
		http.Error(w, "signature mismatch", http.StatusUnauthorized)
		return nil, nil
	}
	return body, cfg
}

func (a *Adapter) handleEvents(w http.ResponseWriter, r *http.Request, engine channels.Processor) {
	body, cfg := a.verifiedBody(w, r)
	if body == nil {
		return
	}

	event, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		http.Error(w, "unparseable event", http.StatusBadRequest)
		return
	}

	switch event.Type {
	case slackevents.URLVerification:
		var ch slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &ch); err != nil {
			http.Error(w, "bad challenge", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(ch.Challenge))
		return

	case slackevents.CallbackEvent:
		// Ack within Slack's 3 s window; the pipeline runs in the background.
		w.WriteHeader(http.StatusOK)
		if msg := a.normalize(r.Context(), cfg, event.InnerEvent); msg != nil {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), processTimeout)
				defer cancel()
				engine.ProcessMessage(ctx, msg)
			}()
		}

	default:
		w.WriteHeader(http.StatusOK)
	}
}

// normalize turns a Slack inner event into the engine's message form, or nil
// when the event should be ignored (bot echoes, edits, unmet mention gate).
func (a *Adapter) normalize(ctx context.Context, cfg *channels.ChannelConfig, inner slackevents.EventsAPIInnerEvent) *channels.NormalizedMessage {
	botUserID := cfg.Credentials["botUserID"]

	// Mentions also arrive as app_mention events; acting on both would
	// double-process, so only message events are consumed.
	ev, ok := inner.Data.(*slackevents.MessageEvent)
	if !ok {
		return nil
	}
	if ev.BotID != "" || ev.SubType != "" || ev.User == botUserID {
		return nil
	}
	mentioned := botUserID != "" && strings.Contains(ev.Text, "<@"+botUserID+">")
	isDM := ev.ChannelType == "im"
	if !isDM && !mentioned && requireMention(cfg) {
		return nil
	}
	return a.build(ctx, cfg, ev.Channel, ev.ChannelType, ev.User, ev.Text, ev.TimeStamp, ev.ThreadTimeStamp, mentioned)
}

func (a *Adapter) build(ctx context.Context, cfg *channels.ChannelConfig, channelID, channelType, userID, text, ts, threadTS string, mentioned bool) *channels.NormalizedMessage {
	content := text
	if botUserID := cfg.Credentials["botUserID"]; botUserID != "" {
		content = strings.TrimSpace(strings.ReplaceAll(content, "<@"+botUserID+">", ""))
	}
	if content == "" {
		return nil
	}

	chatType := channels.ChatChannel
	groupID := channelID
	if channelType == "im" {
		chatType = channels.ChatDM
		groupID = ""
	}

	// Replies land in the message's thread; DMs stay flat.
	threadID := threadTS
	if threadID == "" && chatType != channels.ChatDM {
		threadID = ts
	}

	var threadContext []channels.ThreadContextEntry
	if threadTS != "" {
		threadContext = a.fetchThreadContext(ctx, cfg, channelID, threadTS, ts)
	}

	return &channels.NormalizedMessage{
		ExternalID:    ts,
		Platform:      "slack",
		ConfigID:      cfg.ID,
		ChatType:      chatType,
		Content:       content,
		User:          channels.PlatformUser{ID: userID, Name: userID},
		ThreadID:      threadID,
		GroupID:       groupID,
		Mention:       mentioned,
		ThreadContext: threadContext,
		Raw: map[string]any{
			"channelID": channelID,
			"messageTS": ts,
		},
	}
}

// requireMention reads the groups.requireMention platform config knob;
// default true.
func requireMention(cfg *channels.ChannelConfig) bool {
	groups, ok := cfg.PlatformConfig["groups"].(map[string]any)
	if !ok {
		return true
	}
	v, ok := groups["requireMention"].(bool)
	if !ok {
		return true
	}
	return v
}

// handleInteractions resolves permission button clicks against the
// process-wide registry and acknowledges the click in place.
func (a *Adapter) handleInteractions(w http.ResponseWriter, r *http.Request) {
	body, cfg := a.verifiedBody(w, r)
	if body == nil {
		return
	}

	values, err := url.ParseQuery(string(body))
	if err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}
	var callback slack.InteractionCallback
	if err := json.Unmarshal([]byte(values.Get("payload")), &callback); err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}

	for _, action := range callback.ActionCallback.BlockActions {
		if action.ActionID != actionApprove && action.ActionID != actionDeny {
			continue
		}
		approved := action.ActionID == actionApprove
		delivered := permissions.Default.Reply(action.Value, approved)
		slog.Info("slack permission click",
			"config_id", cfg.ID, "permission_id", action.Value,
			"approved", approved, "delivered", delivered)

		verdict := "Denied"
		if approved {
			verdict = "Approved"
		}
		if !delivered {
			verdict += " (already resolved)"
		}
		if callback.ResponseURL != "" {
			resp := &slack.WebhookMessage{Text: verdict, ReplaceOriginal: true}
			if err := slack.PostWebhookContext(r.Context(), callback.ResponseURL, resp); err != nil {
				slog.Debug("slack interaction ack failed", "error", err)
			}
		}
	}
	w.WriteHeader(http.StatusOK)
}

// handleCommand turns a slash command into a synthetic message whose raw bag
// carries the response url; control verbs are interpreted by the engine.
func (a *Adapter) handleCommand(w http.ResponseWriter, r *http.Request, engine channels.Processor) {
	body, cfg := a.verifiedBody(w, r)
	if body == nil {
		return
	}

	values, err := url.ParseQuery(string(body))
	if err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	text := strings.TrimSpace(values.Get("text"))
	if text == "" {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"response_type": "ephemeral",
			"text":          "Usage: " + values.Get("command") + " <message, or: status | new | model <provider> <model> | agent <name>>",
		})
		return
	}

	msg := &channels.NormalizedMessage{
		ExternalID: values.Get("trigger_id"),
		Platform:   "slack",
		ConfigID:   cfg.ID,
		ChatType:   channels.ChatDM,
		Content:    text,
		User: channels.PlatformUser{
			ID:   values.Get("user_id"),
			Name: values.Get("user_name"),
		},
		GroupID: values.Get("channel_id"),
		Raw: map[string]any{
			"channelID":   values.Get("channel_id"),
			"responseURL": values.Get("response_url"),
			"command":     true,
		},
	}

	// Ack immediately; the reply arrives via the response url.
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"response_type": "in_channel"})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), processTimeout)
		defer cancel()
		engine.ProcessMessage(ctx, msg)
	}()
}
