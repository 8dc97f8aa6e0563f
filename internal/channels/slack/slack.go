// Package slack implements the Slack adapter: Events API webhooks verified
// with the signing secret, interactive permission buttons, slash commands,
// and delivery through the Web API.
package slack

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/slack-go/slack"

	"github.com/nextlevelbuilder/chatbridge/internal/channels"
)

// chunkLimit stays under Slack's 40k hard cap; long messages read badly
// before they hit it.
const chunkLimit = 4000

// threadContextLimit bounds how many prior thread messages go upstream.
const threadContextLimit = 20

// Adapter implements the Slack side of the channel contract. It is
// config-scoped at call time: every operation receives the ChannelConfig and
// builds or reuses a Web API client from its credentials.
type Adapter struct {
	lookup channels.ConfigLookup

	mu      sync.Mutex
	clients map[string]*slack.Client // bot token -> client
}

// New creates the Slack adapter. lookup resolves configs for webhook
// signature verification before the engine runs.
func New(lookup channels.ConfigLookup) *Adapter {
	return &Adapter{lookup: lookup, clients: make(map[string]*slack.Client)}
}

func (a *Adapter) Type() string { return "slack" }
func (a *Adapter) Name() string { return "Slack" }

func (a *Adapter) Capabilities() channels.Capabilities {
	return channels.Capabilities{
		TextChunkLimit:      chunkLimit,
		SupportsRichText:    true,
		SupportsEditing:     true,
		SupportsAttachments: true,
		ConnectionType:      channels.ConnectionWebhook,
	}
}

// api returns a Web API client for a config's bot token.
func (a *Adapter) api(cfg *channels.ChannelConfig) (*slack.Client, error) {
	token := cfg.Credentials["botToken"]
	if token == "" {
		return nil, fmt.Errorf("slack config %s: missing botToken credential", cfg.ID)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.clients[token]; ok {
		return c, nil
	}
	c := slack.New(token)
	a.clients[token] = c
	return c, nil
}

// ValidateCredentials runs an auth test and records the derived bot user and
// team ids into the bag.
func (a *Adapter) ValidateCredentials(ctx context.Context, creds map[string]string) channels.ValidationResult {
	token := creds["botToken"]
	if token == "" {
		return channels.ValidationResult{Error: "missing botToken"}
	}
	if creds["signingSecret"] == "" {
		return channels.ValidationResult{Error: "missing signingSecret"}
	}

	resp, err := slack.New(token).AuthTestContext(ctx)
	if err != nil {
		return channels.ValidationResult{Error: fmt.Sprintf("auth test failed: %v", err)}
	}
	creds["botUserID"] = resp.UserID
	creds["teamID"] = resp.TeamID
	return channels.ValidationResult{Valid: true}
}

// SendResponse delivers the reply. Slash-command messages carry a response
// url in the raw bag and are answered through it; everything else goes to
// the originating channel, threaded when the inbound was.
func (a *Adapter) SendResponse(ctx context.Context, cfg *channels.ChannelConfig, msg *channels.NormalizedMessage, resp *channels.AgentResponse) error {
	content := resp.Content
	if content == "" {
		content = "(no response)"
	}

	if responseURL, _ := msg.Raw["responseURL"].(string); responseURL != "" {
		return a.sendViaResponseURL(ctx, responseURL, content)
	}

	api, err := a.api(cfg)
	if err != nil {
		return err
	}
	channelID, _ := msg.Raw["channelID"].(string)
	if channelID == "" {
		return fmt.Errorf("slack send: message carries no channel id")
	}

	opts := []slack.MsgOption{}
	if msg.ThreadID != "" {
		opts = append(opts, slack.MsgOptionTS(msg.ThreadID))
	}

	for _, chunk := range channels.SplitText(content, chunkLimit) {
		chunkOpts := append([]slack.MsgOption{slack.MsgOptionText(chunk, false)}, opts...)
		if _, _, err := api.PostMessageContext(ctx, channelID, chunkOpts...); err != nil {
			return fmt.Errorf("slack send: %w", err)
		}
	}
	return nil
}

func (a *Adapter) sendViaResponseURL(ctx context.Context, responseURL, content string) error {
	for _, chunk := range channels.SplitText(content, chunkLimit) {
		msg := &slack.WebhookMessage{Text: chunk, ResponseType: "in_channel"}
		if err := slack.PostWebhookContext(ctx, responseURL, msg); err != nil {
			return fmt.Errorf("slack response url: %w", err)
		}
	}
	return nil
}

// SendFiles uploads each file into the originating channel.
func (a *Adapter) SendFiles(ctx context.Context, cfg *channels.ChannelConfig, msg *channels.NormalizedMessage, files []channels.FileOutput) error {
	api, err := a.api(cfg)
	if err != nil {
		return err
	}
	channelID, _ := msg.Raw["channelID"].(string)
	if channelID == "" {
		return fmt.Errorf("slack files: message carries no channel id")
	}

	for _, f := range files {
		params := slack.UploadFileV2Parameters{
			Filename: f.Name,
			Title:    f.Name,
			FileSize: len(f.Content),
			Reader:   bytes.NewReader(f.Content),
			Channel:  channelID,
		}
		if msg.ThreadID != "" {
			params.ThreadTimestamp = msg.ThreadID
		}
		if _, err := api.UploadFileV2Context(ctx, params); err != nil {
			return fmt.Errorf("slack upload %s: %w", f.Name, err)
		}
	}
	return nil
}

// Typing indicators: bots cannot trigger the native indicator over the Web
// API, so an eyes reaction on the inbound message stands in for it.

func (a *Adapter) SendTypingIndicator(ctx context.Context, cfg *channels.ChannelConfig, msg *channels.NormalizedMessage) error {
	return a.react(ctx, cfg, msg, "eyes", true)
}

func (a *Adapter) RemoveTypingIndicator(ctx context.Context, cfg *channels.ChannelConfig, msg *channels.NormalizedMessage) error {
	return a.react(ctx, cfg, msg, "eyes", false)
}

func (a *Adapter) ReactComplete(ctx context.Context, cfg *channels.ChannelConfig, msg *channels.NormalizedMessage) error {
	return a.react(ctx, cfg, msg, "white_check_mark", true)
}

func (a *Adapter) ReactError(ctx context.Context, cfg *channels.ChannelConfig, msg *channels.NormalizedMessage) error {
	return a.react(ctx, cfg, msg, "x", true)
}

func (a *Adapter) ReactFilesChanged(ctx context.Context, cfg *channels.ChannelConfig, msg *channels.NormalizedMessage) error {
	return a.react(ctx, cfg, msg, "paperclip", true)
}

func (a *Adapter) react(ctx context.Context, cfg *channels.ChannelConfig, msg *channels.NormalizedMessage, name string, add bool) error {
	api, err := a.api(cfg)
	if err != nil {
		return err
	}
	channelID, _ := msg.Raw["channelID"].(string)
	ts, _ := msg.Raw["messageTS"].(string)
	if channelID == "" || ts == "" {
		return nil // slash commands have nothing to react to
	}
	ref := slack.ItemRef{Channel: channelID, Timestamp: ts}
	if add {
		err = api.AddReactionContext(ctx, name, ref)
	} else {
		err = api.RemoveReactionContext(ctx, name, ref)
	}
	if err != nil {
		return fmt.Errorf("slack reaction %s: %w", name, err)
	}
	return nil
}

// SendPermissionRequest posts an approve/deny button pair referencing the
// permission id; the interactivity webhook resolves the registry entry.
func (a *Adapter) SendPermissionRequest(ctx context.Context, cfg *channels.ChannelConfig, msg *channels.NormalizedMessage, req channels.PermissionRequest) error {
	api, err := a.api(cfg)
	if err != nil {
		return err
	}
	channelID, _ := msg.Raw["channelID"].(string)
	if channelID == "" {
		return fmt.Errorf("slack permission: message carries no channel id")
	}

	text := fmt.Sprintf("The agent wants to run *%s*", req.Tool)
	if req.Description != "" {
		text += "\n> " + req.Description
	}

	blocks := []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil),
		slack.NewActionBlock("permission",
			slack.NewButtonBlockElement(actionApprove, req.ID,
				slack.NewTextBlockObject(slack.PlainTextType, "Approve", false, false)).WithStyle(slack.StylePrimary),
			slack.NewButtonBlockElement(actionDeny, req.ID,
				slack.NewTextBlockObject(slack.PlainTextType, "Deny", false, false)).WithStyle(slack.StyleDanger),
		),
	}

	opts := []slack.MsgOption{slack.MsgOptionBlocks(blocks...)}
	if msg.ThreadID != "" {
		opts = append(opts, slack.MsgOptionTS(msg.ThreadID))
	}
	if _, _, err := api.PostMessageContext(ctx, channelID, opts...); err != nil {
		return fmt.Errorf("slack permission prompt: %w", err)
	}
	return nil
}

// fetchThreadContext pulls thread replies the session has not seen yet:
// everything after the bot's last reply, up to but not including the message
// being processed. Best effort.
func (a *Adapter) fetchThreadContext(ctx context.Context, cfg *channels.ChannelConfig, channelID, threadTS, currentTS string) []channels.ThreadContextEntry {
	api, err := a.api(cfg)
	if err != nil {
		return nil
	}
	msgs, _, _, err := api.GetConversationRepliesContext(ctx, &slack.GetConversationRepliesParameters{
		ChannelID: channelID,
		Timestamp: threadTS,
		Limit:     threadContextLimit,
	})
	if err != nil {
		slog.Debug("slack thread fetch failed", "channel", channelID, "error", err)
		return nil
	}

	botUserID := cfg.Credentials["botUserID"]
	isBot := func(m slack.Message) bool {
		return m.BotID != "" || (botUserID != "" && m.User == botUserID)
	}

	// Slack ts values are "seconds.micros" strings. Compare numerically;
	// lexicographic order breaks when the seconds part grows a digit.
	var lastBotTs float64
	for _, m := range msgs {
		if !isBot(m) {
			continue
		}
		if ts, err := strconv.ParseFloat(m.Timestamp, 64); err == nil && ts > lastBotTs {
			lastBotTs = ts
		}
	}

	var entries []channels.ThreadContextEntry
	for _, m := range msgs {
		if m.Text == "" || m.Timestamp == currentTS {
			continue
		}
		ts, err := strconv.ParseFloat(m.Timestamp, 64)
		if err == nil && ts <= lastBotTs {
			continue
		}
		entries = append(entries, channels.ThreadContextEntry{
			Sender: m.User,
			Text:   m.Text,
			IsBot:  isBot(m),
		})
	}
	return entries
}
