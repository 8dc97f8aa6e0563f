// Package discord implements the Discord adapter over the interactions
// webhook: Ed25519-verified slash commands and button components in, REST
// deliveries out.
package discord

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/chatbridge/internal/channels"
)

// chunkLimit is Discord's message length cap.
const chunkLimit = 2000

// Adapter implements the Discord side of the channel contract. REST-only:
// no gateway socket is opened, interactions arrive over the webhook.
type Adapter struct {
	lookup channels.ConfigLookup

	mu       sync.Mutex
	sessions map[string]*discordgo.Session // bot token -> session
}

// New creates the Discord adapter.
func New(lookup channels.ConfigLookup) *Adapter {
	return &Adapter{lookup: lookup, sessions: make(map[string]*discordgo.Session)}
}

func (a *Adapter) Type() string { return "discord" }
func (a *Adapter) Name() string { return "Discord" }

func (a *Adapter) Capabilities() channels.Capabilities {
	return channels.Capabilities{
		TextChunkLimit:          chunkLimit,
		SupportsRichText:        true,
		SupportsTypingIndicator: true,
		SupportsAttachments:     true,
		ConnectionType:          channels.ConnectionWebhook,
	}
}

// rest returns a REST session for a config's bot token.
func (a *Adapter) rest(cfg *channels.ChannelConfig) (*discordgo.Session, error) {
	token := cfg.Credentials["botToken"]
	if token == "" {
		return nil, fmt.Errorf("discord config %s: missing botToken credential", cfg.ID)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.sessions[token]; ok {
		return s, nil
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	a.sessions[token] = s
	return s, nil
}

// ValidateCredentials checks the bot token and records the application id
// and bot user id into the bag.
func (a *Adapter) ValidateCredentials(ctx context.Context, creds map[string]string) channels.ValidationResult {
	if creds["botToken"] == "" {
		return channels.ValidationResult{Error: "missing botToken"}
	}
	if creds["publicKey"] == "" {
		return channels.ValidationResult{Error: "missing publicKey"}
	}

	s, err := discordgo.New("Bot " + creds["botToken"])
	if err != nil {
		return channels.ValidationResult{Error: err.Error()}
	}
	user, err := s.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return channels.ValidationResult{Error: fmt.Sprintf("token check failed: %v", err)}
	}
	creds["botUserID"] = user.ID

	app, err := s.Application("@me")
	if err == nil {
		creds["applicationID"] = app.ID
	}
	return channels.ValidationResult{Valid: true}
}

// SendResponse delivers the reply. Interaction-originated messages go out as
// followups on the interaction token; anything else as channel messages.
func (a *Adapter) SendResponse(ctx context.Context, cfg *channels.ChannelConfig, msg *channels.NormalizedMessage, resp *channels.AgentResponse) error {
	content := resp.Content
	if content == "" {
		content = "(no response)"
	}

	s, err := a.rest(cfg)
	if err != nil {
		return err
	}

	chunks := channels.SplitText(content, chunkLimit)

	if interaction, ok := msg.Raw["interaction"].(*discordgo.Interaction); ok {
		for _, chunk := range chunks {
			_, err := s.FollowupMessageCreate(interaction, true,
				&discordgo.WebhookParams{Content: chunk}, discordgo.WithContext(ctx))
			if err != nil {
				return fmt.Errorf("discord followup: %w", err)
			}
		}
		return nil
	}

	channelID, _ := msg.Raw["channelID"].(string)
	if channelID == "" {
		return fmt.Errorf("discord send: message carries no channel id")
	}
	for _, chunk := range chunks {
		if _, err := s.ChannelMessageSend(channelID, chunk, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("discord send: %w", err)
		}
	}
	return nil
}

// SendFiles attaches each file to a channel message.
func (a *Adapter) SendFiles(ctx context.Context, cfg *channels.ChannelConfig, msg *channels.NormalizedMessage, files []channels.FileOutput) error {
	s, err := a.rest(cfg)
	if err != nil {
		return err
	}

	dgFiles := make([]*discordgo.File, 0, len(files))
	for _, f := range files {
		dgFiles = append(dgFiles, &discordgo.File{
			Name:        f.Name,
			ContentType: f.MimeType,
			Reader:      bytes.NewReader(f.Content),
		})
	}

	if interaction, ok := msg.Raw["interaction"].(*discordgo.Interaction); ok {
		_, err := s.FollowupMessageCreate(interaction, true,
			&discordgo.WebhookParams{Files: dgFiles}, discordgo.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("discord file followup: %w", err)
		}
		return nil
	}

	channelID, _ := msg.Raw["channelID"].(string)
	if channelID == "" {
		return fmt.Errorf("discord files: message carries no channel id")
	}
	_, err = s.ChannelMessageSendComplex(channelID,
		&discordgo.MessageSend{Files: dgFiles}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord files: %w", err)
	}
	return nil
}

// SendTypingIndicator triggers the native typing indicator; it expires on
// its own, so removal is a no-op.
func (a *Adapter) SendTypingIndicator(ctx context.Context, cfg *channels.ChannelConfig, msg *channels.NormalizedMessage) error {
	channelID, _ := msg.Raw["channelID"].(string)
	if channelID == "" {
		return nil
	}
	s, err := a.rest(cfg)
	if err != nil {
		return err
	}
	return s.ChannelTyping(channelID, discordgo.WithContext(ctx))
}

func (a *Adapter) RemoveTypingIndicator(context.Context, *channels.ChannelConfig, *channels.NormalizedMessage) error {
	return nil
}

func (a *Adapter) ReactComplete(ctx context.Context, cfg *channels.ChannelConfig, msg *channels.NormalizedMessage) error {
	return a.react(ctx, cfg, msg, "✅")
}

func (a *Adapter) ReactError(ctx context.Context, cfg *channels.ChannelConfig, msg *channels.NormalizedMessage) error {
	return a.react(ctx, cfg, msg, "❌")
}

func (a *Adapter) ReactFilesChanged(ctx context.Context, cfg *channels.ChannelConfig, msg *channels.NormalizedMessage) error {
	return a.react(ctx, cfg, msg, "📎")
}

func (a *Adapter) react(ctx context.Context, cfg *channels.ChannelConfig, msg *channels.NormalizedMessage, emoji string) error {
	channelID, _ := msg.Raw["channelID"].(string)
	messageID, _ := msg.Raw["messageID"].(string)
	if channelID == "" || messageID == "" {
		return nil // interactions have no reactable message
	}
	s, err := a.rest(cfg)
	if err != nil {
		return err
	}
	if err := s.MessageReactionAdd(channelID, messageID, emoji, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord reaction: %w", err)
	}
	return nil
}

// SendPermissionRequest posts an approve/deny button pair; the interactions
// webhook resolves the registry entry on click.
func (a *Adapter) SendPermissionRequest(ctx context.Context, cfg *channels.ChannelConfig, msg *channels.NormalizedMessage, req channels.PermissionRequest) error {
	s, err := a.rest(cfg)
	if err != nil {
		return err
	}
	channelID, _ := msg.Raw["channelID"].(string)
	if channelID == "" {
		return fmt.Errorf("discord permission: message carries no channel id")
	}

	text := fmt.Sprintf("The agent wants to run **%s**", req.Tool)
	if req.Description != "" {
		text += "\n> " + req.Description
	}

	_, err = s.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content: text,
		Components: []discordgo.MessageComponent{
			discordgo.ActionsRow{Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    "Approve",
					Style:    discordgo.SuccessButton,
					CustomID: permCustomID(req.ID, true),
				},
				discordgo.Button{
					Label:    "Deny",
					Style:    discordgo.DangerButton,
					CustomID: permCustomID(req.ID, false),
				},
			}},
		},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord permission prompt: %w", err)
	}
	return nil
}
