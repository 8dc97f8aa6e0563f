// Package telegram implements the Telegram adapter: Bot API webhooks
// guarded by the secret token header, inline-keyboard permission prompts,
// and chunked deliveries.
package telegram

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/chatbridge/internal/channels"
)

// chunkLimit is Telegram's message length cap.
const chunkLimit = 4096

// Adapter implements the Telegram side of the channel contract.
type Adapter struct {
	lookup channels.ConfigLookup

	mu   sync.Mutex
	bots map[string]*telego.Bot // bot token -> client
}

// New creates the Telegram adapter.
func New(lookup channels.ConfigLookup) *Adapter {
	return &Adapter{lookup: lookup, bots: make(map[string]*telego.Bot)}
}

func (a *Adapter) Type() string { return "telegram" }
func (a *Adapter) Name() string { return "Telegram" }

func (a *Adapter) Capabilities() channels.Capabilities {
	return channels.Capabilities{
		TextChunkLimit:          chunkLimit,
		SupportsTypingIndicator: true,
		SupportsAttachments:     true,
		ConnectionType:          channels.ConnectionWebhook,
	}
}

func (a *Adapter) bot(cfg *channels.ChannelConfig) (*telego.Bot, error) {
	token := cfg.Credentials["botToken"]
	if token == "" {
		return nil, fmt.Errorf("telegram config %s: missing botToken credential", cfg.ID)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok := a.bots[token]; ok {
		return b, nil
	}
	b, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	a.bots[token] = b
	return b, nil
}

// ValidateCredentials calls getMe and records the bot's identity into the
// bag.
func (a *Adapter) ValidateCredentials(ctx context.Context, creds map[string]string) channels.ValidationResult {
	token := creds["botToken"]
	if token == "" {
		return channels.ValidationResult{Error: "missing botToken"}
	}
	b, err := telego.NewBot(token)
	if err != nil {
		return channels.ValidationResult{Error: err.Error()}
	}
	me, err := b.GetMe(ctx)
	if err != nil {
		return channels.ValidationResult{Error: fmt.Sprintf("getMe failed: %v", err)}
	}
	creds["botUserID"] = strconv.FormatInt(me.ID, 10)
	creds["botUsername"] = me.Username
	return channels.ValidationResult{Valid: true}
}

// chatRef pulls the chat id and reply target out of the raw bag.
func chatRef(msg *channels.NormalizedMessage) (chatID int64, messageID int, ok bool) {
	id, ok1 := msg.Raw["chatID"].(int64)
	mid, _ := msg.Raw["messageID"].(int)
	return id, mid, ok1
}

// SendResponse delivers the reply in chunks, replying to the inbound
// message so group conversations stay legible.
func (a *Adapter) SendResponse(ctx context.Context, cfg *channels.ChannelConfig, msg *channels.NormalizedMessage, resp *channels.AgentResponse) error {
	content := resp.Content
	if content == "" {
		content = "(no response)"
	}
	b, err := a.bot(cfg)
	if err != nil {
		return err
	}
	chatID, messageID, ok := chatRef(msg)
	if !ok {
		return fmt.Errorf("telegram send: message carries no chat id")
	}

	for i, chunk := range channels.SplitText(content, chunkLimit) {
		params := tu.Message(tu.ID(chatID), chunk)
		if i == 0 && messageID != 0 && msg.ChatType != channels.ChatDM {
			params = params.WithReplyParameters(&telego.ReplyParameters{MessageID: messageID})
		}
		if _, err := b.SendMessage(ctx, params); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

// SendFiles uploads each file as a document.
func (a *Adapter) SendFiles(ctx context.Context, cfg *channels.ChannelConfig, msg *channels.NormalizedMessage, files []channels.FileOutput) error {
	b, err := a.bot(cfg)
	if err != nil {
		return err
	}
	chatID, _, ok := chatRef(msg)
	if !ok {
		return fmt.Errorf("telegram files: message carries no chat id")
	}

	for _, f := range files {
		doc := tu.Document(tu.ID(chatID), tu.File(tu.NameReader(bytes.NewReader(f.Content), f.Name)))
		if _, err := b.SendDocument(ctx, doc); err != nil {
			return fmt.Errorf("telegram upload %s: %w", f.Name, err)
		}
	}
	return nil
}

// SendTypingIndicator triggers the chat action; Telegram expires it on its
// own, so removal is a no-op.
func (a *Adapter) SendTypingIndicator(ctx context.Context, cfg *channels.ChannelConfig, msg *channels.NormalizedMessage) error {
	b, err := a.bot(cfg)
	if err != nil {
		return err
	}
	chatID, _, ok := chatRef(msg)
	if !ok {
		return nil
	}
	return b.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping))
}

func (a *Adapter) RemoveTypingIndicator(context.Context, *channels.ChannelConfig, *channels.NormalizedMessage) error {
	return nil
}

func (a *Adapter) ReactComplete(ctx context.Context, cfg *channels.ChannelConfig, msg *channels.NormalizedMessage) error {
	return a.react(ctx, cfg, msg, "👍")
}

func (a *Adapter) ReactError(ctx context.Context, cfg *channels.ChannelConfig, msg *channels.NormalizedMessage) error {
	return a.react(ctx, cfg, msg, "👎")
}

func (a *Adapter) ReactFilesChanged(ctx context.Context, cfg *channels.ChannelConfig, msg *channels.NormalizedMessage) error {
	return a.react(ctx, cfg, msg, "✍")
}

func (a *Adapter) react(ctx context.Context, cfg *channels.ChannelConfig, msg *channels.NormalizedMessage, emoji string) error {
	b, err := a.bot(cfg)
	if err != nil {
		return err
	}
	chatID, messageID, ok := chatRef(msg)
	if !ok || messageID == 0 {
		return nil
	}
	err = b.SetMessageReaction(ctx, &telego.SetMessageReactionParams{
		ChatID:    tu.ID(chatID),
		MessageID: messageID,
		Reaction:  []telego.ReactionType{&telego.ReactionTypeEmoji{Type: telego.ReactionEmoji, Emoji: emoji}},
	})
	if err != nil {
		return fmt.Errorf("telegram reaction: %w", err)
	}
	return nil
}

// SendPermissionRequest posts an inline approve/deny keyboard; the webhook's
// callback-query branch resolves the registry entry.
func (a *Adapter) SendPermissionRequest(ctx context.Context, cfg *channels.ChannelConfig, msg *channels.NormalizedMessage, req channels.PermissionRequest) error {
	b, err := a.bot(cfg)
	if err != nil {
		return err
	}
	chatID, _, ok := chatRef(msg)
	if !ok {
		return fmt.Errorf("telegram permission: message carries no chat id")
	}

	text := fmt.Sprintf("The agent wants to run %s", req.Tool)
	if req.Description != "" {
		text += "\n" + req.Description
	}

	params := tu.Message(tu.ID(chatID), text).WithReplyMarkup(tu.InlineKeyboard(
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("Approve").WithCallbackData(permCallbackData(req.ID, true)),
			tu.InlineKeyboardButton("Deny").WithCallbackData(permCallbackData(req.ID, false)),
		),
	))
	if _, err := b.SendMessage(ctx, params); err != nil {
		return fmt.Errorf("telegram permission prompt: %w", err)
	}
	return nil
}
