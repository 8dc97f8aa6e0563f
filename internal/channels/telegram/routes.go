package telegram

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/chatbridge/internal/channels"
	"github.com/nextlevelbuilder/chatbridge/internal/permissions"
)

const processTimeout = 10 * time.Minute

// secretTokenHeader carries the value registered with setWebhook.
const secretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

// permCallbackData encodes a permission verdict into callback data.
func permCallbackData(id string, approve bool) string {
	if approve {
		return "perm:approve:" + id
	}
	return "perm:deny:" + id
}

// parsePermCallbackData is the inverse of permCallbackData.
func parsePermCallbackData(data string) (id string, approve, ok bool) {
	parts := strings.SplitN(data, ":", 3)
	if len(parts) != 3 || parts[0] != "perm" {
		return "", false, false
	}
	return parts[2], parts[1] == "approve", true
}

// RegisterRoutes attaches the webhook endpoint. Telegram sends every update
// kind to the one URL registered with setWebhook.
func (a *Adapter) RegisterRoutes(mux *http.ServeMux, engine channels.Processor) {
	mux.HandleFunc("POST /webhook/telegram/{config}", func(w http.ResponseWriter, r *http.Request) {
		a.handleUpdate(w, r, engine)
	})
}

func (a *Adapter) handleUpdate(w http.ResponseWriter, r *http.Request, engine channels.Processor) {
	cfg, err := a.lookup(r.Context(), r.PathValue("config"))
	if err != nil || cfg == nil {
		http.Error(w, "unknown config", http.StatusNotFound)
		return
	}

	if secret := cfg.Credentials["webhookSecret"]; secret != "" {
		got := r.Header.Get(secretTokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			slog.Warn("telegram secret token rejected", "config_id", cfg.ID)
			http.Error(w, "secret mismatch", http.StatusUnauthorized)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	var update telego.Update
	if err := json.Unmarshal(body, &update); err != nil {
		http.Error(w, "bad update", http.StatusBadRequest)
		return
	}

	// Telegram retries until it sees 200, so ack before processing.
	w.WriteHeader(http.StatusOK)

	switch {
	case update.CallbackQuery != nil:
		a.handleCallback(cfg, update.CallbackQuery)
	case update.Message != nil:
		a.handleMessage(cfg, update.Message, engine)
	default:
		slog.Debug("telegram update skipped", "config_id", cfg.ID, "update_id", update.UpdateID)
	}
}

// handleMessage normalizes a message update and hands it to the engine.
func (a *Adapter) handleMessage(cfg *channels.ChannelConfig, message *telego.Message, engine channels.Processor) {
	text := message.Text
	if text == "" {
		text = message.Caption
	}
	if text == "" || message.From == nil || message.From.IsBot {
		return
	}

	chatType := channels.ChatGroup
	isCommand := false
	switch message.Chat.Type {
	case telego.ChatTypePrivate:
		chatType = channels.ChatDM
	default:
		// Groups require an explicit address: a /command or an @mention of
		// the bot. Bare chatter is ignored.
		botUsername := cfg.Credentials["botUsername"]
		mention := botUsername != "" && strings.Contains(text, "@"+botUsername)
		if !strings.HasPrefix(text, "/") && !mention && requireMention(cfg) {
			return
		}
		if botUsername != "" {
			text = strings.TrimSpace(strings.ReplaceAll(text, "@"+botUsername, ""))
		}
	}
	if strings.HasPrefix(text, "/") {
		isCommand = true
		text = strings.TrimPrefix(text, "/")
	}
	if text == "" {
		return
	}

	userName := message.From.FirstName
	if message.From.Username != "" {
		userName = message.From.Username
	}

	msg := &channels.NormalizedMessage{
		ExternalID: strconv.Itoa(message.MessageID),
		Platform:   "telegram",
		ConfigID:   cfg.ID,
		ChatType:   chatType,
		Content:    text,
		User:       channels.PlatformUser{ID: strconv.FormatInt(message.From.ID, 10), Name: userName},
		GroupID:    strconv.FormatInt(message.Chat.ID, 10),
		Raw: map[string]any{
			"chatID":    message.Chat.ID,
			"messageID": message.MessageID,
		},
	}
	if message.MessageThreadID != 0 {
		msg.ThreadID = strconv.Itoa(message.MessageThreadID)
	}
	if isCommand {
		msg.Raw["command"] = true
	}
	msg.Attachments = attachments(message)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), processTimeout)
		defer cancel()
		engine.ProcessMessage(ctx, msg)
	}()
}

// attachments maps document and photo payloads to normalized attachments.
// Telegram file payloads need a getFile round trip to become URLs, which the
// agent cannot reach anyway, so only metadata is carried.
func attachments(message *telego.Message) []channels.Attachment {
	var out []channels.Attachment
	if message.Document != nil {
		out = append(out, channels.Attachment{
			Type:     channels.AttachmentFile,
			Name:     message.Document.FileName,
			MimeType: message.Document.MimeType,
			Size:     message.Document.FileSize,
		})
	}
	if len(message.Photo) > 0 {
		out = append(out, channels.Attachment{
			Type:     channels.AttachmentImage,
			Name:     "photo.jpg",
			MimeType: "image/jpeg",
		})
	}
	return out
}

// handleCallback resolves permission button presses and rewrites the prompt
// message with the verdict.
func (a *Adapter) handleCallback(cfg *channels.ChannelConfig, query *telego.CallbackQuery) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	b, err := a.bot(cfg)
	if err != nil {
		slog.Error("telegram callback bot", "config_id", cfg.ID, "error", err)
		return
	}

	id, approve, ok := parsePermCallbackData(query.Data)
	if !ok {
		_ = b.AnswerCallbackQuery(ctx, tu.CallbackQuery(query.ID))
		return
	}

	delivered := permissions.Default.Reply(id, approve)
	slog.Info("telegram permission click",
		"config_id", cfg.ID, "permission_id", id, "approved", approve, "delivered", delivered)

	verdict := "Denied."
	if approve {
		verdict = "Approved."
	}
	if !delivered {
		verdict = "Already resolved."
	}

	if err := b.AnswerCallbackQuery(ctx, tu.CallbackQuery(query.ID).WithText(verdict)); err != nil {
		slog.Debug("telegram callback answer failed", "error", err)
	}
	if query.Message != nil && query.Message.IsAccessible() {
		_, err := b.EditMessageText(ctx, &telego.EditMessageTextParams{
			ChatID:    tu.ID(query.Message.GetChat().ID),
			MessageID: query.Message.GetMessageID(),
			Text:      "Permission request: " + strings.ToLower(verdict),
		})
		if err != nil {
			slog.Debug("telegram prompt rewrite failed", "error", err)
		}
	}
}

// requireMention reads the group mention policy, defaulting to required.
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
