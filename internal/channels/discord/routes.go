package discord

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/chatbridge/internal/channels"
	"github.com/nextlevelbuilder/chatbridge/internal/permissions"
)

const processTimeout = 10 * time.Minute

// permCustomID encodes a permission verdict into a component custom id.
func permCustomID(id string, approve bool) string {
	if approve {
		return "perm:approve:" + id
	}
	return "perm:deny:" + id
}

// parsePermCustomID is the inverse of permCustomID.
func parsePermCustomID(customID string) (id string, approve, ok bool) {
	parts := strings.SplitN(customID, ":", 3)
	if len(parts) != 3 || parts[0] != "perm" {
		return "", false, false
	}
	return parts[2], parts[1] == "approve", true
}

// RegisterRoutes attaches the interactions endpoint. Discord signs every
// request with the application's Ed25519 key.
func (a *Adapter) RegisterRoutes(mux *http.ServeMux, engine channels.Processor) {
	mux.HandleFunc("POST /webhook/discord/{config}/interactions", func(w http.ResponseWriter, r *http.Request) {
		a.handleInteraction(w, r, engine)
	})
}

func (a *Adapter) handleInteraction(w http.ResponseWriter, r *http.Request, engine channels.Processor) {
	cfg, err := a.lookup(r.Context(), r.PathValue("config"))
	if err != nil || cfg == nil {
		http.Error(w, "unknown config", http.StatusNotFound)
		return
	}

	keyBytes, err := hex.DecodeString(cfg.Credentials["publicKey"])
	if err != nil || len(keyBytes) != ed25519.PublicKeySize {
		http.Error(w, "bad public key", http.StatusInternalServerError)
		return
	}
	if !discordgo.VerifyInteraction(r, ed25519.PublicKey(keyBytes)) {
		slog.Warn("discord signature rejected", "config_id", cfg.ID)
		http.Error(w, "signature mismatch", http.StatusUnauthorized)
		return
	}

	// VerifyInteraction restores the body after reading it.
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	var interaction discordgo.Interaction
	if err := interaction.UnmarshalJSON(body); err != nil {
		http.Error(w, "bad interaction", http.StatusBadRequest)
		return
	}

	switch interaction.Type {
	case discordgo.InteractionPing:
		writeJSON(w, discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong})

	case discordgo.InteractionApplicationCommand:
		a.handleCommand(w, cfg, &interaction, engine)

	case discordgo.InteractionMessageComponent:
		a.handleComponent(w, cfg, &interaction)

	default:
		w.WriteHeader(http.StatusOK)
	}
}

// handleCommand defers the interaction and feeds the slash command through
// the engine; the reply arrives as a followup on the interaction token.
func (a *Adapter) handleCommand(w http.ResponseWriter, cfg *channels.ChannelConfig, interaction *discordgo.Interaction, engine channels.Processor) {
	data := interaction.ApplicationCommandData()

	var text string
	for _, opt := range data.Options {
		if opt.Type == discordgo.ApplicationCommandOptionString {
			text = opt.StringValue()
			break
		}
	}
	if text == "" {
		writeJSON(w, discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{Content: "Give me something to work with."},
		})
		return
	}

	user := interaction.User
	if user == nil && interaction.Member != nil {
		user = interaction.Member.User
	}
	if user == nil {
		http.Error(w, "no user", http.StatusBadRequest)
		return
	}

	chatType := channels.ChatChannel
	if interaction.GuildID == "" {
		chatType = channels.ChatDM
	}

	msg := &channels.NormalizedMessage{
		ExternalID: interaction.ID,
		Platform:   "discord",
		ConfigID:   cfg.ID,
		ChatType:   chatType,
		Content:    text,
		User:       channels.PlatformUser{ID: user.ID, Name: user.Username},
		GroupID:    interaction.ChannelID,
		Raw: map[string]any{
			"channelID":   interaction.ChannelID,
			"interaction": interaction,
			"command":     true,
		},
	}

	writeJSON(w, discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), processTimeout)
		defer cancel()
		engine.ProcessMessage(ctx, msg)
	}()
}

// handleComponent resolves permission button clicks and rewrites the prompt
// message with the verdict.
func (a *Adapter) handleComponent(w http.ResponseWriter, cfg *channels.ChannelConfig, interaction *discordgo.Interaction) {
	id, approve, ok := parsePermCustomID(interaction.MessageComponentData().CustomID)
	if !ok {
		w.WriteHeader(http.StatusOK)
		return
	}

	delivered := permissions.Default.Reply(id, approve)
	slog.Info("discord permission click",
		"config_id", cfg.ID, "permission_id", id, "approved", approve, "delivered", delivered)

	verdict := "Denied."
	if approve {
		verdict = "Approved."
	}
	if !delivered {
		verdict = "Already resolved."
	}
	writeJSON(w, discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseUpdateMessage,
		Data: &discordgo.InteractionResponseData{Content: verdict, Components: []discordgo.MessageComponent{}},
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("interaction response write failed", "error", err)
	}
}
