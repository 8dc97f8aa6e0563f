package engine

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/chatbridge/internal/agent"
	"github.com/nextlevelbuilder/chatbridge/internal/channels"
	"github.com/nextlevelbuilder/chatbridge/internal/permissions"
)

// permissionReplier is the slice of the agent client the bridge needs.
type permissionReplier interface {
	ReplyPermission(ctx context.Context, id string, approved bool)
}

// handlePermissionEvent forwards an agent permission prompt to the end user
// and relays the answer back upstream. Blocks until the user replies or the
// registry times the entry out; either way the upstream is informed. Returns
// the approval.
func handlePermissionEvent(
	ctx context.Context,
	reg *permissions.Registry,
	client permissionReplier,
	prompter channels.PermissionPrompter,
	cfg *channels.ChannelConfig,
	msg *channels.NormalizedMessage,
	ask *agent.PermissionAsk,
) bool {
	wait := reg.Create(ask.ID)

	req := channels.PermissionRequest{
		ID:          ask.ID,
		Tool:        ask.Tool,
		Description: ask.Description,
	}
	if err := prompter.SendPermissionRequest(ctx, cfg, msg, req); err != nil {
		slog.Error("permission prompt delivery failed, auto-rejecting",
			"id", ask.ID, "tool", ask.Tool, "error", err)
		// Resolve our own entry so the channel read below returns promptly.
		reg.Reply(ask.ID, false)
		<-wait
		client.ReplyPermission(ctx, ask.ID, false)
		return false
	}

	approved := <-wait
	client.ReplyPermission(ctx, ask.ID, approved)
	slog.Info("permission resolved", "id", ask.ID, "tool", ask.Tool, "approved", approved)
	return approved
}
