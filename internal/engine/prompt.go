package engine

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/chatbridge/internal/channels"
)

// formattingDirective keeps replies renderable on platforms whose markdown
// dialect chokes on headings and nested lists.
const formattingDirective = "Format replies as plain conversational text. " +
	"Avoid markdown headings, tables and nested lists; short paragraphs and " +
	"simple dashes only."

// BuildPrompt assembles the upstream prompt for one message. Sections are
// joined by blank lines, in a fixed order: system prompt, channel-specific
// instructions, formatting directive, metadata line, thread context, then
// the user content.
func BuildPrompt(cfg *channels.ChannelConfig, msg *channels.NormalizedMessage) string {
	var sections []string

	if cfg.SystemPrompt != "" {
		sections = append(sections, cfg.SystemPrompt)
	}

	if prompt := cfg.ChannelPrompt(msg.GroupID); prompt != "" {
		sections = append(sections, "[Channel-specific instructions]\n"+prompt)
	}

	if cfg.Platform == "slack" || cfg.Platform == "telegram" {
		sections = append(sections, formattingDirective)
	}

	sections = append(sections, fmt.Sprintf("[Channel: %s | Chat: %s | User: %s]",
		cfg.Platform, msg.ChatType, msg.User.Name))

	if len(msg.ThreadContext) > 0 {
		sections = append(sections, renderThreadContext(msg.ThreadContext))
	}

	sections = append(sections, msg.Content)
	return strings.Join(sections, "\n\n")
}

func renderThreadContext(entries []channels.ThreadContextEntry) string {
	var b strings.Builder
	b.WriteString("[Earlier in this thread]\n")
	for _, e := range entries {
		if e.IsBot {
			b.WriteString("Assistant: ")
		} else {
			b.WriteString(e.Sender + ": ")
		}
		b.WriteString(e.Text)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
