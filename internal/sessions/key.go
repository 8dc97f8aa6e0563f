// Package sessions maps chat identities to long-lived upstream agent
// sessions.
//
// Session keys are composite and strategy-dependent:
//
//	single:      {configId}
//	per-user:    {configId}:user:{platformUserId}
//	per-thread:  {configId}:thread:{threadId}   (falls back to the user id)
//	per-message: {configId}:msg:{externalMessageId}   (effectively one-shot)
package sessions

import (
	"fmt"

	"github.com/nextlevelbuilder/chatbridge/internal/channels"
)

// Key builds the registry key for a message under a strategy. Unknown
// strategies degrade to per-user, the safest multi-tenant default.
func Key(strategy channels.SessionStrategy, configID string, msg *channels.NormalizedMessage) string {
	switch strategy {
	case channels.StrategySingle:
		return configID
	case channels.StrategyPerThread:
		scope := msg.ThreadID
		if scope == "" {
			scope = msg.User.ID
		}
		return fmt.Sprintf("%s:thread:%s", configID, scope)
	case channels.StrategyPerMessage:
		return fmt.Sprintf("%s:msg:%s", configID, msg.ExternalID)
	default: // per-user
		return fmt.Sprintf("%s:user:%s", configID, msg.User.ID)
	}
}
