package store

import (
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/chatbridge/internal/channels"
)

// Hydrate turns a persisted row into the runtime config the engine and
// adapters consume, decrypting the credential bag with cipher (nil cipher
// means plaintext storage).
func Hydrate(row *ConfigRow, cipher *Cipher) (*channels.ChannelConfig, error) {
	creds, err := cipher.Decrypt(row.Credentials)
	if err != nil {
		return nil, fmt.Errorf("hydrate config %s: %w", row.ID, err)
	}

	cfg := &channels.ChannelConfig{
		ID:           row.ID,
		Platform:     row.Platform,
		Name:         row.Name,
		Enabled:      row.Enabled,
		TeamID:       row.TeamID,
		Strategy:     channels.SessionStrategy(row.Strategy),
		SystemPrompt: row.SystemPrompt,
		AgentName:    row.AgentName,
	}

	if creds != "" {
		if err := json.Unmarshal([]byte(creds), &cfg.Credentials); err != nil {
			return nil, fmt.Errorf("hydrate config %s: credentials: %w", row.ID, err)
		}
	}
	if row.PlatformConfig != "" {
		if err := json.Unmarshal([]byte(row.PlatformConfig), &cfg.PlatformConfig); err != nil {
			return nil, fmt.Errorf("hydrate config %s: platform config: %w", row.ID, err)
		}
	}
	if row.Metadata != "" {
		if err := json.Unmarshal([]byte(row.Metadata), &cfg.Metadata); err != nil {
			return nil, fmt.Errorf("hydrate config %s: metadata: %w", row.ID, err)
		}
	}
	return cfg, nil
}

// Dehydrate is the inverse of Hydrate, encrypting the credential bag for
// persistence. Used by the admin surface when creating or updating configs.
func Dehydrate(cfg *channels.ChannelConfig, cipher *Cipher) (*ConfigRow, error) {
	credsJSON := ""
	if cfg.Credentials != nil {
		b, err := json.Marshal(cfg.Credentials)
		if err != nil {
			return nil, fmt.Errorf("dehydrate config %s: credentials: %w", cfg.ID, err)
		}
		credsJSON = string(b)
	}
	sealed, err := cipher.Encrypt(credsJSON)
	if err != nil {
		return nil, fmt.Errorf("dehydrate config %s: %w", cfg.ID, err)
	}

	row := &ConfigRow{
		ID:           cfg.ID,
		Platform:     cfg.Platform,
		Name:         cfg.Name,
		Enabled:      cfg.Enabled,
		TeamID:       cfg.TeamID,
		Credentials:  sealed,
		Strategy:     string(cfg.Strategy),
		SystemPrompt: cfg.SystemPrompt,
		AgentName:    cfg.AgentName,
	}
	if cfg.PlatformConfig != nil {
		b, err := json.Marshal(cfg.PlatformConfig)
		if err != nil {
			return nil, fmt.Errorf("dehydrate config %s: platform config: %w", cfg.ID, err)
		}
		row.PlatformConfig = string(b)
	}
	if cfg.Metadata != nil {
		b, err := json.Marshal(cfg.Metadata)
		if err != nil {
			return nil, fmt.Errorf("dehydrate config %s: metadata: %w", cfg.ID, err)
		}
		row.Metadata = string(b)
	}
	return row, nil
}
