package store

import (
	"testing"

	"github.com/nextlevelbuilder/chatbridge/internal/channels"
)

func TestHydrate(t *testing.T) {
	row := &ConfigRow{
		ID:             "cfg1",
		Platform:       "slack",
		Name:           "support",
		Enabled:        true,
		TeamID:         "T123",
		Credentials:    `{"botToken":"xoxb-1","signingSecret":"sig"}`,
		PlatformConfig: `{"channelPrompts":{"C1":"be terse"}}`,
		Metadata:       `{"model":{"providerID":"anthropic","modelID":"claude-sonnet"}}`,
		Strategy:       "per-thread",
		SystemPrompt:   "be helpful",
		AgentName:      "general",
	}

	cfg, err := Hydrate(row, nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Credentials["botToken"] != "xoxb-1" {
		t.Errorf("credentials = %v", cfg.Credentials)
	}
	if cfg.Strategy != channels.StrategyPerThread {
		t.Errorf("strategy = %q", cfg.Strategy)
	}
	if got := cfg.ChannelPrompt("C1"); got != "be terse" {
		t.Errorf("channel prompt = %q", got)
	}
	provider, model, ok := cfg.PinnedModel()
	if !ok || provider != "anthropic" || model != "claude-sonnet" {
		t.Errorf("pinned model = %q/%q ok=%v", provider, model, ok)
	}
}

func TestHydrate_EmptyJSONColumns(t *testing.T) {
	cfg, err := Hydrate(&ConfigRow{ID: "cfg1", Platform: "telegram", Strategy: "per-user"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Credentials != nil || cfg.Metadata != nil {
		t.Errorf("empty columns should stay nil: %+v", cfg)
	}
}

func TestHydrate_BadCredentialsJSON(t *testing.T) {
	_, err := Hydrate(&ConfigRow{ID: "cfg1", Credentials: "{not json"}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestDehydrateRoundTrip(t *testing.T) {
	cipher, err := NewCipher(testKey)
	if err != nil {
		t.Fatal(err)
	}

	cfg := &channels.ChannelConfig{
		ID:          "cfg1",
		Platform:    "discord",
		Enabled:     true,
		Credentials: map[string]string{"botToken": "secret-token"},
		Metadata:    map[string]any{"team": "eng"},
		Strategy:    channels.StrategyPerUser,
	}

	row, err := Dehydrate(cfg, cipher)
	if err != nil {
		t.Fatal(err)
	}
	if row.Credentials == "" || row.Credentials[:7] != "enc:v1:" {
		t.Errorf("credentials not sealed: %q", row.Credentials)
	}

	back, err := Hydrate(row, cipher)
	if err != nil {
		t.Fatal(err)
	}
	if back.Credentials["botToken"] != "secret-token" {
		t.Errorf("round trip credentials = %v", back.Credentials)
	}
	if back.Metadata["team"] != "eng" {
		t.Errorf("round trip metadata = %v", back.Metadata)
	}
}
