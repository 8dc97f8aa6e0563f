package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/chatbridge/internal/store"
)

const schema = `
CREATE TABLE channel_configs (
    id              TEXT PRIMARY KEY,
    platform        TEXT NOT NULL,
    name            TEXT NOT NULL DEFAULT '',
    enabled         INTEGER NOT NULL DEFAULT 1,
    team_id         TEXT,
    credentials     TEXT,
    platform_config TEXT,
    metadata        TEXT,
    strategy        TEXT NOT NULL DEFAULT 'per-user',
    system_prompt   TEXT,
    agent_name      TEXT,
    created_at      TIMESTAMP NOT NULL,
    updated_at      TIMESTAMP NOT NULL
);
CREATE TABLE message_log (
    id          TEXT PRIMARY KEY,
    direction   TEXT NOT NULL,
    config_id   TEXT NOT NULL,
    external_id TEXT,
    content     TEXT,
    user_id     TEXT,
    user_name   TEXT,
    session_id  TEXT,
    created_at  TIMESTAMP NOT NULL
);`

func openTestStore(t *testing.T) *store.Stores {
	t.Helper()
	stores, db, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Exec(schema); err != nil {
		t.Fatal(err)
	}
	return stores
}

func sampleConfig(id string) *store.ConfigRow {
	return &store.ConfigRow{
		ID:           id,
		Platform:     "slack",
		Name:         "support",
		Enabled:      true,
		TeamID:       "T123",
		Credentials:  `{"botToken":"xoxb-1"}`,
		Metadata:     `{}`,
		Strategy:     "per-thread",
		SystemPrompt: "be helpful",
		AgentName:    "general",
	}
}

func TestConfigStore_CreateAndFind(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Configs.Create(ctx, sampleConfig("cfg1")); err != nil {
		t.Fatal(err)
	}

	got, err := s.Configs.FindEnabledByID(ctx, "cfg1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("config not found")
	}
	if got.Platform != "slack" || got.Strategy != "per-thread" || got.TeamID != "T123" {
		t.Errorf("row = %+v", got)
	}

	if missing, err := s.Configs.FindEnabledByID(ctx, "nope"); err != nil || missing != nil {
		t.Errorf("missing lookup = %v, %v; want nil, nil", missing, err)
	}
}

func TestConfigStore_FindByTeamID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.Configs.Create(ctx, sampleConfig("cfg1"))

	got, err := s.Configs.FindByTeamID(ctx, "slack", "T123")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != "cfg1" {
		t.Fatalf("FindByTeamID = %+v", got)
	}

	if other, _ := s.Configs.FindByTeamID(ctx, "discord", "T123"); other != nil {
		t.Error("platform must scope the team lookup")
	}
}

func TestConfigStore_UpdateDisablesLookup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.Configs.Create(ctx, sampleConfig("cfg1"))
	if err := s.Configs.Update(ctx, "cfg1", map[string]any{"enabled": false}); err != nil {
		t.Fatal(err)
	}

	if got, _ := s.Configs.FindEnabledByID(ctx, "cfg1"); got != nil {
		t.Error("disabled config must not be found by FindEnabledByID")
	}

	rows, err := s.Configs.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Enabled {
		t.Errorf("List after disable = %+v", rows)
	}
}

func TestConfigStore_UpdateRejectsUnknownField(t *testing.T) {
	s := openTestStore(t)
	s.Configs.Create(context.Background(), sampleConfig("cfg1"))
	err := s.Configs.Update(context.Background(), "cfg1", map[string]any{"credentials; DROP TABLE": "x"})
	if err == nil {
		t.Fatal("unknown field must be rejected")
	}
}

func TestConfigStore_UpdateModelMetadata(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.Configs.Create(ctx, sampleConfig("cfg1"))
	meta := `{"model":{"providerID":"anthropic","modelID":"claude-sonnet"}}`
	if err := s.Configs.Update(ctx, "cfg1", map[string]any{"metadata": meta}); err != nil {
		t.Fatal(err)
	}

	got, _ := s.Configs.FindEnabledByID(ctx, "cfg1")
	if got.Metadata != meta {
		t.Errorf("metadata = %q", got.Metadata)
	}
	if got.UpdatedAt.Before(got.CreatedAt) {
		t.Error("updated_at should not regress on update")
	}
}

func TestConfigStore_Delete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.Configs.Create(ctx, sampleConfig("cfg1"))
	if err := s.Configs.Delete(ctx, "cfg1"); err != nil {
		t.Fatal(err)
	}
	if rows, _ := s.Configs.List(ctx); len(rows) != 0 {
		t.Errorf("List after delete = %+v", rows)
	}
}

func TestMessageLog_Append(t *testing.T) {
	s := openTestStore(t)

	err := s.Messages.Append(context.Background(), &store.MessageRow{
		ID:         uuid.New(),
		Direction:  store.DirectionInbound,
		ConfigID:   "cfg1",
		ExternalID: "m1",
		Content:    "hello",
		UserID:     "U1",
		UserName:   "alice",
		SessionID:  "sess-1",
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}
}
