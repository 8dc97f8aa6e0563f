// Package pg implements the store interfaces on PostgreSQL via the pgx
// stdlib driver.
package pg

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/chatbridge/internal/store"
)

// Open connects, pings, and returns the store bundle.
func Open(ctx context.Context, dsn string) (*store.Stores, *sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("pg: open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("pg: ping: %w", err)
	}

	return &store.Stores{
		Configs:  &ConfigStore{db: db},
		Messages: &MessageLog{db: db},
	}, db, nil
}

// ConfigStore reads and writes channel_configs.
type ConfigStore struct {
	db *sql.DB
}

const configColumns = `id, platform, name, enabled, team_id, credentials,
	platform_config, metadata, strategy, system_prompt, agent_name,
	created_at, updated_at`

func scanConfig(row interface{ Scan(...any) error }) (*store.ConfigRow, error) {
	var c store.ConfigRow
	var teamID, creds, pc, md, sp, agent sql.NullString
	err := row.Scan(&c.ID, &c.Platform, &c.Name, &c.Enabled, &teamID, &creds,
		&pc, &md, &c.Strategy, &sp, &agent, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.TeamID = teamID.String
	c.Credentials = creds.String
	c.PlatformConfig = pc.String
	c.Metadata = md.String
	c.SystemPrompt = sp.String
	c.AgentName = agent.String
	return &c, nil
}

func (s *ConfigStore) FindEnabledByID(ctx context.Context, id string) (*store.ConfigRow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+configColumns+` FROM channel_configs WHERE id = $1 AND enabled = TRUE`, id)
	c, err := scanConfig(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pg: find config %s: %w", id, err)
	}
	return c, nil
}

func (s *ConfigStore) FindByTeamID(ctx context.Context, platform, teamID string) (*store.ConfigRow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+configColumns+` FROM channel_configs
		 WHERE platform = $1 AND team_id = $2 AND enabled = TRUE
		 ORDER BY updated_at DESC LIMIT 1`, platform, teamID)
	c, err := scanConfig(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pg: find config by team %s/%s: %w", platform, teamID, err)
	}
	return c, nil
}

func (s *ConfigStore) List(ctx context.Context) ([]*store.ConfigRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+configColumns+` FROM channel_configs ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("pg: list configs: %w", err)
	}
	defer rows.Close()

	var out []*store.ConfigRow
	for rows.Next() {
		c, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("pg: scan config: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *ConfigStore) Create(ctx context.Context, row *store.ConfigRow) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channel_configs
		 (id, platform, name, enabled, team_id, credentials, platform_config,
		  metadata, strategy, system_prompt, agent_name, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		row.ID, row.Platform, row.Name, row.Enabled, row.TeamID, row.Credentials,
		row.PlatformConfig, row.Metadata, row.Strategy, row.SystemPrompt,
		row.AgentName, now, now)
	if err != nil {
		return fmt.Errorf("pg: create config %s: %w", row.ID, err)
	}
	return nil
}

var updatableConfigFields = map[string]bool{
	"name": true, "enabled": true, "metadata": true, "agent_name": true,
	"system_prompt": true, "strategy": true, "platform_config": true,
	"credentials": true, "team_id": true,
}

func (s *ConfigStore) Update(ctx context.Context, id string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	sets := make([]string, 0, len(fields)+1)
	args := make([]any, 0, len(fields)+2)
	i := 1
	for k, v := range fields {
		if !updatableConfigFields[k] {
			return fmt.Errorf("pg: update config: unknown field %q", k)
		}
		sets = append(sets, fmt.Sprintf("%s = $%d", k, i))
		args = append(args, v)
		i++
	}
	sets = append(sets, fmt.Sprintf("updated_at = $%d", i))
	args = append(args, time.Now().UTC())
	i++
	args = append(args, id)

	query := fmt.Sprintf("UPDATE channel_configs SET %s WHERE id = $%d",
		strings.Join(sets, ", "), i)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("pg: update config %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("pg: update config %s: not found", id)
	}
	return nil
}

func (s *ConfigStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM channel_configs WHERE id = $1`, id); err != nil {
		return fmt.Errorf("pg: delete config %s: %w", id, err)
	}
	return nil
}

// MessageLog appends to message_log.
type MessageLog struct {
	db *sql.DB
}

func (l *MessageLog) Append(ctx context.Context, row *store.MessageRow) error {
	created := row.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO message_log
		 (id, direction, config_id, external_id, content, user_id, user_name,
		  session_id, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		row.ID, row.Direction, row.ConfigID, row.ExternalID, row.Content,
		row.UserID, row.UserName, row.SessionID, created)
	if err != nil {
		return fmt.Errorf("pg: append message: %w", err)
	}
	return nil
}
