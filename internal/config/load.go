package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:            "0.0.0.0",
			Port:            18890,
			WebhookRPS:      10,
			WebhookBurst:    30,
			MaintenanceCron: "*/5 * * * *",
		},
		Agent: AgentConfig{
			BaseURL: "http://localhost:8000",
		},
		Database: DatabaseConfig{
			Driver:     "sqlite",
			SQLitePath: "~/.chatbridge/chatbridge.db",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "chatbridge",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file is not an error: defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values; secrets only arrive this way.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("CHATBRIDGE_HOST", &c.Gateway.Host)
	if v := os.Getenv("CHATBRIDGE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	envStr("CHATBRIDGE_ADMIN_TOKEN", &c.Gateway.AdminToken)

	envStr("CHATBRIDGE_AGENT_URL", &c.Agent.BaseURL)
	envStr("CHATBRIDGE_AGENT_TOKEN", &c.Agent.Token)

	envStr("CHATBRIDGE_DB_DRIVER", &c.Database.Driver)
	envStr("CHATBRIDGE_SQLITE_PATH", &c.Database.SQLitePath)
	envStr("CHATBRIDGE_POSTGRES_DSN", &c.Database.PostgresDSN)
	if c.Database.PostgresDSN != "" && os.Getenv("CHATBRIDGE_DB_DRIVER") == "" {
		c.Database.Driver = "postgres"
	}

	envStr("CHATBRIDGE_ENCRYPTION_KEY", &c.Security.EncryptionKey)

	envStr("CHATBRIDGE_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("CHATBRIDGE_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("CHATBRIDGE_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("CHATBRIDGE_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	envStr("CHATBRIDGE_LOG_LEVEL", &c.Logging.Level)
	envStr("CHATBRIDGE_LOG_FORMAT", &c.Logging.Format)
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
