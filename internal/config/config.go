// Package config holds gateway process configuration: a JSON5 file overlaid
// with CHATBRIDGE_* environment variables. Secrets (tokens, DSNs, the
// encryption key) are env-only and never written back to disk.
package config

import (
	"fmt"
	"sync"
)

// Config is the full gateway configuration.
type Config struct {
	mu sync.RWMutex

	Gateway   GatewayConfig   `json:"gateway"`
	Agent     AgentConfig     `json:"agent"`
	Database  DatabaseConfig  `json:"database"`
	Security  SecurityConfig  `json:"security"`
	Telemetry TelemetryConfig `json:"telemetry"`
	Logging   LoggingConfig   `json:"logging"`
}

// GatewayConfig is the HTTP listener and webhook guard settings.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`

	// WebhookRPS / WebhookBurst bound per-client-IP webhook ingestion.
	WebhookRPS   float64 `json:"webhookRps"`
	WebhookBurst int     `json:"webhookBurst"`

	// MaintenanceCron schedules the sweep of stale rate-limit buckets and
	// idle sessions.
	MaintenanceCron string `json:"maintenanceCron"`

	// AdminToken guards the config CRUD API. Empty disables it. Env-only.
	AdminToken string `json:"-"`
}

// AgentConfig points at the upstream agent server.
type AgentConfig struct {
	BaseURL string `json:"baseUrl"`
	Token   string `json:"-"` // env-only
}

// DatabaseConfig selects and configures the storage backend.
type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver      string `json:"driver"`
	SQLitePath  string `json:"sqlitePath"`
	PostgresDSN string `json:"-"` // env-only
}

// SecurityConfig carries the at-rest credential encryption key.
type SecurityConfig struct {
	// EncryptionKey is a hex-encoded 32-byte key. Empty means credentials
	// are stored plaintext. Env-only.
	EncryptionKey string `json:"-"`
}

// TelemetryConfig configures the OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint"`
	Insecure    bool   `json:"insecure"`
	ServiceName string `json:"serviceName"`
}

// LoggingConfig tunes the process logger.
type LoggingConfig struct {
	// Level is "debug", "info", "warn" or "error".
	Level string `json:"level"`
	// Format is "text" or "json".
	Format string `json:"format"`
}

// Addr returns the gateway listen address.
func (c *Config) Addr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("%s:%d", c.Gateway.Host, c.Gateway.Port)
}

// Validate rejects configurations the gateway cannot start with.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("config: invalid gateway port %d", c.Gateway.Port)
	}
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("config: sqlite driver requires sqlitePath")
		}
	case "postgres":
		if c.Database.PostgresDSN == "" {
			return fmt.Errorf("config: postgres driver requires CHATBRIDGE_POSTGRES_DSN")
		}
	default:
		return fmt.Errorf("config: unknown database driver %q", c.Database.Driver)
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("config: telemetry enabled without endpoint")
	}
	return nil
}
