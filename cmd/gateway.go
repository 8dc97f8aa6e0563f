package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/chatbridge/internal/agent"
	"github.com/nextlevelbuilder/chatbridge/internal/bootstrap"
	"github.com/nextlevelbuilder/chatbridge/internal/bus"
	"github.com/nextlevelbuilder/chatbridge/internal/channels"
	"github.com/nextlevelbuilder/chatbridge/internal/channels/discord"
	"github.com/nextlevelbuilder/chatbridge/internal/channels/slack"
	"github.com/nextlevelbuilder/chatbridge/internal/channels/telegram"
	"github.com/nextlevelbuilder/chatbridge/internal/config"
	"github.com/nextlevelbuilder/chatbridge/internal/engine"
	"github.com/nextlevelbuilder/chatbridge/internal/gateway"
	"github.com/nextlevelbuilder/chatbridge/internal/store"
	"github.com/nextlevelbuilder/chatbridge/internal/store/pg"
	"github.com/nextlevelbuilder/chatbridge/internal/store/sqlite"
	"github.com/nextlevelbuilder/chatbridge/internal/telemetry"
)

func runGateway() {
	cfgPath := resolveConfigPath()
	if wrote, err := bootstrap.EnsureConfigFile(cfgPath); err != nil {
		slog.Warn("could not seed starter config", "path", cfgPath, "error", err)
	} else if wrote {
		slog.Info("seeded starter config", "path", cfgPath)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	setupLogging(cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry init failed, continuing without tracing", "error", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(shutdownCtx); err != nil {
				slog.Debug("tracer shutdown", "error", err)
			}
		}()
	}

	stores, db, err := openStores(ctx, cfg)
	if err != nil {
		slog.Error("storage init failed", "driver", cfg.Database.Driver, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	cipher, err := store.NewCipher(cfg.Security.EncryptionKey)
	if err != nil {
		slog.Error("invalid encryption key", "error", err)
		os.Exit(1)
	}
	if cipher == nil {
		slog.Warn("no encryption key configured, credentials stored plaintext")
	}

	var clientOpts []agent.Option
	if cfg.Agent.Token != "" {
		clientOpts = append(clientOpts, agent.WithToken(cfg.Agent.Token))
	}
	client := agent.NewClient(cfg.Agent.BaseURL, clientOpts...)

	lookup := gateway.Lookup(stores, cipher)
	adapters := channels.NewRegistry()
	adapters.Register(slack.New(lookup))
	adapters.Register(discord.New(lookup))
	adapters.Register(telegram.New(lookup))

	events := bus.New()

	eng := engine.New(engine.Config{
		Stores:   stores,
		Cipher:   cipher,
		Adapters: adapters,
		Client:   client,
		Events:   events,
	})

	server := gateway.NewServer(cfg, gateway.Options{
		Events:     events,
		Stores:     stores,
		Cipher:     cipher,
		Adapters:   adapters,
		Engine:     eng,
		AdminToken: cfg.Gateway.AdminToken,
	})

	// Hot-reload the file-backed settings. Listener address and database
	// changes need a restart; the watcher only logs those.
	go func() {
		err := config.Watch(ctx, cfgPath, func(next *config.Config) {
			if next.Addr() != cfg.Addr() {
				slog.Warn("listen address changed in config file, restart to apply")
			}
		})
		if err != nil && ctx.Err() == nil {
			slog.Warn("config watcher stopped", "error", err)
		}
	}()

	slog.Info("chatbridge starting",
		"version", Version, "agent_url", cfg.Agent.BaseURL,
		"db_driver", cfg.Database.Driver, "platforms", len(adapters.All()))

	if err := server.Start(ctx); err != nil {
		slog.Error("gateway failed", "error", err)
		os.Exit(1)
	}
	slog.Info("chatbridge stopped")
}

func setupLogging(cfg *config.Config) {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func openStores(ctx context.Context, cfg *config.Config) (*store.Stores, interface{ Close() error }, error) {
	if cfg.Database.Driver == "postgres" {
		stores, db, err := pg.Open(ctx, cfg.Database.PostgresDSN)
		return stores, db, err
	}
	path := config.ExpandHome(cfg.Database.SQLitePath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, err
	}
	stores, db, err := sqlite.Open(ctx, path)
	return stores, db, err
}
