// Package engine is the dispatch pipeline: it takes normalized messages
// from the adapters, resolves config and session, streams the agent's
// reply, and routes text, files, reactions and permission prompts back to
// the originating platform.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/chatbridge/internal/agent"
	"github.com/nextlevelbuilder/chatbridge/internal/bus"
	"github.com/nextlevelbuilder/chatbridge/internal/channels"
	"github.com/nextlevelbuilder/chatbridge/internal/permissions"
	"github.com/nextlevelbuilder/chatbridge/internal/queue"
	"github.com/nextlevelbuilder/chatbridge/internal/ratelimit"
	"github.com/nextlevelbuilder/chatbridge/internal/sessions"
	"github.com/nextlevelbuilder/chatbridge/internal/store"
	"github.com/nextlevelbuilder/chatbridge/pkg/protocol"
)

// readyQueueKey buffers all messages under one key: there is a single
// upstream agent server per gateway process.
const readyQueueKey = "agent"

// Config carries the engine's collaborators. Limiter, Sessions, Permissions
// and Queue default when nil.
type Config struct {
	Stores      *store.Stores
	Cipher      *store.Cipher
	Adapters    *channels.Registry
	Client      *agent.Client
	Limiter     *ratelimit.Limiter
	Sessions    *sessions.Registry
	Permissions *permissions.Registry
	Queue       *queue.Readiness
	Events      bus.Publisher // optional ops feed
}

// Engine orchestrates per-message processing. Safe for concurrent use; each
// inbound message runs on its own goroutine.
type Engine struct {
	stores   *store.Stores
	cipher   *store.Cipher
	adapters *channels.Registry
	client   *agent.Client
	limiter  *ratelimit.Limiter
	sessions *sessions.Registry
	perms    *permissions.Registry
	queue    *queue.Readiness
	events   bus.Publisher
	tracer   trace.Tracer
}

// New wires an Engine and registers it as the readiness queue's drain
// callback.
func New(cfg Config) *Engine {
	e := &Engine{
		stores:   cfg.Stores,
		cipher:   cfg.Cipher,
		adapters: cfg.Adapters,
		client:   cfg.Client,
		limiter:  cfg.Limiter,
		sessions: cfg.Sessions,
		perms:    cfg.Permissions,
		queue:    cfg.Queue,
		events:   cfg.Events,
		tracer:   otel.Tracer("chatbridge/engine"),
	}
	if e.limiter == nil {
		e.limiter = ratelimit.New()
	}
	if e.sessions == nil {
		e.sessions = sessions.NewRegistry(sessions.DefaultIdleTTL)
	}
	if e.perms == nil {
		e.perms = permissions.Default
	}
	if e.queue == nil {
		e.queue = queue.New()
	}
	e.queue.OnProcess(e.processInner)
	return e
}

// Sessions exposes the session registry for the slash-command surface.
func (e *Engine) Sessions() *sessions.Registry { return e.sessions }

// Client exposes the agent client for the slash-command surface.
func (e *Engine) Client() *agent.Client { return e.client }

// Cleanup sweeps stale rate-limit buckets and idle sessions. Called on a
// schedule by the gateway's maintenance loop.
func (e *Engine) Cleanup() {
	e.limiter.Cleanup()
	e.sessions.Cleanup()
	e.emit(protocol.EventMaintenanceSwept, map[string]any{"sessions": e.sessions.Len()})
}

// emit publishes an ops-feed event when a bus is wired.
func (e *Engine) emit(name string, payload any) {
	if e.events == nil {
		return
	}
	e.events.Broadcast(bus.Event{Name: name, Payload: payload})
}

// ProcessMessage is the canonical entry point from any adapter. It never
// returns an error to the webhook handler: failures are logged and, where a
// session was already involved, surfaced to the user as an error reaction.
func (e *Engine) ProcessMessage(ctx context.Context, msg *channels.NormalizedMessage) {
	ctx, span := e.tracer.Start(ctx, "engine.process_message", trace.WithAttributes(
		attribute.String("platform", msg.Platform),
		attribute.String("config_id", msg.ConfigID),
		attribute.String("chat_type", string(msg.ChatType)),
	))
	defer span.End()

	row, err := e.stores.Configs.FindEnabledByID(ctx, msg.ConfigID)
	if err != nil {
		slog.Error("config lookup failed", "config_id", msg.ConfigID, "error", err)
		span.SetStatus(codes.Error, "config lookup failed")
		return
	}
	if row == nil {
		slog.Warn("dropping message for unknown or disabled config", "config_id", msg.ConfigID)
		return
	}

	cfg, err := store.Hydrate(row, e.cipher)
	if err != nil {
		slog.Error("config hydration failed", "config_id", msg.ConfigID, "error", err)
		span.SetStatus(codes.Error, "config hydration failed")
		return
	}

	if res := e.limiter.Check(cfg.ID, msg.User.ID); !res.Allowed {
		slog.Warn("rate limited, dropping message",
			"config_id", cfg.ID, "user_id", msg.User.ID, "retry_after", res.RetryAfter)
		span.SetAttributes(attribute.Bool("rate_limited", true))
		e.emit(protocol.EventMessageDropped, map[string]any{
			"config_id": cfg.ID, "reason": "rate_limited",
		})
		return
	}

	e.emit(protocol.EventMessageAccepted, map[string]any{
		"config_id": cfg.ID, "platform": cfg.Platform, "chat_type": string(msg.ChatType),
	})

	if isCommand(msg) {
		if adapter := e.adapters.Get(cfg.Platform); adapter != nil {
			if e.handleCommand(ctx, adapter, cfg, msg) {
				return
			}
		}
	}

	if err := e.processInner(ctx, msg, cfg); err != nil && !errors.Is(err, queue.ErrRequeued) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// processInner runs the post-gate pipeline. It is also the readiness
// queue's drain callback, so a message buffered while the upstream was down
// re-enters here once it recovers.
func (e *Engine) processInner(ctx context.Context, msg *channels.NormalizedMessage, cfg *channels.ChannelConfig) error {
	adapter := e.adapters.Get(cfg.Platform)
	if adapter == nil {
		slog.Error("no adapter registered for platform", "platform", cfg.Platform, "config_id", cfg.ID)
		return errors.New("no adapter for platform " + cfg.Platform)
	}

	e.appendLog(ctx, store.DirectionInbound, cfg, msg, msg.Content, "")

	if ti, ok := adapter.(channels.TypingIndicator); ok {
		go func() {
			if err := ti.SendTypingIndicator(context.WithoutCancel(ctx), cfg, msg); err != nil {
				slog.Debug("typing indicator failed", "platform", cfg.Platform, "error", err)
			}
		}()
		defer func() {
			if err := ti.RemoveTypingIndicator(context.WithoutCancel(ctx), cfg, msg); err != nil {
				slog.Debug("typing indicator removal failed", "platform", cfg.Platform, "error", err)
			}
		}()
	}

	if !e.client.IsReady(ctx) {
		done := e.queue.Enqueue(readyQueueKey, msg, cfg, e.client)
		e.emit(protocol.EventQueueWaiting, map[string]any{"config_id": cfg.ID})
		go func() {
			switch err := <-done; {
			case err == nil:
				e.emit(protocol.EventQueueDrained, map[string]any{"config_id": cfg.ID})
			case errors.Is(err, queue.ErrRequeued):
				// The fresh queue entry reports the eventual outcome.
			default:
				slog.Warn("queued message dropped", "config_id", cfg.ID, "error", err)
			}
		}()
		return queue.ErrRequeued
	}

	start := time.Now()

	sessionID, err := e.sessions.Resolve(ctx, cfg, msg, e.client)
	if err != nil {
		return e.fail(ctx, adapter, cfg, msg, "session resolution failed", err)
	}

	prompt := BuildPrompt(cfg, msg)
	opts := agent.PromptOptions{
		AgentName: agentName(cfg, msg),
		Model:     resolveModel(cfg, msg),
		FileParts: fileParts(msg),
	}

	// Snapshot the workspace so the post-run diff only surfaces files this
	// message changed. Non-fatal.
	filesBefore := make(map[string]bool)
	if before, err := e.client.GetModifiedFiles(ctx); err == nil {
		for _, f := range before {
			filesBefore[f.Path] = true
		}
	}

	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()

	events, err := e.client.PromptStream(streamCtx, sessionID, prompt, opts)
	if err != nil {
		return e.fail(ctx, adapter, cfg, msg, "prompt stream failed to start", err)
	}

	var responseText string
	var collected []channels.FileOutput
	var streamErr error

	for ev := range events {
		switch ev.Type {
		case agent.EventText:
			responseText += ev.Text
		case agent.EventFile:
			collected = append(collected, channels.FileOutput{
				Name:     ev.File.Name,
				URL:      ev.File.URL,
				MimeType: ev.File.MimeType,
			})
		case agent.EventPermission:
			if prompter, ok := adapter.(channels.PermissionPrompter); ok {
				e.emit(protocol.EventPermissionAsked, map[string]any{
					"config_id": cfg.ID, "permission_id": ev.Permission.ID, "tool": ev.Permission.Tool,
				})
				approved := handlePermissionEvent(ctx, e.perms, e.client, prompter, cfg, msg, ev.Permission)
				e.emit(protocol.EventPermissionResolved, map[string]any{
					"config_id": cfg.ID, "permission_id": ev.Permission.ID, "approved": approved,
				})
			}
		case agent.EventError:
			streamErr = errors.New(ev.Text)
		}
		if streamErr != nil {
			cancelStream()
			break
		}
	}
	if streamErr != nil {
		return e.fail(ctx, adapter, cfg, msg, "agent stream error", streamErr)
	}

	resp := &channels.AgentResponse{
		Content:    responseText,
		SessionID:  sessionID,
		ModelName:  modelName(opts.Model),
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err := adapter.SendResponse(ctx, cfg, msg, resp); err != nil {
		slog.Error("response delivery failed", "platform", cfg.Platform, "config_id", cfg.ID, "error", err)
	} else {
		e.emit(protocol.EventResponseSent, map[string]any{
			"config_id": cfg.ID, "session_id": sessionID, "duration_ms": resp.DurationMs,
		})
	}

	hadFiles := e.deliverFiles(ctx, adapter, cfg, msg, collected, filesBefore)

	if reactor, ok := adapter.(channels.Reactor); ok {
		if err := reactor.ReactComplete(ctx, cfg, msg); err != nil {
			slog.Debug("completion reaction failed", "platform", cfg.Platform, "error", err)
		}
		if hadFiles {
			if err := reactor.ReactFilesChanged(ctx, cfg, msg); err != nil {
				slog.Debug("files reaction failed", "platform", cfg.Platform, "error", err)
			}
		}
	}

	e.appendLog(ctx, store.DirectionOutbound, cfg, msg, responseText, sessionID)

	slog.Info("message processed",
		"config_id", cfg.ID, "platform", cfg.Platform, "session_id", sessionID,
		"duration_ms", resp.DurationMs, "files", hadFiles)
	return nil
}

// deliverFiles sends stream-collected files plus the post-run workspace
// diff. Returns whether anything was delivered.
func (e *Engine) deliverFiles(ctx context.Context, adapter channels.Adapter, cfg *channels.ChannelConfig, msg *channels.NormalizedMessage, collected []channels.FileOutput, filesBefore map[string]bool) bool {
	sender, canSend := adapter.(channels.FileSender)
	if !canSend {
		return false
	}

	seen := make(map[string]bool)
	var ready []channels.FileOutput
	for _, f := range collected {
		if f.Content == nil && f.URL != "" {
			data, err := e.client.DownloadFile(ctx, f.URL)
			if err != nil {
				slog.Warn("file download failed", "name", f.Name, "url", f.URL, "error", err)
				continue
			}
			f.Content = data
		}
		if f.Content == nil {
			continue
		}
		seen[f.Name] = true
		ready = append(ready, f)
	}

	hadFiles := false
	if len(ready) > 0 {
		if err := sender.SendFiles(ctx, cfg, msg, ready); err != nil {
			slog.Error("file delivery failed", "config_id", cfg.ID, "error", err)
		} else {
			hadFiles = true
		}
	}

	after, err := e.client.GetModifiedFiles(ctx)
	if err != nil {
		slog.Debug("modified-files listing failed", "error", err)
		return hadFiles
	}

	var diffed []channels.FileOutput
	for _, f := range after {
		if filesBefore[f.Path] || seen[f.Name] {
			continue
		}
		data, err := e.client.DownloadFileByPath(ctx, f.Path)
		if err != nil {
			slog.Warn("modified file download failed", "path", f.Path, "error", err)
			continue
		}
		diffed = append(diffed, channels.FileOutput{Name: f.Name, Content: data})
	}
	if len(diffed) > 0 {
		if err := sender.SendFiles(ctx, cfg, msg, diffed); err != nil {
			slog.Error("file delivery failed", "config_id", cfg.ID, "error", err)
		} else {
			hadFiles = true
		}
	}
	return hadFiles
}

// fail logs a pipeline failure and surfaces it to the user as an error
// reaction. The response path is skipped entirely.
func (e *Engine) fail(ctx context.Context, adapter channels.Adapter, cfg *channels.ChannelConfig, msg *channels.NormalizedMessage, what string, err error) error {
	slog.Error(what, "config_id", cfg.ID, "platform", cfg.Platform, "error", err)
	e.emit(protocol.EventStreamFailed, map[string]any{"config_id": cfg.ID, "error": err.Error()})
	if reactor, ok := adapter.(channels.Reactor); ok {
		go func() {
			if rerr := reactor.ReactError(context.WithoutCancel(ctx), cfg, msg); rerr != nil {
				slog.Debug("error reaction failed", "platform", cfg.Platform, "error", rerr)
			}
		}()
	}
	return err
}

// appendLog writes an audit row. Failures never block the pipeline.
func (e *Engine) appendLog(ctx context.Context, dir store.Direction, cfg *channels.ChannelConfig, msg *channels.NormalizedMessage, content, sessionID string) {
	if e.stores == nil || e.stores.Messages == nil {
		return
	}
	err := e.stores.Messages.Append(ctx, &store.MessageRow{
		ID:         uuid.New(),
		Direction:  dir,
		ConfigID:   cfg.ID,
		ExternalID: msg.ExternalID,
		Content:    content,
		UserID:     msg.User.ID,
		UserName:   msg.User.Name,
		SessionID:  sessionID,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		slog.Error("audit log write failed", "config_id", cfg.ID, "direction", dir, "error", err)
	}
}

func agentName(cfg *channels.ChannelConfig, msg *channels.NormalizedMessage) string {
	if msg.Overrides != nil && msg.Overrides.AgentName != "" {
		return msg.Overrides.AgentName
	}
	return cfg.AgentName
}

// resolveModel applies the per-message override, then the config-pinned
// model, else leaves the upstream default in place.
func resolveModel(cfg *channels.ChannelConfig, msg *channels.NormalizedMessage) *agent.ModelRef {
	if msg.Overrides != nil && msg.Overrides.Model != nil {
		m := msg.Overrides.Model
		if m.ProviderID != "" && m.ModelID != "" {
			return &agent.ModelRef{ProviderID: m.ProviderID, ModelID: m.ModelID}
		}
	}
	if provider, model, ok := cfg.PinnedModel(); ok {
		return &agent.ModelRef{ProviderID: provider, ModelID: model}
	}
	return nil
}

func modelName(m *agent.ModelRef) string {
	if m == nil {
		return "default"
	}
	return m.ModelID
}

func fileParts(msg *channels.NormalizedMessage) []agent.PromptFilePart {
	var parts []agent.PromptFilePart
	for _, a := range msg.Attachments {
		if a.URL == "" {
			continue
		}
		mime := a.MimeType
		if mime == "" {
			mime = "application/octet-stream"
		}
		parts = append(parts, agent.PromptFilePart{
			Type:     "file",
			Mime:     mime,
			URL:      a.URL,
			Filename: a.Name,
		})
	}
	return parts
}
