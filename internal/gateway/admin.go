package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/chatbridge/internal/bus"
	"github.com/nextlevelbuilder/chatbridge/internal/channels"
	"github.com/nextlevelbuilder/chatbridge/internal/store"
	"github.com/nextlevelbuilder/chatbridge/pkg/protocol"
)

// adminAPI is the bearer-token-guarded config CRUD surface. Credentials are
// validated against the live platform before a config is accepted, and never
// echoed back.
type adminAPI struct {
	stores   *store.Stores
	cipher   *store.Cipher
	adapters *channels.Registry
	events   bus.Publisher
	token    string
}

func newAdminAPI(stores *store.Stores, cipher *store.Cipher, adapters *channels.Registry, events bus.Publisher, token string) *adminAPI {
	return &adminAPI{stores: stores, cipher: cipher, adapters: adapters, events: events, token: token}
}

func (h *adminAPI) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/configs", h.auth(h.handleList))
	mux.HandleFunc("POST /v1/configs", h.auth(h.handleCreate))
	mux.HandleFunc("GET /v1/configs/{id}", h.auth(h.handleGet))
	mux.HandleFunc("PUT /v1/configs/{id}", h.auth(h.handleUpdate))
	mux.HandleFunc("DELETE /v1/configs/{id}", h.auth(h.handleDelete))
}

func (h *adminAPI) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if subtle.ConstantTimeCompare([]byte(bearerToken(r)), []byte(h.token)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimPrefix(auth, prefix)
}

func (h *adminAPI) emitChanged(id, action string) {
	if h.events == nil {
		return
	}
	h.events.Broadcast(bus.Event{
		Name:    protocol.EventConfigChanged,
		Payload: map[string]string{"config_id": id, "action": action},
	})
}

// maskConfig renders a row for API output with secrets withheld.
func maskConfig(row *store.ConfigRow) map[string]any {
	return map[string]any{
		"id":              row.ID,
		"platform":        row.Platform,
		"name":            row.Name,
		"enabled":         row.Enabled,
		"team_id":         row.TeamID,
		"strategy":        row.Strategy,
		"system_prompt":   row.SystemPrompt,
		"agent_name":      row.AgentName,
		"has_credentials": row.Credentials != "",
		"created_at":      row.CreatedAt.Format(time.RFC3339),
		"updated_at":      row.UpdatedAt.Format(time.RFC3339),
	}
}

func (h *adminAPI) handleList(w http.ResponseWriter, r *http.Request) {
	rows, err := h.stores.Configs.List(r.Context())
	if err != nil {
		slog.Error("admin config list", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list configs"})
		return
	}
	result := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		result = append(result, maskConfig(row))
	}
	writeJSON(w, http.StatusOK, map[string]any{"configs": result, "total": len(result)})
}

type configBody struct {
	Platform       string            `json:"platform"`
	Name           string            `json:"name"`
	TeamID         string            `json:"team_id"`
	Credentials    map[string]string `json:"credentials"`
	PlatformConfig map[string]any    `json:"platform_config"`
	Strategy       string            `json:"strategy"`
	SystemPrompt   string            `json:"system_prompt"`
	AgentName      string            `json:"agent_name"`
	Enabled        *bool             `json:"enabled"`
}

func (h *adminAPI) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body configBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if body.Platform == "" || body.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "platform and name are required"})
		return
	}

	adapter := h.adapters.Get(body.Platform)
	if adapter == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown platform"})
		return
	}

	// Validation mutates the bag: adapters record derived identity fields
	// (bot user id, team id) they need at webhook time.
	if res := adapter.ValidateCredentials(r.Context(), body.Credentials); !res.Valid {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "credential validation failed: " + res.Error})
		return
	}

	strategy := channels.SessionStrategy(body.Strategy)
	if body.Strategy == "" {
		strategy = channels.StrategyPerUser
	}
	enabled := true
	if body.Enabled != nil {
		enabled = *body.Enabled
	}

	cfg := &channels.ChannelConfig{
		ID:             uuid.NewString(),
		Platform:       body.Platform,
		Name:           body.Name,
		Enabled:        enabled,
		TeamID:         body.TeamID,
		Credentials:    body.Credentials,
		PlatformConfig: body.PlatformConfig,
		Strategy:       strategy,
		SystemPrompt:   body.SystemPrompt,
		AgentName:      body.AgentName,
	}

	row, err := store.Dehydrate(cfg, h.cipher)
	if err != nil {
		slog.Error("admin config encode", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to encode config"})
		return
	}
	if err := h.stores.Configs.Create(r.Context(), row); err != nil {
		slog.Error("admin config create", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to create config"})
		return
	}

	h.emitChanged(cfg.ID, "created")
	slog.Info("channel config created", "config_id", cfg.ID, "platform", cfg.Platform, "name", cfg.Name)
	writeJSON(w, http.StatusCreated, map[string]any{"id": cfg.ID})
}

func (h *adminAPI) handleGet(w http.ResponseWriter, r *http.Request) {
	rows, err := h.stores.Configs.List(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
		return
	}
	id := r.PathValue("id")
	for _, row := range rows {
		if row.ID == id {
			writeJSON(w, http.StatusOK, maskConfig(row))
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
}

// handleUpdate persists a partial change on the allow-listed fields.
func (h *adminAPI) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name           *string        `json:"name"`
		Enabled        *bool          `json:"enabled"`
		Strategy       *string        `json:"strategy"`
		SystemPrompt   *string        `json:"system_prompt"`
		AgentName      *string        `json:"agent_name"`
		PlatformConfig map[string]any `json:"platform_config"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	fields := make(map[string]any)
	if body.Name != nil {
		fields["name"] = *body.Name
	}
	if body.Enabled != nil {
		fields["enabled"] = *body.Enabled
	}
	if body.Strategy != nil {
		fields["strategy"] = *body.Strategy
	}
	if body.SystemPrompt != nil {
		fields["system_prompt"] = *body.SystemPrompt
	}
	if body.AgentName != nil {
		fields["agent_name"] = *body.AgentName
	}
	if body.PlatformConfig != nil {
		raw, err := json.Marshal(body.PlatformConfig)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid platform_config"})
			return
		}
		fields["platform_config"] = string(raw)
	}
	if len(fields) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "nothing to update"})
		return
	}

	id := r.PathValue("id")
	if err := h.stores.Configs.Update(r.Context(), id, fields); err != nil {
		slog.Error("admin config update", "config_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to update config"})
		return
	}

	h.emitChanged(id, "updated")
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (h *adminAPI) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.stores.Configs.Delete(r.Context(), id); err != nil {
		slog.Error("admin config delete", "config_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to delete config"})
		return
	}
	h.emitChanged(id, "deleted")
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response write failed", "error", err)
	}
}
