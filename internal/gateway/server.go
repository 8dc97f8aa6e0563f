// Package gateway is the HTTP surface of the bridge: platform webhook
// routes, the admin config API, a health endpoint, and a WebSocket feed of
// operational events.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/chatbridge/internal/bus"
	"github.com/nextlevelbuilder/chatbridge/internal/channels"
	"github.com/nextlevelbuilder/chatbridge/internal/config"
	"github.com/nextlevelbuilder/chatbridge/internal/engine"
	"github.com/nextlevelbuilder/chatbridge/internal/store"
	"github.com/nextlevelbuilder/chatbridge/pkg/protocol"
)

// Options carries the server's collaborators.
type Options struct {
	Events     bus.Publisher
	Stores     *store.Stores
	Cipher     *store.Cipher
	Adapters   *channels.Registry
	Engine     *engine.Engine
	AdminToken string // empty disables the admin API
}

// Server handles webhook ingress and the operational feed.
type Server struct {
	cfg      *config.Config
	events   bus.Publisher
	stores   *store.Stores
	cipher   *store.Cipher
	adapters *channels.Registry
	engine   *engine.Engine
	admin    *adminAPI

	upgrader websocket.Upgrader
	guard    *ipGuard
	clients  map[string]*Client
	mu       sync.RWMutex

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a gateway server.
func NewServer(cfg *config.Config, opts Options) *Server {
	s := &Server{
		cfg:      cfg,
		events:   opts.Events,
		stores:   opts.Stores,
		cipher:   opts.Cipher,
		adapters: opts.Adapters,
		engine:   opts.Engine,
		clients:  make(map[string]*Client),
		guard:    newIPGuard(cfg.Gateway.WebhookRPS, cfg.Gateway.WebhookBurst),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	if opts.AdminToken != "" {
		s.admin = newAdminAPI(opts.Stores, opts.Cipher, opts.Adapters, opts.Events, opts.AdminToken)
	}
	return s
}

// Lookup builds the config-lookup closure adapters use to verify webhook
// signatures before the engine runs its own lookup.
func Lookup(stores *store.Stores, cipher *store.Cipher) channels.ConfigLookup {
	return func(ctx context.Context, id string) (*channels.ChannelConfig, error) {
		row, err := stores.Configs.FindEnabledByID(ctx, id)
		if err != nil || row == nil {
			return nil, err
		}
		return store.Hydrate(row, cipher)
	}
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)

	// Webhook routes sit behind the per-IP ingress guard.
	webhooks := http.NewServeMux()
	for _, adapter := range s.adapters.All() {
		adapter.RegisterRoutes(webhooks, s.engine)
	}
	mux.Handle("/webhook/", s.guard.wrap(webhooks))

	if s.admin != nil {
		s.admin.RegisterRoutes(mux)
	}

	s.mux = mux
	return mux
}

// Start begins listening and blocks until ctx is cancelled or the listener
// fails. The maintenance loop runs alongside.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("gateway starting", "addr", s.cfg.Addr())

	go s.runMaintenance(ctx)

	go func() {
		<-ctx.Done()
		s.broadcast(protocol.NewEvent(protocol.EventShutdown, nil))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("gateway shutdown", "error", err)
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// handleWebSocket upgrades the connection and streams the ops feed until
// the peer goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := newClient(conn)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	client.Run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d,"platforms":%q}`,
		protocol.ProtocolVersion, strings.Join(s.platforms(), ","))
}

func (s *Server) platforms() []string {
	var names []string
	for _, a := range s.adapters.All() {
		names = append(names, a.Type())
	}
	return names
}

// broadcast pushes a frame to every connected feed client.
func (s *Server) broadcast(frame *protocol.EventFrame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, client := range s.clients {
		client.SendEvent(frame)
	}
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	if s.events != nil {
		s.events.Subscribe(c.id, func(event bus.Event) {
			c.SendEvent(protocol.NewEvent(event.Name, event.Payload))
		})
	}
	slog.Info("feed client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()

	if s.events != nil {
		s.events.Unsubscribe(c.id)
	}
	slog.Info("feed client disconnected", "id", c.id)
}
