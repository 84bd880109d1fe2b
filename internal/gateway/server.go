package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"tailscale.com/tsnet"

	"github.com/nextlevelbuilder/clawd/internal/config"
	"github.com/nextlevelbuilder/clawd/internal/cron"
	"github.com/nextlevelbuilder/clawd/internal/sessions"
	"github.com/nextlevelbuilder/clawd/internal/workflow"
)

// Deps wires the gateway to the rest of the runtime. Config, cron, and
// workflow accessors are funcs so hot reloads swap state without
// restarting the server.
type Deps struct {
	Config       func() *config.Config
	Sessions     *sessions.Store
	Orchestrator *Orchestrator
	Cron         func() *cron.Service
	Workflows    func() *workflow.Engine
	Logger       *slog.Logger
}

// Server terminates WebSocket chat connections and the thin REST API.
type Server struct {
	cfg       func() *config.Config
	store     *sessions.Store
	orch      *Orchestrator
	cron      func() *cron.Service
	workflows func() *workflow.Engine
	logger    *slog.Logger

	upgrader    websocket.Upgrader
	rateLimiter *RateLimiter

	mu      sync.RWMutex
	clients map[string]*Client

	httpMu     sync.Mutex
	httpServer *http.Server
	mux        *http.ServeMux
	tsServer   *tsnet.Server
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       d.Config,
		store:     d.Sessions,
		orch:      d.Orchestrator,
		cron:      d.Cron,
		workflows: d.Workflows,
		logger:    logger.With("module", "gateway"),
		clients:   make(map[string]*Client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.rateLimiter = NewRateLimiter(d.Config().Server.RateLimitRPM, 5)
	return s
}

// checkOrigin validates the Origin header against the configured list.
// No configured origins allows everything; an empty header (CLI and SDK
// clients) always passes.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg().Server.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	s.logger.Warn("origin_rejected", "origin", origin)
	return false
}

// BuildMux registers all routes once and caches the handler so extra
// listeners (tsnet) can share it.
func (s *Server) BuildMux() http.Handler {
	if s.mux == nil {
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", s.handleWebSocket)
		mux.HandleFunc("GET /health", s.handleHealth)
		s.registerAPI(mux)
		s.mux = mux
	}
	allowedUsers := func() []string { return s.cfg().Security.AllowedUsers }
	return identityMiddleware(allowedUsers, s.logger, s.mux)
}

// Listen binds the configured address without serving yet, so a reload
// can prove the new address works before tearing the old listener down.
func (s *Server) Listen() (net.Listener, error) {
	cfg := s.cfg().Server
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return net.Listen("tcp", addr)
}

// Serve runs the HTTP server on a prebound listener until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("gateway_listening", "addr", ln.Addr().String())

	if ts := s.cfg().Tailscale; ts.Hostname != "" && s.tsServer == nil {
		if err := s.startTailscale(ts); err != nil {
			s.logger.Warn("tailscale_listener_failed", "error", err)
		}
	}

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	return s.serve(ln)
}

func (s *Server) serve(ln net.Listener) error {
	srv := &http.Server{Handler: s.BuildMux()}
	s.httpMu.Lock()
	s.httpServer = srv
	s.httpMu.Unlock()
	if err := srv.Serve(ln); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// Rebind moves HTTP serving onto a replacement listener. Active runs,
// session queues, and WebSocket client state are untouched; sockets on
// the old listener close with the old server.
func (s *Server) Rebind(ln net.Listener) {
	s.shutdownHTTP()
	s.logger.Info("gateway_rebound", "addr", ln.Addr().String())
	go s.serve(ln)
}

func (s *Server) shutdownHTTP() {
	s.httpMu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.httpMu.Unlock()
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}
}

// Start binds and serves in one call.
func (s *Server) Start(ctx context.Context) error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// startTailscale adds a tailnet listener serving the same mux.
func (s *Server) startTailscale(cfg config.TailscaleConfig) error {
	s.tsServer = &tsnet.Server{
		Hostname: cfg.Hostname,
		AuthKey:  cfg.AuthKey,
		Dir:      config.ExpandHome(cfg.StateDir),
	}
	ln, err := s.tsServer.Listen("tcp", ":80")
	if err != nil {
		return err
	}
	s.logger.Info("tailscale_listening", "hostname", cfg.Hostname)
	go func() {
		if err := http.Serve(ln, s.BuildMux()); err != nil {
			s.logger.Warn("tailscale_serve_stopped", "error", err)
		}
	}()
	return nil
}

// Close cancels all runs, closes every socket with 1001, and shuts the
// HTTP server down.
func (s *Server) Close() {
	s.orch.Close()

	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.Close(websocket.CloseGoingAway, "server shutting down")
	}

	if s.tsServer != nil {
		s.tsServer.Close()
	}
	s.shutdownHTTP()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket_upgrade_failed", "error", err)
		return
	}

	client := NewClient(conn, s)
	if sessionID := r.URL.Query().Get("sessionId"); sessionID != "" {
		client.Subscribe(sessionID)
	}
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.Close(websocket.CloseNormalClosure, "")
	}()

	client.Run()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"ok":true}`))
}

// broadcast fans one frame out to every client subscribed to its session.
func (s *Server) broadcast(f Frame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		if c.subscribed(f.SessionID) {
			c.Send(f)
		}
	}
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	s.logger.Info("client_connected", "client_id", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	s.rateLimiter.Forget(c.id)
	s.logger.Info("client_disconnected", "client_id", c.id)
}

func closeDeadline() time.Time {
	return time.Now().Add(time.Second)
}
