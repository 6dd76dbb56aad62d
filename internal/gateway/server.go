// Package gateway implements the WebSocket protocol runtime: handshake
// and authentication, the connection registry, authorization, method
// dispatch, event broadcasting with backpressure, the chat-run state
// machine and the node invocation protocol.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/wiregate/internal/agent"
	"github.com/haasonsaas/wiregate/internal/auth"
	"github.com/haasonsaas/wiregate/internal/cache"
	"github.com/haasonsaas/wiregate/internal/channels"
	"github.com/haasonsaas/wiregate/internal/config"
	"github.com/haasonsaas/wiregate/internal/observability"
	"github.com/haasonsaas/wiregate/internal/protocol"
	"github.com/haasonsaas/wiregate/internal/ratelimit"
	"github.com/haasonsaas/wiregate/internal/sessions"
)

// Options wires the server's collaborators. Everything is injected
// explicitly; the gateway holds no ambient global state.
type Options struct {
	Config   *config.Snapshot
	Logger   *slog.Logger
	Metrics  *observability.Metrics
	Resolver *auth.Resolver
	Limiter  *ratelimit.Limiter
	Engine   agent.Engine
	Sessions sessions.Store
	Channels *channels.Registry

	// Registerer receives the metrics; nil uses the default registry.
	Registerer prometheus.Registerer
}

// Server is the gateway runtime. One Server owns the connection
// registry and all the per-connection actors it spawns.
type Server struct {
	config   *config.Snapshot
	logger   *slog.Logger
	metrics  *observability.Metrics
	resolver *auth.Resolver
	limiter  *ratelimit.Limiter

	registry    *Registry
	broadcaster *Broadcaster
	dispatcher  *Dispatcher
	chat        *ChatRuns
	nodes       *NodeRegistry
	dedupe      *cache.DedupeCache
	sessions    sessions.Store
	channels    *channels.Registry

	upgrader  websocket.Upgrader
	startTime time.Time
	sweeper   *sweeper

	httpServer *http.Server
}

// NewServer wires the gateway runtime from its collaborators and
// registers the core method handlers.
func NewServer(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, errors.New("gateway: config snapshot is required")
	}
	if opts.Engine == nil {
		return nil, errors.New("gateway: agent engine is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "gateway")

	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics(opts.Registerer)
	}

	cfg := opts.Config.Current()
	limiter := opts.Limiter
	if limiter == nil {
		limiter = ratelimit.NewLimiter(cfg.Gateway.RateLimit)
	}
	resolver := opts.Resolver
	if resolver == nil {
		return nil, errors.New("gateway: auth resolver is required")
	}

	s := &Server{
		config:   opts.Config,
		logger:   logger,
		metrics:  metrics,
		resolver: resolver,
		limiter:  limiter,
		registry: NewRegistry(),
		dedupe: cache.New(cache.Options{
			TTL:     cfg.Gateway.Dedupe.TTL,
			MaxSize: cfg.Gateway.Dedupe.MaxSize,
		}),
		sessions: opts.Sessions,
		channels: opts.Channels,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		startTime: time.Now(),
	}

	s.broadcaster = NewBroadcaster(s.registry, logger, metrics)
	s.broadcaster.onSlowConsumer = func(c *Conn) {
		s.dropConnection(c, protocol.CloseSlowConsumer, "slow consumer")
	}
	s.nodes = NewNodeRegistry(logger, metrics, cfg.Gateway.Limits.InvokeTimeout)
	s.chat = NewChatRuns(ChatRunsOptions{
		Engine:        opts.Engine,
		Broadcaster:   s.broadcaster,
		Store:         opts.Sessions,
		Logger:        logger,
		Metrics:       metrics,
		Subscribers:   s.nodes.SubscriberConns,
		DeltaInterval: cfg.Gateway.Limits.DeltaInterval,
		RunTimeout:    cfg.Gateway.Limits.RunTimeout,
	})

	s.dispatcher = NewDispatcher(&Deps{
		Broadcaster: s.broadcaster,
		Registry:    s.registry,
		Chat:        s.chat,
		Nodes:       s.nodes,
		Sessions:    opts.Sessions,
		Channels:    opts.Channels,
		Dedupe:      s.dedupe,
		Logger:      logger,
	})
	if err := s.registerCoreHandlers(); err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}

	s.sweeper = newSweeper(s)
	return s, nil
}

// RegisterHandler adds an externally contributed method handler. This
// is the second registration phase: colliding with a core method fails
// unless RegisterOverrideHandler is used explicitly.
func (s *Server) RegisterHandler(method string, h Handler) error {
	return s.dispatcher.Register(method, h)
}

// RegisterOverrideHandler explicitly replaces a registered handler.
func (s *Server) RegisterOverrideHandler(method string, h Handler) error {
	return s.dispatcher.RegisterOverride(method, h)
}

// Broadcaster exposes the broadcast API to collaborators (plugin
// handlers, channel adapters).
func (s *Server) Broadcaster() *Broadcaster { return s.broadcaster }

// Handler returns the HTTP mux serving the WebSocket endpoint, the
// metrics endpoint and a liveness probe.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"status":   "ok",
			"uptimeMs": uptimeMs(s.startTime),
		})
	})
	return mux
}

// Start serves HTTP until ctx is cancelled. Failure to listen is a
// process-level fault.
func (s *Server) Start(ctx context.Context) error {
	cfg := s.config.Current()
	addr := net.JoinHostPort(cfg.Server.Host, fmt.Sprintf("%d", cfg.Server.Port))
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.sweeper.start()
	go s.tickLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", "addr", addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("gateway listen: %w", err)
	}
}

// Shutdown stops the HTTP server and closes every connection.
func (s *Server) Shutdown(ctx context.Context) error {
	s.sweeper.stop()
	for _, c := range s.registry.List() {
		s.dropConnection(c, websocket.CloseGoingAway, "server shutting down")
	}
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// serveWS upgrades the socket and runs the connection actor: issue the
// challenge, arm the handshake timer, then loop over inbound frames.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	cfg := s.config.Current()
	conn := newConn(ws, uuid.NewString(), int64(cfg.Gateway.Limits.MaxBufferedBytes))
	conn.challenge = uuid.NewString()

	queryHasSecret := r.URL.Query().Has("token") || r.URL.Query().Has("password")

	handshakeTimeout := cfg.Gateway.Limits.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	conn.handshakeTimer = time.AfterFunc(handshakeTimeout, func() {
		if conn.State() != StateAuthenticated {
			s.logger.Info("handshake timed out", "conn_id", conn.ID, "remote_addr", conn.RemoteAddr)
			if s.metrics != nil {
				s.metrics.HandshakeCounter.WithLabelValues("timeout").Inc()
			}
			conn.closeWithCode(protocol.CloseHandshakeTimeout, "handshake timeout")
		}
	})

	go conn.writeLoop()

	// The challenge nonce goes out before any request is accepted so
	// device signatures can bind to it.
	conn.sendEvent("connect.challenge", map[string]any{"nonce": conn.challenge})

	s.readLoop(r, conn, queryHasSecret)
	s.teardown(conn)
}

func (s *Server) readLoop(r *http.Request, conn *Conn, queryHasSecret bool) {
	conn.ws.SetReadLimit(protocol.MaxFrameBytes)

	for {
		messageType, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		conn.touchInput()

		frame, err := protocol.Decode(data)
		if err != nil {
			// Malformed frames never crash the loop. Unauthenticated
			// peers get disconnected; from authenticated ones the frame
			// is dropped, since a response id could not echo any request.
			if conn.State() != StateAuthenticated {
				conn.closeWithCode(websocket.CloseUnsupportedData, "malformed frame")
				return
			}
			s.logger.Debug("dropping malformed frame", "conn_id", conn.ID, "error", err)
			continue
		}
		if frame.Type != protocol.TypeRequest {
			continue
		}

		if conn.State() != StateAuthenticated {
			if frame.Method != "connect" {
				conn.sendErrorResponse(frame.ID, protocol.NewError(
					protocol.CodeUnauthorized, "first request must be connect"))
				continue
			}
			if closed := s.handleConnect(r, conn, frame, queryHasSecret); closed {
				return
			}
			continue
		}

		if frame.Method == "connect" {
			conn.sendErrorResponse(frame.ID, protocol.NewError(
				protocol.CodeBadRequest, "connection is already authenticated"))
			continue
		}

		response := s.dispatcher.Dispatch(r.Context(), conn, frame)
		conn.sendFrame(response)
	}
}

// handleConnect runs the handshake for one connect request. It reports
// whether the connection was closed.
func (s *Server) handleConnect(r *http.Request, conn *Conn, frame *protocol.Frame, queryHasSecret bool) bool {
	cfg := s.config.Current()

	if err := protocol.ValidateConnectParams(frame.Params); err != nil {
		conn.sendErrorResponse(frame.ID, protocol.NewError(protocol.CodeBadRequest, err.Error()))
		return false
	}
	var params protocol.ConnectParams
	if shape := decodeParams(frame.Params, &params); shape != nil {
		conn.sendErrorResponse(frame.ID, shape)
		return false
	}

	minP, maxP := params.MinProtocol, params.MaxProtocol
	if minP <= 0 {
		minP = protocol.Version
	}
	if maxP <= 0 {
		maxP = protocol.Version
	}
	if protocol.Version < minP || protocol.Version > maxP {
		conn.sendErrorResponse(frame.ID, protocol.NewError(
			protocol.CodeBadRequest,
			fmt.Sprintf("unsupported protocol range [%d,%d], server speaks %d", minP, maxP, protocol.Version)))
		conn.closeWithCode(protocol.CloseUnauthorized, "protocol mismatch")
		return true
	}

	result := s.resolver.AuthorizeConnect(r.Context(), auth.ConnectRequest{
		Params:         &params,
		RemoteAddr:     conn.RemoteAddr,
		Host:           r.Host,
		Header:         r.Header,
		QueryHasSecret: queryHasSecret,
		Nonce:          conn.challenge,
	}, cfg.Gateway.Auth)

	if !result.OK {
		shape := &protocol.ErrorShape{
			Code:         protocol.CodeUnauthorized,
			Message:      result.Reason,
			Retryable:    result.Retryable,
			RetryAfterMs: result.RetryAfter.Milliseconds(),
		}
		outcome := "unauthorized"
		if result.RetryAfter > 0 {
			shape.Code = protocol.CodeRateLimited
			outcome = "rate_limited"
		}
		if s.metrics != nil {
			s.metrics.HandshakeCounter.WithLabelValues(outcome).Inc()
			s.metrics.AuthFailures.WithLabelValues(authScope(&params)).Inc()
		}
		conn.sendErrorResponse(frame.ID, shape)
		if !result.Retryable {
			conn.closeWithCode(protocol.CloseUnauthorized, "unauthorized")
			return true
		}
		return false
	}

	role := params.Role
	if role == "" {
		role = protocol.RoleOperator
	}
	conn.Role = role
	conn.Scopes = params.Scopes
	conn.Identity = result.Identity
	conn.AuthMode = string(result.Mode)
	conn.Client = ClientInfo{
		ID:       params.Client.ID,
		Version:  params.Client.Version,
		Platform: params.Client.Platform,
		Mode:     params.Client.Mode,
	}

	if conn.handshakeTimer != nil {
		conn.handshakeTimer.Stop()
	}
	conn.setState(StateAuthenticated)
	s.registry.Add(conn)

	if role == protocol.RoleNode {
		s.nodes.Register(conn, params.Node)
	}

	if s.metrics != nil {
		s.metrics.HandshakeCounter.WithLabelValues("ok").Inc()
		s.metrics.ConnectedClients.WithLabelValues(role).Inc()
	}
	s.logger.Info("connection authenticated",
		"conn_id", conn.ID,
		"role", role,
		"identity", conn.Identity,
		"auth_mode", conn.AuthMode,
		"remote_addr", conn.RemoteAddr,
	)

	conn.sendResponse(frame.ID, s.helloPayload(conn))
	s.broadcastPresence()
	return false
}

func authScope(params *protocol.ConnectParams) string {
	if params != nil && params.Role == protocol.RoleNode {
		return protocol.RoleNode
	}
	return protocol.RoleOperator
}

// helloPayload builds the hello-ok response for a freshly
// authenticated connection.
func (s *Server) helloPayload(conn *Conn) map[string]any {
	cfg := s.config.Current()
	return map[string]any{
		"type":     "hello-ok",
		"protocol": protocol.Version,
		"server": map[string]any{
			"version": Version,
			"connId":  conn.ID,
		},
		"features": map[string]any{
			"methods": s.dispatcher.Methods(),
			"events":  supportedEvents(),
		},
		"snapshot": map[string]any{
			"presence":        s.registry.Presence(),
			"health":          s.healthSnapshot(),
			"stateVersion":    map[string]any{"seq": s.broadcaster.seq.Load()},
			"uptimeMs":        uptimeMs(s.startTime),
			"sessionDefaults": map[string]any{"sessionKey": s.defaultSessionKey()},
			"authMode":        conn.AuthMode,
		},
		"policy": map[string]any{
			"maxPayloadBytes":  protocol.MaxFrameBytes,
			"maxBufferedBytes": cfg.Gateway.Limits.MaxBufferedBytes,
			"tickIntervalMs":   cfg.Gateway.Limits.TickInterval.Milliseconds(),
		},
	}
}

func (s *Server) healthSnapshot() map[string]any {
	return map[string]any{
		"status":         "ok",
		"uptimeMs":       uptimeMs(s.startTime),
		"connections":    s.registry.Len(),
		"activeRuns":     s.chat.ActiveCount(),
		"pendingInvokes": s.nodes.PendingCount(),
	}
}

func (s *Server) defaultSessionKey() string {
	if key := s.config.Current().Sessions.DefaultKey; key != "" {
		return key
	}
	return "main"
}

// teardown runs the deterministic disconnect path for a connection,
// from any state. Safe against concurrent forced closes.
func (s *Server) teardown(conn *Conn) {
	conn.closeWithCode(websocket.CloseNormalClosure, "")
	if !s.registry.Remove(conn.ID) {
		return
	}
	if nodeID, ok := s.nodes.Unregister(conn.ID); ok {
		s.logger.Info("node disconnected", "node_id", nodeID, "conn_id", conn.ID)
	}
	if s.metrics != nil && conn.Role != "" {
		s.metrics.ConnectedClients.WithLabelValues(conn.Role).Dec()
	}
	s.logger.Info("connection closed", "conn_id", conn.ID, "close_code", conn.closeCode.Load())
	s.broadcastPresence()
}

// dropConnection force-closes a connection with a policy code and runs
// the same teardown as a peer-initiated close.
func (s *Server) dropConnection(c *Conn, code int, reason string) {
	c.closeWithCode(code, reason)
	if !s.registry.Remove(c.ID) {
		return
	}
	if _, ok := s.nodes.Unregister(c.ID); ok {
		s.logger.Info("node force-disconnected", "conn_id", c.ID, "reason", reason)
	}
	if s.metrics != nil && c.Role != "" {
		s.metrics.ConnectedClients.WithLabelValues(c.Role).Dec()
	}
	s.broadcastPresence()
}

func (s *Server) broadcastPresence() {
	s.broadcaster.Broadcast("presence", map[string]any{
		"presence": s.registry.Presence(),
	}, BroadcastOpts{DropIfSlow: true})
}

// tickLoop emits the periodic keepalive tick to operators and nodes.
func (s *Server) tickLoop(ctx context.Context) {
	interval := s.config.Current().Gateway.Limits.TickInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload := map[string]any{"timestamp": time.Now().UnixMilli()}
			s.broadcaster.Broadcast("tick", payload, BroadcastOpts{DropIfSlow: true})
			if nodeConns := s.nodeConnIDs(); len(nodeConns) > 0 {
				s.broadcaster.BroadcastTo(nodeConns, "tick", payload, BroadcastOpts{DropIfSlow: true})
			}
		}
	}
}

func (s *Server) nodeConnIDs() []string {
	var out []string
	for _, session := range s.nodes.List() {
		out = append(out, session.ConnID)
	}
	return out
}

func supportedEvents() []string {
	return []string{
		"connect.challenge",
		"tick",
		"presence",
		"chat.delta",
		"chat.final",
		"chat.tool",
		"node.event",
		"node.invoke.request",
	}
}

// Version is the server version reported in the hello payload, set at
// build time.
var Version = "dev"
