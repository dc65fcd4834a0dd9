package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"collabhub/internal/metrics"
	"collabhub/pkg/interfaces"
	"collabhub/pkg/types"
)

// Authenticator turns a presented token into an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*types.Identity, error)
}

// Admitter decides whether an origin address may open another connection.
type Admitter interface {
	AdmitConnection(origin string) bool
}

// SessionHandler owns everything that happens to a connection after upgrade.
type SessionHandler interface {
	Connect(conn interfaces.Connection) error
	HandleEvent(ctx context.Context, conn interfaces.Connection, envelope *types.Envelope)
	Disconnect(conn interfaces.Connection)
}

// HandlerConfig holds transport settings.
type HandlerConfig struct {
	PingInterval      time.Duration
	ReadTimeout       time.Duration
	HandshakeTimeout  time.Duration
	MaxMessageBytes   int64
	AllowedOrigins    []string // Empty allows every origin
	// TrustForwardedFor uses X-Forwarded-For as the origin address. Enable it
	// only behind a proxy that overwrites the header: spoofed values each get
	// their own counter and can evict real ones from the bounded origin table.
	TrustForwardedFor bool
	Connection        ConnectionConfig
}

// DefaultHandlerConfig returns the production defaults.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		PingInterval:     30 * time.Second,
		ReadTimeout:      60 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		MaxMessageBytes:  128 * 1024,
		Connection:       DefaultConnectionConfig(),
	}
}

// Handler accepts websocket connections
// ARCHITECTURAL DISCOVERY: Multi-stage admission (origin rate limit -> token ->
// upgrade -> connect) rejects bad clients with a plain HTTP status before any
// websocket resources are allocated
type Handler struct {
	cfg      HandlerConfig
	upgrader websocket.Upgrader
	admitter Admitter
	auth     Authenticator
	sessions SessionHandler
	metrics  *metrics.Collector
	logger   *zap.Logger

	active sync.WaitGroup // Read loops still running
}

// NewHandler creates a new WebSocket handler with dependency injection
func NewHandler(cfg HandlerConfig, admitter Admitter, auth Authenticator, sessions SessionHandler, collector *metrics.Collector, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultHandlerConfig().PingInterval
	}
	if cfg.ReadTimeout <= cfg.PingInterval {
		cfg.ReadTimeout = 2 * cfg.PingInterval
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandlerConfig().HandshakeTimeout
	}
	if collector != nil && cfg.Connection.OnDrop == nil {
		cfg.Connection.OnDrop = collector.SendDropped
	}

	h := &Handler{
		cfg:      cfg,
		admitter: admitter,
		auth:     auth,
		sessions: sessions,
		metrics:  collector,
		logger:   logger.Named("websocket"),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	return h
}

// HandleWebSocket handles WebSocket connection requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// TECHNICAL DISCOVERY: Counted before the upgrade hijacks the socket, while
	// http.Server.Shutdown still tracks the request, so Wait cannot miss it
	h.active.Add(1)
	served := false
	defer func() {
		if !served {
			h.active.Done()
		}
	}()

	origin := h.clientAddr(r)

	if !h.admitter.AdmitConnection(origin) {
		h.metrics.ConnectionAttempt(metrics.ResultRateLimited)
		http.Error(w, "Too many connection attempts", http.StatusTooManyRequests)
		return
	}

	identity, err := h.auth.Authenticate(r.Context(), extractToken(r))
	if err != nil {
		h.metrics.ConnectionAttempt(metrics.ResultUnauthorized)
		h.logger.Info("connection refused", zap.String("origin", origin), zap.Error(err))
		if errors.Is(err, types.ErrAuth) {
			http.Error(w, "Authentication failed", http.StatusUnauthorized)
		} else {
			http.Error(w, "Authentication unavailable", http.StatusInternalServerError)
		}
		return
	}

	// FUNCTIONAL DISCOVERY: WebSocket upgrade after validation prevents resource waste
	// on invalid requests while providing proper HTTP error responses
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.metrics.ConnectionAttempt(metrics.ResultFailed)
		h.logger.Warn("websocket upgrade failed", zap.String("origin", origin), zap.Error(err))
		return
	}

	conn := NewConnection(ws, identity, origin, h.cfg.Connection, h.logger)
	if err := h.sessions.Connect(conn); err != nil {
		h.metrics.ConnectionAttempt(metrics.ResultFailed)
		h.logger.Error("failed to register connection", zap.String("conn_id", conn.ID()), zap.Error(err))
		_ = conn.Close()
		return
	}
	h.metrics.ConnectionAttempt(metrics.ResultAccepted)

	served = true
	go h.handleConnection(conn)
}

// Wait blocks until every accepted connection has finished its disconnect
// cleanup, or ctx ends.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleConnection runs the read pump with heartbeat monitoring
// ARCHITECTURAL DISCOVERY: The read pump is the connection's only sequential
// context; events are handled inline, so each sender's events reach the
// rooms in the order they were sent
func (h *Handler) handleConnection(conn *Connection) {
	defer h.active.Done()
	defer func() {
		// FUNCTIONAL DISCOVERY: Deferred cleanup runs for every exit path:
		// client close, read error, heartbeat timeout or server shutdown
		h.sessions.Disconnect(conn)
		_ = conn.Close()
	}()

	ws := conn.conn
	ws.SetReadLimit(h.cfg.MaxMessageBytes)

	// TECHNICAL DISCOVERY: read deadline is extended by every pong, so a client
	// that misses two pings in a row is dropped
	if err := ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	})

	go h.pingLoop(conn)

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Debug("websocket read error", zap.String("conn_id", conn.ID()), zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var envelope types.Envelope
		if err := json.Unmarshal(data, &envelope); err != nil || envelope.Event == "" {
			_ = conn.Send(types.EventError, types.ErrorPayloadFor(types.ErrMalformedEvent))
			continue
		}

		h.sessions.HandleEvent(conn.ctx, conn, &envelope)
	}
}

func (h *Handler) pingLoop(conn *Connection) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		case <-conn.ctx.Done():
			return
		}
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// clientAddr returns the address used for connection admission.
func (h *Handler) clientAddr(r *http.Request) string {
	if h.cfg.TrustForwardedFor {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// extractToken reads a bearer token from the Authorization header, falling
// back to the token query parameter browsers use for websocket handshakes.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}
