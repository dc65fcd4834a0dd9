// Package app wires the coordinator's components into one runnable process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"collabhub/internal/access"
	"collabhub/internal/api"
	"collabhub/internal/collab"
	"collabhub/internal/config"
	"collabhub/internal/database"
	"collabhub/internal/hub"
	"collabhub/internal/lifecycle"
	"collabhub/internal/metrics"
	"collabhub/internal/presence"
	"collabhub/internal/ratelimit"
	"collabhub/internal/router"
	"collabhub/internal/websocket"
)

// WebSocketPath is where clients open their collaboration connection.
const WebSocketPath = "/ws"

// Application coordinates all system components
// Clean dependency injection pattern with proper initialization order
type Application struct {
	config     *config.Config
	logger     *zap.Logger
	store      *database.Manager
	registry   *websocket.Registry
	limiter    *ratelimit.RateLimiter
	hub        *hub.Hub
	wsHandler  *websocket.Handler
	apiServer  *api.Server
	httpServer *http.Server
}

// NewApplication creates a new application instance with all components initialized
// Component initialization follows strict dependency order:
// Store -> Access -> Arena/Presence/Collab -> Router -> Lifecycle -> Hub -> HTTP
func NewApplication(cfg *config.Config, logger *zap.Logger) (*Application, error) {
	if cfg == nil {
		return nil, config.ErrMissingSection
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// STEP 1: Record store (foundation layer)
	store, err := database.NewManager(cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize record store: %w", err)
	}

	// STEP 2: Authentication and authorization
	verifier, err := access.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Leeway)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize token verifier: %w", err)
	}
	gate := access.NewGate(verifier, store, store, logger)

	// STEP 3: In-memory state
	collector := metrics.NewCollector()
	limiter := ratelimit.NewRateLimiter(ratelimit.Config{
		ConnectionsPerWindow: cfg.RateLimit.ConnectionsPerWindow,
		ConnectionWindow:     cfg.RateLimit.ConnectionWindow,
		EventsPerWindow:      cfg.RateLimit.EventsPerWindow,
		EventWindow:          cfg.RateLimit.EventWindow,
		MaxTrackedOrigins:    cfg.RateLimit.MaxTrackedOrigins,
	}, ratelimit.WithLogger(logger))
	rooms := presence.NewRegistry()
	sheets := collab.NewStore()
	registry := websocket.NewRegistry()

	// STEP 4: Event routing
	broadcaster := router.NewBroadcaster(rooms, registry, logger)
	eventRouter := router.NewRouter(broadcaster, sheets, limiter, store, logger, router.WithMetrics(collector))

	// STEP 5: Connection lifecycle
	sessions := lifecycle.NewManager(lifecycle.Dependencies{
		Gate:        gate,
		Arena:       registry,
		Presence:    rooms,
		Collab:      sheets,
		Broadcaster: broadcaster,
		Router:      eventRouter,
		Limiter:     limiter,
		Messages:    store,
		Metrics:     collector,
		Logger:      logger,
	}, lifecycle.WithHistoryLimit(cfg.WebSocket.ChatHistoryLimit))

	// STEP 6: Notification dispatch
	notifications := hub.NewHub(registry, broadcaster, collector, logger, hub.WithQueueSize(cfg.Notifications.QueueSize))

	// STEP 7: HTTP surface; websocket endpoint shares the admin mux
	wsHandler := websocket.NewHandler(websocket.HandlerConfig{
		PingInterval:      cfg.WebSocket.PingInterval,
		ReadTimeout:       cfg.WebSocket.ReadTimeout,
		HandshakeTimeout:  cfg.WebSocket.HandshakeTimeout,
		MaxMessageBytes:   cfg.WebSocket.MaxMessageBytes,
		AllowedOrigins:    cfg.WebSocket.AllowedOrigins,
		TrustForwardedFor: cfg.WebSocket.TrustForwardedFor,
		Connection: websocket.ConnectionConfig{
			SendQueueSize: cfg.WebSocket.SendQueueSize,
			WriteTimeout:  cfg.WebSocket.WriteTimeout,
		},
	}, limiter, gate, sessions, collector, logger)

	apiServer := api.NewServer(api.Dependencies{
		Store:    store,
		Notifier: notifications,
		Stats: map[string]api.StatsFunc{
			"connections":   registry.GetStats,
			"rooms":         rooms.Stats,
			"collaboration": sheets.Stats,
			"rate_limiter":  limiter.Stats,
		},
		Metrics: collector.Handler(),
		Logger:  logger,
	})
	apiServer.Handle("GET "+WebSocketPath, http.HandlerFunc(wsHandler.HandleWebSocket))

	// TECHNICAL DISCOVERY: WriteTimeout is left unset; it would cut hijacked
	// websocket connections, which manage their own deadlines
	httpServer := &http.Server{
		Addr:        cfg.HTTP.Addr(),
		Handler:     apiServer,
		ReadTimeout: cfg.HTTP.ReadTimeout,
	}

	return &Application{
		config:     cfg,
		logger:     logger.Named("app"),
		store:      store,
		registry:   registry,
		limiter:    limiter,
		hub:        notifications,
		wsHandler:  wsHandler,
		apiServer:  apiServer,
		httpServer: httpServer,
	}, nil
}

// Run listens on the configured address and serves until ctx is cancelled.
func (app *Application) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		_ = app.store.Close()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	return app.Serve(ctx, ln)
}

// Serve runs the notification hub and the HTTP server on ln until ctx is
// cancelled or either fails, then shuts everything down.
func (app *Application) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	// STEP 1: Start notification hub before accepting connections
	if err := app.hub.Start(gctx); err != nil {
		_ = ln.Close()
		_ = app.store.Close()
		return fmt.Errorf("failed to start notification hub: %w", err)
	}

	// STEP 2: Serve HTTP and websocket traffic
	g.Go(func() error {
		app.logger.Info("collabhub listening", zap.String("addr", ln.Addr().String()))
		if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// STEP 3: Shut down when the context ends or the server fails
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), app.config.HTTP.ShutdownTimeout)
		defer cancel()
		return app.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Shutdown gracefully stops the application
// Reverse dependency order: HTTP -> connections -> hub -> store. The store
// closes only after every read loop has finished, so an event in flight can
// still persist.
func (app *Application) Shutdown(ctx context.Context) error {
	app.logger.Info("shutting down")

	var err error
	if shutdownErr := app.httpServer.Shutdown(ctx); shutdownErr != nil {
		err = multierr.Append(err, fmt.Errorf("HTTP server shutdown: %w", shutdownErr))
	}

	// FUNCTIONAL DISCOVERY: Hijacked websocket connections are not tracked by
	// http.Server; closing them ends their read loops, which run the normal
	// disconnect cleanup
	conns := app.registry.All()
	for _, conn := range conns {
		if closeErr := conn.Close(); closeErr != nil {
			app.logger.Debug("connection close failed", zap.String("conn_id", conn.ID()), zap.Error(closeErr))
		}
	}
	if waitErr := app.wsHandler.Wait(ctx); waitErr != nil {
		err = multierr.Append(err, fmt.Errorf("connections did not drain: %w", waitErr))
	}

	if stopErr := app.hub.Stop(); stopErr != nil && !errors.Is(stopErr, hub.ErrHubNotRunning) {
		err = multierr.Append(err, fmt.Errorf("notification hub shutdown: %w", stopErr))
	}
	if closeErr := app.store.Close(); closeErr != nil {
		err = multierr.Append(err, fmt.Errorf("record store shutdown: %w", closeErr))
	}

	app.logger.Info("shutdown complete", zap.Int("connections_closed", len(conns)))
	return err
}

// Handler returns the root HTTP handler.
func (app *Application) Handler() http.Handler {
	return app.apiServer
}

// Store exposes the record store, used to seed memberships.
func (app *Application) Store() *database.Manager {
	return app.store
}

// GetAddr returns the configured listen address
func (app *Application) GetAddr() string {
	return app.httpServer.Addr
}
