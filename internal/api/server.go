// Package api serves the admin HTTP endpoints: health, stats, metrics and the
// notification entry points used by other systems.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"collabhub/internal/hub"
	"collabhub/pkg/types"
)

const maxBodyBytes = 64 * 1024

// HealthChecker reports record store health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Notifier queues notifications for delivery.
type Notifier interface {
	NotifyUser(identityID string, n types.Notification) (types.Notification, error)
	NotifyRoom(kind types.RoomKind, roomID string, n types.Notification) (types.Notification, error)
}

// StatsFunc returns one component's counters.
type StatsFunc func() map[string]int

// Dependencies are the collaborators of a Server. Stats keys become the
// top-level keys of GET /api/stats; the "connections" entry is also
// reported by GET /health.
type Dependencies struct {
	Store    HealthChecker
	Notifier Notifier
	Stats    map[string]StatsFunc
	Metrics  http.Handler
	Logger   *zap.Logger
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and internal components
// Clean separation - no business logic, only HTTP handling and JSON serialization
type Server struct {
	deps    Dependencies
	router  *http.ServeMux
	started time.Time
	logger  *zap.Logger
}

// NewServer creates the admin API and registers its routes.
func NewServer(deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	s := &Server{
		deps:    deps,
		router:  http.NewServeMux(),
		started: time.Now(),
		logger:  deps.Logger.Named("api"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	wrap := func(h http.HandlerFunc) http.Handler {
		return s.corsMiddleware(s.jsonMiddleware(h))
	}
	s.router.Handle("GET /health", wrap(s.healthCheck))
	s.router.Handle("GET /api/stats", wrap(s.stats))
	s.router.Handle("POST /api/notifications/users/{id}", wrap(s.notifyUser))
	s.router.Handle("POST /api/notifications/projects/{id}", wrap(s.notifyRoom(types.RoomProject)))
	s.router.Handle("POST /api/notifications/sheets/{id}", wrap(s.notifyRoom(types.RoomSheet)))
	s.router.Handle("OPTIONS /api/", wrap(func(w http.ResponseWriter, r *http.Request) {}))
	if s.deps.Metrics != nil {
		s.router.Handle("GET /metrics", s.deps.Metrics)
	}
}

// Handle mounts an extra handler, such as the websocket endpoint, on the same mux.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.router.Handle(pattern, handler)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Connections map[string]int `json:"connections"`
	Uptime      string         `json:"uptime"`
}

type NotificationResponse struct {
	Notification types.Notification `json:"notification"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// GET /health. 503 when the record store is unreachable.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status, dbStatus, code := "healthy", "healthy", http.StatusOK
	if s.deps.Store != nil {
		if err := s.deps.Store.HealthCheck(ctx); err != nil {
			s.logger.Warn("health check failed", zap.Error(err))
			status, dbStatus, code = "unhealthy", fmt.Sprintf("error: %v", err), http.StatusServiceUnavailable
		}
	}

	connections := map[string]int{}
	if fn, ok := s.deps.Stats["connections"]; ok {
		connections = fn()
	}

	s.writeJSON(w, code, HealthResponse{
		Status:      status,
		Timestamp:   time.Now().UTC(),
		Database:    dbStatus,
		Connections: connections,
		Uptime:      time.Since(s.started).Round(time.Second).String(),
	})
}

// GET /api/stats
func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]map[string]int, len(s.deps.Stats))
	for name, fn := range s.deps.Stats {
		out[name] = fn()
	}
	s.writeJSON(w, http.StatusOK, out)
}

// POST /api/notifications/users/{id}
func (s *Server) notifyUser(w http.ResponseWriter, r *http.Request) {
	n, ok := s.decodeNotification(w, r)
	if !ok {
		return
	}
	sent, err := s.deps.Notifier.NotifyUser(r.PathValue("id"), n)
	s.respondNotification(w, sent, err)
}

// POST /api/notifications/{projects|sheets}/{id}
func (s *Server) notifyRoom(kind types.RoomKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, ok := s.decodeNotification(w, r)
		if !ok {
			return
		}
		sent, err := s.deps.Notifier.NotifyRoom(kind, r.PathValue("id"), n)
		s.respondNotification(w, sent, err)
	}
}

func (s *Server) decodeNotification(w http.ResponseWriter, r *http.Request) (types.Notification, bool) {
	var n types.Notification
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return n, false
	}
	return n, true
}

// FUNCTIONAL DISCOVERY: Delivery is asynchronous, so success is 202 with the
// notification as it will be delivered (id and timestamp filled in)
func (s *Server) respondNotification(w http.ResponseWriter, sent types.Notification, err error) {
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusAccepted, NotificationResponse{Notification: sent})
	case errors.Is(err, types.ErrValidation):
		s.sendError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, hub.ErrQueueFull), errors.Is(err, hub.ErrHubNotRunning), errors.Is(err, hub.ErrHubStopped):
		s.sendError(w, err.Error(), http.StatusServiceUnavailable)
	default:
		s.logger.Error("notification failed", zap.Error(err))
		s.sendError(w, "Notification failed", http.StatusInternalServerError)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", zap.Error(err))
	}
}

// FUNCTIONAL DISCOVERY: Consistent error response format
func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// ARCHITECTURAL DISCOVERY: CORS middleware enables browser dashboards to
// read stats; preflight requests end here
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
