// Package hub dispatches notifications pushed by outside systems to live
// connections.
package hub

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"collabhub/internal/metrics"
	"collabhub/internal/router"
	"collabhub/pkg/interfaces"
	"collabhub/pkg/types"
)

// Delivery kinds, also used as the metrics label
const (
	KindUser    = "user"
	KindProject = "project"
	KindSheet   = "sheet"
)

// Directory finds every live connection of an identity.
type Directory interface {
	ForIdentity(identityID string) []interfaces.Connection
}

// Hub queues notifications and delivers them from a single goroutine
// ARCHITECTURAL DISCOVERY: Callers (HTTP handlers) never wait on slow
// receivers; the queue decouples them from delivery
type Hub struct {
	queue           chan *request
	shutdownChannel chan struct{}
	done            chan struct{}

	directory   Directory
	broadcaster *router.Broadcaster
	metrics     *metrics.Collector
	clock       clock.Clock
	logger      *zap.Logger

	running bool
	started bool
	mu      sync.RWMutex
}

type request struct {
	kind         string
	target       string
	notification types.Notification
}

// Option customizes a Hub.
type Option func(*Hub)

// WithClock swaps the time source for notification timestamps.
func WithClock(c clock.Clock) Option {
	return func(h *Hub) { h.clock = c }
}

// WithQueueSize sets the number of notifications that may wait for delivery.
func WithQueueSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queue = make(chan *request, n)
		}
	}
}

// NewHub creates a notification hub
// TECHNICAL DISCOVERY: 1000 queued notifications absorbs a bulk push from
// the scheduling system without rejecting requests
func NewHub(directory Directory, broadcaster *router.Broadcaster, collector *metrics.Collector, logger *zap.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		queue:           make(chan *request, 1000),
		shutdownChannel: make(chan struct{}),
		done:            make(chan struct{}),
		directory:       directory,
		broadcaster:     broadcaster,
		metrics:         collector,
		clock:           clock.New(),
		logger:          logger.Named("hub"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start begins delivery. The hub stops when ctx is cancelled or Stop is
// called, and cannot be started again.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	if h.started {
		return ErrHubStopped
	}
	h.running = true
	h.started = true

	h.logger.Info("starting notification hub", zap.Int("queue_size", cap(h.queue)))
	go h.run(ctx)
	return nil
}

// Stop ends delivery and waits for the dispatcher goroutine to exit.
// Notifications still queued are dropped.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false

	select {
	case <-h.shutdownChannel:
	default:
		close(h.shutdownChannel)
	}
	h.mu.Unlock()

	<-h.done
	h.logger.Info("notification hub stopped")
	return nil
}

// NotifyUser queues n for every live connection of identityID. The
// returned notification carries the id and timestamp assigned here.
func (h *Hub) NotifyUser(identityID string, n types.Notification) (types.Notification, error) {
	if identityID == "" {
		return n, ErrInvalidTarget
	}
	return h.enqueue(KindUser, identityID, n)
}

// NotifyRoom queues n for every member of a project or sheet room.
func (h *Hub) NotifyRoom(kind types.RoomKind, roomID string, n types.Notification) (types.Notification, error) {
	if !types.IsValidRoomID(roomID) {
		return n, ErrInvalidTarget
	}
	switch kind {
	case types.RoomProject:
		return h.enqueue(KindProject, roomID, n)
	case types.RoomSheet:
		return h.enqueue(KindSheet, roomID, n)
	default:
		return n, ErrInvalidTarget
	}
}

func (h *Hub) enqueue(kind, target string, n types.Notification) (types.Notification, error) {
	if err := n.Validate(); err != nil {
		return n, err
	}
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = h.clock.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.running {
		return n, ErrHubNotRunning
	}

	// TECHNICAL DISCOVERY: Non-blocking send keeps a flood of pushes from
	// stalling the HTTP handlers
	select {
	case h.queue <- &request{kind: kind, target: target, notification: n}:
		return n, nil
	default:
		h.logger.Warn("notification queue full, dropping",
			zap.String("kind", kind),
			zap.String("target", target),
			zap.String("notification_id", n.ID))
		return n, ErrQueueFull
	}
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case req := <-h.queue:
			h.deliver(req)
		case <-h.shutdownChannel:
			return
		case <-ctx.Done():
			h.mu.Lock()
			h.running = false
			h.mu.Unlock()
			return
		}
	}
}

// deliver fans a notification out. Nobody connected means nothing to do.
func (h *Hub) deliver(req *request) {
	var delivered int
	switch req.kind {
	case KindUser:
		conns := h.directory.ForIdentity(req.target)
		delivered = h.broadcaster.Connections(conns, types.EventNotification, req.notification)
	case KindProject:
		key := types.NewRoomKey(types.RoomProject, req.target)
		delivered = h.broadcaster.Room(key, "", types.EventProjectNotification, req.notification)
	case KindSheet:
		key := types.NewRoomKey(types.RoomSheet, req.target)
		delivered = h.broadcaster.Room(key, "", types.EventNotification, req.notification)
	}

	h.metrics.NotificationsDelivered(req.kind, delivered)
	h.logger.Debug("notification delivered",
		zap.String("kind", req.kind),
		zap.String("target", req.target),
		zap.String("notification_id", req.notification.ID),
		zap.Int("receivers", delivered))
}
