package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"collabhub/pkg/interfaces"
	"collabhub/pkg/types"
)

// ConnectionConfig controls the outbound side of a connection.
type ConnectionConfig struct {
	SendQueueSize int
	WriteTimeout  time.Duration
	OnDrop        func() // Called for every frame dropped on a full queue
}

// DefaultConnectionConfig returns the production defaults.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		SendQueueSize: 256,
		WriteTimeout:  5 * time.Second,
	}
}

// Connection implements the interfaces.Connection interface
// ARCHITECTURAL DISCOVERY: WebSocket writes must be serialized to prevent race conditions;
// every frame goes through sendCh to the single writer goroutine
type Connection struct {
	id         string
	conn       *websocket.Conn
	identity   *types.Identity // Set once at authentication, never reassigned
	remoteAddr string
	createdAt  time.Time

	sendCh       chan []byte // FUNCTIONAL DISCOVERY: bounded so a slow client costs itself frames, not the room its latency
	writeTimeout time.Duration
	dropped      atomic.Int64
	onDrop       func()

	ctx       context.Context    // For cancellation
	cancel    context.CancelFunc // For cleanup
	closeOnce sync.Once          // Ensure single close
	cleanup   atomic.Bool        // Disconnect cleanup claimed

	mu    sync.RWMutex // Protects rooms
	rooms types.ConnectionRooms

	logger *zap.Logger
}

var _ interfaces.Connection = (*Connection)(nil)

// NewConnection wraps an upgraded websocket for an authenticated identity
// and starts its writer goroutine.
func NewConnection(conn *websocket.Conn, identity *types.Identity, remoteAddr string, cfg ConnectionConfig, logger *zap.Logger) *Connection {
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = DefaultConnectionConfig().SendQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConnectionConfig().WriteTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	c := &Connection{
		id:           id,
		conn:         conn,
		identity:     identity,
		remoteAddr:   remoteAddr,
		createdAt:    time.Now(),
		sendCh:       make(chan []byte, cfg.SendQueueSize),
		writeTimeout: cfg.WriteTimeout,
		onDrop:       cfg.OnDrop,
		ctx:          ctx,
		cancel:       cancel,
		logger:       logger.With(zap.String("conn_id", id), zap.String("identity_id", identity.ID)),
	}

	// Start the single writer goroutine
	go c.writeLoop()

	return c
}

// ARCHITECTURAL DISCOVERY: Single writer goroutine pattern eliminates races.
// sendCh is never closed; the loop exits on cancel so late Sends cannot panic
func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.sendCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				c.shutdown()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("write failed, closing connection", zap.Error(err))
				c.shutdown()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) ID() string                { return c.id }
func (c *Connection) Identity() *types.Identity { return c.identity }
func (c *Connection) RemoteAddr() string        { return c.remoteAddr }
func (c *Connection) CreatedAt() time.Time      { return c.createdAt }

// Send marshals an outbound event and enqueues it without blocking
// FUNCTIONAL DISCOVERY: A full queue drops the frame for this receiver only
func (c *Connection) Send(event string, data interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	payload, err := json.Marshal(types.OutboundEvent{Event: event, Data: data})
	if err != nil {
		return ErrInvalidJSON
	}

	select {
	case c.sendCh <- payload:
		return nil
	default:
		n := c.dropped.Add(1)
		c.logger.Warn("send queue full, dropping frame",
			zap.String("event", event),
			zap.Int64("dropped_total", n))
		if c.onDrop != nil {
			c.onDrop()
		}
		return ErrSendQueueFull
	}
}

// Dropped returns how many frames were dropped for this connection.
func (c *Connection) Dropped() int64 {
	return c.dropped.Load()
}

// Done is closed once the connection has been closed.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// shutdown stops the writer and closes the socket so the read pump exits.
func (c *Connection) shutdown() {
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

// Close sends a close frame and closes the connection
// ARCHITECTURAL DISCOVERY: Clean shutdown requires careful goroutine coordination;
// WriteControl is safe to call concurrently with the writer goroutine
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			err = c.conn.Close()
		}
	})
	return err
}

func (c *Connection) Rooms() types.ConnectionRooms {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rooms
}

func (c *Connection) SetProjectRoom(projectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms.ProjectID = projectID
}

func (c *Connection) SetSheetRoom(sheetID string, level types.AccessLevel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sheetID == "" {
		level = ""
	}
	c.rooms.SheetID = sheetID
	c.rooms.SheetLevel = level
}

func (c *Connection) BeginCleanup() bool {
	return c.cleanup.CompareAndSwap(false, true)
}
