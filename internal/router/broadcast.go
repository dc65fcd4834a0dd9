package router

import (
	"go.uber.org/zap"

	"collabhub/internal/presence"
	"collabhub/pkg/interfaces"
	"collabhub/pkg/types"
)

// Directory resolves connection ids to live connections.
type Directory interface {
	LookupAll(connIDs []string) []interfaces.Connection
}

// Broadcaster fans events out to the members of a room
// ARCHITECTURAL DISCOVERY: Fan-out only enqueues. Each receiver's writer
// goroutine does the network write, so a broadcast never waits on a socket
type Broadcaster struct {
	presence  *presence.Registry
	directory Directory
	logger    *zap.Logger
}

// NewBroadcaster creates a room broadcaster
func NewBroadcaster(presence *presence.Registry, directory Directory, logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{presence: presence, directory: directory, logger: logger.Named("broadcast")}
}

// Room sends event to every member of key except excludeConnID and returns
// how many receivers accepted it. An empty excludeConnID reaches everyone.
func (b *Broadcaster) Room(key types.RoomKey, excludeConnID, event string, data interface{}) int {
	ids := b.presence.ConnectionIDs(key, excludeConnID)
	if len(ids) == 0 {
		return 0
	}
	return b.Connections(b.directory.LookupAll(ids), event, data)
}

// Connections sends event to each connection and returns how many accepted it
// FUNCTIONAL DISCOVERY: Continue delivery to other recipients even if one fails
func (b *Broadcaster) Connections(conns []interfaces.Connection, event string, data interface{}) int {
	delivered := 0
	for _, conn := range conns {
		if err := conn.Send(event, data); err != nil {
			b.logger.Debug("delivery failed",
				zap.String("conn_id", conn.ID()),
				zap.String("event", event),
				zap.Error(err))
			continue
		}
		delivered++
	}
	return delivered
}

// SendError reports err to conn as an error event.
func (b *Broadcaster) SendError(conn interfaces.Connection, err error) {
	payload := types.ErrorPayloadFor(err)
	if payload.Code == types.CodeInternal {
		b.logger.Error("unclassified event error", zap.String("conn_id", conn.ID()), zap.Error(err))
	}
	if sendErr := conn.Send(types.EventError, payload); sendErr != nil {
		b.logger.Debug("error delivery failed", zap.String("conn_id", conn.ID()), zap.Error(sendErr))
	}
}
