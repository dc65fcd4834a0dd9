package interfaces

import (
	"context"

	"collabhub/pkg/types"
)

// EventRouter relays domain events from one connection to its rooms.
type EventRouter interface {
	// Route handles one inbound event to completion. The returned error is
	// delivered to the sender only; it never affects other connections.
	Route(ctx context.Context, conn Connection, envelope *types.Envelope) error
}
