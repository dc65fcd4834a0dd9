package interfaces

import (
	"time"

	"collabhub/pkg/types"
)

// Connection represents one live client transport session
// ARCHITECTURAL DISCOVERY: Pure abstraction without implementation details
// keeps presence, collab state and routing free of any websocket import
type Connection interface {
	// ID returns the stable connection id assigned at accept time.
	ID() string

	// Identity returns the authenticated identity. It is set once and never reassigned.
	Identity() *types.Identity

	// RemoteAddr returns the originating network address used for admission.
	RemoteAddr() string

	// CreatedAt returns when the transport session was accepted.
	CreatedAt() time.Time

	// Send enqueues an event for delivery without blocking the caller
	// FUNCTIONAL DISCOVERY: A full queue is reported as an error, never waited on,
	// so one slow client cannot stall a broadcast to the rest of the room
	Send(event string, data interface{}) error

	// Close closes the transport and stops the writer.
	Close() error

	// Rooms returns the rooms the connection is currently joined to.
	Rooms() types.ConnectionRooms

	// SetProjectRoom records the joined project room; empty clears it.
	SetProjectRoom(projectID string)

	// SetSheetRoom records the joined sheet room and the level granted for it; empty clears it.
	SetSheetRoom(sheetID string, level types.AccessLevel)

	// BeginCleanup returns true exactly once, for the first caller.
	// TECHNICAL DISCOVERY: Makes disconnect cleanup idempotent without a separate registry lookup
	BeginCleanup() bool
}
