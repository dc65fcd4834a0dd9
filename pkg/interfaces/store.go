package interfaces

import (
	"context"

	"collabhub/pkg/types"
)

// MessageStore persists project chat.
type MessageStore interface {
	// SaveChatMessage persists a message and returns its id
	// FUNCTIONAL DISCOVERY: Must complete before the message is broadcast
	// so that no client sees a message that was never stored
	SaveChatMessage(ctx context.Context, message *types.ChatMessage) (string, error)

	// RecentChatMessages returns up to limit messages for a project, oldest first.
	RecentChatMessages(ctx context.Context, projectID string, limit int) ([]*types.ChatMessage, error)
}

// RecordStore is the full external record store as seen by the coordinator.
type RecordStore interface {
	IdentityStore
	AccessController
	MessageStore

	// HealthCheck verifies store connectivity.
	HealthCheck(ctx context.Context) error

	// Close releases store resources.
	Close() error
}
