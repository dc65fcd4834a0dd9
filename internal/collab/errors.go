package collab

import "errors"

// Store-related errors
var (
	ErrNotParticipant = errors.New("connection has not joined this sheet")
)
