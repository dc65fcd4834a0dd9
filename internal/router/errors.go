package router

import (
	"fmt"

	"collabhub/pkg/types"
)

// Router-specific errors; both are access failures of an already joined connection
var (
	ErrNotInRoom      = fmt.Errorf("%w: not joined to this room", types.ErrAccessDenied)
	ErrEditNotAllowed = fmt.Errorf("%w: sheet was joined without edit access", types.ErrAccessDenied)
)

// Relay payload errors
var (
	ErrInvalidRelayPayload = fmt.Errorf("%w: payload must be a JSON object", types.ErrValidation)
)
