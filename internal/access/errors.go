package access

import (
	"errors"
	"fmt"

	"collabhub/pkg/types"
)

// Authentication failures, all wrapping types.ErrAuth
var (
	ErrMissingToken     = fmt.Errorf("%w: missing token", types.ErrAuth)
	ErrInvalidToken     = fmt.Errorf("%w: invalid token", types.ErrAuth)
	ErrTokenExpired     = fmt.Errorf("%w: token expired", types.ErrAuth)
	ErrUnknownIdentity  = fmt.Errorf("%w: identity not found", types.ErrAuth)
	ErrInactiveIdentity = fmt.Errorf("%w: identity is inactive", types.ErrAuth)
)

// Verifier configuration errors
var (
	ErrEmptySecret = errors.New("jwt secret cannot be empty")
)
