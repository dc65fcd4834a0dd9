package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrNotFound = errors.New("record not found")
)
