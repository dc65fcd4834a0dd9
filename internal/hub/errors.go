package hub

import (
	"errors"
	"fmt"

	"collabhub/pkg/types"
)

var (
	ErrHubAlreadyRunning = errors.New("notification hub is already running")
	ErrHubNotRunning     = errors.New("notification hub is not running")
	ErrHubStopped        = errors.New("notification hub was stopped")
	ErrQueueFull         = errors.New("notification queue is full")
	ErrInvalidTarget     = fmt.Errorf("%w: notification target must be a user, project or sheet id", types.ErrValidation)
)
