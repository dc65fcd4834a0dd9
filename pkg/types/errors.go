package types

import (
	"errors"
	"fmt"
)

// ARCHITECTURAL DISCOVERY: Five error kinds cover every rejection path.
// Only ErrAuth ends a connection; the rest become an error event to the sender
var (
	ErrAuth         = errors.New("authentication failed")
	ErrAccessDenied = errors.New("access denied")
	ErrRateLimited  = errors.New("rate limit exceeded")
	ErrValidation   = errors.New("validation failed")
	ErrPersistence  = errors.New("persistence failed")
)

// Validation details, all wrapping ErrValidation
var (
	ErrInvalidRoomID     = fmt.Errorf("%w: room id must be 1-64 characters, alphanumeric + underscore/hyphen only", ErrValidation)
	ErrInvalidCellID     = fmt.Errorf("%w: cell id must be 1-64 characters, alphanumeric + underscore/hyphen/colon only", ErrValidation)
	ErrMissingCoordinate = fmt.Errorf("%w: cursor requires numeric x and y", ErrValidation)
	ErrInvalidRange      = fmt.Errorf("%w: selection range must have non-negative rows and columns", ErrValidation)
	ErrInvalidLevel      = fmt.Errorf("%w: level must be view, edit or admin", ErrValidation)
	ErrEmptyMessage      = fmt.Errorf("%w: message must be 1-5000 characters", ErrValidation)
	ErrContentTooLarge   = fmt.Errorf("%w: payload exceeds 64KB limit", ErrValidation)
	ErrMissingPayload    = fmt.Errorf("%w: required object missing", ErrValidation)
	ErrMalformedEvent    = fmt.Errorf("%w: malformed event", ErrValidation)
	ErrUnknownEvent      = fmt.Errorf("%w: unknown event", ErrValidation)
)

// Wire error codes carried in error{message, code}
const (
	CodeRateLimit           = "RATE_LIMIT"
	CodeValidation          = "VALIDATION_ERROR"
	CodeNotInRoom           = "NOT_IN_ROOM"
	CodeEditNotAllowed      = "EDIT_NOT_ALLOWED"
	CodePersistence         = "PERSISTENCE_ERROR"
	CodeProjectAccessDenied = "PROJECT_ACCESS_DENIED"
	CodeSheetAccessDenied   = "SHEET_ACCESS_DENIED"
	CodeAccessDenied        = "ACCESS_DENIED"
	CodeUnknownEvent        = "UNKNOWN_EVENT"
	CodeInternal            = "INTERNAL_ERROR"
)

// CodedError pairs an error kind with the wire code the client sees.
type CodedError struct {
	Code    string
	Message string
	Err     error
}

// NewCodedError wraps err with a wire code; the message defaults to err's text.
func NewCodedError(code string, err error) *CodedError {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &CodedError{Code: code, Message: msg, Err: err}
}

func (e *CodedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CodedError) Unwrap() error {
	return e.Err
}

// ErrorPayloadFor converts any error returned while handling an event into
// the payload of an error event. Unclassified errors are not echoed verbatim.
func ErrorPayloadFor(err error) ErrorPayload {
	var coded *CodedError
	if errors.As(err, &coded) {
		return ErrorPayload{Message: coded.Message, Code: coded.Code}
	}

	switch {
	case errors.Is(err, ErrUnknownEvent):
		return ErrorPayload{Message: err.Error(), Code: CodeUnknownEvent}
	case errors.Is(err, ErrRateLimited):
		return ErrorPayload{Message: err.Error(), Code: CodeRateLimit}
	case errors.Is(err, ErrValidation):
		return ErrorPayload{Message: err.Error(), Code: CodeValidation}
	case errors.Is(err, ErrPersistence):
		return ErrorPayload{Message: "message could not be saved", Code: CodePersistence}
	case errors.Is(err, ErrAccessDenied):
		return ErrorPayload{Message: err.Error(), Code: CodeAccessDenied}
	default:
		return ErrorPayload{Message: "internal error", Code: CodeInternal}
	}
}
