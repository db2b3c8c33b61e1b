package types

// Error represents an error with additional context
type Error struct {
	Code    string
	Message string
	Err     error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new error with code and message
func NewError(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// WrapError wraps an existing error with code and message
func WrapError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsErrCode checks if an error has a specific error code
func IsErrCode(err error, code string) bool {
	if e, ok := err.(*Error); ok {
		return e.Code == code
	}
	return false
}

// GetErrorCode returns the error code from an error
func GetErrorCode(err error) string {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}

// Request-facing error codes. The first four reach dispatcher callers as
// typed failures; PROTOCOL_VIOLATION also forces the offending connection
// toward closing; DUPLICATE_RESPONSE never leaves the router.
const (
	ErrCodeValidation        = "VALIDATION"
	ErrCodeChannelNotFound   = "CHANNEL_NOT_FOUND"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeConnectionLost    = "CONNECTION_LOST"
	ErrCodeProtocolViolation = "PROTOCOL_VIOLATION"
	ErrCodeDuplicateResponse = "DUPLICATE_RESPONSE"
)

// Infrastructure error codes
const (
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeAlreadyExists   = "ALREADY_EXISTS"
	ErrCodeInvalidArgument = "INVALID_ARGUMENT"
	ErrCodeInternal        = "INTERNAL"
	ErrCodeUnavailable     = "UNAVAILABLE"
	ErrCodeCanceled        = "CANCELED"
)
