package types

import (
	"errors"
)

// Error represents an error with a machine-readable code
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

// AsError returns the outermost *Error in err's chain
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsErrCode checks if an error has a specific error code
func IsErrCode(err error, code string) bool {
	if e, ok := AsError(err); ok {
		return e.Code == code
	}
	return false
}

// GetErrorCode returns the error code from an error
func GetErrorCode(err error) string {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// Common error codes
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeAlreadyExists      = "ALREADY_EXISTS"
	ErrCodeInvalidArgument    = "INVALID_ARGUMENT"
	ErrCodeInvalid            = "INVALID"
	ErrCodeInternal           = "INTERNAL"
	ErrCodeUnavailable        = "UNAVAILABLE"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeCanceled           = "CANCELED"
	ErrCodeFailedPrecondition = "FAILED_PRECONDITION"
)

// Protocol error codes carried in debug/error frames
const (
	ErrCodeMalformedPayload  = "MALFORMED_PAYLOAD"
	ErrCodeUnauthenticated   = "UNAUTHENTICATED"
	ErrCodeAlreadyIdentified = "ALREADY_IDENTIFIED"
	ErrCodeNameInUse         = "NAME_IN_USE"
	ErrCodeIncorrectPSK      = "INCORRECT_PSK"
	ErrCodeIncorrectToken    = "INCORRECT_TOKEN"
	ErrCodeAuthTimeout       = "AUTH_TIMEOUT"
	ErrCodeUnknownService    = "UNKNOWN_SERVICE"
	ErrCodeInvalidMetrics    = "INVALID_METRICS"
	ErrCodeNoNonce           = "NO_NONCE"
)
