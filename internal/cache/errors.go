package cache

import (
	"errors"
	"fmt"
)

// ErrorType classifies cache infrastructure failures.
type ErrorType int

const (
	// ErrorConnection indicates the store is unreachable or refused the operation.
	ErrorConnection ErrorType = iota
	// ErrorTimeout indicates the per-operation deadline elapsed.
	ErrorTimeout
	// ErrorSerialization indicates a payload could not be encoded or decoded.
	ErrorSerialization
	// ErrorValidation indicates a malformed key, id, or TTL.
	ErrorValidation
)

func (t ErrorType) String() string {
	switch t {
	case ErrorConnection:
		return "CONNECTION"
	case ErrorTimeout:
		return "TIMEOUT"
	case ErrorSerialization:
		return "SERIALIZATION"
	case ErrorValidation:
		return "VALIDATION"
	default:
		return "UNKNOWN"
	}
}

// Error is a cache infrastructure error. The cache is an optimization, so
// values of this type are absorbed and logged at the Manager boundary and
// never reach callers of the typed accessors.
type Error struct {
	Type    ErrorType
	Key     string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("cache %s: key %q: %s", e.Type, e.Key, e.Message)
	}
	return fmt.Sprintf("cache %s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same Type, so callers can test categories
// with errors.Is(err, &Error{Type: ErrorTimeout}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

func newError(t ErrorType, key, message string, cause error) *Error {
	return &Error{Type: t, Key: key, Message: message, Cause: cause}
}

func connectionError(key string, cause error) *Error {
	return newError(ErrorConnection, key, "store operation failed", cause)
}

func timeoutError(key string, cause error) *Error {
	return newError(ErrorTimeout, key, "store operation timed out", cause)
}

func serializationError(key, message string, cause error) *Error {
	return newError(ErrorSerialization, key, message, cause)
}

func validationError(message string) *Error {
	return newError(ErrorValidation, "", message, nil)
}

// IsConnectionError reports whether err is (or wraps) a connection failure.
func IsConnectionError(err error) bool {
	return isType(err, ErrorConnection)
}

// IsTimeoutError reports whether err is (or wraps) a deadline overrun.
func IsTimeoutError(err error) bool {
	return isType(err, ErrorTimeout)
}

// IsSerializationError reports whether err is (or wraps) a codec failure.
func IsSerializationError(err error) bool {
	return isType(err, ErrorSerialization)
}

// IsValidationError reports whether err is (or wraps) an input validation failure.
func IsValidationError(err error) bool {
	return isType(err, ErrorValidation)
}

func isType(err error, t ErrorType) bool {
	var cacheErr *Error
	if !errors.As(err, &cacheErr) {
		return false
	}
	return cacheErr.Type == t
}
