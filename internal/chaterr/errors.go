// Package chaterr defines the error taxonomy shared by the transport,
// the sync-status lifecycle and the connection state machine.
package chaterr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for retry decisions.
type Kind int

const (
	KindGeneric Kind = iota
	KindNetwork
	KindPrecondition
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindPrecondition:
		return "precondition"
	default:
		return "generic"
	}
}

// Server error codes with special handling.
const (
	CodeTokenExpired   = 40
	CodeSocketFailure  = 1000
	CodeParserFailure  = 1001
	CodeNoConnectedAck = 1002
)

// Error is the common error type. Cause is optional.
type Error struct {
	Kind       Kind
	Code       int
	StatusCode int
	Message    string
	Cause      error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindNetwork:
		msg := fmt.Sprintf("network error (code=%d, status=%d): %s", e.Code, e.StatusCode, e.Message)
		if e.Cause != nil {
			msg += ": " + e.Cause.Error()
		}
		return msg
	case KindPrecondition:
		return "precondition failed: " + e.Message
	default:
		if e.Cause != nil {
			return e.Message + ": " + e.Cause.Error()
		}
		return e.Message
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// Kind sentinels for errors.Is. Any error of the same kind matches them.
var (
	ErrGeneric      = &Error{Kind: KindGeneric}
	ErrNetwork      = &Error{Kind: KindNetwork}
	ErrPrecondition = &Error{Kind: KindPrecondition}
)

// Is matches a pattern target: an Error that carries only a kind and
// optionally a code. Errors with a message match by identity only.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || !t.isPattern() {
		return false
	}
	return t.Kind == e.Kind && (t.Code == 0 || t.Code == e.Code)
}

func (e *Error) isPattern() bool {
	return e.Message == "" && e.Cause == nil && e.StatusCode == 0
}

// IsPermanent reports whether retrying the failed operation can never succeed.
func (e *Error) IsPermanent() bool {
	switch e.Kind {
	case KindPrecondition:
		return true
	case KindNetwork:
		if e.Code == CodeTokenExpired {
			return false
		}
		switch e.StatusCode {
		case http.StatusRequestTimeout, http.StatusTooManyRequests:
			return false
		}
		return e.StatusCode >= 400 && e.StatusCode < 500
	default:
		return false
	}
}

// NetworkError builds a transport or server-side failure.
func NetworkError(code, statusCode int, message string) *Error {
	return &Error{Kind: KindNetwork, Code: code, StatusCode: statusCode, Message: message}
}

// WrapNetwork builds a network error with status 0 around a transport failure.
func WrapNetwork(code int, message string, cause error) *Error {
	return &Error{Kind: KindNetwork, Code: code, Message: message, Cause: cause}
}

// GenericError builds an error that is never permanent.
func GenericError(message string) *Error {
	return &Error{Kind: KindGeneric, Message: message}
}

// Precondition builds an error for a call that was rejected before any I/O.
func Precondition(format string, args ...any) *Error {
	return &Error{Kind: KindPrecondition, Message: fmt.Sprintf(format, args...)}
}

// IsPermanent reports whether err carries a permanent chat error. Errors
// outside the taxonomy are treated as transient.
func IsPermanent(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.IsPermanent()
	}
	return false
}
