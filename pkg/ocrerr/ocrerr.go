// Package ocrerr defines the failure kinds shared by the model runtime, the OCR service and the
// HTTP layer. The HTTP layer maps kinds to status codes; everything below it only classifies.
package ocrerr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	// KindInvalidInput is a bad or empty payload, or bytes that do not decode as an image.
	KindInvalidInput
	// KindConfiguration is a deployment problem such as a missing model directory.
	KindConfiguration
	// KindDependencyMissing means the inference backend is not installed or not compiled in.
	KindDependencyMissing
	// KindBackend is a model load or inference failure, including a run that produced no output.
	KindBackend
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindConfiguration:
		return "configuration"
	case KindDependencyMissing:
		return "dependency_missing"
	case KindBackend:
		return "backend"
	default:
		return "unknown"
	}
}

// Sentinels usable with errors.Is against any *Error of the same kind.
var (
	ErrInvalidInput      = &Error{Kind: KindInvalidInput, Msg: "invalid input"}
	ErrConfiguration     = &Error{Kind: KindConfiguration, Msg: "configuration error"}
	ErrDependencyMissing = &Error{Kind: KindDependencyMissing, Msg: "dependency missing"}
	ErrBackend           = &Error{Kind: KindBackend, Msg: "backend failure"}
)

// Error carries a human readable message, which is surfaced to API clients verbatim, and the
// underlying cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on kind so callers can write errors.Is(err, ocrerr.ErrBackend).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to cause. The message is used as-is; it is up to the caller
// to include the cause text when it should reach the client.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: cause}
}

func InvalidInput(format string, args ...any) *Error {
	return New(KindInvalidInput, format, args...)
}

func Backend(cause error, format string, args ...any) *Error {
	return Wrap(KindBackend, cause, format, args...)
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Message returns the client facing message of the first *Error in err's chain, falling back to
// err.Error().
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return err.Error()
}
