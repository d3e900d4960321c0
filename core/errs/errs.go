// Package errs defines the gateway's error-kind taxonomy (spec.md §7).
// Every fallible operation in this module returns either a plain wrapped
// error or a *Error carrying one of the Kind values below, so callers can
// branch with errors.As without string-matching messages.
package errs

import "fmt"

// Kind classifies an error into one of the taxonomy buckets from spec.md §7.
type Kind int

const (
	InvalidArgument Kind = iota
	InvalidSize
	InvalidState
	InvalidCrc
	NotFound
	NoMem
	Timeout
	Busy
	IoFailure
	NotAllowed
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "invalid_argument"
	case InvalidSize:
		return "invalid_size"
	case InvalidState:
		return "invalid_state"
	case InvalidCrc:
		return "invalid_crc"
	case NotFound:
		return "not_found"
	case NoMem:
		return "no_mem"
	case Timeout:
		return "timeout"
	case Busy:
		return "busy"
	case IoFailure:
		return "io_failure"
	case NotAllowed:
		return "not_allowed"
	default:
		return "unknown"
	}
}

// Error pairs a Kind with a message and an optional wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an *Error of the given kind with a message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap creates an *Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if as, ok := err.(*Error); ok {
			e = as
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return e != nil && e.Kind == kind
}
