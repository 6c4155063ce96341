// Package blockerr carries the block layer's structured failures. Every
// error surfaced by the engine wraps a machine-checkable Kind together with
// a human-readable, driver-qualified message.
package blockerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	// KindConfig covers user configuration errors: unknown drivers or
	// options, conflicting references, invalid combinations. Rejected
	// synchronously before any I/O.
	KindConfig Kind = iota

	// KindFormat covers image integrity errors: bad magic, oversized
	// tables, truncated files. Fatal at open time.
	KindFormat

	// KindIO covers errors propagated from the underlying protocol.
	KindIO

	// KindBlocked means the operation was refused because another
	// subsystem holds an operation blocker on the node. Always
	// recoverable by retrying after the blocking operation completes.
	KindBlocked

	// KindNotSupported marks operations a driver cannot perform.
	KindNotSupported

	// KindNotFound marks lookups of unknown nodes, bitmaps or devices.
	KindNotFound

	// KindInvalidState marks operations attempted against an object in
	// the wrong lifecycle state (e.g. modifying a frozen bitmap).
	KindInvalidState
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindFormat:
		return "format"
	case KindIO:
		return "io"
	case KindBlocked:
		return "blocked"
	case KindNotSupported:
		return "not-supported"
	case KindNotFound:
		return "not-found"
	case KindInvalidState:
		return "invalid-state"
	default:
		return "unknown"
	}
}

// Error is a failure with a Kind. It may wrap a cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a new error of the given kind.
func E(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a kind and message. Returns nil for a nil err.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// IsKind reports whether any error in err's chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	for errors.As(err, &e) {
		if e.Kind == kind {
			return true
		}
		err = e.Err
		if err == nil {
			return false
		}
	}
	return false
}

// KindOf returns the kind of the outermost structured error in the chain,
// or KindIO when err carries no kind at all.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindIO
}
