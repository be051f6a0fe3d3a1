// Package busd holds types shared across the bus daemon's internal packages:
// the error-kind vocabulary from the wire protocol and a handful of
// process-wide constants that don't belong to any single subsystem.
package busd

import (
	"errors"
	"fmt"
)

// Kind is one of the closed set of error kinds the bus can report, either as
// an internal Go error or as an errn-bearing error reply on the wire.
type Kind string

const (
	NoMemory        Kind = "NO_MEMORY"
	IOError         Kind = "IO_ERROR"
	Disconnected    Kind = "DISCONNECTED"
	InvalidArgs     Kind = "INVALID_ARGS"
	LimitsExceeded  Kind = "LIMITS_EXCEEDED"
	AccessDenied    Kind = "ACCESS_DENIED"
	AuthFailed      Kind = "AUTH_FAILED"
	NameHasNoOwner  Kind = "NAME_HAS_NO_OWNER"
	NameInUse       Kind = "NAME_IN_USE"
	FileNotFound    Kind = "FILE_NOT_FOUND"
	ParseError      Kind = "PARSE_ERROR"
	UnknownMethod   Kind = "UNKNOWN_METHOD"
	Timeout         Kind = "TIMEOUT"
	Overflow        Kind = "OVERFLOW"
	BadAlign        Kind = "BAD_ALIGN"
	BadUTF8         Kind = "BAD_UTF8"
	OutOfMemoryWire Kind = "OOM"
	Immutable       Kind = "IMMUTABLE"
	Cancelled       Kind = "CANCELLED"
)

// Error is the error type returned across package boundaries in the bus
// core. It carries a Kind so callers (and the router, when turning a denial
// into a wire-level error reply) can switch on the failure class without
// string matching.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// New constructs an *Error with the given kind and formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error, otherwise
// returns "" .
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
