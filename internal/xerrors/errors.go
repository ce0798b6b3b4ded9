// Package xerrors defines typed errors with categories for the driver's
// error taxonomy. It provides a structured approach to error handling
// with machine-readable error kinds and human-friendly messages, so
// callers can branch on Kind without parsing message text.
package xerrors

import (
	"errors"
	"fmt"
)

// Kind is a machine-readable error category.
type Kind string

const (
	// FrameError indicates a codec-level framing violation: an
	// out-of-bounds length prefix or a socket half-close mid-frame.
	FrameError Kind = "frame_error"
	// TransportError indicates a socket failure or protocol-level
	// violation. Fatal to the Transport; every Session on it fails too.
	TransportError Kind = "transport_error"
	// SessionError indicates a server-signalled statement error
	// (SQL-state + vendor code + message). Not fatal to the Session
	// unless the server says so.
	SessionError Kind = "session_error"
	// SessionKilled is terminal: the Session is no longer usable.
	SessionKilled Kind = "session_killed"
	// AcquireTimeout indicates the Pool could not grant a Session within
	// the configured acquire wait.
	AcquireTimeout Kind = "acquire_timeout"
	// Timeout indicates a context deadline elapsed while a Session waited
	// for its handshake reply or its request pipeline. No cancel is sent
	// to the storage node when it is raised.
	Timeout Kind = "timeout"
	// NotSupported indicates the caller requested a JDBC-surface feature
	// outside the private wire protocol.
	NotSupported Kind = "not_supported"
	// Closed indicates an operation was attempted on a Handle after
	// close() returned.
	Closed Kind = "closed"
	// NotInitialized indicates an operation was attempted on a Handle
	// before init() completed.
	NotInitialized Kind = "not_initialized"
	// IllegalArgument indicates a caller-supplied argument was invalid
	// (unknown isolation level, negative token count, and so on).
	IllegalArgument Kind = "illegal_argument"
)

// E wraps an error with a Kind and a human-friendly message.
type E struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *E) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap lets errors.Is/errors.As see through to the wrapped cause.
func (e *E) Unwrap() error { return e.Err }

// Wrap constructs an *E of the given Kind around an existing error.
func Wrap(kind Kind, msg string, err error) *E { return &E{Kind: kind, Message: msg, Err: err} }

// New constructs an *E of the given Kind with no wrapped cause.
func New(kind Kind, msg string) *E { return &E{Kind: kind, Message: msg} }

// Is reports whether err is an *E of the given Kind, unwrapping as needed.
func Is(err error, kind Kind) bool {
	var e *E
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the Kind of err if it is (or wraps) an *E, and ok=false
// otherwise.
func KindOf(err error) (Kind, bool) {
	var e *E
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
