// Package corerr
// Author: momentics <momentics@gmail.com>
//
// Shared error taxonomy for the reactor/runtime toolkit: transient and
// fatal I/O, protocol, lifecycle (programmer) and process errors, as
// described in spec.md section 7.
package corerr

import "fmt"

// Kind classifies an Error so callers can decide whether to retry,
// surface, or treat it as a programmer mistake.
type Kind int

const (
	// KindTransient covers EAGAIN/EINTR: retried locally or deferred by
	// re-registering interest.
	KindTransient Kind = iota
	// KindFatal covers EBADF and other unexpected I/O failures: the fd is
	// unregistered and the error surfaces to the owning component.
	KindFatal
	// KindProtocol covers short frames or bad message ids: the message is
	// discarded and logged; the stream is not torn down automatically.
	KindProtocol
	// KindLifecycle covers programmer errors: AlreadyRegistered,
	// NotRegistered, NotOnLoopThread, NoEventLoop.
	KindLifecycle
	// KindProcess covers CommandNotFound, ForkFailed, ExecFailed, TimedOut.
	KindProcess
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	case KindProtocol:
		return "protocol"
	case KindLifecycle:
		return "lifecycle"
	case KindProcess:
		return "process"
	default:
		return "unknown"
	}
}

// Error is a structured error carrying a Kind and the operation that
// produced it, wrapping an underlying cause when one exists.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error of the given kind for operation op.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err is a corerr.Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if as, ok := err.(*Error); ok {
		e = as
	} else {
		return false
	}
	return e.Kind == kind
}

// Sentinel lifecycle errors, matching spec.md section 7 by name.
var (
	ErrAlreadyRegistered = New(KindLifecycle, "register", fmt.Errorf("already registered"))
	ErrNotRegistered     = New(KindLifecycle, "unregister", fmt.Errorf("not registered"))
	ErrNotOnLoopThread   = New(KindLifecycle, "assert", fmt.Errorf("not on loop thread"))
	ErrNoEventLoop       = New(KindLifecycle, "eventloop", fmt.Errorf("no event loop on this thread"))

	ErrCommandNotFound = New(KindProcess, "spawn", fmt.Errorf("command not found"))
	ErrForkFailed      = New(KindProcess, "spawn", fmt.Errorf("fork failed"))
	ErrTimedOut        = New(KindProcess, "exec", fmt.Errorf("timed out"))

	ErrNotConnected = New(KindFatal, "send", fmt.Errorf("not connected"))
)
