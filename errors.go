package wsstream

import (
	"fmt"
	"net"
	"syscall"

	"github.com/pkg/errors"
)

var (
	// ErrConnectionClosed is returned when the websocket was closed cleanly and no further
	// data can be exchanged.
	ErrConnectionClosed = errors.New("connection has been closed")
	ErrListenerClosed   = errors.New("listener has been closed")

	// ErrFlushPending reports that a flush could not drain the outgoing buffer because the
	// transport was not ready. The buffered data is kept for the next attempt.
	ErrFlushPending = errors.New("flush pending: transport not ready")

	ErrHandshakeDone = errors.New("handshake already performed")
	ErrRateLimit     = errors.New("rate limit exceeded")
)

// ErrorKind classifies provider failures.
type ErrorKind uint8

const (
	KindHandshakeFailed ErrorKind = iota + 1
	KindConnectionFailed
	KindProtocolViolation
	KindBackendSpecific
)

func (k ErrorKind) String() string {
	switch k {
	case KindHandshakeFailed:
		return "handshake_failed"
	case KindConnectionFailed:
		return "connection_failed"
	case KindProtocolViolation:
		return "protocol_violation"
	case KindBackendSpecific:
		return "backend_specific"
	default:
		return "unknown"
	}
}

// Error is the error returned by providers, acceptors and dialers.
type Error struct {
	kind  ErrorKind
	cause error
}

var (
	ErrHandshakeFailed   = &Error{kind: KindHandshakeFailed}
	ErrConnectionFailed  = &Error{kind: KindConnectionFailed}
	ErrProtocolViolation = &Error{kind: KindProtocolViolation}
	ErrBackendSpecific   = &Error{kind: KindBackendSpecific}
)

func newError(kind ErrorKind, cause error) *Error {
	return &Error{kind: kind, cause: cause}
}

func (e *Error) Kind() ErrorKind { return e.kind }

func (e *Error) Error() string {
	var msg string
	switch e.kind {
	case KindHandshakeFailed:
		msg = "websocket handshake failed"
	case KindConnectionFailed:
		msg = "websocket connection failed"
	case KindProtocolViolation:
		msg = "websocket protocol violation"
	default:
		msg = "websocket backend error"
	}
	if e.cause == nil {
		return msg
	}
	return fmt.Sprintf("%s: %s", msg, e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Cause() error { return e.cause }

// Is matches sentinels of the same kind, so errors.Is(err, ErrProtocolViolation) holds for
// every protocol violation regardless of its cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.cause == nil && t.kind == e.kind
}

// KindOf returns the kind of the first *Error in err's chain. Errors of any other type are
// backend specific; a nil error has no kind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return KindBackendSpecific
}

// StreamError is the error surfaced by Stream reads and writes. Errno carries the standard
// I/O error category a byte-stream consumer expects; zero means a generic I/O failure.
type StreamError struct {
	Op    string
	Errno syscall.Errno
	Err   error
}

func (e *StreamError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("wsstream %s: %s", e.Op, e.Errno)
	}
	if e.Errno == 0 {
		return fmt.Sprintf("wsstream %s: %s", e.Op, e.Err)
	}
	return fmt.Sprintf("wsstream %s: %s: %s", e.Op, e.Errno, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

func (e *StreamError) Cause() error { return e.Err }

func (e *StreamError) Is(target error) bool {
	errno, ok := target.(syscall.Errno)
	return ok && e.Errno != 0 && errno == e.Errno
}

func (e *StreamError) Timeout() bool {
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

func (e *StreamError) Temporary() bool {
	return e.Timeout()
}

var _ net.Error = (*StreamError)(nil)

// toStreamError maps a provider error to its byte-stream category.
func toStreamError(op string, err error) *StreamError {
	var se *StreamError
	if errors.As(err, &se) {
		return se
	}

	var errno syscall.Errno
	switch KindOf(err) {
	case KindConnectionFailed:
		if errors.Is(err, ErrConnectionClosed) {
			errno = syscall.ENOTCONN
		} else {
			errno = syscall.ECONNABORTED
		}
	case KindProtocolViolation:
		errno = syscall.ECONNRESET
	}
	return &StreamError{Op: op, Errno: errno, Err: err}
}

func errNotConnected(op string) *StreamError {
	return &StreamError{Op: op, Errno: syscall.ENOTCONN, Err: ErrConnectionClosed}
}
