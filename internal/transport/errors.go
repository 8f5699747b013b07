package transport

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every error the transport can return,.
type ErrorKind int

const (
	// ErrKindTransient covers EAGAIN-equivalents, timeouts, and decrypt
	// mismatches: counted, logged at warn, ignored.
	ErrKindTransient ErrorKind = iota
	// ErrKindMalformed covers length mismatches, invalid stream kinds, and
	// impossible segment geometry: dropped, counted, never fatal.
	ErrKindMalformed
	// ErrKindRecoverableFlow covers nack-slot overwrite, ring-slot collision,
	// and FEC decode failure: logged, surfaced as a stream reset request.
	ErrKindRecoverableFlow
	// ErrKindResourceExhausted covers send-buffer-full conditions, retried
	// up to RetriesOnBufferFull times before the segment is dropped.
	ErrKindResourceExhausted
	// ErrKindFatal latches connection_lost; all subsequent calls fail.
	ErrKindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindTransient:
		return "transient"
	case ErrKindMalformed:
		return "malformed"
	case ErrKindRecoverableFlow:
		return "recoverable-flow"
	case ErrKindResourceExhausted:
		return "resource-exhausted"
	case ErrKindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is the typed error Transport methods use to wrap a failure with its
// ErrorKind and operation; ErrConnectionLost is returned bare, not wrapped.
// Programmer-error invariant violations are NOT expressed as Error — they
// panic via invariant() instead.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("transport: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrapErr(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Sentinel errors used for errors.Is comparisons by callers.
var (
	// ErrConnectionLost is returned by every public method once the session
	// has latched connection_lost.
	ErrConnectionLost = errors.New("connection lost")
	// ErrPacketTooLarge is returned by SendFrame when a MESSAGE frame would
	// need more than one segment or any FEC parity.
	ErrPacketTooLarge = errors.New("packet too large for stream without a nack buffer")
	// ErrBufferNotRegistered is returned when SendFrame/NextFrame is called
	// for a stream that never had RegisterNackBuffer/RegisterRingBuffer
	// called for it.
	ErrBufferNotRegistered = errors.New("no buffer registered for stream")
	// ErrHandshakeTimeout is returned by Create when the handshake budget
	// elapses without establishing a session.
	ErrHandshakeTimeout = errors.New("handshake timed out")

	// ErrMalformedPacket is wrapped by wire-decode failures.
	ErrMalformedPacket = errors.New("malformed packet")
)

// invariant panics if cond is false. Used exclusively for programmer-error
// conditions (bad configuration, double registration) — never for
// network-driven conditions,.
func invariant(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf("transport: invariant violated: "+format, args...))
	}
}
