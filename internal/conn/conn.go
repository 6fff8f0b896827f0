// Package conn provides buffered connections to MicroPython and
// CircuitPython devices over interchangeable byte-stream backends.
//
// A Conn wraps a Backend with a background reader goroutine and an internal
// buffer so protocol code can use blocking, soft, and lookahead reads
// without ever stalling the device side. Once any I/O failure occurs the
// connection carries a sticky error and every subsequent hard operation
// fails with a CommunicationError; callers must reconnect.
package conn

import (
	"errors"
	"fmt"
	"time"
)

// Backend is a raw duplex byte stream to one device. Implementations exist
// for serial ports, local interpreter subprocesses, containers, and WebREPL
// websockets. Read is called only by the connection's background reader and
// may block indefinitely; Close must unblock it.
type Backend interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	String() string
}

// TextModeSetter is implemented by backends that distinguish text from
// binary framing (the WebREPL websocket). Other backends ignore the toggle.
type TextModeSetter interface {
	SetTextMode(textMode bool)
}

// OutgoingChecker is implemented by backends that buffer writes and can
// report whether everything has been flushed to the device.
type OutgoingChecker interface {
	OutgoingIsEmpty() bool
}

// ErrClosed is the sticky error recorded when the connection is closed
// deliberately rather than by an I/O failure.
var ErrClosed = errors.New("connection closed")

// CommunicationError reports a transport-level failure (I/O error or
// disconnect). It is not retried by the driver; the caller may reconnect.
type CommunicationError struct {
	Cause error
}

func (e *CommunicationError) Error() string {
	if e.Cause == nil {
		return "device communication failed"
	}
	return fmt.Sprintf("device communication failed: %v", e.Cause)
}

func (e *CommunicationError) Unwrap() error { return e.Cause }

// TimeoutError reports that a hard read did not complete within its window.
// Partial holds whatever had arrived when the deadline passed.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
	Partial []byte
}

func (e *TimeoutError) Error() string {
	if len(e.Partial) > 0 {
		return fmt.Sprintf("%s timed out after %v (received %q so far)", e.Op, e.Timeout, e.Partial)
	}
	return fmt.Sprintf("%s timed out after %v", e.Op, e.Timeout)
}

// MismatchError reports that the device answered with different bytes than
// the protocol step required.
type MismatchError struct {
	Expected []byte
	Actual   []byte
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("expected %q from device, got %q", e.Expected, e.Actual)
}
