// Package transport defines the byte-level link the protocol engine
// drives, and the POSIX serial implementation of it.
package transport

import (
	"errors"
	"time"
)

// ErrTimeout is returned by Read when no byte arrives before the deadline.
var ErrTimeout = errors.New("transport: read timed out")

// Transport is the byte-stream handle the session engine consumes. It
// is owned exclusively by the session for the session's lifetime.
type Transport interface {
	// Write writes all of b or returns an error; partial writes never
	// reach the caller as success.
	Write(b []byte) error

	// Read reads up to len(buf) bytes, blocking until at least one
	// byte arrives or deadline elapses. It returns ErrTimeout (wrapped)
	// if the deadline elapses with nothing read. Read is not
	// guaranteed to fill buf in one call.
	Read(buf []byte, deadline time.Duration) (int, error)

	// SetLineRate atomically reconfigures both input and output rate.
	// No byte written after this call returns observes the old rate.
	SetLineRate(bps int) error

	Close() error
}

// DefaultReadDeadline is the per-read deadline used by the session
// driver outside of auto-baud probing and the programming-state
// transition, per the boot-mode engine's timing model.
const DefaultReadDeadline = 500 * time.Millisecond

// AutoBaudProbeDeadline is the shorter deadline used for each 0x00
// auto-baud probe so up to 30 attempts complete in reasonable time.
const AutoBaudProbeDeadline = 150 * time.Millisecond

// ProgrammingStateDeadline is the longer deadline used for the
// programming/erasure state transition command, because the device
// pauses before replying.
const ProgrammingStateDeadline = 1 * time.Second

// SupportedBitRates are the line rates enumerable from the host's
// terminal driver that SetLineRate is guaranteed to support.
var SupportedBitRates = []int{200, 300, 600, 1200, 1800, 2400, 4800, 9600, 19200, 38400, 57600, 115200, 230400, 460800}

// Supports reports whether bps is one of SupportedBitRates.
func Supports(bps int) bool {
	for _, r := range SupportedBitRates {
		if r == bps {
			return true
		}
	}
	return false
}
