package sdb

import (
	"errors"
	"fmt"
)

// Sentinel errors for the wire layer.
var (
	// ErrProtocolDecode is matched by every *ProtocolDecodeError.
	ErrProtocolDecode = errors.New("sdb: protocol decode error")

	// ErrConnectionClosed is returned for pending and future requests once
	// the connection has shut down.
	ErrConnectionClosed = errors.New("sdb: connection closed")

	// ErrTimeout is returned when no reply arrives before the deadline.
	ErrTimeout = errors.New("sdb: request timed out")

	// ErrSequenceExhausted is returned when the request id space has run out.
	ErrSequenceExhausted = errors.New("sdb: request ids exhausted")
)

// ProtocolDecodeError reports malformed wire data. It is always fatal to the
// connection that produced it.
type ProtocolDecodeError struct {
	// Op describes what was being decoded.
	Op string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *ProtocolDecodeError) Error() string {
	return fmt.Sprintf("sdb: decode %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProtocolDecodeError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrProtocolDecode.
func (e *ProtocolDecodeError) Is(target error) bool {
	return target == ErrProtocolDecode
}

// CommandError is a reply that carried a non-zero error code.
type CommandError struct {
	Set  CommandSet
	Cmd  CommandID
	Code ErrorCode
}

// Error implements the error interface.
func (e *CommandError) Error() string {
	return fmt.Sprintf("sdb: %s failed: %s (%d)", CommandName(e.Set, e.Cmd), e.Code, uint16(e.Code))
}

// closedError wraps ErrConnectionClosed with the teardown cause, if any.
func closedError(cause error) error {
	if cause == nil {
		return ErrConnectionClosed
	}
	return fmt.Errorf("%w: %w", ErrConnectionClosed, cause)
}
