package debug

import (
	"errors"
	"fmt"

	"github.com/dshills/softdebug/internal/debug/sdb"
)

// Session-level errors.
var (
	// ErrNotSuspended is returned by operations that need a stopped debuggee.
	ErrNotSuspended = errors.New("debug: debuggee is not suspended")

	// ErrStaleHandle is returned when the debuggee no longer recognizes a
	// handle. It is never retried.
	ErrStaleHandle = errors.New("debug: stale handle")

	// ErrStaleFrame is returned for a stack frame captured before the most
	// recent resume.
	ErrStaleFrame = errors.New("debug: stale stack frame")

	// ErrSessionTerminated is returned once the debuggee VM has died.
	ErrSessionTerminated = errors.New("debug: session terminated")

	// ErrIncompatibleVersion is returned by Connect when the debuggee
	// speaks an unsupported protocol version.
	ErrIncompatibleVersion = errors.New("debug: incompatible protocol version")
)

// Wire-level errors, re-exported so callers need not import sdb.
var (
	ErrProtocolDecode   = sdb.ErrProtocolDecode
	ErrConnectionClosed = sdb.ErrConnectionClosed
	ErrTimeout          = sdb.ErrTimeout
)

// translate maps debuggee error codes onto session sentinels. The original
// error stays in the chain so callers can still inspect the code.
func translate(err error) error {
	var cmdErr *sdb.CommandError
	if !errors.As(err, &cmdErr) {
		return err
	}

	switch cmdErr.Code {
	case sdb.ErrCodeInvalidObject, sdb.ErrCodeUnloaded:
		return fmt.Errorf("%w: %w", ErrStaleHandle, err)
	case sdb.ErrCodeInvalidFrameID:
		return fmt.Errorf("%w: %w", ErrStaleFrame, err)
	case sdb.ErrCodeNotSuspended:
		return fmt.Errorf("%w: %w", ErrNotSuspended, err)
	default:
		return err
	}
}
