package sdb

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"
)

// deadliner is implemented by net.Conn.
type deadliner interface {
	SetDeadline(t time.Time) error
}

// Handshake performs the protocol handshake: the client sends the magic
// string and the debuggee must echo it back. If rw supports deadlines, the
// exchange is bounded by ctx's deadline.
func Handshake(ctx context.Context, rw io.ReadWriter) error {
	if d, ok := rw.(deadliner); ok {
		if deadline, ok := ctx.Deadline(); ok {
			if err := d.SetDeadline(deadline); err != nil {
				return fmt.Errorf("set handshake deadline: %w", err)
			}
			defer d.SetDeadline(time.Time{})
		}
	}

	if _, err := io.WriteString(rw, handshakeMagic); err != nil {
		return fmt.Errorf("write handshake: %w", err)
	}

	buf := make([]byte, len(handshakeMagic))
	if _, err := io.ReadFull(rw, buf); err != nil {
		return fmt.Errorf("read handshake: %w", err)
	}
	if string(buf) != handshakeMagic {
		return &ProtocolDecodeError{Op: "handshake", Err: fmt.Errorf("unexpected reply %q", buf)}
	}
	return nil
}

// AcceptHandshake is the debuggee side of Handshake. Used by test doubles.
func AcceptHandshake(rw io.ReadWriter) error {
	buf := make([]byte, len(handshakeMagic))
	if _, err := io.ReadFull(rw, buf); err != nil {
		return fmt.Errorf("read handshake: %w", err)
	}
	if string(buf) != handshakeMagic {
		return &ProtocolDecodeError{Op: "handshake", Err: fmt.Errorf("unexpected greeting %q", buf)}
	}
	if _, err := io.WriteString(rw, handshakeMagic); err != nil {
		return fmt.Errorf("write handshake: %w", err)
	}
	return nil
}

// Dial connects to a debuggee listening on a TCP address, performs the
// handshake and returns a running Conn.
func Dial(ctx context.Context, address string, opts ...Option) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}

	if err := Handshake(ctx, nc); err != nil {
		nc.Close()
		return nil, err
	}

	return NewConn(nc, opts...), nil
}
