package sdb

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// DefaultTimeout bounds a request when the caller does not pass a timeout.
const DefaultTimeout = 10 * time.Second

// Conn multiplexes requests and events over one byte stream. A single
// goroutine reads the stream: replies complete the matching Pending, events
// are queued in arrival order for NextEvent.
type Conn struct {
	rwc    io.ReadWriteCloser
	reader *bufio.Reader
	log    *zap.Logger
	clock  clock.Clock

	timeout time.Duration

	// writeMu serializes id assignment and writes so ids hit the wire in
	// increasing order.
	writeMu sync.Mutex
	nextID  uint32

	mu        sync.Mutex
	pending   map[uint32]*Pending
	abandoned map[uint32]struct{}
	closed    bool
	cause     error
	closeErr  error

	events   *eventQueue
	done     chan struct{}
	loopDone chan struct{}
	shutdown sync.Once
}

// Option configures a Conn.
type Option func(*Conn)

// WithLogger sets the logger for protocol diagnostics.
func WithLogger(log *zap.Logger) Option {
	return func(c *Conn) {
		if log != nil {
			c.log = log
		}
	}
}

// WithClock sets the clock used for request timeouts.
func WithClock(clk clock.Clock) Option {
	return func(c *Conn) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithDefaultTimeout sets the timeout used when a caller passes zero.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Conn) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// Pending tracks a request awaiting its reply.
type Pending struct {
	id         uint32
	cmd        Command
	replyEvent *Event

	done      chan struct{}
	closeOnce sync.Once
	reply     *Reply
	err       error
}

// ID returns the request id assigned on the wire.
func (p *Pending) ID() uint32 {
	return p.id
}

// Command returns the command that was sent.
func (p *Pending) Command() Command {
	return p.cmd
}

func (p *Pending) complete(reply *Reply, err error) {
	p.closeOnce.Do(func() {
		p.reply = reply
		p.err = err
		close(p.done)
	})
}

// SendOption adjusts a single Send.
type SendOption func(*Pending)

// WithReplyEvent queues ev on the event queue when a successful reply to the
// request is routed, before the reply is handed to the waiter. This orders
// effects of the client's own commands against debuggee events exactly as
// the wire ordered them.
func WithReplyEvent(ev Event) SendOption {
	return func(p *Pending) {
		p.replyEvent = &ev
	}
}

// NewConn takes ownership of rwc and starts the receive loop. The handshake
// must already have been performed; see Handshake and Dial.
func NewConn(rwc io.ReadWriteCloser, opts ...Option) *Conn {
	c := &Conn{
		rwc:       rwc,
		reader:    bufio.NewReaderSize(rwc, 64*1024),
		log:       zap.NewNop(),
		clock:     clock.New(),
		timeout:   DefaultTimeout,
		pending:   make(map[uint32]*Pending),
		abandoned: make(map[uint32]struct{}),
		events:    newEventQueue(),
		done:      make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.receiveLoop()
	return c
}

// Send writes cmd and returns without waiting for the reply.
func (c *Conn) Send(cmd Command, opts ...SendOption) (*Pending, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if c.closed {
		err := closedError(c.cause)
		c.mu.Unlock()
		return nil, err
	}
	if c.nextID == math.MaxUint32 {
		c.mu.Unlock()
		return nil, ErrSequenceExhausted
	}
	c.nextID++
	p := &Pending{
		id:   c.nextID,
		cmd:  cmd,
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	// Register before writing: the reply may be routed before Write returns.
	c.pending[p.id] = p
	c.mu.Unlock()

	if _, err := c.rwc.Write(Encode(p.id, cmd)); err != nil {
		c.mu.Lock()
		delete(c.pending, p.id)
		c.mu.Unlock()
		c.teardown(fmt.Errorf("write %s: %w", cmd, err))
		return nil, c.Err()
	}

	c.log.Debug("sent command", zap.Uint32("id", p.id), zap.Stringer("command", cmd))
	return p, nil
}

// AwaitReply blocks until the reply for p arrives, the timeout elapses, ctx
// is done or the connection closes. A zero timeout uses the default. On
// timeout or cancellation the request is abandoned and a late reply to it is
// discarded.
func (c *Conn) AwaitReply(ctx context.Context, p *Pending, timeout time.Duration) (*Reply, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}

	timer := c.clock.Timer(timeout)
	defer timer.Stop()

	select {
	case <-p.done:
		return p.reply, p.err
	case <-timer.C:
		return c.abandon(p, ErrTimeout)
	case <-ctx.Done():
		return c.abandon(p, ctx.Err())
	}
}

// abandon gives up on p unless its reply has already been routed, in which
// case the reply wins.
func (c *Conn) abandon(p *Pending, reason error) (*Reply, error) {
	c.mu.Lock()
	if _, ok := c.pending[p.id]; !ok {
		c.mu.Unlock()
		<-p.done
		return p.reply, p.err
	}
	delete(c.pending, p.id)
	c.abandoned[p.id] = struct{}{}
	c.mu.Unlock()

	p.complete(nil, reason)
	if errors.Is(reason, ErrTimeout) {
		return nil, fmt.Errorf("%s: %w", p.cmd, reason)
	}
	return nil, reason
}

// Request sends cmd and waits for its reply. A reply with a non-zero error
// code is returned as a *CommandError.
func (c *Conn) Request(ctx context.Context, cmd Command, timeout time.Duration, opts ...SendOption) (*Reply, error) {
	p, err := c.Send(cmd, opts...)
	if err != nil {
		return nil, err
	}

	reply, err := c.AwaitReply(ctx, p, timeout)
	if err != nil {
		return nil, err
	}
	if reply.Code != ErrCodeNone {
		return nil, &CommandError{Set: cmd.Set, Cmd: cmd.ID, Code: reply.Code}
	}
	return reply, nil
}

// NextEvent returns the next queued event. After the Disconnected event has
// been returned it fails with ErrConnectionClosed.
func (c *Conn) NextEvent(ctx context.Context) (Event, error) {
	return c.events.next(ctx)
}

// Done is closed once the connection has shut down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Closed reports whether the connection has shut down.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Err returns nil while the connection is open, and an error matching
// ErrConnectionClosed afterwards.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		return nil
	}
	return closedError(c.cause)
}

// Fail tears the connection down with cause, as if the receive loop had
// hit it. Callers use it when a reply decoded by them turns out malformed.
// Pending and later requests fail with an error matching
// ErrConnectionClosed. Fail has no effect on a closed connection.
func (c *Conn) Fail(cause error) {
	if cause == nil {
		cause = &ProtocolDecodeError{Op: "reply", Err: errors.New("malformed payload")}
	}
	c.teardown(cause)
}

// PendingCount returns the number of requests awaiting a reply.
func (c *Conn) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close shuts the connection down and waits for the receive loop to exit.
func (c *Conn) Close() error {
	c.teardown(nil)
	<-c.loopDone

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// receiveLoop reads messages until the stream fails.
func (c *Conn) receiveLoop() {
	defer close(c.loopDone)

	for {
		msg, err := Decode(c.reader)
		if err != nil {
			c.teardown(err)
			return
		}

		switch m := msg.(type) {
		case *Reply:
			if err := c.route(m); err != nil {
				c.teardown(err)
				return
			}
		case *EventSet:
			for _, ev := range m.Events {
				c.events.push(ev)
			}
		}
	}
}

// route hands a reply to its waiter.
func (c *Conn) route(r *Reply) error {
	c.mu.Lock()
	p, ok := c.pending[r.ID]
	if ok {
		delete(c.pending, r.ID)
	} else if _, late := c.abandoned[r.ID]; late {
		delete(c.abandoned, r.ID)
		c.mu.Unlock()
		c.log.Debug("discarding late reply", zap.Uint32("id", r.ID))
		return nil
	}
	c.mu.Unlock()

	if !ok {
		return &ProtocolDecodeError{Op: "reply", Err: fmt.Errorf("no request with id %d", r.ID)}
	}

	if r.Code == ErrCodeNone && p.replyEvent != nil {
		c.events.push(*p.replyEvent)
	}
	p.complete(r, nil)
	return nil
}

// teardown closes the connection once. A nil cause means a local Close.
func (c *Conn) teardown(cause error) {
	c.shutdown.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.cause = cause
		pending := c.pending
		c.pending = make(map[uint32]*Pending)
		c.abandoned = make(map[uint32]struct{})
		c.mu.Unlock()

		switch {
		case cause == nil:
			c.log.Debug("connection closed")
		case errors.Is(cause, io.EOF):
			c.log.Info("debuggee closed the connection")
		default:
			c.log.Warn("connection failed", zap.Error(cause))
		}

		err := closedError(cause)
		for _, p := range pending {
			p.complete(nil, err)
		}

		c.events.push(Event{Kind: EventDisconnected, Err: cause})
		c.events.close()

		closeErr := c.rwc.Close()
		c.mu.Lock()
		c.closeErr = closeErr
		c.mu.Unlock()

		close(c.done)
	})
}
