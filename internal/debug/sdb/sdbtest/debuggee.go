// Package sdbtest provides an in-process fake debuggee for exercising the
// soft-debugger client without a real virtual machine.
package sdbtest

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dshills/softdebug/internal/debug/sdb"
)

// Withhold is returned by a handler to leave the request unanswered. The
// test can answer later with Debuggee.Reply.
const Withhold sdb.ErrorCode = 0xffff

// Request is a command received by the fake debuggee.
type Request struct {
	ID   uint32
	Set  sdb.CommandSet
	Cmd  sdb.CommandID
	Data []byte
}

// Reader returns a payload reader over the request data.
func (r *Request) Reader() *sdb.Reader {
	return sdb.NewReader(r.Data)
}

// HandlerFunc answers a request by writing the reply payload to w and
// returning the reply code.
type HandlerFunc func(req *Request, w *sdb.Writer) sdb.ErrorCode

type key struct {
	set sdb.CommandSet
	cmd sdb.CommandID
}

// Debuggee is the debuggee end of a net.Pipe.
type Debuggee struct {
	t    testing.TB
	conn net.Conn
	peer net.Conn

	mu       sync.Mutex
	handlers map[key]HandlerFunc
	counts   map[key]int
	last     map[key]*Request
	received chan *Request

	writeMu sync.Mutex
	started bool
	done    chan struct{}
}

// New creates a fake debuggee. The pipe is closed when the test ends.
func New(t testing.TB) *Debuggee {
	server, client := net.Pipe()
	d := &Debuggee{
		t:        t,
		conn:     server,
		peer:     client,
		handlers: make(map[key]HandlerFunc),
		counts:   make(map[key]int),
		last:     make(map[key]*Request),
		received: make(chan *Request, 256),
		done:     make(chan struct{}),
	}
	t.Cleanup(func() {
		d.conn.Close()
		d.peer.Close()
		if d.started {
			<-d.done
		}
	})
	return d
}

// Connect performs the handshake and returns a client connection that is
// closed when the test ends.
func (d *Debuggee) Connect(opts ...sdb.Option) *sdb.Conn {
	d.t.Helper()
	d.started = true

	accepted := make(chan error, 1)
	go func() {
		err := sdb.AcceptHandshake(d.conn)
		accepted <- err
		if err != nil {
			close(d.done)
			return
		}
		d.serve()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(d.t, sdb.Handshake(ctx, d.peer))
	require.NoError(d.t, <-accepted)

	conn := sdb.NewConn(d.peer, opts...)
	d.t.Cleanup(func() { conn.Close() })
	return conn
}

// Handle installs fn for a command, replacing any previous handler.
func (d *Debuggee) Handle(set sdb.CommandSet, cmd sdb.CommandID, fn HandlerFunc) {
	d.mu.Lock()
	d.handlers[key{set, cmd}] = fn
	d.mu.Unlock()
}

// HandleOK installs a handler that always succeeds with the payload written
// by fill. A nil fill replies with an empty payload.
func (d *Debuggee) HandleOK(set sdb.CommandSet, cmd sdb.CommandID, fill func(w *sdb.Writer)) {
	d.Handle(set, cmd, func(_ *Request, w *sdb.Writer) sdb.ErrorCode {
		if fill != nil {
			fill(w)
		}
		return sdb.ErrCodeNone
	})
}

// Count returns how many requests for a command have been received.
func (d *Debuggee) Count(set sdb.CommandSet, cmd sdb.CommandID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counts[key{set, cmd}]
}

// Last returns the most recent request for a command, or nil.
func (d *Debuggee) Last(set sdb.CommandSet, cmd sdb.CommandID) *Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last[key{set, cmd}]
}

// Received delivers every request in arrival order.
func (d *Debuggee) Received() <-chan *Request {
	return d.received
}

// Reply sends a reply for request id.
func (d *Debuggee) Reply(id uint32, code sdb.ErrorCode, data []byte) {
	d.write(sdb.EncodeReply(id, code, data))
}

// SendEvents sends a composite event set.
func (d *Debuggee) SendEvents(policy sdb.SuspendPolicy, events ...sdb.Event) {
	d.write(sdb.EncodeEventSet(0, &sdb.EventSet{Policy: policy, Events: events}))
}

// SendRaw writes bytes as-is, for malformed-input tests.
func (d *Debuggee) SendRaw(b []byte) {
	d.write(b)
}

// Disconnect closes the debuggee end of the pipe.
func (d *Debuggee) Disconnect() {
	d.conn.Close()
}

func (d *Debuggee) write(b []byte) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	// Errors mean the client went away; tests observe that elsewhere.
	_, _ = d.conn.Write(b)
}

func (d *Debuggee) serve() {
	defer close(d.done)

	for {
		p, err := sdb.ReadPacket(d.conn)
		if err != nil {
			return
		}

		req := &Request{ID: p.ID, Set: p.Set, Cmd: p.Cmd, Data: p.Data}
		k := key{p.Set, p.Cmd}

		d.mu.Lock()
		d.counts[k]++
		d.last[k] = req
		fn := d.handlers[k]
		d.mu.Unlock()

		select {
		case d.received <- req:
		default:
		}

		if fn == nil {
			d.Reply(req.ID, sdb.ErrCodeNotImplemented, nil)
			continue
		}

		w := sdb.NewWriter()
		code := fn(req, w)
		if code == Withhold {
			continue
		}
		d.Reply(req.ID, code, w.Bytes())
	}
}
