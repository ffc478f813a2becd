package sdb_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/softdebug/internal/debug/sdb"
	"github.com/dshills/softdebug/internal/debug/sdb/sdbtest"
)

func nameHandler(name string) sdbtest.HandlerFunc {
	return func(_ *sdbtest.Request, w *sdb.Writer) sdb.ErrorCode {
		w.String(name)
		return sdb.ErrCodeNone
	}
}

func getName(thread sdb.Handle) sdb.Command {
	return sdb.NewCommand(sdb.CmdSetThread, sdb.CmdThreadGetName, func(w *sdb.Writer) {
		w.Handle(thread)
	})
}

func nextEvent(t *testing.T, conn *sdb.Conn) sdb.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := conn.NextEvent(ctx)
	require.NoError(t, err)
	return ev
}

func TestConnRequest(t *testing.T) {
	d := sdbtest.New(t)
	d.Handle(sdb.CmdSetThread, sdb.CmdThreadGetName, nameHandler("Main"))
	conn := d.Connect()

	reply, err := conn.Request(context.Background(), getName(0x10), 0)
	require.NoError(t, err)
	assert.Equal(t, "Main", reply.Reader().String())

	req := d.Last(sdb.CmdSetThread, sdb.CmdThreadGetName)
	require.NotNil(t, req)
	assert.Equal(t, uint32(1), req.ID)
	assert.Equal(t, sdb.Handle(0x10), req.Reader().Handle())
	assert.Zero(t, conn.PendingCount())
}

func TestConnCommandError(t *testing.T) {
	d := sdbtest.New(t)
	d.Handle(sdb.CmdSetThread, sdb.CmdThreadGetName, func(*sdbtest.Request, *sdb.Writer) sdb.ErrorCode {
		return sdb.ErrCodeInvalidObject
	})
	conn := d.Connect()

	_, err := conn.Request(context.Background(), getName(0x10), 0)
	var cmdErr *sdb.CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, sdb.ErrCodeInvalidObject, cmdErr.Code)
	assert.Equal(t, sdb.CmdThreadGetName, cmdErr.Cmd)

	// A command error leaves the connection usable.
	assert.False(t, conn.Closed())
}

func TestConnConcurrentRequests(t *testing.T) {
	d := sdbtest.New(t)
	d.Handle(sdb.CmdSetThread, sdb.CmdThreadGetID, func(req *sdbtest.Request, w *sdb.Writer) sdb.ErrorCode {
		w.Int64(int64(req.Reader().Handle()) * 100)
		return sdb.ErrCodeNone
	})
	conn := d.Connect()

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(h sdb.Handle) {
			defer wg.Done()
			cmd := sdb.NewCommand(sdb.CmdSetThread, sdb.CmdThreadGetID, func(w *sdb.Writer) {
				w.Handle(h)
			})
			reply, err := conn.Request(context.Background(), cmd, 0)
			if err != nil {
				errs <- err
				return
			}
			if got := reply.Reader().Int64(); got != int64(h)*100 {
				errs <- errors.New("reply routed to the wrong request")
			}
		}(sdb.Handle(i))
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, n, d.Count(sdb.CmdSetThread, sdb.CmdThreadGetID))
}

func TestConnOutOfOrderReplies(t *testing.T) {
	d := sdbtest.New(t)
	d.Handle(sdb.CmdSetThread, sdb.CmdThreadGetName, func(*sdbtest.Request, *sdb.Writer) sdb.ErrorCode {
		return sdbtest.Withhold
	})
	conn := d.Connect()

	first, err := conn.Send(getName(1))
	require.NoError(t, err)
	second, err := conn.Send(getName(2))
	require.NoError(t, err)
	assert.Less(t, first.ID(), second.ID())

	require.Eventually(t, func() bool {
		return d.Count(sdb.CmdSetThread, sdb.CmdThreadGetName) == 2
	}, 2*time.Second, 5*time.Millisecond)

	w := sdb.NewWriter()
	w.String("second")
	d.Reply(second.ID(), sdb.ErrCodeNone, w.Bytes())
	w = sdb.NewWriter()
	w.String("first")
	d.Reply(first.ID(), sdb.ErrCodeNone, w.Bytes())

	ctx := context.Background()
	r2, err := conn.AwaitReply(ctx, second, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "second", r2.Reader().String())

	r1, err := conn.AwaitReply(ctx, first, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "first", r1.Reader().String())
}

func TestConnLateReplyDiscarded(t *testing.T) {
	mock := clock.NewMock()
	d := sdbtest.New(t)
	d.Handle(sdb.CmdSetThread, sdb.CmdThreadGetName, func(*sdbtest.Request, *sdb.Writer) sdb.ErrorCode {
		return sdbtest.Withhold
	})
	d.Handle(sdb.CmdSetThread, sdb.CmdThreadGetState, func(_ *sdbtest.Request, w *sdb.Writer) sdb.ErrorCode {
		w.Int32(4)
		return sdb.ErrCodeNone
	})
	conn := d.Connect(sdb.WithClock(mock), sdb.WithDefaultTimeout(5*time.Second))

	errc := make(chan error, 1)
	go func() {
		_, err := conn.Request(context.Background(), getName(0x10), 0)
		errc <- err
	}()

	var timedOut error
	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		select {
		case timedOut = <-errc:
			return true
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
	require.ErrorIs(t, timedOut, sdb.ErrTimeout)

	// Answer the abandoned request, then make sure the connection is still
	// healthy and the next request gets its own reply.
	late := d.Last(sdb.CmdSetThread, sdb.CmdThreadGetName)
	require.NotNil(t, late)
	w := sdb.NewWriter()
	w.String("too late")
	d.Reply(late.ID, sdb.ErrCodeNone, w.Bytes())

	cmd := sdb.NewCommand(sdb.CmdSetThread, sdb.CmdThreadGetState, func(w *sdb.Writer) { w.Handle(0x10) })
	reply, err := conn.Request(context.Background(), cmd, 0)
	require.NoError(t, err)
	assert.Equal(t, int32(4), reply.Reader().Int32())
	assert.False(t, conn.Closed())
}

func TestConnContextCancel(t *testing.T) {
	d := sdbtest.New(t)
	d.Handle(sdb.CmdSetThread, sdb.CmdThreadGetName, func(*sdbtest.Request, *sdb.Writer) sdb.ErrorCode {
		return sdbtest.Withhold
	})
	conn := d.Connect()

	ctx, cancel := context.WithCancel(context.Background())
	p, err := conn.Send(getName(1))
	require.NoError(t, err)
	cancel()

	_, err = conn.AwaitReply(ctx, p, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, conn.PendingCount())
}

func TestConnUnknownReplyIsFatal(t *testing.T) {
	d := sdbtest.New(t)
	conn := d.Connect()

	d.Reply(999, sdb.ErrCodeNone, nil)

	ev := nextEvent(t, conn)
	assert.Equal(t, sdb.EventDisconnected, ev.Kind)
	assert.ErrorIs(t, ev.Err, sdb.ErrProtocolDecode)
	assert.True(t, conn.Closed())
	assert.ErrorIs(t, conn.Err(), sdb.ErrConnectionClosed)
}

func TestConnMalformedPacketIsFatal(t *testing.T) {
	d := sdbtest.New(t)
	conn := d.Connect()

	d.SendRaw([]byte{0, 0, 0, 3, 0, 0, 0, 1, 0x80, 0, 0})

	ev := nextEvent(t, conn)
	assert.Equal(t, sdb.EventDisconnected, ev.Kind)
	assert.ErrorIs(t, ev.Err, sdb.ErrProtocolDecode)
}

func TestConnFailTearsDown(t *testing.T) {
	d := sdbtest.New(t)
	d.Handle(sdb.CmdSetThread, sdb.CmdThreadGetName, nameHandler("Main"))
	conn := d.Connect()

	cause := &sdb.ProtocolDecodeError{Op: "reply", Err: errors.New("negative length")}
	conn.Fail(cause)
	conn.Fail(errors.New("second cause is ignored"))

	assert.True(t, conn.Closed())
	assert.ErrorIs(t, conn.Err(), sdb.ErrConnectionClosed)
	assert.ErrorIs(t, conn.Err(), sdb.ErrProtocolDecode)

	ev := nextEvent(t, conn)
	assert.Equal(t, sdb.EventDisconnected, ev.Kind)
	assert.ErrorIs(t, ev.Err, sdb.ErrProtocolDecode)

	_, err := conn.Request(context.Background(), getName(0x10), 0)
	assert.ErrorIs(t, err, sdb.ErrConnectionClosed)
	assert.Zero(t, d.Count(sdb.CmdSetThread, sdb.CmdThreadGetName))
}

func TestConnDisconnectFailsPending(t *testing.T) {
	d := sdbtest.New(t)
	d.Handle(sdb.CmdSetThread, sdb.CmdThreadGetName, func(*sdbtest.Request, *sdb.Writer) sdb.ErrorCode {
		return sdbtest.Withhold
	})
	conn := d.Connect()

	p, err := conn.Send(getName(1))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return d.Count(sdb.CmdSetThread, sdb.CmdThreadGetName) == 1
	}, 2*time.Second, 5*time.Millisecond)

	d.Disconnect()

	_, err = conn.AwaitReply(context.Background(), p, time.Minute)
	assert.ErrorIs(t, err, sdb.ErrConnectionClosed)

	<-conn.Done()
	start := time.Now()
	_, err = conn.Request(context.Background(), getName(1), time.Minute)
	assert.ErrorIs(t, err, sdb.ErrConnectionClosed)
	assert.Less(t, time.Since(start), time.Second)
}

func TestConnDisconnectedExactlyOnce(t *testing.T) {
	d := sdbtest.New(t)
	conn := d.Connect()

	d.SendEvents(sdb.SuspendPolicyNone, sdb.Event{Kind: sdb.EventThreadStart, Thread: 0x11})
	d.Disconnect()
	<-conn.Done()
	require.NoError(t, conn.Close())

	assert.Equal(t, sdb.EventThreadStart, nextEvent(t, conn).Kind)
	assert.Equal(t, sdb.EventDisconnected, nextEvent(t, conn).Kind)

	_, err := conn.NextEvent(context.Background())
	assert.ErrorIs(t, err, sdb.ErrConnectionClosed)
}

func TestConnLocalCloseQueuesDisconnected(t *testing.T) {
	d := sdbtest.New(t)
	conn := d.Connect()

	require.NoError(t, conn.Close())

	ev := nextEvent(t, conn)
	assert.Equal(t, sdb.EventDisconnected, ev.Kind)
	assert.NoError(t, ev.Err)

	_, err := conn.Send(getName(1))
	assert.ErrorIs(t, err, sdb.ErrConnectionClosed)
}

func TestConnEventsInArrivalOrder(t *testing.T) {
	d := sdbtest.New(t)
	conn := d.Connect()

	d.SendEvents(sdb.SuspendPolicyNone,
		sdb.Event{Kind: sdb.EventThreadStart, Thread: 0x11},
		sdb.Event{Kind: sdb.EventTypeLoad, Thread: 0x11, Subject: 0x500},
	)
	d.SendEvents(sdb.SuspendPolicyAll,
		sdb.Event{Kind: sdb.EventBreakpoint, Thread: 0x11, Method: 0x200, ILOffset: 4},
	)

	ev := nextEvent(t, conn)
	assert.Equal(t, sdb.EventThreadStart, ev.Kind)
	assert.Equal(t, sdb.SuspendPolicyNone, ev.SuspendPolicy)

	ev = nextEvent(t, conn)
	assert.Equal(t, sdb.EventTypeLoad, ev.Kind)
	assert.Equal(t, sdb.Handle(0x500), ev.Subject)

	ev = nextEvent(t, conn)
	assert.Equal(t, sdb.EventBreakpoint, ev.Kind)
	assert.Equal(t, sdb.SuspendPolicyAll, ev.SuspendPolicy)
	assert.Equal(t, int64(4), ev.ILOffset)
}

func TestConnReplyEventFollowsWireOrder(t *testing.T) {
	d := sdbtest.New(t)
	d.Handle(sdb.CmdSetVM, sdb.CmdVMResume, func(*sdbtest.Request, *sdb.Writer) sdb.ErrorCode {
		// The debuggee reports a breakpoint before it answers the resume.
		d.SendEvents(sdb.SuspendPolicyNone, sdb.Event{Kind: sdb.EventThreadStart, Thread: 0x12})
		return sdb.ErrCodeNone
	})
	conn := d.Connect()

	_, err := conn.Request(context.Background(),
		sdb.NewCommand(sdb.CmdSetVM, sdb.CmdVMResume, nil), 0,
		sdb.WithReplyEvent(sdb.Event{Kind: sdb.EventVMResume}))
	require.NoError(t, err)

	assert.Equal(t, sdb.EventThreadStart, nextEvent(t, conn).Kind)
	assert.Equal(t, sdb.EventVMResume, nextEvent(t, conn).Kind)
}

func TestConnReplyEventSkippedOnError(t *testing.T) {
	d := sdbtest.New(t)
	d.Handle(sdb.CmdSetVM, sdb.CmdVMResume, func(*sdbtest.Request, *sdb.Writer) sdb.ErrorCode {
		return sdb.ErrCodeNotSuspended
	})
	conn := d.Connect()

	_, err := conn.Request(context.Background(),
		sdb.NewCommand(sdb.CmdSetVM, sdb.CmdVMResume, nil), 0,
		sdb.WithReplyEvent(sdb.Event{Kind: sdb.EventVMResume}))
	require.Error(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = conn.NextEvent(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConnSlowConsumerDoesNotStallReplies(t *testing.T) {
	d := sdbtest.New(t)
	d.Handle(sdb.CmdSetThread, sdb.CmdThreadGetName, nameHandler("worker"))
	conn := d.Connect()

	events := make([]sdb.Event, 500)
	for i := range events {
		events[i] = sdb.Event{Kind: sdb.EventKeepAlive}
	}
	d.SendEvents(sdb.SuspendPolicyNone, events...)

	// Nobody drains the event queue, yet replies keep flowing.
	reply, err := conn.Request(context.Background(), getName(1), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "worker", reply.Reader().String())
}

func TestHandshakeRejectsBadEcho(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		buf := make([]byte, len("DWP-Handshake"))
		_, _ = server.Read(buf)
		_, _ = server.Write([]byte("NOT-Handshake"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := sdb.Handshake(ctx, client)
	require.Error(t, err)
	assert.ErrorIs(t, err, sdb.ErrProtocolDecode)
}

func TestDialRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = sdb.Dial(ctx, addr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), addr)
}

func TestDialHandshake(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		if sdb.AcceptHandshake(c) != nil {
			return
		}
		// Hold the connection until the client hangs up.
		_, _ = sdb.ReadPacket(c)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := sdb.Dial(ctx, ln.Addr().String())
	require.NoError(t, err)
	assert.False(t, conn.Closed())
	require.NoError(t, conn.Close())
}
