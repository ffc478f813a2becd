package debug

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dshills/softdebug/internal/debug/sdb"
	"github.com/dshills/softdebug/internal/debug/sdb/sdbtest"
)

const (
	mainThread   sdb.Handle = 0x10
	workerThread sdb.Handle = 0x11
	programType  sdb.Handle = 0x500
)

// world is the debuggee state served by the fake. Maps are fixed before the
// session connects; threadState may change at any time.
type world struct {
	threads     map[sdb.Handle]string
	pool        map[sdb.Handle]bool
	frames      map[sdb.Handle][]FrameInfo
	methods     map[sdb.Handle]string
	strings     map[sdb.Handle]string
	threadState atomic.Int32
}

// scenarioWorld has thread 0x10 stopped in m1 at IL 5, called from m2 at 12,
// called from m3 at 0.
func scenarioWorld() *world {
	return &world{
		threads: map[sdb.Handle]string{mainThread: "Main", workerThread: "Worker"},
		pool:    map[sdb.Handle]bool{workerThread: true},
		frames: map[sdb.Handle][]FrameInfo{
			mainThread: {
				{ID: 1, Method: 0x101, ILOffset: 5},
				{ID: 2, Method: 0x102, ILOffset: 12},
				{ID: 3, Method: 0x103, ILOffset: 0, Flags: sdb.FrameFlagNativeTransition},
			},
			workerThread: {
				{ID: 4, Method: 0x101, ILOffset: 7},
			},
		},
		methods: map[sdb.Handle]string{0x101: "m1", 0x102: "m2", 0x103: "m3"},
		strings: map[sdb.Handle]string{0x700: "hello"},
	}
}

func lookup[V any](m map[sdb.Handle]V, req *sdbtest.Request) (V, bool) {
	v, ok := m[req.Reader().Handle()]
	return v, ok
}

func (wd *world) install(d *sdbtest.Debuggee) {
	d.HandleOK(sdb.CmdSetVM, sdb.CmdVMVersion, func(w *sdb.Writer) {
		w.String("mono 6.12.0")
		w.Int32(2)
		w.Int32(58)
	})
	d.HandleOK(sdb.CmdSetVM, sdb.CmdVMSuspend, nil)
	d.HandleOK(sdb.CmdSetVM, sdb.CmdVMResume, nil)
	d.HandleOK(sdb.CmdSetVM, sdb.CmdVMDispose, nil)
	d.HandleOK(sdb.CmdSetVM, sdb.CmdVMAllThreads, func(w *sdb.Writer) {
		w.Int32(2)
		w.Handle(mainThread)
		w.Handle(workerThread)
	})

	d.Handle(sdb.CmdSetThread, sdb.CmdThreadGetName, func(req *sdbtest.Request, w *sdb.Writer) sdb.ErrorCode {
		name, ok := lookup(wd.threads, req)
		if !ok {
			return sdb.ErrCodeInvalidObject
		}
		w.String(name)
		return sdb.ErrCodeNone
	})
	d.Handle(sdb.CmdSetThread, sdb.CmdThreadGetState, func(_ *sdbtest.Request, w *sdb.Writer) sdb.ErrorCode {
		w.Int32(wd.threadState.Load())
		return sdb.ErrCodeNone
	})
	d.Handle(sdb.CmdSetThread, sdb.CmdThreadGetInfo, func(req *sdbtest.Request, w *sdb.Writer) sdb.ErrorCode {
		pool, _ := lookup(wd.pool, req)
		w.Bool(pool)
		return sdb.ErrCodeNone
	})
	d.Handle(sdb.CmdSetThread, sdb.CmdThreadGetFrameInfo, func(req *sdbtest.Request, w *sdb.Writer) sdb.ErrorCode {
		frames, ok := lookup(wd.frames, req)
		if !ok {
			return sdb.ErrCodeInvalidObject
		}
		w.Int32(int32(len(frames)))
		for _, f := range frames {
			w.Int32(f.ID)
			w.Handle(f.Method)
			w.Int32(f.ILOffset)
			w.Uint8(f.Flags)
		}
		return sdb.ErrCodeNone
	})

	d.Handle(sdb.CmdSetMethod, sdb.CmdMethodGetName, func(req *sdbtest.Request, w *sdb.Writer) sdb.ErrorCode {
		name, ok := lookup(wd.methods, req)
		if !ok {
			return sdb.ErrCodeInvalidObject
		}
		w.String(name)
		return sdb.ErrCodeNone
	})
	d.HandleOK(sdb.CmdSetMethod, sdb.CmdMethodGetDeclaringType, func(w *sdb.Writer) {
		w.Handle(programType)
	})
	d.HandleOK(sdb.CmdSetMethod, sdb.CmdMethodGetInfo, func(w *sdb.Writer) {
		w.Int32(0x96)
		w.Int32(0)
		w.Int32(0x06000001)
	})
	d.HandleOK(sdb.CmdSetType, sdb.CmdTypeGetInfo, func(w *sdb.Writer) {
		w.String("App")
		w.String("Program")
		w.String("App.Program")
		w.Handle(0x900)
		w.Int32(0x02000002)
	})

	d.Handle(sdb.CmdSetStringRef, sdb.CmdStringGetValue, func(req *sdbtest.Request, w *sdb.Writer) sdb.ErrorCode {
		s, ok := lookup(wd.strings, req)
		if !ok {
			return sdb.ErrCodeInvalidObject
		}
		w.String(s)
		return sdb.ErrCodeNone
	})
}

// newTestSession connects a session to a fake debuggee serving wd. Extra
// handlers may be installed with d before or after the call.
func newTestSession(t *testing.T, wd *world, mutate ...func(*SessionConfig)) (*Session, *sdbtest.Debuggee) {
	t.Helper()

	d := sdbtest.New(t)
	wd.install(d)
	conn := d.Connect()

	cfg := DefaultSessionConfig()
	cfg.Logger = zaptest.NewLogger(t)
	for _, fn := range mutate {
		fn(&cfg)
	}

	s, err := Connect(testContext(t), conn, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, d
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.State() == want
	}, 2*time.Second, 5*time.Millisecond, "state never became %s", want)
}
