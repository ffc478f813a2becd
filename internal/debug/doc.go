// Package debug exposes a running soft-debugger debuggee as local mirrors.
//
// A Session owns one sdb.Conn. Threads, methods, types and objects in the
// debuggee are represented by mirrors that hold the remote handle and a
// pointer back to the session; all state beyond that is fetched on demand.
//
// # Architecture
//
//	┌─────────────────────────────────────────────────────────────────┐
//	│                 Mirrors (Thread, Method, Type, Object)          │
//	│  - One instance per (handle, kind), kept in the session registry│
//	│  - Immutable attributes memoized, time-varying ones re-queried  │
//	└─────────────────────────────────────────────────────────────────┘
//	                              │
//	                              ▼
//	┌─────────────────────────────────────────────────────────────────┐
//	│                           Session                               │
//	│  - Request helpers bounded by the request timeout               │
//	│  - Running / Suspended / Terminated state machine               │
//	│  - Generation counter bumped on every resume                    │
//	└─────────────────────────────────────────────────────────────────┘
//	                              │
//	                              ▼
//	┌─────────────────────────────────────────────────────────────────┐
//	│                          sdb.Conn                               │
//	│  - Packet framing, reply correlation, ordered event queue       │
//	└─────────────────────────────────────────────────────────────────┘
//
// # Session States
//
//   - Running: the debuggee executes; stack frames cannot be read
//   - Suspended: the debuggee is stopped; GetFrames is allowed
//   - Terminated: the VM died or the connection closed; every call fails
//
// Events are applied by a single goroutine in the order they arrived. A
// resume increments the generation; a StackFrame captured under an older
// generation fails with ErrStaleFrame without contacting the debuggee.
//
// # Usage
//
//	conn, err := sdb.Dial(ctx, "127.0.0.1:55555")
//	if err != nil {
//	    return err
//	}
//	session, err := debug.Connect(ctx, conn, debug.DefaultSessionConfig())
//	if err != nil {
//	    return err
//	}
//	defer session.Close()
//
//	if err := session.Suspend(ctx); err != nil {
//	    return err
//	}
//	threads, _ := session.AllThreads(ctx)
//	frames, _ := threads[0].GetFrames(ctx)
//	fmt.Print(debug.FormatStack(frames))
//
// # Subpackages
//
//   - sdb: wire codec and transport connection
//   - sdb/sdbtest: in-process fake debuggee for tests
package debug
