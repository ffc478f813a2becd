package debug

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/dshills/softdebug/internal/debug/sdb"
)

// State is the run state of the debuggee as seen by the session.
type State int

const (
	// StateRunning is when the debuggee executes.
	StateRunning State = iota
	// StateSuspended is when the debuggee is stopped.
	StateSuspended
	// StateTerminated is when the VM died or the connection closed.
	StateTerminated
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// SessionHandlers contains callbacks for session events. Handlers run on the
// event goroutine after the event's state transition has been applied; they
// must not wait on Suspend or Resume.
type SessionHandlers struct {
	// OnStateChanged is called when the session state changes.
	OnStateChanged func(old, new State)

	// OnSuspended is called when an event suspends a running debuggee.
	OnSuspended func(ev sdb.Event)

	// OnResumed is called when the debuggee resumes, with the new generation.
	OnResumed func(generation uint64)

	// OnThreadStarted is called when a thread starts.
	OnThreadStarted func(thread *ThreadMirror)

	// OnThreadDied is called when a thread exits. The mirror is no longer
	// registered when the handler runs.
	OnThreadDied func(thread *ThreadMirror)

	// OnTerminated is called once when the session terminates.
	OnTerminated func(reason error)

	// OnEvent is called for every event, after the specific handlers.
	OnEvent func(ev sdb.Event)
}

// SessionConfig configures a session.
type SessionConfig struct {
	// RequestTimeout bounds every request. Zero uses sdb.DefaultTimeout.
	RequestTimeout time.Duration

	// FrameCache reuses a thread's frames until the next resume.
	FrameCache bool

	// ProtocolConstraint is the semver range of supported debuggee protocol
	// versions. Empty accepts any version.
	ProtocolConstraint string

	// ResolveParallelism bounds concurrent method resolution in GetFrames.
	ResolveParallelism int

	// Logger receives session diagnostics. Nil disables logging.
	Logger *zap.Logger
}

// DefaultSessionConfig returns a default session configuration.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		RequestTimeout:     sdb.DefaultTimeout,
		ProtocolConstraint: ">= 2.0.0, < 3.0.0",
		ResolveParallelism: 8,
	}
}

// VersionInfo describes the debuggee.
type VersionInfo struct {
	// VM is the debuggee's self-reported name and build.
	VM string

	Major int32
	Minor int32

	// Protocol is Major.Minor as a semantic version.
	Protocol *semver.Version
}

// Session is a connection to one debuggee.
type Session struct {
	id      uuid.UUID
	conn    *sdb.Conn
	log     *zap.Logger
	version VersionInfo

	timeout     atomic.Int64
	parallelism int

	registry *registry
	frames   *frameCache

	stateMu    sync.RWMutex
	state      State
	generation uint64
	cause      error

	handlers   SessionHandlers
	handlersMu sync.RWMutex

	// marks are waiters for synthesized events, keyed by negative request id.
	marksMu  sync.Mutex
	marks    map[int32]chan struct{}
	nextMark atomic.Int32

	terminated   chan struct{}
	consumerDone chan struct{}
	closeOnce    sync.Once
	closeErr     error
}

// Connect takes ownership of conn, checks the debuggee's protocol version and
// starts applying events. The session starts Running. On error conn is closed.
func Connect(ctx context.Context, conn *sdb.Conn, cfg SessionConfig) (*Session, error) {
	s := newSession(conn, cfg)

	if err := s.handshake(ctx, cfg.ProtocolConstraint); err != nil {
		conn.Close()
		return nil, err
	}

	go s.consume()

	s.log.Info("session started",
		zap.String("vm", s.version.VM),
		zap.Stringer("protocol", s.version.Protocol))
	return s, nil
}

// Dial connects to a debuggee at address and starts a session.
func Dial(ctx context.Context, address string, cfg SessionConfig) (*Session, error) {
	opts := []sdb.Option{sdb.WithDefaultTimeout(cfg.RequestTimeout)}
	if cfg.Logger != nil {
		opts = append(opts, sdb.WithLogger(cfg.Logger.Named("sdb")))
	}

	conn, err := sdb.Dial(ctx, address, opts...)
	if err != nil {
		return nil, err
	}
	return Connect(ctx, conn, cfg)
}

func newSession(conn *sdb.Conn, cfg SessionConfig) *Session {
	id := uuid.New()
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	s := &Session{
		id:           id,
		conn:         conn,
		log:          log.With(zap.String("session_id", id.String())),
		parallelism:  cfg.ResolveParallelism,
		registry:     newRegistry(),
		state:        StateRunning,
		marks:        make(map[int32]chan struct{}),
		terminated:   make(chan struct{}),
		consumerDone: make(chan struct{}),
	}
	if s.parallelism <= 0 {
		s.parallelism = 1
	}
	if cfg.FrameCache {
		s.frames = newFrameCache()
	}
	s.SetRequestTimeout(cfg.RequestTimeout)
	return s
}

func (s *Session) handshake(ctx context.Context, constraint string) error {
	name, major, minor, err := s.getVersion(ctx)
	if err != nil {
		return fmt.Errorf("version: %w", err)
	}

	v, err := semver.NewVersion(fmt.Sprintf("%d.%d.0", major, minor))
	if err != nil {
		return fmt.Errorf("%w: %d.%d", ErrIncompatibleVersion, major, minor)
	}
	s.version = VersionInfo{VM: name, Major: major, Minor: minor, Protocol: v}

	if constraint == "" {
		return nil
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("protocol constraint %q: %w", constraint, err)
	}
	if !c.Check(v) {
		return fmt.Errorf("%w: debuggee speaks %s, want %s", ErrIncompatibleVersion, v, constraint)
	}
	return nil
}

// ID returns the session identifier used in logs.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Version returns what the debuggee reported at connect time.
func (s *Session) Version() VersionInfo {
	return s.version
}

// SetHandlers sets the session event handlers.
func (s *Session) SetHandlers(handlers SessionHandlers) {
	s.handlersMu.Lock()
	s.handlers = handlers
	s.handlersMu.Unlock()
}

func (s *Session) getHandlers() SessionHandlers {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	return s.handlers
}

// RequestTimeout returns the timeout applied to each request.
func (s *Session) RequestTimeout() time.Duration {
	return time.Duration(s.timeout.Load())
}

// SetRequestTimeout changes the request timeout for subsequent requests.
// Zero or negative restores sdb.DefaultTimeout.
func (s *Session) SetRequestTimeout(d time.Duration) {
	if d <= 0 {
		d = sdb.DefaultTimeout
	}
	s.timeout.Store(int64(d))
}

// State returns the current session state.
func (s *Session) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Generation returns the execution generation. It increases by one on every
// transition from Suspended to Running.
func (s *Session) Generation() uint64 {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.generation
}

func (s *Session) snapshot() (State, uint64) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state, s.generation
}

// Err returns nil while the session is usable. Afterwards it returns an error
// matching ErrConnectionClosed or ErrSessionTerminated.
func (s *Session) Err() error {
	s.stateMu.RLock()
	state, cause := s.state, s.cause
	s.stateMu.RUnlock()

	if state == StateTerminated {
		return cause
	}
	return s.conn.Err()
}

// Done is closed when the session terminates.
func (s *Session) Done() <-chan struct{} {
	return s.terminated
}

// Thread returns the mirror for a thread handle.
func (s *Session) Thread(h sdb.Handle) *ThreadMirror {
	return mirrorOf(s.registry, h, KindThread, func() *ThreadMirror {
		return &ThreadMirror{mirror: mirror{handle: h, session: s}}
	})
}

// Method returns the mirror for a method handle. Use ResolveMethod to get one
// whose attributes are loaded.
func (s *Session) Method(h sdb.Handle) *MethodMirror {
	return mirrorOf(s.registry, h, KindMethod, func() *MethodMirror {
		return &MethodMirror{mirror: mirror{handle: h, session: s}}
	})
}

// Type returns the mirror for a type handle.
func (s *Session) Type(h sdb.Handle) *TypeMirror {
	return mirrorOf(s.registry, h, KindType, func() *TypeMirror {
		return &TypeMirror{mirror: mirror{handle: h, session: s}}
	})
}

// Object returns the mirror for an object handle.
func (s *Session) Object(h sdb.Handle) *ObjectMirror {
	return mirrorOf(s.registry, h, KindObject, func() *ObjectMirror {
		return &ObjectMirror{mirror: mirror{handle: h, session: s}}
	})
}

// StringObject returns the mirror for a string handle.
func (s *Session) StringObject(h sdb.Handle) *StringMirror {
	return mirrorOf(s.registry, h, KindString, func() *StringMirror {
		return &StringMirror{ObjectMirror: ObjectMirror{mirror: mirror{handle: h, session: s}, kind: KindString}}
	})
}

// AllThreads returns mirrors for every thread in the debuggee.
func (s *Session) AllThreads(ctx context.Context) ([]*ThreadMirror, error) {
	handles, err := s.getAllThreads(ctx)
	if err != nil {
		return nil, fmt.Errorf("all threads: %w", err)
	}
	return lo.Map(handles, func(h sdb.Handle, _ int) *ThreadMirror {
		return s.Thread(h)
	}), nil
}

// Suspend stops the debuggee. It returns once the session is Suspended.
func (s *Session) Suspend(ctx context.Context) error {
	return s.control(ctx, sdb.CmdVMSuspend, sdb.EventVMSuspend)
}

// Resume restarts a suspended debuggee. It returns once the session is
// Running, at which point every previously captured StackFrame is stale.
func (s *Session) Resume(ctx context.Context) error {
	return s.control(ctx, sdb.CmdVMResume, sdb.EventVMResume)
}

// control sends a VM command whose success the event goroutine must see in
// wire order, then waits for it to be applied.
func (s *Session) control(ctx context.Context, cmd sdb.CommandID, kind sdb.EventKind) error {
	if err := s.Err(); err != nil {
		return err
	}

	id, applied := s.mark()
	defer s.unmark(id)

	ev := sdb.Event{Kind: kind, RequestID: id, SuspendPolicy: sdb.SuspendPolicyAll}
	if kind == sdb.EventVMResume {
		ev.SuspendPolicy = sdb.SuspendPolicyNone
	}

	c := sdb.NewCommand(sdb.CmdSetVM, cmd, nil)
	if _, err := s.conn.Request(ctx, c, s.RequestTimeout(), sdb.WithReplyEvent(ev)); err != nil {
		return fmt.Errorf("%s: %w", c, translate(err))
	}

	select {
	case <-applied:
		return nil
	case <-s.terminated:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) mark() (int32, <-chan struct{}) {
	id := s.nextMark.Add(-1)
	ch := make(chan struct{})
	s.marksMu.Lock()
	s.marks[id] = ch
	s.marksMu.Unlock()
	return id, ch
}

func (s *Session) unmark(id int32) {
	s.marksMu.Lock()
	delete(s.marks, id)
	s.marksMu.Unlock()
}

func (s *Session) release(id int32) {
	s.marksMu.Lock()
	ch, ok := s.marks[id]
	delete(s.marks, id)
	s.marksMu.Unlock()
	if ok {
		close(ch)
	}
}

// Exit asks the debuggee VM to exit with code.
func (s *Session) Exit(ctx context.Context, code int32) error {
	_, err := s.request(ctx, sdb.CmdSetVM, sdb.CmdVMExit, func(w *sdb.Writer) {
		w.Int32(code)
	})
	if err != nil {
		return fmt.Errorf("exit: %w", err)
	}
	return nil
}

// Dispose detaches from the debuggee, letting it run on without a debugger.
func (s *Session) Dispose(ctx context.Context) error {
	if _, err := s.request(ctx, sdb.CmdSetVM, sdb.CmdVMDispose, nil); err != nil {
		return fmt.Errorf("dispose: %w", err)
	}
	return nil
}

// Close disposes the debuggee if it is still attached, closes the connection
// and waits for pending events to be applied. It is safe to call repeatedly.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		var result *multierror.Error

		if s.Err() == nil {
			ctx, cancel := context.WithTimeout(context.Background(), s.RequestTimeout())
			err := s.Dispose(ctx)
			cancel()
			if err != nil && !errors.Is(err, ErrConnectionClosed) {
				result = multierror.Append(result, err)
			}
		}

		if err := s.conn.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close connection: %w", err))
		}

		<-s.consumerDone
		s.closeErr = result.ErrorOrNil()
	})
	return s.closeErr
}

// consume applies events in arrival order until the connection's queue is
// drained after shutdown.
func (s *Session) consume() {
	defer close(s.consumerDone)

	for {
		ev, err := s.conn.NextEvent(context.Background())
		if err != nil {
			// Only reached once the queue is closed and empty.
			s.terminate(s.conn.Err())
			return
		}
		s.apply(ev)
	}
}

// apply performs the state transition for ev, then runs handlers.
func (s *Session) apply(ev sdb.Event) {
	handlers := s.getHandlers()

	switch ev.Kind {
	case sdb.EventVMDeath:
		s.terminate(fmt.Errorf("%w: vm exited with code %d", ErrSessionTerminated, ev.ExitCode))
	case sdb.EventDisconnected:
		s.terminate(s.conn.Err())
	case sdb.EventVMResume:
		s.resumed()
	case sdb.EventVMSuspend:
		s.suspended(ev)
	default:
		if ev.SuspendPolicy != sdb.SuspendPolicyNone {
			s.suspended(ev)
		}
	}

	if ev.RequestID < 0 {
		s.release(ev.RequestID)
	}

	switch ev.Kind {
	case sdb.EventThreadStart:
		if handlers.OnThreadStarted != nil {
			handlers.OnThreadStarted(s.Thread(ev.Thread))
		}
	case sdb.EventThreadDeath:
		t := s.Thread(ev.Thread)
		s.registry.evict(ev.Thread, KindThread)
		s.frames.forget(ev.Thread)
		if handlers.OnThreadDied != nil {
			handlers.OnThreadDied(t)
		}
	}

	if handlers.OnEvent != nil {
		handlers.OnEvent(ev)
	}
}

func (s *Session) suspended(ev sdb.Event) {
	s.stateMu.Lock()
	if s.state != StateRunning {
		s.stateMu.Unlock()
		return
	}
	s.state = StateSuspended
	gen := s.generation
	s.stateMu.Unlock()

	s.log.Debug("debuggee suspended",
		zap.Stringer("event", ev.Kind),
		zap.Stringer("thread", ev.Thread),
		zap.Uint64("generation", gen))

	handlers := s.getHandlers()
	if handlers.OnStateChanged != nil {
		handlers.OnStateChanged(StateRunning, StateSuspended)
	}
	if handlers.OnSuspended != nil {
		handlers.OnSuspended(ev)
	}
}

func (s *Session) resumed() {
	s.stateMu.Lock()
	if s.state != StateSuspended {
		s.stateMu.Unlock()
		return
	}
	s.state = StateRunning
	s.generation++
	gen := s.generation
	s.stateMu.Unlock()

	s.frames.clear()
	s.log.Debug("debuggee resumed", zap.Uint64("generation", gen))

	handlers := s.getHandlers()
	if handlers.OnStateChanged != nil {
		handlers.OnStateChanged(StateSuspended, StateRunning)
	}
	if handlers.OnResumed != nil {
		handlers.OnResumed(gen)
	}
}

func (s *Session) terminate(cause error) {
	if cause == nil {
		cause = ErrConnectionClosed
	}

	s.stateMu.Lock()
	if s.state == StateTerminated {
		s.stateMu.Unlock()
		return
	}
	old := s.state
	s.state = StateTerminated
	s.cause = cause
	s.stateMu.Unlock()

	close(s.terminated)
	s.frames.clear()
	s.log.Info("session terminated", zap.Stringer("state", old), zap.Error(cause))

	handlers := s.getHandlers()
	if handlers.OnStateChanged != nil {
		handlers.OnStateChanged(old, StateTerminated)
	}
	if handlers.OnTerminated != nil {
		handlers.OnTerminated(cause)
	}
}
