package debug

import (
	"context"
	"fmt"
	"strings"

	"github.com/dshills/softdebug/internal/debug/sdb"
)

// FrameInfo is one entry of a Thread.GetFrameInfo reply.
type FrameInfo struct {
	ID       int32
	Method   sdb.Handle
	ILOffset int32
	Flags    uint8
}

// ThreadInfo holds the immutable attributes of a thread.
type ThreadInfo struct {
	IsPoolThread bool
}

// MethodInfo holds method metadata.
type MethodInfo struct {
	Attributes     int32
	ImplAttributes int32
	Token          int32
}

// TypeInfo holds type metadata.
type TypeInfo struct {
	Namespace string
	Name      string
	FullName  string
	Assembly  sdb.Handle
	Token     int32
}

// RunState is a thread's execution state as a set of flags.
type RunState int32

// Thread run states.
const (
	RunStateRunning          RunState = 0x000
	RunStateStopRequested    RunState = 0x001
	RunStateSuspendRequested RunState = 0x002
	RunStateBackground       RunState = 0x004
	RunStateUnstarted        RunState = 0x008
	RunStateStopped          RunState = 0x010
	RunStateWaitSleepJoin    RunState = 0x020
	RunStateSuspended        RunState = 0x040
	RunStateAbortRequested   RunState = 0x080
	RunStateAborted          RunState = 0x100
)

var runStateNames = []struct {
	flag RunState
	name string
}{
	{RunStateStopRequested, "stop-requested"},
	{RunStateSuspendRequested, "suspend-requested"},
	{RunStateBackground, "background"},
	{RunStateUnstarted, "unstarted"},
	{RunStateStopped, "stopped"},
	{RunStateWaitSleepJoin, "wait-sleep-join"},
	{RunStateSuspended, "suspended"},
	{RunStateAbortRequested, "abort-requested"},
	{RunStateAborted, "aborted"},
}

// String returns the flag names joined with '|'.
func (s RunState) String() string {
	if s == RunStateRunning {
		return "running"
	}
	var parts []string
	for _, n := range runStateNames {
		if s&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return fmt.Sprintf("state(0x%x)", int32(s))
	}
	return strings.Join(parts, "|")
}

// Has reports whether every flag in f is set.
func (s RunState) Has(f RunState) bool {
	return s&f == f
}

// request sends one command and waits for a successful reply, bounded by the
// session request timeout.
func (s *Session) request(ctx context.Context, set sdb.CommandSet, cmd sdb.CommandID, fill func(w *sdb.Writer)) (*sdb.Reader, error) {
	if err := s.Err(); err != nil {
		return nil, err
	}

	reply, err := s.conn.Request(ctx, sdb.NewCommand(set, cmd, fill), s.RequestTimeout())
	if err != nil {
		return nil, translate(err)
	}
	return reply.Reader(), nil
}

// decoded returns r's decode failure, if any, naming the command. Malformed
// reply data means the stream can no longer be trusted, so the connection is
// torn down with it.
func (s *Session) decoded(r *sdb.Reader, set sdb.CommandSet, cmd sdb.CommandID) error {
	if err := r.Err(); err != nil {
		err = fmt.Errorf("%s reply: %w", sdb.CommandName(set, cmd), err)
		s.conn.Fail(err)
		return err
	}
	return nil
}

func withHandle(h sdb.Handle) func(w *sdb.Writer) {
	return func(w *sdb.Writer) { w.Handle(h) }
}

func (s *Session) requestHandle(ctx context.Context, set sdb.CommandSet, cmd sdb.CommandID, h sdb.Handle) (sdb.Handle, error) {
	r, err := s.request(ctx, set, cmd, withHandle(h))
	if err != nil {
		return 0, err
	}
	v := r.Handle()
	return v, s.decoded(r, set, cmd)
}

func (s *Session) requestString(ctx context.Context, set sdb.CommandSet, cmd sdb.CommandID, h sdb.Handle) (string, error) {
	r, err := s.request(ctx, set, cmd, withHandle(h))
	if err != nil {
		return "", err
	}
	v := r.String()
	return v, s.decoded(r, set, cmd)
}

func (s *Session) requestInt64(ctx context.Context, set sdb.CommandSet, cmd sdb.CommandID, h sdb.Handle) (int64, error) {
	r, err := s.request(ctx, set, cmd, withHandle(h))
	if err != nil {
		return 0, err
	}
	v := r.Int64()
	return v, s.decoded(r, set, cmd)
}

// getVersion asks for the VM name and protocol version.
func (s *Session) getVersion(ctx context.Context) (name string, major, minor int32, err error) {
	r, err := s.request(ctx, sdb.CmdSetVM, sdb.CmdVMVersion, nil)
	if err != nil {
		return "", 0, 0, err
	}
	name, major, minor = r.String(), r.Int32(), r.Int32()
	return name, major, minor, s.decoded(r, sdb.CmdSetVM, sdb.CmdVMVersion)
}

func (s *Session) getAllThreads(ctx context.Context) ([]sdb.Handle, error) {
	r, err := s.request(ctx, sdb.CmdSetVM, sdb.CmdVMAllThreads, nil)
	if err != nil {
		return nil, err
	}
	return s.readHandles(r, sdb.CmdSetVM, sdb.CmdVMAllThreads)
}

func (s *Session) readHandles(r *sdb.Reader, set sdb.CommandSet, cmd sdb.CommandID) ([]sdb.Handle, error) {
	n := r.Int32()
	if err := s.decoded(r, set, cmd); err != nil {
		return nil, err
	}
	if n < 0 || int(n)*8 > r.Remaining() {
		r.Fail("handle list", fmt.Errorf("bad count %d", n))
		return nil, s.decoded(r, set, cmd)
	}

	handles := make([]sdb.Handle, 0, n)
	for i := 0; i < int(n); i++ {
		handles = append(handles, r.Handle())
	}
	return handles, s.decoded(r, set, cmd)
}

// getThreadFrames returns up to length frames starting at start, innermost
// first. A length of -1 means all frames.
func (s *Session) getThreadFrames(ctx context.Context, thread sdb.Handle, start, length int32) ([]FrameInfo, error) {
	r, err := s.request(ctx, sdb.CmdSetThread, sdb.CmdThreadGetFrameInfo, func(w *sdb.Writer) {
		w.Handle(thread)
		w.Int32(start)
		w.Int32(length)
	})
	if err != nil {
		return nil, err
	}

	n := r.Int32()
	if err := s.decoded(r, sdb.CmdSetThread, sdb.CmdThreadGetFrameInfo); err != nil {
		return nil, err
	}
	// Each frame is at least 17 bytes.
	if n < 0 || int(n)*17 > r.Remaining() {
		r.Fail("frame list", fmt.Errorf("bad count %d", n))
		return nil, s.decoded(r, sdb.CmdSetThread, sdb.CmdThreadGetFrameInfo)
	}

	frames := make([]FrameInfo, 0, n)
	for i := 0; i < int(n); i++ {
		frames = append(frames, FrameInfo{
			ID:       r.Int32(),
			Method:   r.Handle(),
			ILOffset: r.Int32(),
			Flags:    r.Uint8(),
		})
	}
	return frames, s.decoded(r, sdb.CmdSetThread, sdb.CmdThreadGetFrameInfo)
}

func (s *Session) getThreadName(ctx context.Context, thread sdb.Handle) (string, error) {
	return s.requestString(ctx, sdb.CmdSetThread, sdb.CmdThreadGetName, thread)
}

func (s *Session) getThreadState(ctx context.Context, thread sdb.Handle) (RunState, error) {
	r, err := s.request(ctx, sdb.CmdSetThread, sdb.CmdThreadGetState, withHandle(thread))
	if err != nil {
		return 0, err
	}
	st := RunState(r.Int32())
	return st, s.decoded(r, sdb.CmdSetThread, sdb.CmdThreadGetState)
}

func (s *Session) getThreadInfo(ctx context.Context, thread sdb.Handle) (ThreadInfo, error) {
	r, err := s.request(ctx, sdb.CmdSetThread, sdb.CmdThreadGetInfo, withHandle(thread))
	if err != nil {
		return ThreadInfo{}, err
	}
	info := ThreadInfo{IsPoolThread: r.Bool()}
	return info, s.decoded(r, sdb.CmdSetThread, sdb.CmdThreadGetInfo)
}

func (s *Session) getThreadID(ctx context.Context, thread sdb.Handle) (int64, error) {
	return s.requestInt64(ctx, sdb.CmdSetThread, sdb.CmdThreadGetID, thread)
}

func (s *Session) getThreadTID(ctx context.Context, thread sdb.Handle) (int64, error) {
	return s.requestInt64(ctx, sdb.CmdSetThread, sdb.CmdThreadGetTID, thread)
}

func (s *Session) getMethodName(ctx context.Context, method sdb.Handle) (string, error) {
	return s.requestString(ctx, sdb.CmdSetMethod, sdb.CmdMethodGetName, method)
}

func (s *Session) getMethodDeclaringType(ctx context.Context, method sdb.Handle) (sdb.Handle, error) {
	return s.requestHandle(ctx, sdb.CmdSetMethod, sdb.CmdMethodGetDeclaringType, method)
}

func (s *Session) getMethodInfo(ctx context.Context, method sdb.Handle) (MethodInfo, error) {
	r, err := s.request(ctx, sdb.CmdSetMethod, sdb.CmdMethodGetInfo, withHandle(method))
	if err != nil {
		return MethodInfo{}, err
	}
	info := MethodInfo{
		Attributes:     r.Int32(),
		ImplAttributes: r.Int32(),
		Token:          r.Int32(),
	}
	return info, s.decoded(r, sdb.CmdSetMethod, sdb.CmdMethodGetInfo)
}

func (s *Session) getTypeInfo(ctx context.Context, typ sdb.Handle) (TypeInfo, error) {
	r, err := s.request(ctx, sdb.CmdSetType, sdb.CmdTypeGetInfo, withHandle(typ))
	if err != nil {
		return TypeInfo{}, err
	}
	info := TypeInfo{
		Namespace: r.String(),
		Name:      r.String(),
		FullName:  r.String(),
		Assembly:  r.Handle(),
		Token:     r.Int32(),
	}
	return info, s.decoded(r, sdb.CmdSetType, sdb.CmdTypeGetInfo)
}

func (s *Session) getObjectType(ctx context.Context, obj sdb.Handle) (sdb.Handle, error) {
	return s.requestHandle(ctx, sdb.CmdSetObjectRef, sdb.CmdObjectGetType, obj)
}

func (s *Session) isObjectCollected(ctx context.Context, obj sdb.Handle) (bool, error) {
	r, err := s.request(ctx, sdb.CmdSetObjectRef, sdb.CmdObjectIsCollected, withHandle(obj))
	if err != nil {
		return false, err
	}
	collected := r.Int32() != 0
	return collected, s.decoded(r, sdb.CmdSetObjectRef, sdb.CmdObjectIsCollected)
}

func (s *Session) getStringValue(ctx context.Context, str sdb.Handle) (string, error) {
	return s.requestString(ctx, sdb.CmdSetStringRef, sdb.CmdStringGetValue, str)
}

func (s *Session) getFrameThis(ctx context.Context, thread sdb.Handle, frame int32) (sdb.Value, error) {
	r, err := s.request(ctx, sdb.CmdSetStackFrame, sdb.CmdFrameGetThis, func(w *sdb.Writer) {
		w.Handle(thread)
		w.Int32(frame)
	})
	if err != nil {
		return sdb.Value{}, err
	}
	v := r.ReadValue()
	return v, s.decoded(r, sdb.CmdSetStackFrame, sdb.CmdFrameGetThis)
}

// getFrameValues reads locals and parameters by slot. Negative slots address
// parameters, following the debuggee's convention.
func (s *Session) getFrameValues(ctx context.Context, thread sdb.Handle, frame int32, slots []int32) ([]sdb.Value, error) {
	r, err := s.request(ctx, sdb.CmdSetStackFrame, sdb.CmdFrameGetValues, func(w *sdb.Writer) {
		w.Handle(thread)
		w.Int32(frame)
		w.Int32(int32(len(slots)))
		for _, slot := range slots {
			w.Int32(slot)
		}
	})
	if err != nil {
		return nil, err
	}

	values := make([]sdb.Value, 0, len(slots))
	for range slots {
		values = append(values, r.ReadValue())
	}
	return values, s.decoded(r, sdb.CmdSetStackFrame, sdb.CmdFrameGetValues)
}
