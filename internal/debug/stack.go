package debug

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/samber/lo"

	"github.com/dshills/softdebug/internal/debug/sdb"
)

// StackFrame is one frame of a suspended thread's call stack. It is only
// valid for the generation it was captured in.
type StackFrame struct {
	thread     *ThreadMirror
	id         int32
	method     *MethodMirror
	ilOffset   int32
	flags      uint8
	generation uint64
}

// Thread returns the thread the frame belongs to.
func (f *StackFrame) Thread() *ThreadMirror {
	return f.thread
}

// ID returns the debuggee's frame id.
func (f *StackFrame) ID() int32 {
	return f.id
}

// Method returns the resolved method executing in the frame.
func (f *StackFrame) Method() *MethodMirror {
	return f.method
}

// ILOffset returns the IL offset within the method.
func (f *StackFrame) ILOffset() int32 {
	return f.ilOffset
}

// IsNativeTransition reports whether the frame marks a native-to-managed
// transition.
func (f *StackFrame) IsNativeTransition() bool {
	return f.flags&sdb.FrameFlagNativeTransition != 0
}

// IsDebuggerInvoke reports whether the frame was pushed by a debugger
// invocation.
func (f *StackFrame) IsDebuggerInvoke() bool {
	return f.flags&sdb.FrameFlagDebuggerInvoke != 0
}

// Generation returns the generation the frame was captured in.
func (f *StackFrame) Generation() uint64 {
	return f.generation
}

// Valid reports whether the frame can still be used.
func (f *StackFrame) Valid() bool {
	return f.check() == nil
}

func (f *StackFrame) check() error {
	s := f.thread.session
	if err := s.Err(); err != nil {
		return err
	}
	if s.Generation() != f.generation {
		return ErrStaleFrame
	}
	return nil
}

// This returns the receiver of the frame's method.
func (f *StackFrame) This(ctx context.Context) (Value, error) {
	if err := f.check(); err != nil {
		return Value{}, err
	}
	s := f.thread.session
	raw, err := s.getFrameThis(ctx, f.thread.handle, f.id)
	if err != nil {
		return Value{}, fmt.Errorf("frame %d this: %w", f.id, err)
	}
	return newValue(s, raw), nil
}

// Values returns locals by slot. Negative slots address parameters.
func (f *StackFrame) Values(ctx context.Context, slots ...int32) ([]Value, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	if len(slots) == 0 {
		return nil, nil
	}
	s := f.thread.session
	raw, err := s.getFrameValues(ctx, f.thread.handle, f.id, slots)
	if err != nil {
		return nil, fmt.Errorf("frame %d values: %w", f.id, err)
	}
	return lo.Map(raw, func(v sdb.Value, _ int) Value { return newValue(s, v) }), nil
}

// Location formats the frame as Type.Method+IL_xxxx.
func (f *StackFrame) Location() string {
	name := "<unknown>"
	if f.method != nil {
		name = f.method.String()
	}
	return fmt.Sprintf("%s+IL_%04x", name, f.ilOffset)
}

func (f *StackFrame) String() string {
	return f.Location()
}

// FormatStack returns one line per frame, innermost first.
func FormatStack(frames []*StackFrame) string {
	var b strings.Builder
	for i, frame := range frames {
		fmt.Fprintf(&b, "#%d %s", i, frame.Location())
		if frame.IsNativeTransition() {
			b.WriteString(" [native]")
		}
		if frame.IsDebuggerInvoke() {
			b.WriteString(" [invoke]")
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// frameCache keeps the last frame set per thread for one generation. A nil
// cache is disabled. Callers get their own copy of the slice; the frames
// themselves are shared.
type frameCache struct {
	mu      sync.Mutex
	entries map[sdb.Handle]cachedFrames
}

type cachedFrames struct {
	generation uint64
	frames     []*StackFrame
}

func newFrameCache() *frameCache {
	return &frameCache{entries: make(map[sdb.Handle]cachedFrames)}
}

func (c *frameCache) get(thread sdb.Handle, gen uint64) ([]*StackFrame, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[thread]
	if !ok || e.generation != gen {
		return nil, false
	}
	return slices.Clone(e.frames), true
}

func (c *frameCache) put(thread sdb.Handle, gen uint64, frames []*StackFrame) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.entries[thread] = cachedFrames{generation: gen, frames: slices.Clone(frames)}
	c.mu.Unlock()
}

func (c *frameCache) forget(thread sdb.Handle) {
	if c == nil {
		return
	}
	c.mu.Lock()
	delete(c.entries, thread)
	c.mu.Unlock()
}

func (c *frameCache) clear() {
	if c == nil {
		return
	}
	c.mu.Lock()
	clear(c.entries)
	c.mu.Unlock()
}
