package debug

import (
	"context"
	"fmt"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/softdebug/internal/debug/sdb"
)

// ThreadMirror mirrors a managed thread. Name, pool membership and ids never
// change for a live thread and are fetched at most once; RunState is queried
// on every call.
type ThreadMirror struct {
	mirror

	name memo[string]
	info memo[ThreadInfo]
	id   memo[int64]
	tid  memo[int64]
}

// Kind returns KindThread.
func (t *ThreadMirror) Kind() Kind {
	return KindThread
}

// Name returns the thread name.
func (t *ThreadMirror) Name(ctx context.Context) (string, error) {
	if err := t.session.Err(); err != nil {
		return "", err
	}
	return t.name.get(func() (string, error) {
		return t.session.getThreadName(ctx, t.handle)
	})
}

// RunState returns the thread's current execution state.
func (t *ThreadMirror) RunState(ctx context.Context) (RunState, error) {
	return t.session.getThreadState(ctx, t.handle)
}

// IsPoolThread reports whether the thread belongs to the thread pool.
func (t *ThreadMirror) IsPoolThread(ctx context.Context) (bool, error) {
	if err := t.session.Err(); err != nil {
		return false, err
	}
	info, err := t.info.get(func() (ThreadInfo, error) {
		return t.session.getThreadInfo(ctx, t.handle)
	})
	return info.IsPoolThread, err
}

// ID returns the managed thread id.
func (t *ThreadMirror) ID(ctx context.Context) (int64, error) {
	if err := t.session.Err(); err != nil {
		return 0, err
	}
	return t.id.get(func() (int64, error) {
		return t.session.getThreadID(ctx, t.handle)
	})
}

// TID returns the operating system thread id.
func (t *ThreadMirror) TID(ctx context.Context) (int64, error) {
	if err := t.session.Err(); err != nil {
		return 0, err
	}
	return t.tid.get(func() (int64, error) {
		return t.session.getThreadTID(ctx, t.handle)
	})
}

// GetFrames returns the thread's call stack, innermost frame first. The
// debuggee must be suspended. Frames become stale on the next resume.
func (t *ThreadMirror) GetFrames(ctx context.Context) ([]*StackFrame, error) {
	s := t.session
	if err := s.Err(); err != nil {
		return nil, err
	}

	state, gen := s.snapshot()
	if state != StateSuspended {
		return nil, ErrNotSuspended
	}

	if frames, ok := s.frames.get(t.handle, gen); ok {
		return frames, nil
	}

	infos, err := s.getThreadFrames(ctx, t.handle, 0, -1)
	if err != nil {
		return nil, fmt.Errorf("frames of thread %s: %w", t.handle, err)
	}

	methods, err := s.resolveMethods(ctx, lo.Uniq(lo.Map(infos, func(fi FrameInfo, _ int) sdb.Handle {
		return fi.Method
	})))
	if err != nil {
		return nil, fmt.Errorf("frames of thread %s: %w", t.handle, err)
	}

	frames := lo.Map(infos, func(fi FrameInfo, _ int) *StackFrame {
		return &StackFrame{
			thread:     t,
			id:         fi.ID,
			method:     methods[fi.Method],
			ilOffset:   fi.ILOffset,
			flags:      fi.Flags,
			generation: gen,
		}
	})

	s.frames.put(t.handle, gen, frames)
	return frames, nil
}

// resolveMethods resolves distinct method handles, at most parallelism at a
// time. Already resolved methods cost no request.
func (s *Session) resolveMethods(ctx context.Context, handles []sdb.Handle) (map[sdb.Handle]*MethodMirror, error) {
	resolved := make([]*MethodMirror, len(handles))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for i, h := range handles {
		i, h := i, h
		g.Go(func() error {
			m, err := s.ResolveMethod(gctx, h)
			if err != nil {
				return err
			}
			resolved[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return lo.SliceToMap(resolved, func(m *MethodMirror) (sdb.Handle, *MethodMirror) {
		return m.handle, m
	}), nil
}

// String returns a short description for logs.
func (t *ThreadMirror) String() string {
	if name, ok := t.name.peek(); ok && name != "" {
		return fmt.Sprintf("thread(%s %q)", t.handle, name)
	}
	return t.describe(KindThread)
}
