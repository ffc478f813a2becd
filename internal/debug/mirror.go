package debug

import (
	"fmt"
	"sync"

	"github.com/dshills/softdebug/internal/debug/sdb"
)

// Kind distinguishes mirror types sharing the handle space.
type Kind int

const (
	// KindThread mirrors a managed thread.
	KindThread Kind = iota + 1
	// KindMethod mirrors a method.
	KindMethod
	// KindType mirrors a type.
	KindType
	// KindObject mirrors a heap object.
	KindObject
	// KindString mirrors a string object.
	KindString
)

// String returns a string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindThread:
		return "thread"
	case KindMethod:
		return "method"
	case KindType:
		return "type"
	case KindObject:
		return "object"
	case KindString:
		return "string"
	default:
		return "unknown"
	}
}

// Mirror is a local proxy for an entity in the debuggee.
type Mirror interface {
	// Handle returns the remote handle.
	Handle() sdb.Handle

	// Session returns the session the handle belongs to.
	Session() *Session

	// Kind returns the mirror kind.
	Kind() Kind
}

// mirror holds what every Mirror has in common.
type mirror struct {
	handle  sdb.Handle
	session *Session
}

func (m *mirror) Handle() sdb.Handle {
	return m.handle
}

func (m *mirror) Session() *Session {
	return m.session
}

func (m *mirror) describe(kind Kind) string {
	return fmt.Sprintf("%s(%s)", kind, m.handle)
}

// memo caches an immutable attribute. Concurrent first calls share one
// fetch; a failed fetch is not cached.
type memo[T any] struct {
	mu   sync.Mutex
	done bool
	val  T
}

func (m *memo[T]) get(fetch func() (T, error)) (T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.done {
		return m.val, nil
	}

	v, err := fetch()
	if err != nil {
		var zero T
		return zero, err
	}
	m.val, m.done = v, true
	return v, nil
}

// peek returns the cached value without fetching.
func (m *memo[T]) peek() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.val, m.done
}
