package debug

import (
	"context"
	"fmt"
)

// ObjectMirror mirrors a heap object. The object's type is fixed for its
// lifetime; whether it has been collected is not, and is always re-queried.
type ObjectMirror struct {
	mirror

	// kind is the registry kind of the outermost mirror, so the object view
	// of a string still reports KindString.
	kind Kind

	typ memo[*TypeMirror]
}

// Kind returns the kind the mirror is registered under: KindObject, or
// KindString for the object view of a StringMirror.
func (o *ObjectMirror) Kind() Kind {
	if o.kind == 0 {
		return KindObject
	}
	return o.kind
}

// Type returns the object's runtime type.
func (o *ObjectMirror) Type(ctx context.Context) (*TypeMirror, error) {
	if err := o.session.Err(); err != nil {
		return nil, err
	}
	return o.typ.get(func() (*TypeMirror, error) {
		h, err := o.session.getObjectType(ctx, o.handle)
		if err != nil {
			return nil, fmt.Errorf("type of object %s: %w", o.handle, err)
		}
		return o.session.Type(h), nil
	})
}

// IsCollected reports whether the garbage collector has reclaimed the object.
// A collected object's mirror is dropped from the session, so a recycled
// handle gets a fresh mirror with no memoized type.
func (o *ObjectMirror) IsCollected(ctx context.Context) (bool, error) {
	collected, err := o.session.isObjectCollected(ctx, o.handle)
	if err != nil {
		return false, err
	}
	if collected {
		o.session.registry.evict(o.handle, o.Kind())
	}
	return collected, nil
}

func (o *ObjectMirror) String() string {
	return o.describe(o.Kind())
}

// StringMirror mirrors a string object. Strings are immutable so the value
// is fetched once.
type StringMirror struct {
	ObjectMirror

	value memo[string]
}

// Kind returns KindString.
func (s *StringMirror) Kind() Kind {
	return KindString
}

// Value returns the string contents.
func (s *StringMirror) Value(ctx context.Context) (string, error) {
	if err := s.session.Err(); err != nil {
		return "", err
	}
	return s.value.get(func() (string, error) {
		return s.session.getStringValue(ctx, s.handle)
	})
}

func (s *StringMirror) String() string {
	if v, ok := s.value.peek(); ok {
		return fmt.Sprintf("%q", v)
	}
	return s.describe(KindString)
}
