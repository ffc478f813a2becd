package debug

import (
	"context"
	"fmt"
)

// TypeMirror mirrors a loaded type.
type TypeMirror struct {
	mirror

	info memo[TypeInfo]
}

// Kind returns KindType.
func (t *TypeMirror) Kind() Kind {
	return KindType
}

// Info returns the type metadata, fetching it on first use.
func (t *TypeMirror) Info(ctx context.Context) (TypeInfo, error) {
	if err := t.session.Err(); err != nil {
		return TypeInfo{}, err
	}
	return t.info.get(func() (TypeInfo, error) {
		info, err := t.session.getTypeInfo(ctx, t.handle)
		if err != nil {
			return TypeInfo{}, fmt.Errorf("type %s: %w", t.handle, err)
		}
		return info, nil
	})
}

// FullName returns the namespace-qualified type name.
func (t *TypeMirror) FullName(ctx context.Context) (string, error) {
	info, err := t.Info(ctx)
	return info.FullName, err
}

func (t *TypeMirror) String() string {
	if info, ok := t.info.peek(); ok {
		return info.FullName
	}
	return t.describe(KindType)
}
