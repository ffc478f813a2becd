package debug

import (
	"context"
	"fmt"

	"github.com/dshills/softdebug/internal/debug/sdb"
)

// MethodMirror mirrors a method. Its attributes never change, so they are
// fetched once by ResolveMethod; the accessors then read local state only and
// return zero values on an unresolved mirror.
type MethodMirror struct {
	mirror

	data memo[methodData]
}

type methodData struct {
	name          string
	declaringType *TypeMirror
	typeInfo      TypeInfo
	info          MethodInfo
}

// Kind returns KindMethod.
func (m *MethodMirror) Kind() Kind {
	return KindMethod
}

// ResolveMethod returns the mirror for h with its attributes loaded. A method
// that has been resolved before costs no request.
func (s *Session) ResolveMethod(ctx context.Context, h sdb.Handle) (*MethodMirror, error) {
	m := s.Method(h)
	if err := m.Resolve(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Resolve loads the method's name, declaring type and metadata.
func (m *MethodMirror) Resolve(ctx context.Context) error {
	if err := m.session.Err(); err != nil {
		return err
	}
	_, err := m.data.get(func() (methodData, error) {
		return m.fetch(ctx)
	})
	return err
}

func (m *MethodMirror) fetch(ctx context.Context) (methodData, error) {
	s := m.session

	name, err := s.getMethodName(ctx, m.handle)
	if err != nil {
		return methodData{}, fmt.Errorf("resolve method %s: %w", m.handle, err)
	}

	th, err := s.getMethodDeclaringType(ctx, m.handle)
	if err != nil {
		return methodData{}, fmt.Errorf("resolve method %s: %w", m.handle, err)
	}
	typ := s.Type(th)
	typeInfo, err := typ.Info(ctx)
	if err != nil {
		return methodData{}, fmt.Errorf("resolve method %s: %w", m.handle, err)
	}

	info, err := s.getMethodInfo(ctx, m.handle)
	if err != nil {
		return methodData{}, fmt.Errorf("resolve method %s: %w", m.handle, err)
	}

	return methodData{name: name, declaringType: typ, typeInfo: typeInfo, info: info}, nil
}

// Resolved reports whether the attributes have been loaded.
func (m *MethodMirror) Resolved() bool {
	_, ok := m.data.peek()
	return ok
}

// Name returns the method name.
func (m *MethodMirror) Name() string {
	d, _ := m.data.peek()
	return d.name
}

// DeclaringType returns the type that declares the method.
func (m *MethodMirror) DeclaringType() *TypeMirror {
	d, _ := m.data.peek()
	return d.declaringType
}

// FullName returns the declaring type's full name and the method name joined
// by a dot.
func (m *MethodMirror) FullName() string {
	d, ok := m.data.peek()
	if !ok {
		return ""
	}
	if d.typeInfo.FullName == "" {
		return d.name
	}
	return d.typeInfo.FullName + "." + d.name
}

// Info returns the method metadata.
func (m *MethodMirror) Info() MethodInfo {
	d, _ := m.data.peek()
	return d.info
}

// String returns the full name, or the handle when unresolved.
func (m *MethodMirror) String() string {
	if name := m.FullName(); name != "" {
		return name
	}
	return m.describe(KindMethod)
}
