package sdb

import (
	"math"

	"github.com/pkg/errors"
)

// ValueTag is the element type tag that prefixes every encoded value.
type ValueTag uint8

// Value tags.
const (
	TagBoolean   ValueTag = 0x02
	TagChar      ValueTag = 0x03
	TagI1        ValueTag = 0x04
	TagU1        ValueTag = 0x05
	TagI2        ValueTag = 0x06
	TagU2        ValueTag = 0x07
	TagI4        ValueTag = 0x08
	TagU4        ValueTag = 0x09
	TagI8        ValueTag = 0x0a
	TagU8        ValueTag = 0x0b
	TagR4        ValueTag = 0x0c
	TagR8        ValueTag = 0x0d
	TagString    ValueTag = 0x0e
	TagValueType ValueTag = 0x11
	TagClass     ValueTag = 0x12
	TagArray     ValueTag = 0x14
	TagObject    ValueTag = 0x1c
	TagSzArray   ValueTag = 0x1d
	TagNull      ValueTag = 0xf0
)

// maxValueDepth bounds nesting of value types.
const maxValueDepth = 32

// Value is a primitive, a reference, or a value type read from the debuggee.
type Value struct {
	Tag ValueTag

	// Int holds booleans, chars and integer primitives.
	Int int64

	// Float holds R4 and R8 primitives.
	Float float64

	// Handle holds the referent of string, object and array values.
	Handle Handle

	// Type, IsEnum and Fields describe value types.
	Type   Handle
	IsEnum bool
	Fields []Value
}

// IsNull reports whether v is a null reference.
func (v Value) IsNull() bool {
	return v.Tag == TagNull
}

// IsReference reports whether v refers to a heap object.
func (v Value) IsReference() bool {
	switch v.Tag {
	case TagString, TagClass, TagArray, TagObject, TagSzArray:
		return true
	}
	return false
}

// ReadValue decodes one value.
func (r *Reader) ReadValue() Value {
	return r.readValue(0)
}

func (r *Reader) readValue(depth int) Value {
	if depth > maxValueDepth {
		r.Fail("value", errors.Errorf("value types nested deeper than %d", maxValueDepth))
		return Value{}
	}

	v := Value{Tag: ValueTag(r.Uint8())}
	switch v.Tag {
	case TagBoolean, TagU1:
		v.Int = int64(r.Uint8())
	case TagI1:
		v.Int = int64(int8(r.Uint8()))
	case TagChar, TagI2, TagU2, TagI4:
		v.Int = int64(r.Int32())
	case TagU4:
		v.Int = int64(uint32(r.Int32()))
	case TagI8, TagU8:
		v.Int = r.Int64()
	case TagR4:
		v.Float = float64(math.Float32frombits(uint32(r.Int32())))
	case TagR8:
		v.Float = math.Float64frombits(uint64(r.Int64()))
	case TagString, TagClass, TagArray, TagObject, TagSzArray:
		v.Handle = r.Handle()
	case TagValueType:
		v.IsEnum = r.Bool()
		v.Type = r.Handle()
		n := r.Int32()
		if r.Err() != nil {
			return Value{}
		}
		if n < 0 || int(n) > r.Remaining() {
			r.Fail("value", errors.Errorf("bad field count %d", n))
			return Value{}
		}
		v.Fields = make([]Value, 0, n)
		for i := 0; i < int(n); i++ {
			v.Fields = append(v.Fields, r.readValue(depth+1))
		}
	case TagNull:
	default:
		if r.Err() == nil {
			r.Fail("value", errors.Errorf("unknown value tag 0x%02x", uint8(v.Tag)))
		}
	}
	return v
}

// Value encodes v.
func (w *Writer) Value(v Value) {
	w.Uint8(uint8(v.Tag))
	switch v.Tag {
	case TagBoolean, TagU1, TagI1:
		w.Uint8(uint8(v.Int))
	case TagChar, TagI2, TagU2, TagI4, TagU4:
		w.Int32(int32(v.Int))
	case TagI8, TagU8:
		w.Int64(v.Int)
	case TagR4:
		w.Int32(int32(math.Float32bits(float32(v.Float))))
	case TagR8:
		w.Int64(int64(math.Float64bits(v.Float)))
	case TagString, TagClass, TagArray, TagObject, TagSzArray:
		w.Handle(v.Handle)
	case TagValueType:
		w.Bool(v.IsEnum)
		w.Handle(v.Type)
		w.Int32(int32(len(v.Fields)))
		for _, f := range v.Fields {
			w.Value(f)
		}
	}
}
