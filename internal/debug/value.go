package debug

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/dshills/softdebug/internal/debug/sdb"
)

// Value is a value read from a stack frame, bound to its session so that
// references can be followed as mirrors.
type Value struct {
	raw     sdb.Value
	session *Session
}

func newValue(s *Session, raw sdb.Value) Value {
	return Value{raw: raw, session: s}
}

// Raw returns the decoded wire value.
func (v Value) Raw() sdb.Value {
	return v.raw
}

// Tag returns the value's type tag.
func (v Value) Tag() sdb.ValueTag {
	return v.raw.Tag
}

// IsNull reports whether v is a null reference.
func (v Value) IsNull() bool {
	return v.raw.IsNull()
}

// Object returns the referenced object, or nil if v is not a non-null
// reference. String references are returned as the object view of their
// StringMirror, which reports KindString; use StringObject for the contents.
func (v Value) Object() *ObjectMirror {
	if !v.raw.IsReference() {
		return nil
	}
	if v.raw.Tag == sdb.TagString {
		return &v.session.StringObject(v.raw.Handle).ObjectMirror
	}
	return v.session.Object(v.raw.Handle)
}

// StringObject returns the referenced string, or nil if v is not a string.
func (v Value) StringObject() *StringMirror {
	if v.raw.Tag != sdb.TagString {
		return nil
	}
	return v.session.StringObject(v.raw.Handle)
}

// Type returns the type of a value-type value, or nil.
func (v Value) Type() *TypeMirror {
	if v.raw.Tag != sdb.TagValueType {
		return nil
	}
	return v.session.Type(v.raw.Type)
}

// Fields returns the fields of a value-type value.
func (v Value) Fields() []Value {
	return lo.Map(v.raw.Fields, func(f sdb.Value, _ int) Value {
		return newValue(v.session, f)
	})
}

// String formats primitives by value and references by handle.
func (v Value) String() string {
	r := v.raw
	switch r.Tag {
	case sdb.TagNull:
		return "null"
	case sdb.TagBoolean:
		return strconv.FormatBool(r.Int != 0)
	case sdb.TagChar:
		return strconv.QuoteRune(rune(r.Int))
	case sdb.TagU8:
		return strconv.FormatUint(uint64(r.Int), 10)
	case sdb.TagI1, sdb.TagU1, sdb.TagI2, sdb.TagU2, sdb.TagI4, sdb.TagU4, sdb.TagI8:
		return strconv.FormatInt(r.Int, 10)
	case sdb.TagR4:
		return strconv.FormatFloat(r.Float, 'g', -1, 32)
	case sdb.TagR8:
		return strconv.FormatFloat(r.Float, 'g', -1, 64)
	case sdb.TagString:
		if s := v.StringObject(); s != nil {
			return s.String()
		}
		return fmt.Sprintf("string(%s)", r.Handle)
	case sdb.TagValueType:
		fields := lo.Map(v.Fields(), func(f Value, _ int) string { return f.String() })
		return fmt.Sprintf("%s{%s}", v.Type(), strings.Join(fields, ", "))
	default:
		return fmt.Sprintf("object(%s)", r.Handle)
	}
}
