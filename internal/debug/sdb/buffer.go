package sdb

import (
	"encoding/binary"
	"io"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// Writer builds a command payload. All integers are big-endian.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty payload writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Uint8 appends a byte.
func (w *Writer) Uint8(v uint8) {
	w.buf = append(w.buf, v)
}

// Bool appends a boolean as one byte.
func (w *Writer) Bool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
		return
	}
	w.buf = append(w.buf, 0)
}

// Int32 appends a 32-bit integer.
func (w *Writer) Int32(v int32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(v))
}

// Int64 appends a 64-bit integer.
func (w *Writer) Int64(v int64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(v))
}

// Handle appends a remote handle.
func (w *Writer) Handle(h Handle) {
	w.Int64(int64(h))
}

// String appends a length-prefixed UTF-8 string.
func (w *Writer) String(s string) {
	w.Int32(int32(len(s)))
	w.buf = append(w.buf, s...)
}

// Bytes returns the encoded payload.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Reader decodes a payload. The first failure is sticky: later reads return
// zero values and Err reports the original problem.
type Reader struct {
	buf []byte
	off int
	err error
}

// NewReader returns a reader over data.
func NewReader(data []byte) *Reader {
	return &Reader{buf: data}
}

// Err returns the first decode failure, if any.
func (r *Reader) Err() error {
	return r.err
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.off
}

// Fail records err as the reader's failure unless one is already recorded.
func (r *Reader) Fail(op string, err error) {
	if r.err == nil {
		r.err = &ProtocolDecodeError{Op: op, Err: err}
	}
}

func (r *Reader) take(n int, what string) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.Remaining() < n {
		r.Fail(what, errors.Wrapf(io.ErrUnexpectedEOF, "need %d bytes at offset %d, have %d", n, r.off, r.Remaining()))
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

// Uint8 reads a byte.
func (r *Reader) Uint8() uint8 {
	b := r.take(1, "uint8")
	if b == nil {
		return 0
	}
	return b[0]
}

// Bool reads a one-byte boolean.
func (r *Reader) Bool() bool {
	return r.Uint8() != 0
}

// Int32 reads a 32-bit integer.
func (r *Reader) Int32() int32 {
	b := r.take(4, "int32")
	if b == nil {
		return 0
	}
	return int32(binary.BigEndian.Uint32(b))
}

// Int64 reads a 64-bit integer.
func (r *Reader) Int64() int64 {
	b := r.take(8, "int64")
	if b == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

// Handle reads a remote handle.
func (r *Reader) Handle() Handle {
	return Handle(r.Int64())
}

// String reads a length-prefixed UTF-8 string.
func (r *Reader) String() string {
	n := r.Int32()
	if r.err != nil {
		return ""
	}
	if n < 0 {
		r.Fail("string", errors.Errorf("negative length %d at offset %d", n, r.off-4))
		return ""
	}
	b := r.take(int(n), "string")
	if b == nil {
		return ""
	}
	if !utf8.Valid(b) {
		r.Fail("string", errors.Errorf("invalid utf-8 at offset %d", r.off-int(n)))
		return ""
	}
	return string(b)
}
