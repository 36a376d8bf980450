package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// ErrTruncated is returned when a payload ends before
// all fields were decoded.
var ErrTruncated = errors.New("wire: truncated message")

// encoder appends fields to a buffer. Writes into a
// bytes.Buffer cannot fail, so it carries no error.
type encoder struct { // A
	buf bytes.Buffer
}

func (e *encoder) u8(v uint8) { e.buf.WriteByte(v) } // A

func (e *encoder) boolean(v bool) { // A
	if v {
		e.u8(1)
		return
	}
	e.u8(0)
}

func (e *encoder) u32(v uint32) { // A
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf.Write(b[:])
}

func (e *encoder) i32(v int32) { e.u32(uint32(v)) } // A

func (e *encoder) i64(v int64) { // A
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	e.buf.Write(b[:])
}

func (e *encoder) bytes(v []byte) { // A
	e.u32(uint32(len(v)))
	e.buf.Write(v)
}

func (e *encoder) str(v string) { e.bytes([]byte(v)) } // A

func (e *encoder) strs(v []string) { // A
	e.u32(uint32(len(v)))
	for _, s := range v {
		e.str(s)
	}
}

func (e *encoder) i32s(v []int32) { // A
	e.u32(uint32(len(v)))
	for _, n := range v {
		e.i32(n)
	}
}

// decoder reads fields in order. The first failure is
// sticky: later reads return zero values and err keeps
// the original cause.
type decoder struct { // A
	data []byte
	off  int
	err  error
}

func (d *decoder) take(n int) []byte { // A
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.data)-d.off < n {
		d.err = fmt.Errorf(
			"%w: need %d bytes at offset %d, have %d",
			ErrTruncated,
			n,
			d.off,
			len(d.data)-d.off,
		)
		return nil
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) u8() uint8 { // A
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) boolean() bool { return d.u8() != 0 } // A

func (d *decoder) u32() uint32 { // A
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *decoder) i32() int32 { return int32(d.u32()) } // A

func (d *decoder) i64() int64 { // A
	b := d.take(8)
	if b == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

// count reads an element count and rejects counts that
// could not possibly fit in the remaining bytes.
func (d *decoder) count(minElemSize int) int { // A
	n := d.u32()
	if d.err != nil {
		return 0
	}
	if uint64(n)*uint64(minElemSize) > uint64(len(d.data)-d.off) {
		d.err = fmt.Errorf(
			"%w: count %d exceeds remaining %d bytes",
			ErrTruncated,
			n,
			len(d.data)-d.off,
		)
		return 0
	}
	return int(n)
}

func (d *decoder) bytes() []byte { // A
	n := d.count(1)
	b := d.take(n)
	if b == nil || n == 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (d *decoder) str() string { return string(d.bytes()) } // A

func (d *decoder) strs() []string { // A
	n := d.count(4)
	if n == 0 {
		return nil
	}
	out := make([]string, n)
	for i := range out {
		out[i] = d.str()
	}
	return out
}

func (d *decoder) i32s() []int32 { // A
	n := d.count(4)
	if n == 0 {
		return nil
	}
	out := make([]int32, n)
	for i := range out {
		out[i] = d.i32()
	}
	return out
}

// finish reports the sticky error, or trailing bytes
// left after the last field.
func (d *decoder) finish() error { // A
	if d.err != nil {
		return d.err
	}
	if d.off != len(d.data) {
		return fmt.Errorf(
			"wire: %d trailing bytes", len(d.data)-d.off,
		)
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string { // A
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
