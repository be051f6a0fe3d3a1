package wire

import (
	"encoding/binary"
	"math"

	"github.com/sandia-minimega/busd/internal/busd"
)

// ByteOrder tags a buffer's endianness with the wire protocol's own marker
// bytes, rather than reusing encoding/binary.ByteOrder directly, so that a
// Writer/Reader can round-trip the 'l'/'B' marker byte itself (spec.md 6).
type ByteOrder byte

const (
	LittleEndian ByteOrder = 'l'
	BigEndian    ByteOrder = 'B'
)

func (bo ByteOrder) native() binary.ByteOrder {
	if bo == BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// Valid reports whether bo is one of the two wire-legal markers.
func (bo ByteOrder) Valid() bool {
	return bo == LittleEndian || bo == BigEndian
}

// align returns o advanced to the next multiple of a, per spec.md 4.1:
// (o + A - 1) & ~(A - 1).
func align(o, a int) int {
	return (o + a - 1) &^ (a - 1)
}

// Writer is an append-cursor over a growable byte buffer (spec.md 4.1/4.2).
type Writer struct {
	order ByteOrder
	buf   []byte
}

func NewWriter(order ByteOrder) *Writer {
	return &Writer{order: order, buf: nil}
}

func (w *Writer) Order() ByteOrder { return w.order }
func (w *Writer) Offset() int      { return len(w.buf) }
func (w *Writer) Bytes() []byte    { return w.buf }

// padTo zero-pads the buffer until Offset() is a multiple of a.
func (w *Writer) padTo(a int) {
	target := align(w.Offset(), a)
	for w.Offset() < target {
		w.buf = append(w.buf, 0)
	}
}

func (w *Writer) raw(b []byte) { w.buf = append(w.buf, b...) }

// Align pads the buffer with zero bytes until Offset() is a multiple of a.
// Exported so callers outside this package (the message header/body
// assembler) can align a block boundary the same way scalar appends do.
func (w *Writer) Align(a int) { w.padTo(a) }

// SetUint32At overwrites 4 bytes at offset o with v in the writer's
// byte order -- the back-patching primitive spec.md 4.1 calls out
// explicitly for header/body length fields.
func (w *Writer) SetUint32At(o int, v uint32) error {
	if o < 0 || o+4 > len(w.buf) {
		return busd.New(busd.Overflow, "set-uint32-at-offset %d out of range (len=%d)", o, len(w.buf))
	}
	w.order.native().PutUint32(w.buf[o:o+4], v)
	return nil
}

func (w *Writer) AppendByte(v byte) {
	w.buf = append(w.buf, v)
}

// AppendTag writes a 4-byte ASCII field tag (e.g. "name", "sndr") verbatim,
// with no alignment or length prefix.
func (w *Writer) AppendTag(tag string) error {
	if len(tag) != 4 {
		return busd.New(busd.InvalidArgs, "field tag %q must be exactly 4 bytes", tag)
	}
	w.raw([]byte(tag))
	return nil
}

func (w *Writer) AppendBool(v bool) {
	w.padTo(4)
	var u uint32
	if v {
		u = 1
	}
	w.AppendUint32(u)
}

func (w *Writer) AppendInt32(v int32) {
	w.padTo(4)
	b := make([]byte, 4)
	w.order.native().PutUint32(b, uint32(v))
	w.raw(b)
}

func (w *Writer) AppendUint32(v uint32) {
	w.padTo(4)
	b := make([]byte, 4)
	w.order.native().PutUint32(b, v)
	w.raw(b)
}

func (w *Writer) AppendInt64(v int64) {
	w.padTo(8)
	b := make([]byte, 8)
	w.order.native().PutUint64(b, uint64(v))
	w.raw(b)
}

func (w *Writer) AppendUint64(v uint64) {
	w.padTo(8)
	b := make([]byte, 8)
	w.order.native().PutUint64(b, v)
	w.raw(b)
}

func (w *Writer) AppendDouble(v float64) {
	w.AppendUint64(math.Float64bits(v))
}

// AppendString writes a 4-byte length (UTF-8 byte count, excluding the
// trailing NUL), the UTF-8 bytes, and a terminating NUL (spec.md 3/4.1).
func (w *Writer) AppendString(s string) error {
	if err := validateUTF8(s); err != nil {
		return err
	}
	w.padTo(4)
	w.AppendUint32(uint32(len(s)))
	w.raw([]byte(s))
	w.buf = append(w.buf, 0)
	return nil
}

// AppendNamed writes a 4-byte ASCII tag followed by a 4-byte length and the
// opaque payload bytes.
func (w *Writer) AppendNamed(n Named) {
	w.raw(n.Name[:])
	w.padTo(4)
	w.AppendUint32(uint32(len(n.Data)))
	w.raw(n.Data)
}

// AppendArray writes the 4-byte byte-length of the element region followed
// by each element, aligned to elem's own alignment before the length is
// measured from (spec.md 4.1).
func (w *Writer) AppendArray(a Array) error {
	w.padTo(4)
	lenOff := w.Offset()
	w.AppendUint32(0) // placeholder, back-patched below

	w.padTo(a.Elem.Alignment())
	start := w.Offset()
	for _, v := range a.Values {
		if v.Kind != a.Elem {
			return busd.New(busd.InvalidArgs, "array element kind %v does not match declared %v", v.Kind, a.Elem)
		}
		if err := w.AppendValue(v); err != nil {
			return err
		}
	}
	return w.SetUint32At(lenOff, uint32(w.Offset()-start))
}

// AppendDict writes a DICT as an ARRAY of (string key, value) structs,
// validating key uniqueness (spec.md 3).
func (w *Writer) AppendDict(d Dict) error {
	seen := make(map[string]bool, len(d.Entries))
	for _, e := range d.Entries {
		if seen[e.Key] {
			return busd.New(busd.InvalidArgs, "duplicate dict key %q", e.Key)
		}
		seen[e.Key] = true
	}

	w.padTo(4)
	lenOff := w.Offset()
	w.AppendUint32(0)

	start := w.Offset()
	for _, e := range d.Entries {
		if err := w.AppendString(e.Key); err != nil {
			return err
		}
		if err := w.AppendTaggedValue(e.Val); err != nil {
			return err
		}
	}
	return w.SetUint32At(lenOff, uint32(w.Offset()-start))
}

// AppendValue dispatches to the type-specific Append* method for v.Kind,
// the iterator-style "append_args" entry point from spec.md 4.2.
func (w *Writer) AppendValue(v Value) error {
	switch v.Kind {
	case KindInvalid:
		return busd.New(busd.InvalidArgs, "cannot append INVALID value")
	case KindNil:
		return nil
	case KindBoolean:
		w.AppendBool(v.Bool)
	case KindByte:
		w.AppendByte(v.Byte)
	case KindInt32:
		w.AppendInt32(v.I32)
	case KindUint32:
		w.AppendUint32(v.U32)
	case KindInt64:
		w.AppendInt64(v.I64)
	case KindUint64:
		w.AppendUint64(v.U64)
	case KindDouble:
		w.AppendDouble(v.F64)
	case KindString:
		return w.AppendString(v.Str)
	case KindNamed:
		w.AppendNamed(v.Named)
	case KindArray:
		if v.Arr == nil {
			return busd.New(busd.InvalidArgs, "nil array value")
		}
		return w.AppendArray(*v.Arr)
	case KindDict:
		if v.Dict == nil {
			return busd.New(busd.InvalidArgs, "nil dict value")
		}
		return w.AppendDict(*v.Dict)
	default:
		return busd.New(busd.InvalidArgs, "unknown kind %v", v.Kind)
	}
	return nil
}

// Reader is a parse-cursor over a fixed byte slice (spec.md 4.1/4.2).
type Reader struct {
	order ByteOrder
	buf   []byte
	off   int
}

func NewReader(order ByteOrder, buf []byte) *Reader {
	return &Reader{order: order, buf: buf}
}

func (r *Reader) Offset() int { return r.off }
func (r *Reader) Len() int    { return len(r.buf) }

func (r *Reader) need(n int) error {
	if r.off+n > len(r.buf) {
		return busd.New(busd.Overflow, "need %d bytes at offset %d, only %d available", n, r.off, len(r.buf)-r.off)
	}
	return nil
}

// alignTo advances the read cursor to the next multiple of a, failing with
// BAD_ALIGN if the skipped padding bytes are not all zero or run past the
// end of the buffer (spec.md 4.1 "BAD_ALIGN").
func (r *Reader) alignTo(a int) error {
	target := align(r.off, a)
	if target > len(r.buf) {
		return busd.New(busd.BadAlign, "alignment padding to %d runs past end of buffer", a)
	}
	for r.off < target {
		if r.buf[r.off] != 0 {
			return busd.New(busd.BadAlign, "non-zero padding byte at offset %d", r.off)
		}
		r.off++
	}
	return nil
}

// Align advances the read cursor to the next multiple of a, checking that
// skipped bytes are zero (public counterpart to alignTo for block-level
// callers like the message package).
func (r *Reader) Align(a int) error { return r.alignTo(a) }

// Skip advances the cursor by n raw bytes without alignment checks, used to
// consume the preamble's reserved bytes.
func (r *Reader) Skip(n int) error {
	if err := r.need(n); err != nil {
		return err
	}
	r.off += n
	return nil
}

// ReadTag reads a 4-byte ASCII field tag verbatim.
func (r *Reader) ReadTag() (string, error) {
	if err := r.need(4); err != nil {
		return "", err
	}
	s := string(r.buf[r.off : r.off+4])
	r.off += 4
	return s, nil
}

func (r *Reader) ReadByte() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

func (r *Reader) ReadBool() (bool, error) {
	u, err := r.ReadUint32()
	if err != nil {
		return false, err
	}
	return u != 0, nil
}

func (r *Reader) ReadInt32() (int32, error) {
	u, err := r.ReadUint32()
	return int32(u), err
}

func (r *Reader) ReadUint32() (uint32, error) {
	if err := r.alignTo(4); err != nil {
		return 0, err
	}
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := r.order.native().Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *Reader) ReadInt64() (int64, error) {
	u, err := r.ReadUint64()
	return int64(u), err
}

func (r *Reader) ReadUint64() (uint64, error) {
	if err := r.alignTo(8); err != nil {
		return 0, err
	}
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := r.order.native().Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

func (r *Reader) ReadDouble() (float64, error) {
	u, err := r.ReadUint64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(u), nil
}

func (r *Reader) ReadString() (string, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return "", err
	}
	if err := r.need(int(n) + 1); err != nil {
		return "", busd.New(busd.Overflow, "declared string length %d exceeds buffer", n)
	}
	s := string(r.buf[r.off : r.off+int(n)])
	r.off += int(n)
	if r.buf[r.off] != 0 {
		return "", busd.New(busd.InvalidArgs, "string not NUL-terminated")
	}
	r.off++
	if err := validateUTF8(s); err != nil {
		return "", err
	}
	return s, nil
}

func (r *Reader) ReadNamed() (Named, error) {
	if err := r.need(4); err != nil {
		return Named{}, err
	}
	var n Named
	copy(n.Name[:], r.buf[r.off:r.off+4])
	r.off += 4

	length, err := r.ReadUint32()
	if err != nil {
		return Named{}, err
	}
	if err := r.need(int(length)); err != nil {
		return Named{}, busd.New(busd.Overflow, "declared named-value length %d exceeds buffer", length)
	}
	n.Data = append([]byte(nil), r.buf[r.off:r.off+int(length)]...)
	r.off += int(length)
	return n, nil
}

// ReadArray reads the 4-byte element-region length and then decodes elements
// of elem until the region is consumed (spec.md 4.1).
func (r *Reader) ReadArray(elem Kind) (Array, error) {
	byteLen, err := r.ReadUint32()
	if err != nil {
		return Array{}, err
	}
	if err := r.alignTo(elem.Alignment()); err != nil {
		return Array{}, err
	}
	if err := r.need(int(byteLen)); err != nil {
		return Array{}, busd.New(busd.Overflow, "declared array length %d exceeds buffer", byteLen)
	}

	end := r.off + int(byteLen)
	a := Array{Elem: elem}
	for r.off < end {
		v, err := r.ReadValue(elem)
		if err != nil {
			return Array{}, err
		}
		a.Values = append(a.Values, v)
	}
	if r.off != end {
		return Array{}, busd.New(busd.BadAlign, "array elements did not consume exactly the declared length")
	}
	return a, nil
}

// ReadDict reads a DICT as an array of (string, Value) pairs, checking key
// uniqueness (spec.md 3).
func (r *Reader) ReadDict() (Dict, error) {
	byteLen, err := r.ReadUint32()
	if err != nil {
		return Dict{}, err
	}
	if err := r.need(int(byteLen)); err != nil {
		return Dict{}, busd.New(busd.Overflow, "declared dict length %d exceeds buffer", byteLen)
	}

	end := r.off + int(byteLen)
	var d Dict
	seen := make(map[string]bool)
	for r.off < end {
		key, err := r.ReadString()
		if err != nil {
			return Dict{}, err
		}
		if seen[key] {
			return Dict{}, busd.New(busd.InvalidArgs, "duplicate dict key %q", key)
		}
		seen[key] = true

		// A DICT value's kind isn't known statically here, so each value
		// carries its own kind tag (written by AppendDict via
		// AppendTaggedValue) and is read back with ReadTaggedValue.
		v, err := r.ReadTaggedValue()
		if err != nil {
			return Dict{}, err
		}
		d.Entries = append(d.Entries, DictEntry{Key: key, Val: v})
	}
	if r.off != end {
		return Dict{}, busd.New(busd.BadAlign, "dict entries did not consume exactly the declared length")
	}
	return d, nil
}

// ReadValue reads one value of the given kind (used when the kind is known
// from context, e.g. array elements).
func (r *Reader) ReadValue(kind Kind) (Value, error) {
	switch kind {
	case KindInvalid:
		return Invalid(), nil
	case KindNil:
		return Nil(), nil
	case KindBoolean:
		b, err := r.ReadBool()
		return Bool(b), err
	case KindByte:
		b, err := r.ReadByte()
		return Byte(b), err
	case KindInt32:
		v, err := r.ReadInt32()
		return Int32(v), err
	case KindUint32:
		v, err := r.ReadUint32()
		return Uint32(v), err
	case KindInt64:
		v, err := r.ReadInt64()
		return Int64(v), err
	case KindUint64:
		v, err := r.ReadUint64()
		return Uint64(v), err
	case KindDouble:
		v, err := r.ReadDouble()
		return Double(v), err
	case KindString:
		s, err := r.ReadString()
		return String(s), err
	case KindNamed:
		n, err := r.ReadNamed()
		return NamedValue(n), err
	case KindDict:
		d, err := r.ReadDict()
		return DictValue(d), err
	default:
		return Value{}, busd.New(busd.InvalidArgs, "ReadValue requires an explicit element kind for %v", kind)
	}
}

// ReadTaggedValue reads a 1-byte kind tag followed by the value itself --
// used for body arguments and dict values, where (unlike array elements)
// the kind isn't known ahead of time and an ARRAY element kind byte
// immediately follows an ARRAY tag.
func (r *Reader) ReadTaggedValue() (Value, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return Value{}, err
	}
	kind := Kind(tag)
	if kind == KindArray {
		elemTag, err := r.ReadByte()
		if err != nil {
			return Value{}, err
		}
		a, err := r.ReadArray(Kind(elemTag))
		return ArrayValue(a), err
	}
	return r.ReadValue(kind)
}

// AppendTaggedValue is the write-side counterpart of ReadTaggedValue: a
// 1-byte kind tag (plus element-kind tag for arrays), then the value.
func (w *Writer) AppendTaggedValue(v Value) error {
	w.AppendByte(byte(v.Kind))
	if v.Kind == KindArray {
		if v.Arr == nil {
			return busd.New(busd.InvalidArgs, "nil array value")
		}
		w.AppendByte(byte(v.Arr.Elem))
	}
	return w.AppendValue(v)
}
