package wire

import (
	"testing"

	"github.com/sandia-minimega/busd/internal/busd"
)

// TestRoundTripTaggedValues covers scenario 6 of spec.md 8: marshal a mix of
// scalar, array and dict values in both endiannesses and confirm decode
// reproduces equal values.
func TestRoundTripTaggedValues(t *testing.T) {
	values := []Value{
		String("héllo"),
		Int32(-1),
		ArrayValue(Array{Elem: KindInt32, Values: []Value{Int32(1), Int32(2), Int32(3)}}),
		DictValue(Dict{Entries: []DictEntry{{Key: "a", Val: Uint32(7)}}}),
	}

	for _, order := range []ByteOrder{LittleEndian, BigEndian} {
		w := NewWriter(order)
		for _, v := range values {
			if err := w.AppendTaggedValue(v); err != nil {
				t.Fatalf("order %v: append %v: %v", order, v.Kind, err)
			}
		}

		r := NewReader(order, w.Bytes())
		for i, want := range values {
			got, err := r.ReadTaggedValue()
			if err != nil {
				t.Fatalf("order %v: value %d: decode: %v", order, i, err)
			}
			if !Equal(got, want) {
				t.Errorf("order %v: value %d: got %+v, want %+v", order, i, got, want)
			}
		}
		if r.Offset() != r.Len() {
			t.Errorf("order %v: %d trailing bytes after decoding all values", order, r.Len()-r.Offset())
		}
	}
}

func TestAlignmentInvariant(t *testing.T) {
	w := NewWriter(LittleEndian)
	w.AppendByte(1)
	if err := w.AppendString("x"); err != nil {
		t.Fatal(err)
	}
	if off := w.Offset(); off%KindString.Alignment() != 0 {
		// offset after a string is not required to be aligned; what must
		// hold is that the *next* append pads first. Verify that.
		_ = off
	}
	before := w.Offset()
	w.AppendInt64(42)
	after := w.Offset()
	if (before)%8 == 0 {
		// no padding was necessary; nothing to check
	} else if (after-8)%8 != 0 {
		t.Errorf("int64 was not aligned to 8: wrote at %d", after-8)
	}
}

func TestSetUint32AtBackpatch(t *testing.T) {
	w := NewWriter(LittleEndian)
	off := w.Offset()
	w.AppendUint32(0xffffffff) // placeholder
	if err := w.SetUint32At(off, 42); err != nil {
		t.Fatal(err)
	}

	r := NewReader(LittleEndian, w.Bytes())
	got, err := r.ReadUint32()
	if err != nil {
		t.Fatal(err)
	}
	if got != 42 {
		t.Errorf("got %d, want 42", got)
	}
}

func TestBadAlignDetectsNonZeroPadding(t *testing.T) {
	w := NewWriter(LittleEndian)
	w.AppendByte(1)
	w.AppendInt32(7)
	buf := w.Bytes()
	buf[1] = 0xff // corrupt a padding byte

	r := NewReader(LittleEndian, buf)
	if _, err := r.ReadByte(); err != nil {
		t.Fatal(err)
	}
	if _, err := r.ReadInt32(); busd.KindOf(err) != busd.BadAlign {
		t.Errorf("expected BAD_ALIGN, got %v", err)
	}
}

func TestOverflowOnDeclaredLengthExceedsBuffer(t *testing.T) {
	w := NewWriter(LittleEndian)
	if err := w.AppendString("ab"); err != nil {
		t.Fatal(err)
	}
	truncated := w.Bytes()[:len(w.Bytes())-2]

	r := NewReader(LittleEndian, truncated)
	if _, err := r.ReadString(); err == nil {
		t.Errorf("expected an error decoding a truncated string")
	}
}

func TestBadUTF8Rejected(t *testing.T) {
	w := NewWriter(LittleEndian)
	if err := w.AppendString(string([]byte{0xff, 0xfe})); err == nil {
		t.Errorf("expected BAD_UTF8 error appending invalid UTF-8")
	}
}
