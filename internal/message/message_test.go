package message

import (
	"testing"

	"github.com/sandia-minimega/busd/internal/wire"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, order := range []wire.ByteOrder{wire.LittleEndian, wire.BigEndian} {
		m := New("org.example.Foo", "org.example.Bar")
		m.Serial = 1
		if err := m.SetSender(":1.5"); err != nil {
			t.Fatal(err)
		}
		if err := m.AppendArgs(wire.String("hello"), wire.Int32(-7)); err != nil {
			t.Fatal(err)
		}
		m.Order = order

		buf, err := m.Encode()
		if err != nil {
			t.Fatalf("order %v: encode: %v", order, err)
		}

		got, err := Decode(buf)
		if err != nil {
			t.Fatalf("order %v: decode: %v", order, err)
		}

		if got.Serial != m.Serial {
			t.Errorf("serial mismatch: got %d want %d", got.Serial, m.Serial)
		}
		if name, _ := got.Name(); name != "org.example.Foo" {
			t.Errorf("name mismatch: got %q", name)
		}
		if dest, _ := got.Destination(); dest != "org.example.Bar" {
			t.Errorf("destination mismatch: got %q", dest)
		}
		if sender, _ := got.Sender(); sender != ":1.5" {
			t.Errorf("sender mismatch: got %q", sender)
		}
		if len(got.Body) != 2 || !wire.Equal(got.Body[0], wire.String("hello")) || !wire.Equal(got.Body[1], wire.Int32(-7)) {
			t.Errorf("body mismatch: got %+v", got.Body)
		}
	}
}

func TestHeaderPaddedToEightByteBoundary(t *testing.T) {
	m := New("x", "")
	m.Serial = 1

	buf, err := m.Encode()
	if err != nil {
		t.Fatal(err)
	}

	hdrLen, _, err := PeekLengths(buf)
	if err != nil {
		t.Fatal(err)
	}
	if hdrLen%8 != 0 {
		t.Errorf("hdr_len %d is not 8-byte aligned", hdrLen)
	}
}

func TestNewReplyCopiesSerialAndSender(t *testing.T) {
	orig := New("org.example.Foo", "org.example.Bar")
	orig.Serial = 9
	if err := orig.SetSender(":1.2"); err != nil {
		t.Fatal(err)
	}

	reply := NewReply(orig)
	rs, ok := reply.ReplySerial()
	if !ok || rs != 9 {
		t.Errorf("reply serial: got %v, ok=%v", rs, ok)
	}
	if dest, _ := reply.Destination(); dest != ":1.2" {
		t.Errorf("reply destination: got %q, want sender of orig", dest)
	}
}

func TestNewErrorReplySetsErrorName(t *testing.T) {
	orig := New("org.example.Foo", "org.example.Bar")
	orig.Serial = 3
	orig.SetSender(":1.2")

	reply := NewErrorReply(orig, "org.freedesktop.DBus.Error.AccessDenied", "denied")
	if !reply.IsError() {
		t.Errorf("expected IsError() true")
	}
	if name, _ := reply.ErrorName(); name != "org.freedesktop.DBus.Error.AccessDenied" {
		t.Errorf("error name: got %q", name)
	}
	if len(reply.Body) != 1 || !wire.Equal(reply.Body[0], wire.String("denied")) {
		t.Errorf("body: got %+v", reply.Body)
	}
}

func TestImmutableAfterSecondRef(t *testing.T) {
	m := New("x", "")
	m.Ref()
	m.Ref()
	if err := m.AppendArgs(wire.Int32(1)); err == nil {
		t.Errorf("expected IMMUTABLE error appending to a ref_count>=2 message")
	}
}

func TestCopyResetsSerial(t *testing.T) {
	m := New("x", "")
	m.Serial = 5
	cp := m.Copy()
	if cp.Serial != 0 {
		t.Errorf("copy should reset serial to 0, got %d", cp.Serial)
	}
}

func TestIteratorWalksBodyInOrder(t *testing.T) {
	m := New("x", "")
	m.AppendArgs(wire.Int32(1), wire.Int32(2), wire.Int32(3))

	it := m.IterInit()
	var got []int32
	for it.HasNext() {
		v, _ := it.Next()
		got = append(got, v.I32)
	}
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Errorf("got %v", got)
	}
}

func TestDictIteratorReportsKeys(t *testing.T) {
	d := wire.DictValue(wire.Dict{Entries: []wire.DictEntry{
		{Key: "a", Val: wire.Uint32(1)},
		{Key: "b", Val: wire.Uint32(2)},
	}})

	it, err := InitDictIterator(d)
	if err != nil {
		t.Fatal(err)
	}
	var keys []string
	for it.HasNext() {
		k, _, _ := it.Next()
		keys = append(keys, k)
	}
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Errorf("got %v", keys)
	}
}
