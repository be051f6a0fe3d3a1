// Package wire implements the binary codec (C1): alignment-aware,
// endianness-tagged marshalling of the closed set of typed values the bus
// protocol carries in message headers and bodies.
//
// The codec is deliberately agnostic to what produced the bytes it reads --
// spec.md keeps "choice of XML tokenizer" and similar concerns external, and
// in the same spirit this package never reaches for a third-party binary
// framework: the wire format is small, fully specified, and alignment-driven
// in a way no off-the-shelf codec (protobuf, gob, msgpack) can express
// without reinventing this package around it.
package wire

import (
	"fmt"
	"unicode/utf8"

	"github.com/sandia-minimega/busd/internal/busd"
)

// Kind identifies one of the closed set of typed values the wire format can
// carry.
type Kind byte

const (
	KindInvalid Kind = iota
	KindNil
	KindBoolean
	KindByte
	KindInt32
	KindUint32
	KindInt64
	KindUint64
	KindDouble
	KindString
	KindNamed
	KindArray
	KindDict
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "INVALID"
	case KindNil:
		return "NIL"
	case KindBoolean:
		return "BOOLEAN"
	case KindByte:
		return "BYTE"
	case KindInt32:
		return "INT32"
	case KindUint32:
		return "UINT32"
	case KindInt64:
		return "INT64"
	case KindUint64:
		return "UINT64"
	case KindDouble:
		return "DOUBLE"
	case KindString:
		return "STRING"
	case KindNamed:
		return "NAMED"
	case KindArray:
		return "ARRAY"
	case KindDict:
		return "DICT"
	default:
		return fmt.Sprintf("Kind(%d)", byte(k))
	}
}

// Alignment returns the natural alignment in bytes for scalar kinds. Array
// and dict values are aligned to their element's alignment by the caller
// (spec.md 4.1).
func (k Kind) Alignment() int {
	switch k {
	case KindByte:
		return 1
	case KindBoolean, KindInt32, KindUint32, KindString, KindArray:
		return 4
	case KindInt64, KindUint64, KindDouble, KindDict:
		return 8
	default:
		return 1
	}
}

// Named is a 4-byte-tagged opaque value, e.g. a header field.
type Named struct {
	Name [4]byte
	Data []byte
}

// DictEntry is one (string key, value) pair of a DICT value.
type DictEntry struct {
	Key string
	Val Value
}

// Array is a homogeneous ARRAY value.
type Array struct {
	Elem   Kind
	Values []Value
}

// Dict is an array of (string, Value) pairs with unique keys (spec.md 3).
type Dict struct {
	Entries []DictEntry
}

// Value is a tagged union over the closed set of typed values (spec.md 3,
// design notes 9: "Variant-typed header fields and arguments").
type Value struct {
	Kind  Kind
	Bool  bool
	Byte  byte
	I32   int32
	U32   uint32
	I64   int64
	U64   uint64
	F64   float64
	Str   string
	Named Named
	Arr   *Array
	Dict  *Dict
}

func Invalid() Value              { return Value{Kind: KindInvalid} }
func Nil() Value                  { return Value{Kind: KindNil} }
func Bool(b bool) Value           { return Value{Kind: KindBoolean, Bool: b} }
func Byte(b byte) Value           { return Value{Kind: KindByte, Byte: b} }
func Int32(v int32) Value         { return Value{Kind: KindInt32, I32: v} }
func Uint32(v uint32) Value       { return Value{Kind: KindUint32, U32: v} }
func Int64(v int64) Value         { return Value{Kind: KindInt64, I64: v} }
func Uint64(v uint64) Value       { return Value{Kind: KindUint64, U64: v} }
func Double(v float64) Value      { return Value{Kind: KindDouble, F64: v} }
func String(s string) Value       { return Value{Kind: KindString, Str: s} }
func NamedValue(n Named) Value    { return Value{Kind: KindNamed, Named: n} }
func ArrayValue(a Array) Value    { return Value{Kind: KindArray, Arr: &a} }
func DictValue(d Dict) Value      { return Value{Kind: KindDict, Dict: &d} }

// validateUTF8 checks s is well-formed UTF-8, returning a BAD_UTF8 *busd.Error
// otherwise (spec.md 4.1).
func validateUTF8(s string) error {
	if !utf8.ValidString(s) {
		return busd.New(busd.BadUTF8, "string is not valid UTF-8")
	}
	return nil
}

// Equal reports whether two values are structurally identical, used by the
// codec round-trip tests (spec.md 8 invariant: decode(encode(m)) = m).
func Equal(a, b Value) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindInvalid, KindNil:
		return true
	case KindBoolean:
		return a.Bool == b.Bool
	case KindByte:
		return a.Byte == b.Byte
	case KindInt32:
		return a.I32 == b.I32
	case KindUint32:
		return a.U32 == b.U32
	case KindInt64:
		return a.I64 == b.I64
	case KindUint64:
		return a.U64 == b.U64
	case KindDouble:
		return a.F64 == b.F64
	case KindString:
		return a.Str == b.Str
	case KindNamed:
		return a.Named.Name == b.Named.Name && string(a.Named.Data) == string(b.Named.Data)
	case KindArray:
		if a.Arr == nil || b.Arr == nil {
			return a.Arr == b.Arr
		}
		if a.Arr.Elem != b.Arr.Elem || len(a.Arr.Values) != len(b.Arr.Values) {
			return false
		}
		for i := range a.Arr.Values {
			if !Equal(a.Arr.Values[i], b.Arr.Values[i]) {
				return false
			}
		}
		return true
	case KindDict:
		if a.Dict == nil || b.Dict == nil {
			return a.Dict == b.Dict
		}
		if len(a.Dict.Entries) != len(b.Dict.Entries) {
			return false
		}
		for i := range a.Dict.Entries {
			if a.Dict.Entries[i].Key != b.Dict.Entries[i].Key {
				return false
			}
			if !Equal(a.Dict.Entries[i].Val, b.Dict.Entries[i].Val) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
