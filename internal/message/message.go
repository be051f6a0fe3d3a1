// Package message implements the message object (C2): a header+body
// container built on the wire codec, with append/iterate helpers and the
// ref-counted immutability rule from spec.md 4.2.
package message

import (
	"sync/atomic"

	"github.com/sandia-minimega/busd/internal/busd"
	"github.com/sandia-minimega/busd/internal/wire"
)

// Known header-field tags (spec.md 3/6).
const (
	FieldName    = "name" // method/signal/error name
	FieldService = "srvc" // destination
	FieldSender  = "sndr" // sender unique name, stamped by the router
	FieldReply   = "rply" // reply-serial (uint32)
	FieldError   = "errn" // error name, presence marks an error reply
)

// fieldOrder is the order header fields are written in, kept stable so two
// encodes of the same logical message produce the same bytes.
var fieldOrder = []string{FieldName, FieldService, FieldSender, FieldReply, FieldError}

// Message is the header+body container described in spec.md 3/4.2.
type Message struct {
	Order  wire.ByteOrder
	Serial uint32
	Fields map[string]wire.Value
	Body   []wire.Value

	refCount int32 // 0 or 1 means mutable; >=2 means read-only (spec.md 4.2)
}

// New allocates a message addressed to destination with the given method or
// signal name, mirroring C2's "new(name, destination)".
func New(name, destination string) *Message {
	m := &Message{
		Order:  wire.LittleEndian,
		Fields: make(map[string]wire.Value),
	}
	m.Fields[FieldName] = wire.String(name)
	if destination != "" {
		m.Fields[FieldService] = wire.String(destination)
	}
	return m
}

// NewReply builds a reply to orig, addressed back to its sender with rply
// set to orig's serial (spec.md 4.2).
func NewReply(orig *Message) *Message {
	m := &Message{Order: orig.Order, Fields: make(map[string]wire.Value)}
	if sender, ok := orig.Sender(); ok {
		m.Fields[FieldService] = wire.String(sender)
	}
	m.Fields[FieldReply] = wire.Uint32(orig.Serial)
	return m
}

// NewErrorReply builds an error reply to orig carrying errName and an
// optional human-readable text as the sole body argument.
func NewErrorReply(orig *Message, errName, text string) *Message {
	m := NewReply(orig)
	m.Fields[FieldError] = wire.String(errName)
	if text != "" {
		m.Body = []wire.Value{wire.String(text)}
	}
	return m
}

// Copy deep-copies m with its serial reset to 0, as required before
// resending a previously-sent message (spec.md 4.2).
func (m *Message) Copy() *Message {
	cp := &Message{
		Order:  m.Order,
		Fields: make(map[string]wire.Value, len(m.Fields)),
		Body:   append([]wire.Value(nil), m.Body...),
	}
	for k, v := range m.Fields {
		cp.Fields[k] = v
	}
	return cp
}

// Ref increments the reference count. Once the count reaches 2 or more, the
// message becomes immutable (spec.md 4.2).
func (m *Message) Ref() { atomic.AddInt32(&m.refCount, 1) }

// Unref decrements the reference count.
func (m *Message) Unref() { atomic.AddInt32(&m.refCount, -1) }

func (m *Message) immutable() bool { return atomic.LoadInt32(&m.refCount) >= 2 }

// AppendArgs appends each value to the body in order, the iterator-style
// "append_args" entry point from spec.md 4.2. Fails with IMMUTABLE once the
// message has been referenced by more than one owner.
func (m *Message) AppendArgs(values ...wire.Value) error {
	if m.immutable() {
		return busd.New(busd.Immutable, "message is read-only (ref_count >= 2)")
	}
	for _, v := range values {
		if v.Kind == wire.KindInvalid {
			return busd.New(busd.InvalidArgs, "cannot append an INVALID-typed argument")
		}
	}
	m.Body = append(m.Body, values...)
	return nil
}

// Name returns the "name" header field, if present.
func (m *Message) Name() (string, bool) {
	return m.stringField(FieldName)
}

func (m *Message) SetName(name string) error {
	if m.immutable() {
		return busd.New(busd.Immutable, "message is read-only")
	}
	m.Fields[FieldName] = wire.String(name)
	return nil
}

// Destination returns the "srvc" header field, if present.
func (m *Message) Destination() (string, bool) {
	return m.stringField(FieldService)
}

func (m *Message) SetDestination(dest string) error {
	if m.immutable() {
		return busd.New(busd.Immutable, "message is read-only")
	}
	m.Fields[FieldService] = wire.String(dest)
	return nil
}

// Sender returns the "sndr" header field, if present.
func (m *Message) Sender() (string, bool) {
	return m.stringField(FieldSender)
}

func (m *Message) SetSender(sender string) error {
	if m.immutable() {
		return busd.New(busd.Immutable, "message is read-only")
	}
	m.Fields[FieldSender] = wire.String(sender)
	return nil
}

// ReplySerial returns the "rply" header field, if present.
func (m *Message) ReplySerial() (uint32, bool) {
	v, ok := m.Fields[FieldReply]
	if !ok || v.Kind != wire.KindUint32 {
		return 0, false
	}
	return v.U32, true
}

// ErrorName returns the "errn" header field, if present. Its presence marks
// the message as an error reply (spec.md 3).
func (m *Message) ErrorName() (string, bool) {
	return m.stringField(FieldError)
}

func (m *Message) IsError() bool {
	_, ok := m.Fields[FieldError]
	return ok
}

func (m *Message) stringField(tag string) (string, bool) {
	v, ok := m.Fields[tag]
	if !ok || v.Kind != wire.KindString {
		return "", false
	}
	return v.Str, true
}

// Iterator walks the body arguments in order, the C2 "iter_init"/"has_next"/
// "next" model from spec.md 4.2.
type Iterator struct {
	body []wire.Value
	pos  int
}

func (m *Message) IterInit() *Iterator {
	return &Iterator{body: m.Body}
}

func (it *Iterator) HasNext() bool { return it.pos < len(it.body) }

func (it *Iterator) Next() (wire.Value, bool) {
	if !it.HasNext() {
		return wire.Value{}, false
	}
	v := it.body[it.pos]
	it.pos++
	return v, true
}

// InitArrayIterator returns a sub-iterator over an ARRAY value's elements
// plus the element kind, per spec.md 4.2.
func InitArrayIterator(v wire.Value) (wire.Kind, *Iterator, error) {
	if v.Kind != wire.KindArray || v.Arr == nil {
		return wire.KindInvalid, nil, busd.New(busd.InvalidArgs, "value is not an ARRAY")
	}
	return v.Arr.Elem, &Iterator{body: v.Arr.Values}, nil
}

// DictIterator walks a DICT's (key, value) pairs, exposing the current key
// as its position alternates, per spec.md 4.2.
type DictIterator struct {
	entries []wire.DictEntry
	pos     int
}

func InitDictIterator(v wire.Value) (*DictIterator, error) {
	if v.Kind != wire.KindDict || v.Dict == nil {
		return nil, busd.New(busd.InvalidArgs, "value is not a DICT")
	}
	return &DictIterator{entries: v.Dict.Entries}, nil
}

func (it *DictIterator) HasNext() bool { return it.pos < len(it.entries) }

// Next returns the current key and value and advances the iterator.
func (it *DictIterator) Next() (string, wire.Value, bool) {
	if !it.HasNext() {
		return "", wire.Value{}, false
	}
	e := it.entries[it.pos]
	it.pos++
	return e.Key, e.Val, true
}
