package message

import (
	"github.com/sandia-minimega/busd/internal/busd"
	"github.com/sandia-minimega/busd/internal/wire"
)

// PreambleSize is the fixed 16-byte envelope prefix: order marker, 3
// reserved bytes, hdr_len, body_len, serial (spec.md 6).
const PreambleSize = 16

// Encode marshals m into the wire envelope described in spec.md 6. Serial
// must already be assigned (non-zero) -- assigning it is the connection's
// job (spec.md 4.2/4.4), not the codec's.
func (m *Message) Encode() ([]byte, error) {
	if m.Serial == 0 {
		return nil, busd.New(busd.InvalidArgs, "message serial must be assigned before encoding")
	}
	if !m.Order.Valid() {
		m.Order = wire.LittleEndian
	}

	w := wire.NewWriter(m.Order)
	w.AppendByte(byte(m.Order))
	w.AppendByte(0)
	w.AppendByte(0)
	w.AppendByte(0)

	hdrLenOff := w.Offset()
	w.AppendUint32(0)
	bodyLenOff := w.Offset()
	w.AppendUint32(0)
	w.AppendUint32(m.Serial)

	headerStart := w.Offset()
	for _, tag := range fieldOrder {
		v, ok := m.Fields[tag]
		if !ok {
			continue
		}
		if err := w.AppendTag(tag); err != nil {
			return nil, err
		}
		if err := w.AppendTaggedValue(v); err != nil {
			return nil, err
		}
	}
	w.Align(8)
	hdrLen := w.Offset() - headerStart

	bodyStart := w.Offset()
	for _, v := range m.Body {
		if err := w.AppendTaggedValue(v); err != nil {
			return nil, err
		}
	}
	bodyLen := w.Offset() - bodyStart

	if err := w.SetUint32At(hdrLenOff, uint32(hdrLen)); err != nil {
		return nil, err
	}
	if err := w.SetUint32At(bodyLenOff, uint32(bodyLen)); err != nil {
		return nil, err
	}

	return w.Bytes(), nil
}

// Decode parses a complete wire envelope (preamble + header + body) produced
// by Encode. Callers in the transport layer are responsible for first
// determining hdr_len/body_len (via PeekLengths) and buffering the full
// message before calling Decode.
func Decode(buf []byte) (*Message, error) {
	if len(buf) < PreambleSize {
		return nil, busd.New(busd.Overflow, "buffer shorter than the 16-byte preamble")
	}

	order := wire.ByteOrder(buf[0])
	if !order.Valid() {
		return nil, busd.New(busd.InvalidArgs, "unrecognized byte-order marker %q", buf[0])
	}

	r := wire.NewReader(order, buf)
	if _, err := r.ReadByte(); err != nil { // order marker, already consumed above
		return nil, err
	}
	if err := r.Skip(3); err != nil {
		return nil, err
	}

	hdrLen, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	bodyLen, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	serial, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	if serial == 0 {
		return nil, busd.New(busd.InvalidArgs, "serial must not be zero")
	}

	m := &Message{Order: order, Serial: serial, Fields: make(map[string]wire.Value)}

	headerStart := r.Offset()
	headerEnd := headerStart + int(hdrLen)
	for r.Offset() < headerEnd {
		// fewer than 8 bytes left, starting with a zero byte, can only be the
		// padding Encode adds to bring the header to an 8-byte boundary.
		if headerEnd-r.Offset() < 8 && buf[r.Offset()] == 0 {
			if err := r.Align(8); err != nil {
				return nil, err
			}
			break
		}
		tag, err := r.ReadTag()
		if err != nil {
			return nil, err
		}
		v, err := r.ReadTaggedValue()
		if err != nil {
			return nil, err
		}
		m.Fields[tag] = v
	}
	if r.Offset() != headerEnd {
		return nil, busd.New(busd.BadAlign, "header fields did not consume exactly hdr_len bytes")
	}

	bodyStart := r.Offset()
	bodyEnd := bodyStart + int(bodyLen)
	for r.Offset() < bodyEnd {
		v, err := r.ReadTaggedValue()
		if err != nil {
			return nil, err
		}
		m.Body = append(m.Body, v)
	}
	if r.Offset() != bodyEnd {
		return nil, busd.New(busd.BadAlign, "body arguments did not consume exactly body_len bytes")
	}

	return m, nil
}

// PeekLengths reads just enough of buf (the 16-byte preamble) to learn how
// many more bytes the transport needs to buffer before Decode can run,
// spec.md 4.3's framing phase.
func PeekLengths(buf []byte) (hdrLen, bodyLen uint32, err error) {
	if len(buf) < PreambleSize {
		return 0, 0, busd.New(busd.Overflow, "need %d bytes for preamble, have %d", PreambleSize, len(buf))
	}
	order := wire.ByteOrder(buf[0])
	if !order.Valid() {
		return 0, 0, busd.New(busd.InvalidArgs, "unrecognized byte-order marker %q", buf[0])
	}
	r := wire.NewReader(order, buf)
	if _, err := r.ReadByte(); err != nil {
		return 0, 0, err
	}
	if err := r.Skip(3); err != nil {
		return 0, 0, err
	}
	hdrLen, err = r.ReadUint32()
	if err != nil {
		return 0, 0, err
	}
	bodyLen, err = r.ReadUint32()
	if err != nil {
		return 0, 0, err
	}
	return hdrLen, bodyLen, nil
}
