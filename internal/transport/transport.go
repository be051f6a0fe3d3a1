// Package transport implements the handshake and framing layer (C3): the
// AUTH/AUTHENTICATED/CLOSED phase state machine and the 16-byte preamble
// framing used to buffer complete messages before handing them to the
// codec, per spec.md 4.3.
package transport

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rs/xid"
	"github.com/sandia-minimega/busd/internal/busd"
	"github.com/sandia-minimega/busd/internal/buslog"
	"github.com/sandia-minimega/busd/internal/message"
)

// DefaultOutboundCap is the per-connection soft cap on outbound bytes before
// WriteMessage raises LimitsExceeded (spec.md 5). Only the bytes of writes
// in progress on this transport are counted; messages still waiting in the
// connection's outbound queue are not.
const DefaultOutboundCap = 128 * 1024 * 1024

// Transport wraps one peer's byte stream with the handshake state machine
// and message framing.
type Transport struct {
	conn io.ReadWriteCloser
	br   *bufio.Reader

	// trackingID is an opaque per-connection id distinct from the bus
	// unique name (which isn't assigned until Hello), used to correlate
	// log lines across the accept/auth/dispatch lifecycle of one peer.
	trackingID xid.ID

	guid    string
	peerUID int
	auth    *authState
	phase   Phase

	mu           sync.Mutex
	outboundCap  int64
	outboundUsed int64
}

// New wraps conn for one peer authenticating as peerUID (resolved by the
// caller, typically via SO_PEERCRED on the listening socket).
func New(conn io.ReadWriteCloser, guid string, peerUID int) *Transport {
	return &Transport{
		conn:        conn,
		br:          bufio.NewReader(conn),
		trackingID:  xid.New(),
		guid:        guid,
		peerUID:     peerUID,
		auth:        newAuthState(guid),
		phase:       PhaseAuth,
		outboundCap: DefaultOutboundCap,
	}
}

// TrackingID returns this connection's log-correlation id, valid for its
// whole lifetime regardless of auth/bus-name state.
func (t *Transport) TrackingID() string { return t.trackingID.String() }

// SetOutboundCap overrides the default per-connection outbound byte budget
// (spec.md 5's configurable resource limits).
func (t *Transport) SetOutboundCap(n int64) {
	t.mu.Lock()
	t.outboundCap = n
	t.mu.Unlock()
}

func (t *Transport) Phase() Phase { return t.phase }

// Handshake drives the AUTH-phase line protocol to completion, returning the
// authenticated uid. It consumes the mandatory leading NUL credential byte
// before reading any AUTH lines (spec.md 4.3).
func (t *Transport) Handshake() (int, error) {
	zero, err := t.br.ReadByte()
	if err != nil {
		return 0, err
	}
	if zero != 0 {
		return 0, busd.New(busd.AuthFailed, "expected a leading NUL credential byte")
	}
	t.auth.sawCredentials = true

	for {
		line, err := readLine(t.br)
		if err != nil {
			return 0, err
		}

		responses, result, err := t.auth.step(line, t.peerUID)
		if err != nil {
			t.phase = PhaseClosed
			buslog.Warn("transport[%s]: handshake failed: %v", t.trackingID, err)
			return 0, err
		}
		for _, resp := range responses {
			if _, werr := io.WriteString(t.conn, resp+"\r\n"); werr != nil {
				return 0, werr
			}
		}
		if result != nil {
			t.phase = PhaseAuthenticated
			buslog.Debug("transport[%s]: handshake complete, uid=%d", t.trackingID, result.uid)
			return result.uid, nil
		}
	}
}

// ClientHandshake drives the client side of the AUTH exchange against a peer
// running Handshake, authenticating as uid via the EXTERNAL mechanism
// (spec.md 4.3). On success the transport is left in PhaseAuthenticated,
// ready for ReadMessage/WriteMessage.
func (t *Transport) ClientHandshake(uid int) error {
	if _, err := t.conn.Write([]byte{0}); err != nil {
		return err
	}
	hexUID := hex.EncodeToString([]byte(fmt.Sprintf("%d", uid)))
	if _, err := io.WriteString(t.conn, "AUTH "+mechanismExternal+" "+hexUID+"\r\n"); err != nil {
		return err
	}

	line, err := readLine(t.br)
	if err != nil {
		return err
	}
	fields := strings.Fields(line)
	if len(fields) < 1 || fields[0] != "OK" {
		t.phase = PhaseClosed
		return busd.New(busd.AuthFailed, "server rejected AUTH: %s", line)
	}

	if _, err := io.WriteString(t.conn, "BEGIN\r\n"); err != nil {
		return err
	}
	t.phase = PhaseAuthenticated
	return nil
}

// ReadMessage blocks until one complete framed message has arrived and
// decodes it (spec.md 4.3's framing phase, built on PeekLengths/Decode).
func (t *Transport) ReadMessage() (*message.Message, error) {
	if t.phase != PhaseAuthenticated {
		return nil, busd.New(busd.InvalidArgs, "cannot read messages before BEGIN")
	}

	preamble := make([]byte, message.PreambleSize)
	if _, err := io.ReadFull(t.br, preamble); err != nil {
		return nil, err
	}

	hdrLen, bodyLen, err := message.PeekLengths(preamble)
	if err != nil {
		return nil, err
	}

	rest := make([]byte, int(hdrLen)+int(bodyLen))
	if _, err := io.ReadFull(t.br, rest); err != nil {
		return nil, err
	}

	buf := append(preamble, rest...)
	return message.Decode(buf)
}

// WriteMessage encodes and writes m, enforcing the per-connection outbound
// byte cap before doing any I/O (spec.md 5).
func (t *Transport) WriteMessage(m *message.Message) error {
	buf, err := m.Encode()
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.outboundUsed+int64(len(buf)) > t.outboundCap {
		t.mu.Unlock()
		return busd.New(busd.LimitsExceeded, "outbound byte cap exceeded (%d bytes queued)", t.outboundUsed)
	}
	t.outboundUsed += int64(len(buf))
	t.mu.Unlock()

	_, err = t.conn.Write(buf)

	t.mu.Lock()
	t.outboundUsed -= int64(len(buf))
	t.mu.Unlock()

	return err
}

// Close marks the transport closed and closes the underlying stream (spec.md
// 4.3 CLOSED phase).
func (t *Transport) Close() error {
	t.phase = PhaseClosed
	return t.conn.Close()
}
