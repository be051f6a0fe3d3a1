package transport

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/sandia-minimega/busd/internal/busd"
)

// Phase is the per-connection handshake state (spec.md 4.3).
type Phase int

const (
	PhaseAuth Phase = iota
	PhaseAuthenticated
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseAuth:
		return "AUTH"
	case PhaseAuthenticated:
		return "AUTHENTICATED"
	case PhaseClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Mechanism is an authentication mechanism name the daemon accepts. Only
// EXTERNAL (peer credentials passed out-of-band) is implemented -- the
// mechanism negotiation itself is the part of C3 the spec generalizes over.
const mechanismExternal = "EXTERNAL"

// authState drives the line-oriented SASL-style handshake from spec.md 4.3:
// a leading NUL credential byte, then AUTH/DATA/CANCEL/BEGIN commands
// answered with OK/REJECTED/DATA/ERROR.
type authState struct {
	guid           string
	sawCredentials bool
	mechanism      string
	authenticated  bool
	uid            int
}

func newAuthState(guid string) *authState {
	return &authState{guid: guid}
}

// authResult is returned once the handshake reaches BEGIN.
type authResult struct {
	uid int
}

// step processes one line of client input (without its trailing CRLF) and
// returns the line(s) to write back, whether authentication completed, and
// an error for protocol violations severe enough to close the connection.
func (a *authState) step(line string, peerUID int) (responses []string, result *authResult, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return []string{"ERROR"}, nil, nil
	}

	switch fields[0] {
	case "AUTH":
		return a.handleAuth(fields, peerUID)
	case "DATA":
		return a.handleData(fields, peerUID)
	case "CANCEL":
		a.mechanism = ""
		return []string{"REJECTED " + mechanismExternal}, nil, nil
	case "BEGIN":
		if !a.authenticated {
			return nil, nil, busd.New(busd.AuthFailed, "BEGIN received before authentication completed")
		}
		return nil, &authResult{uid: a.uid}, nil
	case "ERROR":
		return []string{"REJECTED " + mechanismExternal}, nil, nil
	default:
		return []string{"ERROR unknown command"}, nil, nil
	}
}

func (a *authState) handleAuth(fields []string, peerUID int) ([]string, *authResult, error) {
	if !a.sawCredentials {
		return nil, nil, busd.New(busd.AuthFailed, "AUTH received before a credentials byte")
	}
	if len(fields) < 2 || fields[1] != mechanismExternal {
		return []string{"REJECTED " + mechanismExternal}, nil, nil
	}

	a.mechanism = mechanismExternal

	// the initial response, if present, is the hex-encoded uid as a decimal
	// string, mirroring the EXTERNAL mechanism's conventional encoding.
	if len(fields) >= 3 {
		uid, ok := decodeHexUID(fields[2])
		if !ok || uid != peerUID {
			return []string{"REJECTED " + mechanismExternal}, nil, nil
		}
		a.authenticated = true
		a.uid = uid
		return []string{fmt.Sprintf("OK %s", a.guid)}, nil, nil
	}

	return []string{"DATA"}, nil, nil
}

func (a *authState) handleData(fields []string, peerUID int) ([]string, *authResult, error) {
	if a.mechanism != mechanismExternal {
		return []string{"ERROR"}, nil, nil
	}
	if len(fields) < 2 {
		a.authenticated = true
		a.uid = peerUID
		return []string{fmt.Sprintf("OK %s", a.guid)}, nil, nil
	}
	uid, ok := decodeHexUID(fields[1])
	if !ok || uid != peerUID {
		return []string{"REJECTED " + mechanismExternal}, nil, nil
	}
	a.authenticated = true
	a.uid = uid
	return []string{fmt.Sprintf("OK %s", a.guid)}, nil, nil
}

func decodeHexUID(hexStr string) (int, bool) {
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return 0, false
	}
	uid := 0
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		uid = uid*10 + int(c-'0')
	}
	return uid, true
}

// readLine reads one CRLF- or LF-terminated line via bufio, trimming the
// terminator, the transport's framing for the text phase of the handshake
// (spec.md 4.3).
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
