package daemon

import (
	"strconv"
	"strings"

	"github.com/sandia-minimega/busd/internal/busd"
)

// address is a parsed <listen> entry, spec.md 6's transport:key=value,...
// syntax (e.g. "unix:path=/run/busd.sock" or "tcp:host=localhost,port=1234").
type address struct {
	transport string
	params    map[string]string
}

func parseAddress(spec string) (address, error) {
	colon := strings.IndexByte(spec, ':')
	if colon < 0 {
		return address{}, busd.New(busd.ParseError, "malformed listen address %q: missing transport prefix", spec)
	}
	a := address{transport: spec[:colon], params: map[string]string{}}
	for _, kv := range strings.Split(spec[colon+1:], ",") {
		if kv == "" {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			return address{}, busd.New(busd.ParseError, "malformed listen address %q: bad key=value pair %q", spec, kv)
		}
		a.params[kv[:eq]] = kv[eq+1:]
	}
	return a, nil
}

// network/laddr translate a parsed address into Go's net.Listen arguments.
func (a address) network() (network, laddr string, err error) {
	switch a.transport {
	case "unix":
		path, ok := a.params["path"]
		if !ok {
			return "", "", busd.New(busd.ParseError, "unix listen address requires path=")
		}
		return "unix", path, nil
	case "tcp":
		host, ok := a.params["host"]
		if !ok {
			host = "localhost"
		}
		portStr, ok := a.params["port"]
		if !ok {
			return "", "", busd.New(busd.ParseError, "tcp listen address requires port=")
		}
		if _, err := strconv.Atoi(portStr); err != nil {
			return "", "", busd.New(busd.ParseError, "tcp listen address has non-numeric port=%q", portStr)
		}
		return "tcp", host + ":" + portStr, nil
	default:
		return "", "", busd.New(busd.ParseError, "unsupported listen transport %q", a.transport)
	}
}
