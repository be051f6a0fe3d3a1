//go:build linux

package transport

import (
	"net"

	"golang.org/x/sys/unix"

	"github.com/sandia-minimega/busd/internal/busd"
)

// PeerCredentials resolves the SO_PEERCRED uid for a freshly accepted
// unix-domain connection, the out-of-band credential the EXTERNAL mechanism
// authenticates against (spec.md 4.3). This is the one platform-specific
// primitive spec.md keeps out of the core's testable surface -- every other
// transport test drives peerUID explicitly over net.Pipe instead.
func PeerCredentials(conn net.Conn) (uid int, err error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return 0, busd.New(busd.InvalidArgs, "peer credentials are only available on unix-domain sockets")
	}

	raw, err := uc.SyscallConn()
	if err != nil {
		return 0, busd.New(busd.IOError, "obtaining raw conn: %v", err)
	}

	var cred *unix.Ucred
	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		cred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if ctrlErr != nil {
		return 0, busd.New(busd.IOError, "reading SO_PEERCRED: %v", ctrlErr)
	}
	if sockErr != nil {
		return 0, busd.New(busd.IOError, "reading SO_PEERCRED: %v", sockErr)
	}
	return int(cred.Uid), nil
}
