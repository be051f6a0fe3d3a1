//go:build linux

package daemon

import (
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/sandia-minimega/busd/internal/busd"
)

// DropPrivileges sets the process's uid/gid to the named user's (spec.md
// 4.8's "drop-to-user"), the same role `unix.Setuid`/`unix.Setgid` play in
// daemons that start as root to bind a privileged socket and then drop down.
// Must be called after every listener is already open.
func DropPrivileges(username string) error {
	if username == "" {
		return nil
	}
	u, err := user.Lookup(username)
	if err != nil {
		return busd.New(busd.ParseError, "looking up drop-to-user %q: %v", username, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return busd.New(busd.ParseError, "user %q has non-numeric gid %q", username, u.Gid)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return busd.New(busd.ParseError, "user %q has non-numeric uid %q", username, u.Uid)
	}

	// group first: dropping uid first would remove the permission needed
	// to change gid on most systems.
	if err := unix.Setgid(gid); err != nil {
		return busd.New(busd.IOError, "setgid(%d): %v", gid, err)
	}
	if err := unix.Setuid(uid); err != nil {
		return busd.New(busd.IOError, "setuid(%d): %v", uid, err)
	}
	return nil
}
