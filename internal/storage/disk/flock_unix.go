//go:build unix

package disk

import (
	"os"

	"golang.org/x/sys/unix"
)

func flock(f *os.File, exclusive bool) error {
	lk := unix.Flock_t{Type: unix.F_UNLCK}
	cmd := unix.F_SETLK
	if exclusive {
		lk.Type = unix.F_WRLCK
		cmd = unix.F_SETLKW
	}
	return unix.FcntlFlock(f.Fd(), cmd, &lk)
}
