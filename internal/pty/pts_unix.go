//go:build linux

package pty

import (
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// ttyName asks the master for its slave number (TIOCGPTN) and returns
// the matching /dev/pts path, or "" if it cannot be determined.
func ttyName(master *os.File) string {
	n, err := unix.IoctlGetUint32(int(master.Fd()), unix.TIOCGPTN)
	if err != nil {
		return ""
	}
	path := "/dev/pts/" + strconv.FormatUint(uint64(n), 10)
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}
