package channel

import (
	"golang.org/x/sys/unix"
)

// InvalidFD marks a Handle that owns nothing.
const InvalidFD = -1

// Handle exclusively owns one OS descriptor. The zero value is not valid;
// use NewHandle or InvalidHandle.
type Handle struct {
	fd int
}

// NewHandle takes ownership of fd.
func NewHandle(fd int) Handle {
	return Handle{fd: fd}
}

// InvalidHandle returns a handle that owns nothing.
func InvalidHandle() Handle {
	return Handle{fd: InvalidFD}
}

// FD returns the raw descriptor without giving up ownership.
func (h *Handle) FD() int { return h.fd }

// Valid reports whether the handle still owns a descriptor.
func (h *Handle) Valid() bool { return h.fd >= 0 }

// Release gives up ownership and returns a new handle holding the
// descriptor. The receiver is left invalid and will not close it.
func (h *Handle) Release() Handle {
	out := Handle{fd: h.fd}
	h.fd = InvalidFD
	return out
}

// Close closes the descriptor. Closing an invalid handle is a no-op.
func (h *Handle) Close() error {
	if h.fd < 0 {
		return nil
	}
	fd := h.fd
	h.fd = InvalidFD
	return unix.Close(fd)
}
