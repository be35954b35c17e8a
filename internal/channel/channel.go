// Package channel wraps non-blocking OS descriptors into byte streams.
//
// A Channel owns exactly one descriptor and performs unbuffered I/O on it.
// A BufferedChannel adds bounded read and write buffers on top, turning
// the partial reads and writes of non-blocking descriptors into ordered,
// lossless streams. Socket and Pipe are the two concrete kinds.
package channel

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// rawIO is the per-kind unbuffered I/O capability. Implementations may
// transfer fewer bytes than asked for; mayContinue=false means the
// descriptor has nothing more to give or take right now, which is not an
// error by itself.
type rawIO interface {
	readImpl(fd int, max int) (data []byte, mayContinue bool, err error)
	writeImpl(fd int, data []byte) (written int, mayContinue bool, err error)
}

// Channel is an unbuffered byte stream over one owned descriptor.
type Channel struct {
	handle       Handle
	identifier   string
	failed       bool
	needsCleanup bool
	cleanup      func() error
	impl         rawIO
}

func newChannel(h Handle, identifier string, needsCleanup bool, impl rawIO) *Channel {
	return &Channel{
		handle:       h,
		identifier:   identifier,
		needsCleanup: needsCleanup,
		impl:         impl,
	}
}

// FD returns the owned descriptor, or InvalidFD after Release.
func (c *Channel) FD() int { return c.handle.FD() }

// Identifier returns the human-readable name of the channel.
func (c *Channel) Identifier() string { return c.identifier }

// SetIdentifier renames the channel, e.g. after an ownership transfer.
func (c *Channel) SetIdentifier(identifier string) { c.identifier = identifier }

// Failed reports whether an I/O error has happened on the channel.
// Failure is sticky.
func (c *Channel) Failed() bool { return c.failed }

// NeedsCleanup reports whether Close also removes the named resource
// behind the channel.
func (c *Channel) NeedsCleanup() bool { return c.needsCleanup }

func (c *Channel) check() error {
	if c.failed {
		return fmt.Errorf("%s: %w", c.identifier, ErrFailed)
	}
	if !c.handle.Valid() {
		return fmt.Errorf("%s: %w", c.identifier, ErrReleased)
	}
	return nil
}

func (c *Channel) readOnce(max int) ([]byte, bool, error) {
	if err := c.check(); err != nil {
		return nil, false, err
	}
	data, more, err := c.impl.readImpl(c.handle.FD(), max)
	if err != nil {
		c.failed = true
		return data, false, fmt.Errorf("%s: read: %w", c.identifier, err)
	}
	return data, more, nil
}

func (c *Channel) writeOnce(data []byte) (int, bool, error) {
	if err := c.check(); err != nil {
		return 0, false, err
	}
	n, more, err := c.impl.writeImpl(c.handle.FD(), data)
	if err != nil {
		c.failed = true
		return n, false, fmt.Errorf("%s: write: %w", c.identifier, err)
	}
	return n, more, nil
}

// Read reads up to max bytes that are available right now.
func (c *Channel) Read(max int) ([]byte, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	var out []byte
	for len(out) < max {
		want := max - len(out)
		data, more, err := c.readOnce(want)
		out = append(out, data...)
		if err != nil {
			return out, err
		}
		if !more || len(data) < want {
			break
		}
	}
	return out, nil
}

// Write writes as much of data as the descriptor accepts right now and
// returns the number of bytes written.
func (c *Channel) Write(data []byte) (int, error) {
	if err := c.check(); err != nil {
		return 0, err
	}
	written := 0
	for written < len(data) {
		n, more, err := c.writeOnce(data[written:])
		written += n
		if err != nil {
			return written, err
		}
		if !more || n == 0 {
			break
		}
	}
	return written, nil
}

// Release hands the descriptor back to the caller and disables the
// cleanup-on-close behavior. The channel is unusable afterwards.
func (c *Channel) Release() Handle {
	c.needsCleanup = false
	return c.handle.Release()
}

// Close closes the descriptor and, if the channel needs cleanup, removes
// the named resource behind it.
func (c *Channel) Close() error {
	var errs []error
	if err := c.handle.Close(); err != nil {
		errs = append(errs, fmt.Errorf("%s: close: %w", c.identifier, err))
	}
	if c.needsCleanup && c.cleanup != nil {
		c.needsCleanup = false
		if err := c.cleanup(); err != nil {
			errs = append(errs, fmt.Errorf("%s: cleanup: %w", c.identifier, err))
		}
	}
	return errors.Join(errs...)
}

// fdIO is plain read(2)/write(2) on a non-blocking descriptor.
type fdIO struct{}

func (fdIO) readImpl(fd int, max int) ([]byte, bool, error) {
	if max <= 0 {
		return nil, true, nil
	}
	buf := make([]byte, max)
	for {
		n, err := unix.Read(fd, buf)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return nil, false, nil
		case err != nil:
			return nil, false, err
		case n == 0:
			return nil, false, io.EOF
		}
		return buf[:n], n == max, nil
	}
}

func (fdIO) writeImpl(fd int, data []byte) (int, bool, error) {
	if len(data) == 0 {
		return 0, true, nil
	}
	for {
		n, err := unix.Write(fd, data)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, false, nil
		case err != nil:
			return 0, false, err
		}
		return n, n == len(data), nil
	}
}
