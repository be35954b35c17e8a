package channel

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Mode is the direction of a Pipe.
type Mode int

const (
	ModeRead Mode = iota
	ModeWrite
)

func (m Mode) String() string {
	if m == ModeRead {
		return "read"
	}
	return "write"
}

// Pipe is a one-way channel. Only the buffer for its direction exists.
type Pipe struct {
	*BufferedChannel
	mode Mode
}

func newPipe(h Handle, identifier string, mode Mode, opts BufferOptions) *Pipe {
	if mode == ModeRead {
		opts = opts.readOnly()
	} else {
		opts = opts.writeOnly()
	}
	return &Pipe{
		BufferedChannel: newBufferedChannel(newChannel(h, identifier, false, fdIO{}), opts),
		mode:            mode,
	}
}

// NewPipePair creates an anonymous pipe and returns both ends.
func NewPipePair(identifier string, opts BufferOptions) (*Pipe, *Pipe, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, nil, fmt.Errorf("%s: pipe: %w", identifier, err)
	}
	r := newPipe(NewHandle(fds[0]), identifier+"<r>", ModeRead, opts)
	w := newPipe(NewHandle(fds[1]), identifier+"<w>", ModeWrite, opts)
	return r, w, nil
}

// WrapPipe adopts h as a one-way pipe and makes it non-blocking.
func WrapPipe(h Handle, identifier string, mode Mode, opts BufferOptions) (*Pipe, error) {
	if err := unix.SetNonblock(h.FD(), true); err != nil {
		return nil, fmt.Errorf("%s: set non-blocking: %w", identifier, err)
	}
	return newPipe(h, identifier, mode, opts), nil
}

// Mode returns the direction of the pipe.
func (p *Pipe) Mode() Mode { return p.mode }

func (p *Pipe) require(mode Mode, op string) error {
	if p.mode != mode {
		return fmt.Errorf("%s: %s on %s pipe: %w", p.identifier, op, p.mode, ErrNotPermitted)
	}
	return nil
}

// Read is BufferedChannel.Read on the read end only.
func (p *Pipe) Read(n int) ([]byte, error) {
	if err := p.require(ModeRead, "read"); err != nil {
		return nil, err
	}
	return p.BufferedChannel.Read(n)
}

// Load is BufferedChannel.Load on the read end only.
func (p *Pipe) Load(n int) (int, error) {
	if err := p.require(ModeRead, "load"); err != nil {
		return 0, err
	}
	return p.BufferedChannel.Load(n)
}

// Write is BufferedChannel.Write on the write end only.
func (p *Pipe) Write(data []byte) (int, error) {
	if err := p.require(ModeWrite, "write"); err != nil {
		return 0, err
	}
	return p.BufferedChannel.Write(data)
}

// FlushWrites is BufferedChannel.FlushWrites on the write end only.
func (p *Pipe) FlushWrites() (int, error) {
	if err := p.require(ModeWrite, "flush"); err != nil {
		return 0, err
	}
	return p.BufferedChannel.FlushWrites()
}
