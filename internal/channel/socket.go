package channel

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ErrNoPendingConnection is returned by Accept when nobody is waiting.
var ErrNoPendingConnection = errors.New("no pending connection")

// Socket is a two-way Unix-domain stream channel.
type Socket struct {
	*BufferedChannel
	path      string
	owning    bool
	listening bool
}

// socketIO sends with MSG_NOSIGNAL so a vanished peer is an EPIPE error
// and never a SIGPIPE.
type socketIO struct{ fdIO }

func (socketIO) writeImpl(fd int, data []byte) (int, bool, error) {
	if len(data) == 0 {
		return 0, true, nil
	}
	for {
		n, err := unix.SendmsgN(fd, data, nil, nil, unix.MSG_NOSIGNAL)
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

func newSocket(h Handle, identifier, path string, owning bool, opts BufferOptions) *Socket {
	c := newChannel(h, identifier, owning, socketIO{})
	if owning {
		c.cleanup = func() error {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			return nil
		}
	}
	return &Socket{
		BufferedChannel: newBufferedChannel(c, opts),
		path:            path,
		owning:          owning,
	}
}

// Bind creates a socket bound to path. The socket owns the path and
// removes it on Close.
func Bind(path string, opts BufferOptions) (*Socket, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("create socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", path, err)
	}
	return newSocket(NewHandle(fd), path, path, true, opts), nil
}

// Connect opens a connection to the socket at path. The connect itself
// blocks; the returned socket is non-blocking.
func Connect(path string, opts BufferOptions) (*Socket, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("create socket: %w", err)
	}
	for {
		err = unix.Connect(fd, &unix.SockaddrUnix{Name: path})
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("connect %s: %w", path, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set non-blocking: %w", err)
	}
	return newSocket(NewHandle(fd), fmt.Sprintf("%s:%d", path, fd), path, false, opts), nil
}

// WrapSocket adopts an already connected descriptor, e.g. one half of a
// socketpair. The socket does not own any path.
func WrapSocket(h Handle, identifier string, opts BufferOptions) (*Socket, error) {
	if err := unix.SetNonblock(h.FD(), true); err != nil {
		return nil, fmt.Errorf("%s: set non-blocking: %w", identifier, err)
	}
	return newSocket(h, identifier, "", false, opts), nil
}

// Path is the filesystem path the socket is bound or connected to.
func (s *Socket) Path() string { return s.path }

// Owning reports whether the socket was bound by this process.
func (s *Socket) Owning() bool { return s.owning }

// Listen starts accepting connections. Only owning sockets may listen.
func (s *Socket) Listen(backlog int) error {
	if !s.owning {
		return fmt.Errorf("%s: listen: %w", s.identifier, ErrNotPermitted)
	}
	if err := s.check(); err != nil {
		return err
	}
	if err := unix.Listen(s.FD(), backlog); err != nil {
		s.failed = true
		return fmt.Errorf("%s: listen: %w", s.identifier, err)
	}
	s.listening = true
	return nil
}

// Accept takes one pending connection. When it fails, recoverable tells
// whether trying again later may succeed (for example when the process
// is out of descriptors) or whether the listener is unusable.
func (s *Socket) Accept(opts BufferOptions) (sock *Socket, recoverable bool, err error) {
	if !s.listening {
		return nil, false, fmt.Errorf("%s: accept: %w", s.identifier, ErrNotPermitted)
	}
	if err := s.check(); err != nil {
		return nil, false, err
	}
	for {
		fd, _, err := unix.Accept4(s.FD(), unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == nil {
			return newSocket(NewHandle(fd), fmt.Sprintf("%s:%d", s.path, fd), s.path, false, opts), false, nil
		}
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return nil, true, ErrNoPendingConnection
		case unix.EMFILE, unix.ENFILE, unix.ENOBUFS, unix.ENOMEM, unix.ECONNABORTED, unix.EPROTO, unix.EPERM:
			return nil, true, fmt.Errorf("%s: accept: %w", s.identifier, err)
		default:
			return nil, false, fmt.Errorf("%s: accept: %w", s.identifier, err)
		}
	}
}
