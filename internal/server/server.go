//go:build linux

// Package server is the muxd daemon: a single-threaded reactor that owns
// the sessions, accepts clients on a Unix socket and relays bytes
// between them.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/inoki/muxd/internal/channel"
	"github.com/inoki/muxd/internal/logging"
	"github.com/inoki/muxd/internal/protocol"
	"github.com/inoki/muxd/internal/reactor"
	"github.com/inoki/muxd/internal/session"
	"github.com/inoki/muxd/internal/sighandle"
)

// ErrAlreadyRunning is returned by Run when another server answers on
// the socket path.
var ErrAlreadyRunning = errors.New("a server is already listening on the socket")

// baseHandles counts the descriptors the server holds before any client
// connects: listener, epoll and both ends of the wake pipe.
const baseHandles = 4

// shutdownGrace is how long shutdown waits for sessions to exit after
// SIGHUP before killing them.
const shutdownGrace = 2 * time.Second

// Options configure a Server.
type Options struct {
	SocketPath string
	Backlog    int
	// SpareHandles is kept free below the descriptor limit.
	SpareHandles int
	// MaxHandles overrides RLIMIT_NOFILE when positive.
	MaxHandles       int
	AcceptBackoff    time.Duration
	AcceptBackoffMax time.Duration
	Buffers          channel.BufferOptions
	Codec            protocol.Codec
	// Shell runs in sessions created without a program.
	Shell string
	// SessionLogDir, when set, receives one output log per session.
	SessionLogDir     string
	SessionLogMaxSize int64
	Logger            *slog.Logger
}

func (o *Options) setDefaults() {
	if o.Backlog <= 0 {
		o.Backlog = 64
	}
	if o.SpareHandles <= 0 {
		o.SpareHandles = 8
	}
	if o.AcceptBackoff <= 0 {
		o.AcceptBackoff = 50 * time.Millisecond
	}
	if o.AcceptBackoffMax < o.AcceptBackoff {
		o.AcceptBackoffMax = max(2*time.Second, o.AcceptBackoff)
	}
	if o.Buffers == (channel.BufferOptions{}) {
		o.Buffers = channel.DefaultBufferOptions()
	}
	if o.Buffers.ReadChunk <= 0 {
		o.Buffers.ReadChunk = channel.DefaultChunkSize
	}
	if o.Codec == nil {
		o.Codec = protocol.CBORCodec{}
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
}

type entityKind int

const (
	entityControl entityKind = iota
	entityData
	entitySessionOutput
	entitySessionInput
)

// entity is what a descriptor in the reactor belongs to. It names its
// owner by key; the owner itself lives in clients or sessions.
type entity struct {
	kind     entityKind
	clientID uint64
	session  string
}

type clientEntry struct {
	*session.Client
	// blocked is set while the session's PTY cannot take more input.
	blocked bool
}

type sessionEntry struct {
	*session.Session
	// failed is set once the PTY reported an I/O error; the session
	// lingers until its program is reaped.
	failed bool
	log    *logging.LogWriter
}

// Server is the muxd daemon. Run drives it; Interrupt stops it from any
// goroutine.
type Server struct {
	opts    Options
	log     *slog.Logger
	codec   protocol.Codec
	signals *sighandle.Handling

	reactor      *reactor.Reactor
	listener     *channel.Socket
	accepting    bool
	acceptDelay  time.Duration
	acceptResume time.Time

	lookup       map[int]entity
	clients      map[uint64]*clientEntry
	sessions     map[string]*sessionEntry
	byPID        map[int]string
	nextClientID uint64
	handlers     map[protocol.Kind]func(*clientEntry, protocol.Message)

	maxHandles  int
	openHandles int
	sessionLogs *logging.SessionLogs
	waiters     sync.WaitGroup
	started     time.Time
	ready       chan struct{}
	stats       counters
}

type counters struct {
	accepted      uint64
	rejected      uint64
	kicked        uint64
	bytesOut      uint64
	bytesIn       uint64
	sessionsMade  uint64
	sessionsEnded uint64
}

// New prepares a server; nothing is bound until Run.
func New(opts Options) (*Server, error) {
	opts.setDefaults()
	if opts.SocketPath == "" {
		return nil, errors.New("socket path is empty")
	}
	if err := protocol.CheckReadBuffer(opts.Buffers.ReadCapacity, opts.Buffers.ReadCeiling); err != nil {
		return nil, err
	}
	signals, err := sighandle.Get()
	if err != nil {
		return nil, fmt.Errorf("signal handling: %w", err)
	}
	s := &Server{
		opts:         opts,
		log:          opts.Logger.With(slog.String("component", "server")),
		codec:        opts.Codec,
		signals:      signals,
		lookup:       make(map[int]entity),
		clients:      make(map[uint64]*clientEntry),
		sessions:     make(map[string]*sessionEntry),
		byPID:        make(map[int]string),
		nextClientID: 1,
		ready:        make(chan struct{}),
	}
	if opts.SessionLogDir != "" {
		s.sessionLogs = logging.NewSessionLogs(opts.SessionLogDir, opts.SessionLogMaxSize)
	}
	s.registerHandlers()
	return s, nil
}

// Ready is closed once the server accepts connections.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Interrupt asks Run to return after the current loop iteration.
func (s *Server) Interrupt() { s.signals.RequestTerminate() }

// Run serves until ctx is done, Interrupt is called or a terminating
// signal arrives, then shuts every session down.
func (s *Server) Run(ctx context.Context) error {
	if err := prepareSocketPath(s.opts.SocketPath); err != nil {
		return err
	}
	if err := s.setup(); err != nil {
		s.teardownSetup()
		return err
	}
	defer s.shutdown()
	stop := context.AfterFunc(ctx, s.Interrupt)
	defer stop()

	s.log.Info("server started", "socket", s.opts.SocketPath, "max_handles", s.maxHandles)
	close(s.ready)

	for !s.signals.Terminating() {
		s.reapChildren()
		n, err := s.reactor.WaitTimeout(s.waitTimeout())
		if err != nil {
			return err
		}
		s.resumeAccepting()
		for i := 0; i < n; i++ {
			s.dispatch(s.reactor.EventAt(i))
		}
	}
	s.log.Info("server stopping")
	return nil
}

func (s *Server) setup() error {
	s.started = time.Now()
	s.signals.Ignore(syscall.SIGPIPE)
	for _, sig := range []syscall.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP} {
		s.signals.OnSignal(sig, func(sig syscall.Signal) {
			s.log.Info("terminating on signal", "signal", sig.String())
			s.signals.RequestTerminate()
		})
	}
	s.signals.Enable(syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return fmt.Errorf("get descriptor limit: %w", err)
	}
	s.maxHandles = int(min(rl.Cur, 1<<20))
	if s.opts.MaxHandles > 0 {
		s.maxHandles = s.opts.MaxHandles
	}
	s.openHandles = baseHandles

	listener, err := channel.Bind(s.opts.SocketPath, channel.BufferOptions{})
	if err != nil {
		return err
	}
	s.listener = listener
	if err := os.Chmod(s.opts.SocketPath, 0o600); err != nil {
		return fmt.Errorf("chmod socket: %w", err)
	}
	if err := listener.Listen(s.opts.Backlog); err != nil {
		return err
	}

	s.reactor, err = reactor.New(0)
	if err != nil {
		return err
	}
	if err := s.reactor.Listen(listener.FD(), true, false); err != nil {
		return err
	}
	if err := s.reactor.Listen(s.signals.WakeFD(), true, false); err != nil {
		return err
	}
	s.accepting = true
	return nil
}

// teardownSetup undoes a partial setup.
func (s *Server) teardownSetup() {
	if s.reactor != nil {
		s.reactor.Close()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	sighandle.Reset()
}

// prepareSocketPath creates the socket's directory and removes a stale
// socket left by a server that is gone.
func prepareSocketPath(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	probe, err := channel.Connect(path, channel.BufferOptions{})
	if err == nil {
		probe.Close()
		return fmt.Errorf("%s: %w", path, ErrAlreadyRunning)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}

// reapPoll bounds the wait while a failed session awaits its exit, since
// another reactor in the process may drain the shared wake pipe.
const reapPoll = 50 * time.Millisecond

func (s *Server) waitTimeout() time.Duration {
	timeout := time.Duration(-1)
	if !s.acceptResume.IsZero() {
		timeout = max(time.Until(s.acceptResume), 0)
	}
	for _, se := range s.sessions {
		if se.failed {
			if timeout < 0 || timeout > reapPoll {
				timeout = reapPoll
			}
			break
		}
	}
	return timeout
}

func (s *Server) dispatch(ev reactor.Event) {
	switch {
	case s.listener != nil && ev.FD == s.listener.FD():
		s.acceptPending()
		return
	case ev.FD == s.signals.WakeFD():
		s.signals.Drain()
		return
	}

	e, ok := s.lookup[ev.FD]
	if !ok {
		// Owner went away earlier in this iteration.
		return
	}
	switch e.kind {
	case entityControl, entityData:
		c := s.clients[e.clientID]
		if c == nil {
			s.forgetOrphan(ev.FD, e)
			return
		}
		if e.kind == entityControl {
			s.handleControl(c, ev)
		} else {
			s.handleData(c, ev)
		}
	case entitySessionOutput, entitySessionInput:
		se := s.sessions[e.session]
		if se == nil {
			s.forgetOrphan(ev.FD, e)
			return
		}
		if e.kind == entitySessionOutput {
			s.handleSessionOutput(se)
		} else {
			s.handleSessionInput(se)
		}
	}
}

// forgetOrphan drops a descriptor whose owner no longer exists, so a
// level-triggered hang-up on it cannot fire forever.
func (s *Server) forgetOrphan(fd int, e entity) {
	s.log.Warn("dropping descriptor without owner", "fd", fd, "client", e.clientID, "session", e.session)
	s.forget(fd)
}

// listen changes the interest of fd, logging failures.
func (s *Server) listen(fd int, incoming, outgoing bool) {
	if err := s.reactor.Listen(fd, incoming, outgoing); err != nil {
		s.log.Warn("reactor listen failed", "fd", fd, "error", err)
	}
}

func (s *Server) forget(fd int) {
	delete(s.lookup, fd)
	if err := s.reactor.Stop(fd); err != nil {
		s.log.Debug("reactor stop failed", "fd", fd, "error", err)
	}
}

func (s *Server) shutdown() {
	for _, c := range s.clientList() {
		s.notify(c, &protocol.DetachedNotification{Mode: protocol.ReasonServerShutdown})
		if ctrl := c.Control(); ctrl != nil {
			_, _ = ctrl.FlushWrites()
		}
		s.teardownClient(c, "server shutdown")
	}

	for _, se := range s.sessions {
		if err := se.Signal(syscall.SIGHUP); err != nil {
			s.log.Debug("hangup failed", "session", se.Name, "error", err)
		}
	}
	done := make(chan struct{})
	go func() {
		s.waiters.Wait()
		close(done)
	}()
	deadline := time.Now().Add(shutdownGrace)
	killed := false
wait:
	for {
		// Waiters block while every dead-child slot is taken.
		s.signals.CollectDeadChildren(func(int, int) {})
		select {
		case <-done:
			break wait
		case <-time.After(20 * time.Millisecond):
		}
		if !killed && time.Now().After(deadline) {
			for _, se := range s.sessions {
				se.Kill()
			}
			killed = true
		}
	}
	for name := range s.sessions {
		s.closeSession(name)
	}

	if s.sessionLogs != nil {
		s.sessionLogs.Close()
	}
	if s.listener != nil {
		s.forget(s.listener.FD())
		if err := s.listener.Close(); err != nil {
			s.log.Warn("closing listener", "error", err)
		}
	}
	s.reactor.Close()
	sighandle.Reset()
	s.log.Info("server stopped")
}
