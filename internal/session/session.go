// Package session holds the server's bookkeeping for clients and
// sessions. It is not safe for concurrent use: the server touches it
// from its reactor loop only.
package session

import (
	"slices"
	"strconv"
	"syscall"
	"time"

	"github.com/inoki/muxd/internal/pty"
)

// Session is a named program running on a PTY, plus the clients
// currently attached to it in attachment order.
type Session struct {
	Name         string
	Created      time.Time
	LastActivity time.Time
	Process      *pty.Process

	clients []*Client
}

// New creates an empty session record.
func New(name string, proc *pty.Process) *Session {
	now := time.Now()
	return &Session{
		Name:         name,
		Created:      now,
		LastActivity: now,
		Process:      proc,
	}
}

// Attach binds c to s. A client attached elsewhere is detached from its
// old session first; attaching to the same session again is a no-op.
func (s *Session) Attach(c *Client) {
	if c.attached == s {
		return
	}
	if c.attached != nil {
		c.attached.Detach(c)
	}
	s.clients = append(s.clients, c)
	c.attached = s
	s.Touch()
}

// Detach unbinds c from s and reports whether it was attached.
func (s *Session) Detach(c *Client) bool {
	i := slices.Index(s.clients, c)
	if i < 0 {
		return false
	}
	s.clients = slices.Delete(s.clients, i, i+1)
	if c.attached == s {
		c.attached = nil
	}
	return true
}

// Clients returns the attached clients in attachment order. The slice is
// a copy; detaching while iterating over it is safe.
func (s *Session) Clients() []*Client {
	return slices.Clone(s.clients)
}

// ClientCount is len(Clients()) without the copy.
func (s *Session) ClientCount() int { return len(s.clients) }

// LatestClient is the most recently attached client, or nil.
func (s *Session) LatestClient() *Client {
	if len(s.clients) == 0 {
		return nil
	}
	return s.clients[len(s.clients)-1]
}

// Touch records activity now.
func (s *Session) Touch() { s.LastActivity = time.Now() }

// PID is the session program's process ID, or 0.
func (s *Session) PID() int {
	if s.Process == nil {
		return 0
	}
	return s.Process.PID()
}

// Signal delivers sig to the session's program.
func (s *Session) Signal(sig syscall.Signal) error {
	if s.Process == nil {
		return nil
	}
	return s.Process.Signal(sig)
}

// Kill kills the session's program.
func (s *Session) Kill() error {
	if s.Process != nil {
		return s.Process.Kill()
	}
	return nil
}

// IsAlive checks if the session's program is alive.
func (s *Session) IsAlive() bool {
	if s.Process == nil {
		return false
	}
	return s.Process.IsAlive()
}

// Close detaches every client and releases the PTY descriptors.
func (s *Session) Close() error {
	for _, c := range s.clients {
		if c.attached == s {
			c.attached = nil
		}
	}
	s.clients = nil
	if s.Process == nil {
		return nil
	}
	return s.Process.Close()
}

// NextFreeName returns the smallest positive integer, as a string, for
// which exists reports false.
func NextFreeName(exists func(string) bool) string {
	for i := 1; ; i++ {
		name := strconv.Itoa(i)
		if !exists(name) {
			return name
		}
	}
}
