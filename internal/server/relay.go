//go:build linux

package server

import (
	"fmt"

	"github.com/inoki/muxd/internal/channel"
	"github.com/inoki/muxd/internal/protocol"
	"github.com/inoki/muxd/internal/reactor"
)

// attachedEntry returns the server record of c's session, if any.
func (s *Server) attachedEntry(c *clientEntry) *sessionEntry {
	if se := c.AttachedSession(); se != nil {
		return s.sessions[se.Name]
	}
	return nil
}

func (s *Server) handleData(c *clientEntry, ev reactor.Event) {
	data := c.Data()
	if ev.Outgoing {
		if _, err := data.FlushWrites(); err != nil {
			s.teardownClient(c, err.Error())
			return
		}
	}
	if ev.Incoming && !s.forwardInput(c, data) {
		return
	}
	s.refreshData(c)
}

// forwardInput moves keystrokes from c to its session's PTY, never more
// than the PTY writer can buffer. It reports false if c was torn down.
func (s *Server) forwardInput(c *clientEntry, data *channel.Socket) bool {
	se := s.attachedEntry(c)
	if se == nil || se.failed {
		if _, err := data.Read(s.opts.Buffers.ReadChunk); err != nil {
			s.teardownClient(c, err.Error())
			return false
		}
		return true
	}

	w := se.Process.Writer
	room := min(w.WriteRoom(), s.opts.Buffers.ReadChunk)
	if room <= 0 {
		c.blocked = true
		return true
	}
	in, err := data.Read(room)
	if len(in) > 0 {
		se.Touch()
		s.stats.bytesIn += uint64(len(in))
		if _, werr := w.Write(in); werr != nil {
			s.failSession(se, werr)
		} else if w.HasBufferedWrite() {
			s.listen(w.FD(), false, true)
		}
	}
	if err != nil {
		s.teardownClient(c, err.Error())
		return false
	}
	if !se.failed && w.WriteRoom() == 0 {
		c.blocked = true
	}
	if data.HasBufferedRead() {
		s.reactor.Schedule(data.FD(), true, false)
	}
	return true
}

func (s *Server) handleSessionOutput(se *sessionEntry) {
	if se.failed {
		return
	}
	r := se.Process.Reader
	out, err := r.Read(s.opts.Buffers.ReadChunk)
	if len(out) > 0 {
		s.relayOutput(se, out)
	}
	if err != nil {
		s.failSession(se, err)
		return
	}
	if r.HasBufferedRead() {
		s.reactor.Schedule(r.FD(), true, false)
	}
}

// relayOutput writes session output to every attached client in
// attachment order. A client that cannot keep up is kicked.
func (s *Server) relayOutput(se *sessionEntry, out []byte) {
	se.Touch()
	s.stats.bytesOut += uint64(len(out))
	if se.log != nil {
		if _, err := se.log.Write(out); err != nil {
			s.log.Warn("session log write failed, disabling it", "session", se.Name, "error", err)
			s.sessionLogs.Remove(se.Name)
			se.log = nil
		}
	}
	for _, cl := range se.Clients() {
		c := s.clients[cl.ID]
		if c == nil {
			continue
		}
		data := c.Data()
		n, err := data.Write(out)
		switch {
		case channel.IsOverflow(err):
			s.kick(c, fmt.Sprintf("client too slow, %d bytes pending", data.WriteInBuffer()+len(out)-n))
		case err != nil:
			s.teardownClient(c, err.Error())
		default:
			s.refreshData(c)
		}
	}
}

// kick disconnects a client that let its data socket back up.
func (s *Server) kick(c *clientEntry, reason string) {
	s.stats.kicked++
	s.log.Warn("kicking client", "client", c.ID, "reason", reason)
	if se := c.AttachedSession(); se != nil {
		se.Detach(c.Client)
	}
	if s.notify(c, &protocol.DetachedNotification{Mode: protocol.ReasonKicked, Reason: reason}) {
		_, _ = c.Control().FlushWrites()
	}
	s.teardownClient(c, reason)
}

// failSession stops polling a session whose PTY failed. The session stays
// listed until its program is reaped.
func (s *Server) failSession(se *sessionEntry, err error) {
	if se.failed {
		return
	}
	se.failed = true
	s.log.Info("session I/O stopped", "session", se.Name, "error", err)
	s.forget(se.Process.Reader.FD())
	s.forget(se.Process.Writer.FD())
	for _, cl := range se.Clients() {
		if c := s.clients[cl.ID]; c != nil && c.blocked {
			c.blocked = false
			s.refreshData(c)
		}
	}
}

func (s *Server) handleSessionInput(se *sessionEntry) {
	w := se.Process.Writer
	if _, err := w.FlushWrites(); err != nil {
		s.failSession(se, err)
		return
	}
	if w.HasBufferedWrite() {
		return
	}
	s.listen(w.FD(), false, false)
	for _, cl := range se.Clients() {
		c := s.clients[cl.ID]
		if c == nil || !c.blocked {
			continue
		}
		c.blocked = false
		s.refreshData(c)
		// Input may already be sitting in the socket buffer.
		s.reactor.Schedule(c.Data().FD(), true, false)
	}
}

// reapChildren collects exits recorded by the waiter goroutines and ends
// the matching sessions.
func (s *Server) reapChildren() {
	s.signals.CollectDeadChildren(func(pid, code int) {
		name, ok := s.byPID[pid]
		if !ok {
			s.log.Debug("reaped unknown child", "pid", pid, "code", code)
			return
		}
		se := s.sessions[name]
		if se == nil {
			return
		}
		s.log.Info("session exited", "session", name, "pid", pid, "code", code)

		// Trailing output reaches the clients before the exit notice.
		if !se.failed {
			for {
				out, err := se.Process.Reader.Read(s.opts.Buffers.ReadChunk)
				if len(out) > 0 {
					s.relayOutput(se, out)
				}
				if err != nil || len(out) == 0 {
					break
				}
			}
		}
		for _, cl := range se.Clients() {
			if c := s.clients[cl.ID]; c != nil {
				s.detachClient(c, &protocol.DetachedNotification{Mode: protocol.ReasonExit, ExitCode: code})
			}
		}
		s.stats.sessionsEnded++
		s.closeSession(name)
	})
}

// closeSession releases a session's PTY and forgets it.
func (s *Server) closeSession(name string) {
	se := s.sessions[name]
	if se == nil {
		return
	}
	if !se.failed {
		s.forget(se.Process.Reader.FD())
		s.forget(se.Process.Writer.FD())
	}
	for _, cl := range se.Clients() {
		if c := s.clients[cl.ID]; c != nil {
			c.blocked = false
		}
	}
	delete(s.sessions, name)
	delete(s.byPID, se.PID())
	if err := se.Close(); err != nil {
		s.log.Debug("closing session", "session", name, "error", err)
	}
	s.openHandles -= 2
	if se.log != nil {
		s.sessionLogs.Remove(name)
	}
}
