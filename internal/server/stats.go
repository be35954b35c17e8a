//go:build linux

package server

import (
	"fmt"
	"strings"
	"time"
)

// Statistics renders a human-readable dump of the server's state.
func (s *Server) Statistics() string {
	var b strings.Builder
	fmt.Fprintf(&b, "uptime: %s\n", time.Since(s.started).Truncate(time.Second))
	fmt.Fprintf(&b, "socket: %s\n", s.opts.SocketPath)
	fmt.Fprintf(&b, "handles: %d open, %d max, %d spare\n", s.openHandles, s.maxHandles, s.opts.SpareHandles)
	fmt.Fprintf(&b, "accepting: %t\n", s.accepting)
	fmt.Fprintf(&b, "connections: %d accepted, %d rejected, %d kicked\n",
		s.stats.accepted, s.stats.rejected, s.stats.kicked)
	fmt.Fprintf(&b, "bytes: %d out, %d in\n", s.stats.bytesOut, s.stats.bytesIn)
	fmt.Fprintf(&b, "sessions: %d running, %d created, %d ended\n",
		len(s.sessions), s.stats.sessionsMade, s.stats.sessionsEnded)

	for _, info := range s.sessionInfos() {
		se := s.sessions[info.Name]
		state := "running"
		if se.failed {
			state = "failed"
		}
		fmt.Fprintf(&b, "  session %q pid %d %s, %d clients, input pending %d\n",
			info.Name, info.PID, state, info.Clients, se.Process.Writer.WriteInBuffer())
	}

	clients := s.clientList()
	fmt.Fprintf(&b, "clients: %d\n", len(clients))
	for _, c := range clients {
		attached := "-"
		if se := c.AttachedSession(); se != nil {
			attached = se.Name
		}
		pending := 0
		if data := c.Data(); data != nil {
			pending = data.WriteInBuffer()
		}
		fmt.Fprintf(&b, "  client %d session %s, output pending %d, blocked %t, idle %s\n",
			c.ID, attached, pending, c.blocked, time.Since(c.LastActivity).Truncate(time.Second))
	}
	return b.String()
}
