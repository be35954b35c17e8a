//go:build linux

package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/inoki/muxd/internal/channel"
	"github.com/inoki/muxd/internal/protocol"
	"github.com/inoki/muxd/internal/session"
)

// ReasonDescriptorLimit is sent to clients rejected for lack of
// descriptors.
const ReasonDescriptorLimit = "server is at its descriptor limit"

func (s *Server) acceptPending() {
	if !s.accepting {
		return
	}
	for {
		sock, recoverable, err := s.listener.Accept(s.opts.Buffers)
		switch {
		case err == nil:
			s.acceptDelay = 0
			s.admit(sock)
			continue
		case errors.Is(err, channel.ErrNoPendingConnection):
			return
		case recoverable:
			s.backOffAccept(err)
			return
		default:
			s.log.Error("accept failed, no longer accepting connections", "error", err)
			s.accepting = false
			s.forget(s.listener.FD())
			return
		}
	}
}

// backOffAccept stops polling the listener for a doubling delay.
func (s *Server) backOffAccept(err error) {
	if s.acceptDelay == 0 {
		s.acceptDelay = s.opts.AcceptBackoff
	} else {
		s.acceptDelay = min(2*s.acceptDelay, s.opts.AcceptBackoffMax)
	}
	s.acceptResume = time.Now().Add(s.acceptDelay)
	if err := s.reactor.Stop(s.listener.FD()); err != nil {
		s.log.Debug("pausing listener", "error", err)
	}
	s.log.Warn("accept failed, backing off", "error", err, "delay", s.acceptDelay)
}

func (s *Server) resumeAccepting() {
	if s.acceptResume.IsZero() || time.Now().Before(s.acceptResume) {
		return
	}
	s.acceptResume = time.Time{}
	if s.accepting {
		s.listen(s.listener.FD(), true, false)
		s.reactor.Schedule(s.listener.FD(), true, false)
	}
}

func (s *Server) handleBudgetExceeded(extra int) bool {
	return s.openHandles+extra > s.maxHandles-s.opts.SpareHandles
}

// admit registers a new connection as a client, or rejects it when the
// server is short of descriptors. A full client needs two: control and
// data socket.
func (s *Server) admit(sock *channel.Socket) {
	s.openHandles++
	if s.handleBudgetExceeded(1) {
		s.stats.rejected++
		s.log.Warn("rejecting client", "reason", ReasonDescriptorLimit, "open", s.openHandles, "max", s.maxHandles)
		if err := protocol.SendMessage(sock, s.codec, &protocol.ConnectionNotification{Reason: ReasonDescriptorLimit}); err != nil {
			s.log.Debug("sending rejection", "error", err)
		}
		sock.Close()
		s.openHandles--
		return
	}

	id := s.nextClientID
	s.nextClientID++
	sock.SetIdentifier(fmt.Sprintf("client %d control", id))
	c := &clientEntry{Client: session.NewClient(id, sock)}
	s.clients[id] = c
	s.lookup[sock.FD()] = entity{kind: entityControl, clientID: id}
	s.listen(sock.FD(), true, false)
	s.stats.accepted++
	s.log.Debug("client connected", "client", id, "fd", sock.FD())

	s.notify(c, &protocol.ConnectionNotification{Accepted: true})
}
