//go:build linux

package server

import (
	"cmp"
	"errors"
	"fmt"
	"maps"
	"slices"
	"syscall"
	"time"

	"github.com/inoki/muxd/internal/channel"
	"github.com/inoki/muxd/internal/config"
	"github.com/inoki/muxd/internal/protocol"
	"github.com/inoki/muxd/internal/pty"
	"github.com/inoki/muxd/internal/reactor"
	"github.com/inoki/muxd/internal/session"
)

func (s *Server) registerHandlers() {
	s.handlers = map[protocol.Kind]func(*clientEntry, protocol.Message){
		protocol.KindClientIDRequest:    s.handleClientID,
		protocol.KindDataSocketRequest:  s.handleDataSocket,
		protocol.KindSessionListRequest: s.handleSessionList,
		protocol.KindMakeSessionRequest: s.handleMakeSession,
		protocol.KindAttachRequest:      s.handleAttach,
		protocol.KindDetachRequest:      s.handleDetach,
		protocol.KindSignalRequest:      s.handleSignal,
		protocol.KindRedrawNotification: s.handleRedraw,
		protocol.KindStatisticsRequest:  s.handleStatistics,
	}
}

// handleControl services one readiness event on a control socket: it
// flushes pending replies and decodes at most one message.
func (s *Server) handleControl(c *clientEntry, ev reactor.Event) {
	ctrl := c.Control()
	if ev.Outgoing {
		if _, err := ctrl.FlushWrites(); err != nil {
			s.teardownClient(c, err.Error())
			return
		}
		s.refreshControl(c)
	}
	if !ev.Incoming {
		return
	}

	// No session bytes are relayed for this client while it changes state.
	if data := c.Data(); data != nil {
		guard := s.reactor.Inhibit(data.FD())
		defer guard.Release()
	}

	m, complete, err := protocol.ReceiveMessage(ctrl, s.codec)
	switch {
	case channel.IsOverflow(err):
		s.log.Debug("control read overflow, rescheduling", "client", c.ID, "error", err)
		s.reactor.Schedule(ctrl.FD(), true, false)
		return
	case err != nil && complete:
		// A whole frame arrived but could not be decoded; the stream is
		// still in sync, so the message is dropped.
		s.log.Warn("ignoring message", "client", c.ID, "error", err)
	case err != nil:
		s.teardownClient(c, err.Error())
		return
	case !complete:
		return
	default:
		c.Touch()
		if h := s.handlers[m.Kind()]; h != nil {
			h(c, m)
		} else {
			s.log.Warn("no handler for message", "client", c.ID, "kind", m.Kind().String())
		}
	}

	// The socket may have changed hands (data socket claim) or the client
	// may be gone; whoever owns the descriptor now gets the rest.
	if !ctrl.Failed() && ctrl.HasBufferedRead() {
		if _, ok := s.lookup[ctrl.FD()]; ok {
			s.reactor.Schedule(ctrl.FD(), true, false)
		}
	}
}

// notify sends m on c's control socket. A failure tears c down; the
// result reports whether c is still connected.
func (s *Server) notify(c *clientEntry, m protocol.Message) bool {
	ctrl := c.Control()
	if ctrl == nil {
		return false
	}
	if err := protocol.SendMessage(ctrl, s.codec, m); err != nil {
		s.log.Warn("sending message failed", "client", c.ID, "kind", m.Kind().String(), "error", err)
		s.teardownClient(c, err.Error())
		return false
	}
	s.refreshControl(c)
	return true
}

func (s *Server) refreshControl(c *clientEntry) {
	if ctrl := c.Control(); ctrl != nil {
		s.listen(ctrl.FD(), true, ctrl.HasBufferedWrite())
	}
}

func (s *Server) refreshData(c *clientEntry) {
	if data := c.Data(); data != nil {
		s.listen(data.FD(), !c.blocked, data.HasBufferedWrite())
	}
}

func (s *Server) handleClientID(c *clientEntry, _ protocol.Message) {
	nonce, err := c.MakeNonce()
	if err != nil {
		s.log.Error("cannot issue nonce", "client", c.ID, "error", err)
		s.teardownClient(c, err.Error())
		return
	}
	s.notify(c, &protocol.ClientIDResponse{ID: c.ID, Nonce: nonce})
}

// handleDataSocket lets c's connection become the data socket of the
// client it names. On success c itself disappears without a disconnect.
func (s *Server) handleDataSocket(c *clientEntry, m protocol.Message) {
	req := m.(*protocol.DataSocketRequest)
	owner := s.clients[req.ID]
	// Only a bare connection can become a data socket: one that already
	// has a data socket or a session would leave them behind.
	bare := c.Data() == nil && c.AttachedSession() == nil
	if !bare || owner == nil || owner == c || owner.Data() != nil || !owner.ConsumeNonce(req.Nonce) {
		s.log.Warn("data socket claim rejected", "client", c.ID, "claimed", req.ID)
		s.notify(c, &protocol.DataSocketResponse{Success: false})
		return
	}

	sock := c.TakeControl()
	delete(s.clients, c.ID)
	if err := owner.SetData(sock); err != nil {
		// Unreachable: checked above.
		sock.Close()
		s.forget(sock.FD())
		return
	}
	sock.SetIdentifier(fmt.Sprintf("client %d data", owner.ID))
	s.lookup[sock.FD()] = entity{kind: entityData, clientID: owner.ID}
	s.log.Info("client connected", "client", owner.ID)

	if err := protocol.SendMessage(sock, s.codec, &protocol.DataSocketResponse{Success: true}); err != nil {
		s.teardownClient(owner, err.Error())
		return
	}
	s.refreshData(owner)
}

func (s *Server) sessionInfos() []protocol.SessionInfo {
	infos := make([]protocol.SessionInfo, 0, len(s.sessions))
	for _, se := range s.sessions {
		infos = append(infos, protocol.SessionInfo{
			Name:    se.Name,
			Created: se.Created,
			PID:     se.PID(),
			Clients: se.ClientCount(),
		})
	}
	slices.SortFunc(infos, func(a, b protocol.SessionInfo) int {
		if c := a.Created.Compare(b.Created); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return infos
}

func (s *Server) handleSessionList(c *clientEntry, _ protocol.Message) {
	s.notify(c, &protocol.SessionListResponse{Sessions: s.sessionInfos()})
}

func (s *Server) handleMakeSession(c *clientEntry, m protocol.Message) {
	req := m.(*protocol.MakeSessionRequest)
	name := req.Name
	if name == "" {
		name = session.NextFreeName(func(n string) bool { return s.sessions[n] != nil })
	}
	if err := s.makeSession(name, req.Spawn); err != nil {
		s.log.Warn("session not created", "client", c.ID, "session", name, "error", err)
		s.notify(c, &protocol.MakeSessionResponse{Name: name, Success: false, Reason: err.Error()})
		return
	}
	s.notify(c, &protocol.MakeSessionResponse{Name: name, Success: true})
}

var errSessionExists = errors.New("session already exists")

func (s *Server) makeSession(name string, spawn protocol.SpawnOptions) error {
	if s.sessions[name] != nil {
		return errSessionExists
	}
	if s.handleBudgetExceeded(2) {
		return errors.New(ReasonDescriptorLimit)
	}

	env := maps.Clone(spawn.SetEnvironment)
	if env == nil {
		env = make(map[string]string)
	}
	env[config.EnvSocket] = s.opts.SocketPath
	env[config.EnvSession] = name
	opts := pty.SpawnOptions{
		Program:          spawn.Program,
		Arguments:        spawn.Arguments,
		SetEnvironment:   env,
		UnsetEnvironment: spawn.UnsetEnvironment,
		Dir:              spawn.Dir,
		Rows:             spawn.Rows,
		Columns:          spawn.Columns,
	}
	if opts.Program == "" {
		opts.Program = s.opts.Shell
	}
	proc, err := pty.Start(opts, s.opts.Buffers)
	if err != nil {
		return err
	}

	se := &sessionEntry{Session: session.New(name, proc)}
	if s.sessionLogs != nil {
		if se.log, err = s.sessionLogs.Writer(name); err != nil {
			s.log.Warn("session log unavailable", "session", name, "error", err)
		}
	}
	s.sessions[name] = se
	s.byPID[proc.PID()] = name
	s.openHandles += 2
	s.lookup[proc.Reader.FD()] = entity{kind: entitySessionOutput, session: name}
	s.lookup[proc.Writer.FD()] = entity{kind: entitySessionInput, session: name}
	s.listen(proc.Reader.FD(), true, false)
	s.stats.sessionsMade++

	raw := s.signals.Raw()
	s.waiters.Add(1)
	go func(pid int) {
		defer s.waiters.Done()
		code, err := proc.Wait()
		if err != nil {
			code = -1
		}
		for !raw.RecordChildExit(pid, code) {
			time.Sleep(10 * time.Millisecond)
		}
	}(proc.PID())

	s.log.Info("session created", "session", name, "pid", proc.PID(), "tty", proc.TTY())
	return nil
}

func (s *Server) handleAttach(c *clientEntry, m protocol.Message) {
	req := m.(*protocol.AttachRequest)
	se := s.sessions[req.Name]
	if se == nil || c.Data() == nil {
		s.notify(c, &protocol.AttachResponse{Success: false, Session: req.Name})
		return
	}
	se.Attach(c.Client)
	c.blocked = false
	s.refreshData(c)
	s.log.Info("client attached", "client", c.ID, "session", se.Name, "clients", se.ClientCount())
	s.notify(c, &protocol.AttachResponse{Success: true, Session: se.Name})
}

func (s *Server) handleDetach(c *clientEntry, m protocol.Message) {
	req := m.(*protocol.DetachRequest)
	attached := c.AttachedSession()
	if attached == nil {
		s.notify(c, &protocol.DetachResponse{})
		return
	}
	var targets []*session.Client
	switch req.Mode {
	case protocol.DetachSelf:
		targets = []*session.Client{c.Client}
	case protocol.DetachLatest:
		if latest := attached.LatestClient(); latest != nil {
			targets = []*session.Client{latest}
		}
	case protocol.DetachAll:
		targets = attached.Clients()
	default:
		s.log.Warn("unknown detach mode", "client", c.ID, "mode", req.Mode.String())
	}

	if !s.notify(c, &protocol.DetachResponse{Detached: len(targets)}) {
		return
	}
	for _, t := range targets {
		if target := s.clients[t.ID]; target != nil {
			s.detachClient(target, &protocol.DetachedNotification{Mode: protocol.ReasonDetach})
		}
	}
}

// detachClient unbinds c from its session and tells it why.
func (s *Server) detachClient(c *clientEntry, why *protocol.DetachedNotification) {
	se := c.AttachedSession()
	if se == nil {
		return
	}
	se.Detach(c.Client)
	c.blocked = false
	s.refreshData(c)
	s.log.Info("client detached", "client", c.ID, "session", se.Name, "reason", why.Mode.String())
	s.notify(c, why)
}

func (s *Server) handleSignal(c *clientEntry, m protocol.Message) {
	req := m.(*protocol.SignalRequest)
	se := c.AttachedSession()
	if se == nil {
		return
	}
	if req.Signal <= 0 || req.Signal >= 65 {
		s.log.Warn("invalid signal", "client", c.ID, "signal", req.Signal)
		return
	}
	if err := se.Signal(syscall.Signal(req.Signal)); err != nil {
		s.log.Warn("signal delivery failed", "session", se.Name, "error", err)
	}
}

func (s *Server) handleRedraw(c *clientEntry, m protocol.Message) {
	req := m.(*protocol.RedrawNotification)
	se := c.AttachedSession()
	if se == nil || se.Process == nil || req.Rows == 0 || req.Columns == 0 {
		return
	}
	if err := se.Process.SetSize(req.Rows, req.Columns); err != nil {
		s.log.Debug("resize failed", "session", se.Name, "error", err)
	}
}

func (s *Server) handleStatistics(c *clientEntry, _ protocol.Message) {
	s.notify(c, &protocol.StatisticsResponse{Contents: s.Statistics()})
}

// teardownClient closes every descriptor c owns and forgets it.
func (s *Server) teardownClient(c *clientEntry, reason string) {
	if s.clients[c.ID] != c {
		return
	}
	delete(s.clients, c.ID)
	for _, sock := range []*channel.Socket{c.Control(), c.Data()} {
		if sock != nil {
			s.forget(sock.FD())
			s.openHandles--
		}
	}
	if err := c.Close(); err != nil {
		s.log.Debug("closing client", "client", c.ID, "error", err)
	}
	s.log.Info("client disconnected", "client", c.ID, "reason", reason)
}

func (s *Server) clientList() []*clientEntry {
	list := make([]*clientEntry, 0, len(s.clients))
	for _, c := range s.clients {
		list = append(list, c)
	}
	slices.SortFunc(list, func(a, b *clientEntry) int { return cmp.Compare(a.ID, b.ID) })
	return list
}
