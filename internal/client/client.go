//go:build linux

// Package client talks to a muxd server: it performs the two-connection
// handshake, issues control requests and relays a terminal while
// attached.
package client

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/inoki/muxd/internal/channel"
	"github.com/inoki/muxd/internal/logging"
	"github.com/inoki/muxd/internal/protocol"
	"github.com/inoki/muxd/internal/reactor"
)

var (
	// ErrTimeout is returned when the server does not answer in time.
	ErrTimeout = errors.New("timed out waiting for the server")
	// ErrNoDataSocket is returned by calls that need a completed Handshake.
	ErrNoDataSocket = errors.New("handshake not completed")
)

// RejectedError is returned by Dial when the server turns the connection
// away.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "server rejected connection: " + e.Reason
}

// Options configure a Client.
type Options struct {
	Buffers channel.BufferOptions
	Codec   protocol.Codec
	// Timeout bounds every request/response exchange.
	Timeout time.Duration
	Logger  *slog.Logger
}

func (o *Options) setDefaults() {
	if o.Buffers == (channel.BufferOptions{}) {
		o.Buffers = channel.DefaultBufferOptions()
	}
	if o.Codec == nil {
		o.Codec = protocol.CBORCodec{}
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
}

// Client is one user's connection to the server. It is not safe for
// concurrent use.
type Client struct {
	opts    Options
	log     *slog.Logger
	codec   protocol.Codec
	path    string
	reactor *reactor.Reactor

	id      uint64
	control *channel.Socket
	data    *channel.Socket

	// detached holds a notification that arrived during a request.
	detached *protocol.DetachedNotification
}

// Dial connects the control socket and waits for the server to accept it.
func Dial(path string, opts Options) (*Client, error) {
	opts.setDefaults()
	if err := protocol.CheckReadBuffer(opts.Buffers.ReadCapacity, opts.Buffers.ReadCeiling); err != nil {
		return nil, err
	}
	r, err := reactor.New(8)
	if err != nil {
		return nil, err
	}
	c := &Client{
		opts:    opts,
		log:     opts.Logger.With(slog.String("component", "client")),
		codec:   opts.Codec,
		path:    path,
		reactor: r,
	}
	c.control, err = c.connect()
	if err != nil {
		r.Close()
		return nil, err
	}
	return c, nil
}

// connect opens one connection and waits for its ConnectionNotification.
func (c *Client) connect() (*channel.Socket, error) {
	sock, err := channel.Connect(c.path, c.opts.Buffers)
	if err != nil {
		return nil, err
	}
	m, err := c.receive(sock, protocol.KindConnectionNotification)
	if err != nil {
		sock.Close()
		return nil, err
	}
	note := m.(*protocol.ConnectionNotification)
	if !note.Accepted {
		sock.Close()
		return nil, &RejectedError{Reason: note.Reason}
	}
	return sock, nil
}

// Handshake obtains a client ID and claims a second connection as the
// data socket.
func (c *Client) Handshake() error {
	m, err := c.call(&protocol.ClientIDRequest{}, protocol.KindClientIDResponse)
	if err != nil {
		return err
	}
	id := m.(*protocol.ClientIDResponse)

	data, err := c.connect()
	if err != nil {
		return err
	}
	if err := c.send(data, &protocol.DataSocketRequest{ID: id.ID, Nonce: id.Nonce}); err != nil {
		data.Close()
		return err
	}
	m, err = c.receive(data, protocol.KindDataSocketResponse)
	if err != nil {
		data.Close()
		return err
	}
	if !m.(*protocol.DataSocketResponse).Success {
		data.Close()
		return errors.New("server refused the data socket")
	}
	data.SetIdentifier(fmt.Sprintf("client %d data", id.ID))
	c.control.SetIdentifier(fmt.Sprintf("client %d control", id.ID))
	c.id = id.ID
	c.data = data
	c.log.Debug("handshake complete", "client", c.id)
	return nil
}

// ID is the identifier the server assigned in Handshake.
func (c *Client) ID() uint64 { return c.id }

// SessionList returns the server's sessions, oldest first.
func (c *Client) SessionList() ([]protocol.SessionInfo, error) {
	m, err := c.call(&protocol.SessionListRequest{}, protocol.KindSessionListResponse)
	if err != nil {
		return nil, err
	}
	return m.(*protocol.SessionListResponse).Sessions, nil
}

// MakeSession starts a session and returns its name, which the server
// picks when name is empty.
func (c *Client) MakeSession(name string, spawn protocol.SpawnOptions) (string, error) {
	m, err := c.call(&protocol.MakeSessionRequest{Name: name, Spawn: spawn}, protocol.KindMakeSessionResponse)
	if err != nil {
		return "", err
	}
	resp := m.(*protocol.MakeSessionResponse)
	if !resp.Success {
		return "", fmt.Errorf("create session %q: %s", resp.Name, resp.Reason)
	}
	return resp.Name, nil
}

// Attach binds the data socket to session name.
func (c *Client) Attach(name string) error {
	if c.data == nil {
		return ErrNoDataSocket
	}
	c.detached = nil
	m, err := c.call(&protocol.AttachRequest{Name: name}, protocol.KindAttachResponse)
	if err != nil {
		return err
	}
	if !m.(*protocol.AttachResponse).Success {
		return fmt.Errorf("no session named %q", name)
	}
	return nil
}

// Detach detaches clients of the session this client is attached to and
// returns how many were detached.
func (c *Client) Detach(mode protocol.DetachMode) (int, error) {
	m, err := c.call(&protocol.DetachRequest{Mode: mode}, protocol.KindDetachResponse)
	if err != nil {
		return 0, err
	}
	return m.(*protocol.DetachResponse).Detached, nil
}

// Signal sends sig to the program of the attached session.
func (c *Client) Signal(sig int) error {
	return c.send(c.control, &protocol.SignalRequest{Signal: sig})
}

// Resize tells the server the terminal's new size.
func (c *Client) Resize(rows, cols uint16) error {
	return c.send(c.control, &protocol.RedrawNotification{Rows: rows, Columns: cols})
}

// Statistics returns the server's state dump.
func (c *Client) Statistics() (string, error) {
	m, err := c.call(&protocol.StatisticsRequest{}, protocol.KindStatisticsResponse)
	if err != nil {
		return "", err
	}
	return m.(*protocol.StatisticsResponse).Contents, nil
}

// Close closes both connections.
func (c *Client) Close() error {
	var errs []error
	for _, sock := range []*channel.Socket{c.control, c.data} {
		if sock != nil {
			errs = append(errs, sock.Close())
		}
	}
	c.control, c.data = nil, nil
	errs = append(errs, c.reactor.Close())
	return errors.Join(errs...)
}

func (c *Client) call(req protocol.Message, want protocol.Kind) (protocol.Message, error) {
	if err := c.send(c.control, req); err != nil {
		return nil, err
	}
	return c.receive(c.control, want)
}

// send queues m and blocks until it is written out.
func (c *Client) send(sock *channel.Socket, m protocol.Message) error {
	if err := protocol.SendMessage(sock, c.codec, m); err != nil {
		return err
	}
	deadline := time.Now().Add(c.opts.Timeout)
	for sock.HasBufferedWrite() {
		if err := c.await(sock, false, true, deadline); err != nil {
			return err
		}
		if _, err := sock.FlushWrites(); err != nil {
			return err
		}
	}
	return nil
}

// receive blocks until a message of kind want arrives on sock. Other
// messages are dropped, except a DetachedNotification, which is kept for
// Run.
func (c *Client) receive(sock *channel.Socket, want protocol.Kind) (protocol.Message, error) {
	deadline := time.Now().Add(c.opts.Timeout)
	for {
		m, complete, err := protocol.ReceiveMessage(sock, c.codec)
		switch {
		case err != nil && complete:
			c.log.Warn("ignoring message", "error", err)
			continue
		case err != nil:
			return nil, err
		case complete && m.Kind() == want:
			return m, nil
		case complete:
			if note, ok := m.(*protocol.DetachedNotification); ok {
				c.detached = note
			} else {
				c.log.Debug("dropping unexpected message", "kind", m.Kind().String(), "want", want.String())
			}
			continue
		}
		if err := c.await(sock, true, false, deadline); err != nil {
			return nil, fmt.Errorf("waiting for %s: %w", want, err)
		}
	}
}

// await blocks until sock is ready in the requested direction.
func (c *Client) await(sock *channel.Socket, incoming, outgoing bool, deadline time.Time) error {
	if err := c.reactor.Listen(sock.FD(), incoming, outgoing); err != nil {
		return err
	}
	defer c.reactor.Stop(sock.FD())
	for {
		left := time.Until(deadline)
		if left <= 0 {
			return ErrTimeout
		}
		n, err := c.reactor.WaitTimeout(left)
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			if c.reactor.EventAt(i).FD == sock.FD() {
				return nil
			}
		}
	}
}
