package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/inoki/muxd/internal/channel"
)

// ErrHasDataSocket is returned by SetData when the slot is taken.
var ErrHasDataSocket = errors.New("client already has a data socket")

// Client is one connected front-end: a control socket, and once the
// handshake completes, a data socket.
type Client struct {
	ID           uint64
	Created      time.Time
	LastActivity time.Time

	control  *channel.Socket
	data     *channel.Socket
	nonce    string
	attached *Session
}

// NewClient takes ownership of control.
func NewClient(id uint64, control *channel.Socket) *Client {
	now := time.Now()
	return &Client{ID: id, Created: now, LastActivity: now, control: control}
}

// Control is the control socket, or nil after TakeControl.
func (c *Client) Control() *channel.Socket { return c.control }

// Data is the data socket, or nil before the handshake completes.
func (c *Client) Data() *channel.Socket { return c.data }

// AttachedSession is the session c is attached to, or nil.
func (c *Client) AttachedSession() *Session { return c.attached }

// Touch records activity now.
func (c *Client) Touch() { c.LastActivity = time.Now() }

// MakeNonce replaces the client's nonce with a fresh random one.
func (c *Client) MakeNonce() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	c.nonce = id.String()
	return c.nonce, nil
}

// ConsumeNonce reports whether nonce matches the outstanding one. A
// match consumes it; a mismatch leaves it in place.
func (c *Client) ConsumeNonce(nonce string) bool {
	if c.nonce == "" || nonce != c.nonce {
		return false
	}
	c.nonce = ""
	return true
}

// TakeControl moves the control socket out of c. The caller becomes its
// only owner; c no longer closes it.
func (c *Client) TakeControl() *channel.Socket {
	s := c.control
	c.control = nil
	return s
}

// SetData installs the data socket. c owns it from now on.
func (c *Client) SetData(s *channel.Socket) error {
	if c.data != nil {
		return ErrHasDataSocket
	}
	c.data = s
	return nil
}

// Close detaches c and closes every socket it still owns.
func (c *Client) Close() error {
	if c.attached != nil {
		c.attached.Detach(c)
	}
	var errs []error
	if c.control != nil {
		errs = append(errs, c.control.Close())
		c.control = nil
	}
	if c.data != nil {
		errs = append(errs, c.data.Close())
		c.data = nil
	}
	return errors.Join(errs...)
}
