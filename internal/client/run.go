//go:build linux

package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/inoki/muxd/internal/channel"
	"github.com/inoki/muxd/internal/protocol"
	"github.com/inoki/muxd/internal/sighandle"
	"github.com/inoki/muxd/internal/ui"
)

// RunOptions describe the local end of an attachment.
type RunOptions struct {
	// Input is read for keystrokes; it is switched to non-blocking mode
	// for the duration of Run.
	Input  *os.File
	Output io.Writer
	// EscapeChar and LiteralChar drive the local key bindings.
	EscapeChar  byte
	LiteralChar byte
	// Size reports the terminal size; it is consulted on start and on
	// SIGWINCH. Nil disables resizing.
	Size func() (rows, cols uint16, ok bool)
}

// Run relays the attached session until the server sends the
// notification that ends the attachment, which it returns.
func (c *Client) Run(ctx context.Context, opts RunOptions) (*protocol.DetachedNotification, error) {
	if c.data == nil {
		return nil, ErrNoDataSocket
	}
	if c.detached != nil {
		note := c.detached
		c.detached = nil
		return note, nil
	}

	signals, err := sighandle.Get()
	if err != nil {
		return nil, err
	}
	input, restore, err := openInput(opts.Input, c.opts.Buffers)
	if err != nil {
		return nil, err
	}
	defer restore()

	resized := opts.Size != nil
	defer signals.OnSignal(syscall.SIGWINCH, func(syscall.Signal) { resized = opts.Size != nil })()
	signals.Enable(syscall.SIGWINCH)
	defer signals.Disable(syscall.SIGWINCH)
	stop := context.AfterFunc(ctx, signals.Raw().Wake)
	defer stop()

	r := c.reactor
	defer r.Clear()
	if err := r.Listen(signals.WakeFD(), true, false); err != nil {
		return nil, err
	}
	inputOpen := true
	if err := r.Listen(input.FD(), true, false); err != nil {
		return nil, err
	}
	keys := ui.NewKeyFilter(opts.EscapeChar, opts.LiteralChar)

	for {
		if resized {
			resized = false
			if rows, cols, ok := opts.Size(); ok {
				if err := protocol.SendMessage(c.control, c.codec, &protocol.RedrawNotification{Rows: rows, Columns: cols}); err != nil {
					return nil, err
				}
			}
		}
		if err := r.Listen(c.control.FD(), true, c.control.HasBufferedWrite()); err != nil {
			return nil, err
		}
		if err := r.Listen(c.data.FD(), true, c.data.HasBufferedWrite()); err != nil {
			return nil, err
		}

		n, err := r.Wait()
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for i := 0; i < n; i++ {
			ev := r.EventAt(i)
			switch ev.FD {
			case signals.WakeFD():
				signals.Drain()
			case c.control.FD():
				note, err := c.serviceControl(ev.Outgoing)
				if err != nil {
					return nil, err
				}
				if note != nil {
					return note, c.drainData(opts.Output)
				}
			case c.data.FD():
				if err := c.serviceData(ev.Incoming, ev.Outgoing, opts.Output); err != nil {
					return nil, err
				}
			case input.FD():
				if !inputOpen {
					continue
				}
				open, err := c.serviceInput(input, keys)
				if err != nil {
					return nil, err
				}
				if !open {
					inputOpen = false
					r.Stop(input.FD())
				}
			}
		}
	}
}

// openInput dups f so the reactor and non-blocking mode can be applied
// without disturbing the caller's descriptor. The returned func restores
// the original flags (shared through the dup) and closes the copy.
func openInput(f *os.File, bufOpts channel.BufferOptions) (*channel.Pipe, func(), error) {
	orig := int(f.Fd())
	flags, err := unix.FcntlInt(uintptr(orig), unix.F_GETFL, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("input flags: %w", err)
	}
	fd, err := unix.FcntlInt(uintptr(orig), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("dup input: %w", err)
	}
	pipe, err := channel.WrapPipe(channel.NewHandle(fd), "input", channel.ModeRead, bufOpts)
	if err != nil {
		unix.Close(fd)
		return nil, nil, err
	}
	restore := func() {
		_, _ = unix.FcntlInt(uintptr(orig), unix.F_SETFL, flags)
		pipe.Close()
	}
	return pipe, restore, nil
}

// serviceControl flushes pending requests and handles every complete
// message. It returns the notification that ends the attachment, if one
// arrived.
func (c *Client) serviceControl(outgoing bool) (*protocol.DetachedNotification, error) {
	if outgoing {
		if _, err := c.control.FlushWrites(); err != nil {
			return nil, err
		}
	}
	for {
		m, complete, err := protocol.ReceiveMessage(c.control, c.codec)
		switch {
		case channel.IsOverflow(err):
			c.reactor.Schedule(c.control.FD(), true, false)
			return nil, nil
		case err != nil && complete:
			c.log.Warn("ignoring message", "error", err)
			continue
		case err != nil:
			return nil, fmt.Errorf("control connection: %w", err)
		case !complete:
			return nil, nil
		}
		switch msg := m.(type) {
		case *protocol.DetachedNotification:
			return msg, nil
		case *protocol.DetachResponse:
			c.log.Debug("detach requested", "detached", msg.Detached)
		default:
			c.log.Debug("dropping unexpected message", "kind", m.Kind().String())
		}
	}
}

func (c *Client) serviceData(incoming, outgoing bool, out io.Writer) error {
	if outgoing {
		if _, err := c.data.FlushWrites(); err != nil {
			return err
		}
	}
	if !incoming {
		return nil
	}
	data, err := c.data.Read(c.opts.Buffers.ReadChunk)
	if len(data) > 0 {
		if _, werr := out.Write(data); werr != nil {
			return fmt.Errorf("write output: %w", werr)
		}
	}
	if err != nil {
		return fmt.Errorf("data connection: %w", err)
	}
	if c.data.HasBufferedRead() {
		c.reactor.Schedule(c.data.FD(), true, false)
	}
	return nil
}

// drainData copies whatever session output is already queued on the data
// socket; the server sends it before the notification that ends Run.
func (c *Client) drainData(out io.Writer) error {
	for {
		data, err := c.data.Read(c.opts.Buffers.ReadChunk)
		if len(data) > 0 {
			if _, werr := out.Write(data); werr != nil {
				return fmt.Errorf("write output: %w", werr)
			}
		}
		if err != nil || len(data) == 0 {
			return nil
		}
	}
}

// serviceInput forwards keystrokes and acts on the escape key. It
// reports false once the input reached end of file, which detaches.
func (c *Client) serviceInput(input *channel.Pipe, keys *ui.KeyFilter) (bool, error) {
	in, err := input.Read(c.opts.Buffers.ReadChunk)
	out, action := keys.Filter(in)
	if len(out) > 0 {
		if _, werr := c.data.Write(out); werr != nil {
			return false, werr
		}
	}
	eof := errors.Is(err, io.EOF)
	if err != nil && !eof {
		return false, fmt.Errorf("read input: %w", err)
	}
	if action == ui.ActionDetach || eof {
		if err := protocol.SendMessage(c.control, c.codec, &protocol.DetachRequest{Mode: protocol.DetachSelf}); err != nil {
			return false, err
		}
		return !eof, nil
	}
	return true, nil
}
