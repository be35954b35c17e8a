//go:build linux

// Package reactor is a single-threaded readiness notifier over epoll.
//
// Besides what the kernel reports, callers may Schedule a synthetic
// event for the next Wait. Scheduled events come first in the result set
// and do not replace kernel events: a descriptor that is both scheduled
// and ready appears twice, so handlers must tolerate duplicates.
package reactor

import (
	"errors"
	"fmt"
	"time"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"
)

// DefaultMaxEvents is the number of kernel events fetched per Wait.
const DefaultMaxEvents = 128

// Event is one readiness notification.
type Event struct {
	FD       int
	Incoming bool
	Outgoing bool
}

type interest struct {
	incoming bool
	outgoing bool
}

func (i interest) mask() uint32 {
	var m uint32
	if i.incoming {
		m |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if i.outgoing {
		m |= unix.EPOLLOUT
	}
	return m
}

// Reactor multiplexes readiness of many descriptors. It is not safe for
// concurrent use.
type Reactor struct {
	epfd      int
	listening map[int]interest
	inhibited map[int]interest
	scheduled *queue.Queue
	kernel    []unix.EpollEvent
	events    []Event
}

// New creates a reactor fetching at most maxEvents kernel events per Wait.
func New(maxEvents int) (*Reactor, error) {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	return &Reactor{
		epfd:      epfd,
		listening: make(map[int]interest),
		inhibited: make(map[int]interest),
		scheduled: queue.New(),
		kernel:    make([]unix.EpollEvent, maxEvents),
	}, nil
}

// FD returns the epoll descriptor itself.
func (r *Reactor) FD() int { return r.epfd }

// Listen subscribes fd, or replaces the interest of an already subscribed
// fd. Listening with neither direction is the same as Stop.
func (r *Reactor) Listen(fd int, incoming, outgoing bool) error {
	want := interest{incoming: incoming, outgoing: outgoing}
	if !incoming && !outgoing {
		return r.Stop(fd)
	}
	delete(r.inhibited, fd)
	ev := unix.EpollEvent{Events: want.mask(), Fd: int32(fd)}
	if have, ok := r.listening[fd]; ok {
		if have == want {
			return nil
		}
		if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
			return fmt.Errorf("epoll ctl mod %d: %w", fd, err)
		}
	} else if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl add %d: %w", fd, err)
	}
	r.listening[fd] = want
	return nil
}

// Listening reports the current interest of fd.
func (r *Reactor) Listening(fd int) (incoming, outgoing, ok bool) {
	i, ok := r.listening[fd]
	return i.incoming, i.outgoing, ok
}

// Len is the number of subscribed descriptors.
func (r *Reactor) Len() int { return len(r.listening) }

// Stop unsubscribes fd. Stopping an unknown descriptor is a no-op.
func (r *Reactor) Stop(fd int) error {
	delete(r.inhibited, fd)
	if _, ok := r.listening[fd]; !ok {
		return nil
	}
	delete(r.listening, fd)
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && !errors.Is(err, unix.EBADF) && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("epoll ctl del %d: %w", fd, err)
	}
	return nil
}

// Clear unsubscribes every descriptor and drops scheduled events.
func (r *Reactor) Clear() error {
	var errs []error
	for fd := range r.listening {
		if err := r.Stop(fd); err != nil {
			errs = append(errs, err)
		}
	}
	clear(r.inhibited)
	r.scheduled = queue.New()
	return errors.Join(errs...)
}

// Schedule queues a synthetic event for fd, returned by the next Wait
// ahead of kernel events. The kernel subscription is untouched.
func (r *Reactor) Schedule(fd int, incoming, outgoing bool) {
	r.scheduled.Add(Event{FD: fd, Incoming: incoming, Outgoing: outgoing})
}

// Wait blocks until at least one event is available and returns the
// number of events retrievable with EventAt.
func (r *Reactor) Wait() (int, error) {
	return r.WaitTimeout(-1)
}

// WaitTimeout is Wait with an upper bound; a negative timeout blocks
// indefinitely. A signal interrupting the wait yields zero kernel events.
func (r *Reactor) WaitTimeout(timeout time.Duration) (int, error) {
	r.events = r.events[:0]
	for r.scheduled.Length() > 0 {
		r.events = append(r.events, r.scheduled.Remove().(Event))
	}

	msec := -1
	switch {
	case len(r.events) > 0:
		msec = 0
	case timeout >= 0:
		msec = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}
	n, err := unix.EpollWait(r.epfd, r.kernel, msec)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return len(r.events), nil
		}
		return len(r.events), fmt.Errorf("epoll wait: %w", err)
	}
	for _, ev := range r.kernel[:n] {
		r.events = append(r.events, Event{
			FD:       int(ev.Fd),
			Incoming: ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0,
			Outgoing: ev.Events&unix.EPOLLOUT != 0,
		})
	}
	return len(r.events), nil
}

// EventAt returns the i-th event of the last Wait.
func (r *Reactor) EventAt(i int) Event {
	return r.events[i]
}

// Guard restores a descriptor suspended by Inhibit.
type Guard struct {
	r  *Reactor
	fd int
}

// Inhibit temporarily unsubscribes fd. The returned guard's Release
// subscribes it again with its previous interest, unless the descriptor
// was stopped or re-listened in the meantime. Use it as
//
//	guard := r.Inhibit(fd)
//	defer guard.Release()
func (r *Reactor) Inhibit(fd int) Guard {
	prev, ok := r.listening[fd]
	if !ok {
		return Guard{r: r, fd: -1}
	}
	if err := r.Stop(fd); err != nil {
		return Guard{r: r, fd: -1}
	}
	r.inhibited[fd] = prev
	return Guard{r: r, fd: fd}
}

// Release re-subscribes the inhibited descriptor. Calling it more than
// once is harmless.
func (g Guard) Release() error {
	if g.r == nil || g.fd < 0 {
		return nil
	}
	prev, ok := g.r.inhibited[g.fd]
	if !ok {
		return nil
	}
	delete(g.r.inhibited, g.fd)
	return g.r.Listen(g.fd, prev.incoming, prev.outgoing)
}

// Inhibited reports whether fd is currently suspended by a guard.
func (r *Reactor) Inhibited(fd int) bool {
	_, ok := r.inhibited[fd]
	return ok
}

// Close releases the epoll descriptor.
func (r *Reactor) Close() error {
	r.listening = nil
	r.inhibited = nil
	return unix.Close(r.epfd)
}
