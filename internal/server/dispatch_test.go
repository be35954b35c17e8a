//go:build linux

package server

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/inoki/muxd/internal/reactor"
)

func TestDispatchDropsDescriptorWithoutOwner(t *testing.T) {
	s := setupServer(t, Options{})
	for _, e := range []entity{
		{kind: entityData, clientID: 99},
		{kind: entityControl, clientID: 99},
		{kind: entitySessionOutput, session: "gone"},
	} {
		var fds [2]int
		if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
			t.Fatalf("pipe: %v", err)
		}
		t.Cleanup(func() { unix.Close(fds[0]) })
		s.lookup[fds[0]] = e
		if err := s.reactor.Listen(fds[0], true, false); err != nil {
			t.Fatalf("listen: %v", err)
		}
		// The hang-up stays pending for as long as the pipe is polled.
		unix.Close(fds[1])

		s.dispatch(reactor.Event{FD: fds[0], Incoming: true})
		if _, ok := s.lookup[fds[0]]; ok {
			t.Fatalf("%v: descriptor still looked up", e.kind)
		}
		if _, _, ok := s.reactor.Listening(fds[0]); ok {
			t.Fatalf("%v: descriptor still polled", e.kind)
		}
	}
}
