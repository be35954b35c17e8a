//go:build linux

package sighandle

import (
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

// DeadChildSlots is the number of child exits that can be pending at once.
const DeadChildSlots = 32

// maxSignal bounds the per-signal pending counters.
const maxSignal = 65

const (
	slotFree int32 = iota
	slotWriting
	slotReady
)

type deadChild struct {
	state atomic.Int32
	pid   atomic.Int64
	code  atomic.Int64
}

// Raw is the part of the signal state written from asynchronous
// contexts. It holds only scalars and fixed-size arrays: stores are
// atomic and the only system call is one non-blocking write to the wake
// pipe.
type Raw struct {
	terminate atomic.Bool
	pending   [maxSignal]atomic.Uint32
	dead      [DeadChildSlots]deadChild
	wakeR     int
	wakeW     int
}

func newRaw() (*Raw, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, err
	}
	return &Raw{wakeR: fds[0], wakeW: fds[1]}, nil
}

// Wake makes the wake pipe readable. A full pipe already is.
func (r *Raw) Wake() {
	var b [1]byte
	_, _ = unix.Write(r.wakeW, b[:])
}

// NoteSignal records one delivery of sig.
func (r *Raw) NoteSignal(sig syscall.Signal) {
	if int(sig) > 0 && int(sig) < maxSignal {
		r.pending[sig].Add(1)
	}
	r.Wake()
}

// SetTerminate raises the terminate flag.
func (r *Raw) SetTerminate() {
	r.terminate.Store(true)
	r.Wake()
}

// Terminating reports whether the terminate flag is raised.
func (r *Raw) Terminating() bool { return r.terminate.Load() }

// RecordChildExit stores a dead child into a free slot. It reports false
// when every slot is in use; the caller retries later.
func (r *Raw) RecordChildExit(pid, code int) bool {
	for i := range r.dead {
		slot := &r.dead[i]
		if !slot.state.CompareAndSwap(slotFree, slotWriting) {
			continue
		}
		slot.pid.Store(int64(pid))
		slot.code.Store(int64(code))
		slot.state.Store(slotReady)
		r.Wake()
		return true
	}
	return false
}

func (r *Raw) takePending(sig int) uint32 {
	return r.pending[sig].Swap(0)
}

func (r *Raw) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(r.wakeR, buf[:])
		if err == unix.EINTR {
			continue
		}
		if n <= 0 || err != nil {
			return
		}
	}
}

func (r *Raw) close() {
	_ = unix.Close(r.wakeR)
	_ = unix.Close(r.wakeW)
}
