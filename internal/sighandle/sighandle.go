//go:build linux

// Package sighandle is the process-wide signal state shared by the
// server and client loops.
//
// Go delivers signals to a runtime goroutine, never to a handler running
// on the interrupted thread. The forwarder goroutine started by Enable
// only touches Raw and wakes the reactor through a pipe; callbacks and
// dead-child processing run from the reactor loop via Drain and
// CollectDeadChildren.
package sighandle

import (
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
)

// Handling is the normal-context side of the signal state.
type Handling struct {
	raw *Raw

	mu        sync.Mutex
	callbacks map[syscall.Signal][]callback
	nextID    int
	enabled   map[syscall.Signal]bool
	ch        chan os.Signal
	done      chan struct{}
}

type callback struct {
	id int
	fn func(syscall.Signal)
}

var (
	instanceMu sync.Mutex
	instance   *Handling
)

// Get returns the process-wide Handling, creating it on first use.
func Get() (*Handling, error) {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance != nil {
		return instance, nil
	}
	raw, err := newRaw()
	if err != nil {
		return nil, err
	}
	h := &Handling{
		raw:       raw,
		callbacks: make(map[syscall.Signal][]callback),
		enabled:   make(map[syscall.Signal]bool),
		ch:        make(chan os.Signal, 16),
		done:      make(chan struct{}),
	}
	go h.forward()
	instance = h
	return h, nil
}

// Reset tears the singleton down: signal delivery returns to the
// default disposition and the next Get starts from scratch.
func Reset() {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance == nil {
		return
	}
	signal.Stop(instance.ch)
	close(instance.done)
	instance.raw.close()
	instance = nil
}

func (h *Handling) forward() {
	for {
		select {
		case sig := <-h.ch:
			if s, ok := sig.(syscall.Signal); ok {
				h.raw.NoteSignal(s)
			}
		case <-h.done:
			return
		}
	}
}

// Raw exposes the async-safe part, e.g. for child waiters.
func (h *Handling) Raw() *Raw { return h.raw }

// WakeFD is the read end of the wake pipe. It becomes readable whenever
// a signal arrives, a child exits or termination is requested.
func (h *Handling) WakeFD() int { return h.raw.wakeR }

// Enable starts catching sigs.
func (h *Handling) Enable(sigs ...syscall.Signal) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := make([]os.Signal, 0, len(sigs))
	for _, s := range sigs {
		h.enabled[s] = true
		list = append(list, s)
	}
	signal.Notify(h.ch, list...)
}

// Disable stops catching sigs and restores their default disposition.
func (h *Handling) Disable(sigs ...syscall.Signal) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := make([]os.Signal, 0, len(sigs))
	for _, s := range sigs {
		delete(h.enabled, s)
		list = append(list, s)
	}
	signal.Reset(list...)
}

// Ignore discards sigs, e.g. SIGPIPE.
func (h *Handling) Ignore(sigs ...syscall.Signal) {
	list := make([]os.Signal, 0, len(sigs))
	for _, s := range sigs {
		list = append(list, s)
	}
	signal.Ignore(list...)
}

// OnSignal registers cb to run from Drain for every delivery of sig.
// The returned func unregisters it.
func (h *Handling) OnSignal(sig syscall.Signal, cb func(syscall.Signal)) (remove func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.callbacks[sig] = append(h.callbacks[sig], callback{id: id, fn: cb})
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.callbacks[sig] = slices.DeleteFunc(h.callbacks[sig], func(c callback) bool { return c.id == id })
	}
}

// Drain empties the wake pipe and runs the callbacks of every signal
// received since the last call. Call it from the loop that polls WakeFD.
func (h *Handling) Drain() {
	h.raw.drainWake()
	for sig := 1; sig < maxSignal; sig++ {
		n := h.raw.takePending(sig)
		if n == 0 {
			continue
		}
		h.mu.Lock()
		cbs := slices.Clone(h.callbacks[syscall.Signal(sig)])
		h.mu.Unlock()
		for _, cb := range cbs {
			cb.fn(syscall.Signal(sig))
		}
	}
}

// CollectDeadChildren hands every recorded child exit to fn and frees
// its slot.
func (h *Handling) CollectDeadChildren(fn func(pid, code int)) {
	for i := range h.raw.dead {
		slot := &h.raw.dead[i]
		if slot.state.Load() != slotReady {
			continue
		}
		pid := int(slot.pid.Load())
		code := int(slot.code.Load())
		slot.state.Store(slotFree)
		fn(pid, code)
	}
}

// RequestTerminate raises the terminate flag and wakes the loop.
func (h *Handling) RequestTerminate() { h.raw.SetTerminate() }

// Terminating reports whether termination was requested.
func (h *Handling) Terminating() bool { return h.raw.Terminating() }
