// Package ringbuffer implements a growable circular buffer that shrinks
// back toward its original size once a burst of usage is over.
//
// The buffer is not safe for concurrent use. It is meant to be owned by a
// single reactor loop, the way channel buffers are.
package ringbuffer

import (
	"errors"
	"slices"
	"time"
)

// ErrOutOfRange is returned when an element is requested from an empty
// buffer or at an index past the logical size.
var ErrOutOfRange = errors.New("ringbuffer: index out of range")

const (
	// DefaultCapacity is used when a non-positive capacity is requested.
	DefaultCapacity = 16

	// DefaultIdleThreshold is how long a grown buffer must go without
	// growing again before it is shrunk back to its original capacity.
	DefaultIdleThreshold = 60 * time.Second

	// peakHistory is the number of "usage between two empty states"
	// peaks remembered for the shrink heuristic.
	peakHistory = 8
)

// RingBuffer is a circular store of T. The valid range is
// [origin, origin+size) modulo the capacity and may wrap past the
// physical end of the backing slice.
type RingBuffer[T any] struct {
	buf    []T
	origin int
	size   int

	originalCapacity int

	// currentPeak is the largest size seen since the buffer was last empty.
	currentPeak int
	peaks       [peakHistory]int
	peakCount   int
	peakNext    int

	lastGrow      time.Time
	idleThreshold time.Duration
	now           func() time.Time
}

// Option configures a RingBuffer.
type Option func(*options)

type options struct {
	idleThreshold time.Duration
	now           func() time.Time
}

// WithIdleThreshold overrides DefaultIdleThreshold.
func WithIdleThreshold(d time.Duration) Option {
	return func(o *options) { o.idleThreshold = d }
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New creates a ring buffer with room for capacity elements.
func New[T any](capacity int, opts ...Option) *RingBuffer[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	o := options{idleThreshold: DefaultIdleThreshold, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &RingBuffer[T]{
		buf:              make([]T, capacity),
		originalCapacity: capacity,
		idleThreshold:    o.idleThreshold,
		now:              o.now,
		lastGrow:         o.now(),
	}
}

// Len returns the number of stored elements.
func (r *RingBuffer[T]) Len() int { return r.size }

// Cap returns the physical capacity.
func (r *RingBuffer[T]) Cap() int { return len(r.buf) }

// Empty reports whether no elements are stored.
func (r *RingBuffer[T]) Empty() bool { return r.size == 0 }

// OriginalCapacity returns the capacity the buffer was created with.
func (r *RingBuffer[T]) OriginalCapacity() int { return r.originalCapacity }

// Peaks returns the recorded usage peaks, oldest first.
func (r *RingBuffer[T]) Peaks() []int {
	out := make([]int, 0, r.peakCount)
	start := r.peakNext - r.peakCount
	if start < 0 {
		start += peakHistory
	}
	for i := 0; i < r.peakCount; i++ {
		out = append(out, r.peaks[(start+i)%peakHistory])
	}
	return out
}

func (r *RingBuffer[T]) physical(logical int) int {
	return (r.origin + logical) % len(r.buf)
}

func (r *RingBuffer[T]) end() int {
	return r.physical(r.size)
}

// At returns the element at the 0-based logical index i.
func (r *RingBuffer[T]) At(i int) (T, error) {
	if i < 0 || i >= r.size {
		var zero T
		return zero, ErrOutOfRange
	}
	return r.buf[r.physical(i)], nil
}

// Front returns the oldest element.
func (r *RingBuffer[T]) Front() (T, error) { return r.At(0) }

// Back returns the newest element.
func (r *RingBuffer[T]) Back() (T, error) { return r.At(r.size - 1) }

// PushBack appends v, growing the buffer if it is full.
func (r *RingBuffer[T]) PushBack(v T) {
	if r.size == len(r.buf) {
		r.grow(r.size + 1)
	}
	r.buf[r.end()] = v
	r.size++
	r.notePeak()
}

// PushFront prepends v, growing the buffer if it is full.
func (r *RingBuffer[T]) PushFront(v T) {
	if r.size == len(r.buf) {
		r.grow(r.size + 1)
	}
	r.origin = (r.origin - 1 + len(r.buf)) % len(r.buf)
	r.buf[r.origin] = v
	r.size++
	r.notePeak()
}

// PopFront removes and returns the oldest element.
func (r *RingBuffer[T]) PopFront() (T, error) {
	var zero T
	if r.size == 0 {
		return zero, ErrOutOfRange
	}
	v := r.buf[r.origin]
	r.buf[r.origin] = zero
	r.origin = (r.origin + 1) % len(r.buf)
	r.size--
	r.afterRemove()
	return v, nil
}

// PopBack removes and returns the newest element.
func (r *RingBuffer[T]) PopBack() (T, error) {
	var zero T
	if r.size == 0 {
		return zero, ErrOutOfRange
	}
	idx := r.physical(r.size - 1)
	v := r.buf[idx]
	r.buf[idx] = zero
	r.size--
	r.afterRemove()
	return v, nil
}

// PeekFront copies up to n of the oldest elements without removing them.
func (r *RingBuffer[T]) PeekFront(n int) []T {
	n = min(n, r.size)
	if n <= 0 {
		return nil
	}
	out := make([]T, n)
	first := min(n, len(r.buf)-r.origin)
	copy(out, r.buf[r.origin:r.origin+first])
	copy(out[first:], r.buf[:n-first])
	return out
}

// TakeFront copies out and removes up to n of the oldest elements.
func (r *RingBuffer[T]) TakeFront(n int) []T {
	out := r.PeekFront(n)
	r.DropFront(len(out))
	return out
}

// DropFront removes up to n of the oldest elements without copying them.
func (r *RingBuffer[T]) DropFront(n int) {
	n = min(n, r.size)
	if n <= 0 {
		return
	}
	var zero T
	for i := 0; i < n; i++ {
		r.buf[r.physical(i)] = zero
	}
	r.origin = r.physical(n)
	r.size -= n
	r.afterRemove()
}

// PutBack appends all of p, growing as needed.
func (r *RingBuffer[T]) PutBack(p []T) {
	if len(p) == 0 {
		return
	}
	if r.size+len(p) > len(r.buf) {
		r.grow(r.size + len(p))
	}
	at := r.end()
	first := min(len(p), len(r.buf)-at)
	copy(r.buf[at:at+first], p[:first])
	copy(r.buf, p[first:])
	r.size += len(p)
	r.notePeak()
}

// Clear drops every element and runs the shrink heuristic.
func (r *RingBuffer[T]) Clear() {
	clear(r.buf)
	r.size = 0
	r.tryCleanup()
}

// grow reallocates to at least minimum elements by repeated doubling.
func (r *RingBuffer[T]) grow(minimum int) {
	newCap := max(len(r.buf), 1)
	for newCap < minimum {
		newCap *= 2
	}
	r.rotateToStart()
	buf := make([]T, newCap)
	copy(buf, r.buf[:r.size])
	r.buf = buf
	r.lastGrow = r.now()
}

// rotateToStart moves the logical content so that it begins at physical
// index 0, which makes it contiguous.
func (r *RingBuffer[T]) rotateToStart() {
	if r.origin == 0 {
		return
	}
	slices.Reverse(r.buf[:r.origin])
	slices.Reverse(r.buf[r.origin:])
	slices.Reverse(r.buf)
	r.origin = 0
}

func (r *RingBuffer[T]) notePeak() {
	if r.size > r.currentPeak {
		r.currentPeak = r.size
	}
}

func (r *RingBuffer[T]) afterRemove() {
	if r.size == 0 {
		r.tryCleanup()
	}
}

// tryCleanup runs whenever the buffer becomes empty.
func (r *RingBuffer[T]) tryCleanup() {
	if r.currentPeak > 0 {
		r.peaks[r.peakNext] = r.currentPeak
		r.peakNext = (r.peakNext + 1) % peakHistory
		if r.peakCount < peakHistory {
			r.peakCount++
		}
		r.currentPeak = 0
	}
	r.origin = 0

	if len(r.buf) <= r.originalCapacity {
		return
	}
	target := len(r.buf)
	if r.now().Sub(r.lastGrow) >= r.idleThreshold {
		target = r.originalCapacity
	} else if fit := r.majorityFit(); fit < target {
		target = fit
	}
	if target < len(r.buf) {
		r.buf = make([]T, target)
	}
}

// majorityFit returns the smallest original·2^k capacity that holds a
// strict majority of the recorded peaks.
func (r *RingBuffer[T]) majorityFit() int {
	if r.peakCount == 0 {
		return len(r.buf)
	}
	need := r.peakCount/2 + 1
	for c := r.originalCapacity; c < len(r.buf); c *= 2 {
		fits := 0
		for i := 0; i < r.peakCount; i++ {
			if r.peaks[i] <= c {
				fits++
			}
		}
		if fits >= need {
			return c
		}
	}
	return len(r.buf)
}
