package channel

import (
	"errors"
	"fmt"
)

var (
	// ErrFailed is returned by every I/O call on a channel that has
	// already failed once.
	ErrFailed = errors.New("channel has failed")

	// ErrNotPermitted is returned for I/O in the wrong direction of a
	// one-way channel, or for listening on a non-owning socket.
	ErrNotPermitted = errors.New("operation not permitted on this channel")

	// ErrReleased is returned when the channel no longer owns a handle.
	ErrReleased = errors.New("channel handle was released")

	// ErrNoBuffer is returned by operations that need a buffer the
	// channel was not configured with.
	ErrNoBuffer = errors.New("channel has no buffer in this direction")
)

// Direction names the buffer an OverflowError refers to.
type Direction int

const (
	DirectionRead Direction = iota
	DirectionWrite
)

func (d Direction) String() string {
	if d == DirectionRead {
		return "read"
	}
	return "write"
}

// OverflowError reports that buffering would exceed a channel's ceiling.
// Nothing that was already buffered is dropped when it is returned.
type OverflowError struct {
	Channel   string
	Direction Direction
	// Size is the buffer size that would have been reached.
	Size int
	// Ceiling is the configured maximum.
	Ceiling int
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("%s: %s buffer overflow: %d bytes exceed the %d byte limit",
		e.Channel, e.Direction, e.Size, e.Ceiling)
}

// IsOverflow reports whether err carries an *OverflowError.
func IsOverflow(err error) bool {
	var overflow *OverflowError
	return errors.As(err, &overflow)
}
