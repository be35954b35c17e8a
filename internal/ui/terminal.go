package ui

import (
	"os"

	"golang.org/x/term"
)

// Terminal is the user's terminal while a session is attached.
type Terminal struct {
	fd    int
	state *term.State
}

// IsTerminal reports whether f is a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// MakeRaw puts f into raw mode. Restore undoes it.
func MakeRaw(f *os.File) (*Terminal, error) {
	fd := int(f.Fd())
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	return &Terminal{fd: fd, state: state}, nil
}

// Restore returns the terminal to the mode it had before MakeRaw.
func (t *Terminal) Restore() error {
	return term.Restore(t.fd, t.state)
}

// Size returns the rows and columns of the terminal behind f. ok is
// false when f is not a terminal.
func Size(f *os.File) (rows, cols uint16, ok bool) {
	width, height, err := term.GetSize(int(f.Fd()))
	if err != nil || width <= 0 || height <= 0 {
		return 0, 0, false
	}
	return uint16(height), uint16(width), true
}
