package ui

import (
	"fmt"
	"io"
)

// ClearScreen clears the terminal screen.
func ClearScreen(out io.Writer) {
	_, _ = fmt.Fprint(out, "\033[2J")
}

// MoveCursor moves the cursor to the given row and column (1-based).
func MoveCursor(out io.Writer, row, col int) {
	if row < 1 {
		row = 1
	}
	if col < 1 {
		col = 1
	}
	_, _ = fmt.Fprintf(out, "\033[%d;%dH", row, col)
}

// ClearLine clears the current line from the cursor to the end.
func ClearLine(out io.Writer) {
	_, _ = fmt.Fprint(out, "\033[K")
}

// ClearScreenAndHome clears the screen and moves cursor to home.
func ClearScreenAndHome(out io.Writer) {
	ClearScreen(out)
	MoveCursor(out, 1, 1)
}
