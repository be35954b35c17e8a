package ui

import (
	"fmt"
	"io"

	"github.com/inoki/muxd/internal/protocol"
)

// ShowMessage prints a one-line message on a clean line. It works in
// raw mode, where "\n" alone does not return the carriage.
func ShowMessage(out io.Writer, message string) {
	fmt.Fprint(out, "\r")
	ClearLine(out)
	fmt.Fprintf(out, "%s\r\n", message)
}

// DescribeDetach turns the notification that ended an attachment into
// the line shown to the user.
func DescribeDetach(session string, note *protocol.DetachedNotification) string {
	if note == nil {
		return fmt.Sprintf("[lost connection to %s]", session)
	}
	var msg string
	switch note.Mode {
	case protocol.ReasonDetach:
		msg = fmt.Sprintf("[detached from %s]", session)
	case protocol.ReasonExit:
		msg = fmt.Sprintf("[%s exited with code %d]", session, note.ExitCode)
	case protocol.ReasonServerShutdown:
		msg = "[server is shutting down]"
	case protocol.ReasonKicked:
		msg = fmt.Sprintf("[disconnected from %s]", session)
	default:
		msg = fmt.Sprintf("[detached from %s: %s]", session, note.Mode)
	}
	if note.Reason != "" {
		msg = msg[:len(msg)-1] + ": " + note.Reason + "]"
	}
	return msg
}
