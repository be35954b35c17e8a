package ui

import (
	"bytes"
	"testing"

	"github.com/inoki/muxd/internal/protocol"
)

func TestDescribeDetach(t *testing.T) {
	cases := []struct {
		note *protocol.DetachedNotification
		want string
	}{
		{&protocol.DetachedNotification{Mode: protocol.ReasonDetach}, "[detached from work]"},
		{&protocol.DetachedNotification{Mode: protocol.ReasonExit, ExitCode: 7}, "[work exited with code 7]"},
		{&protocol.DetachedNotification{Mode: protocol.ReasonServerShutdown}, "[server is shutting down]"},
		{&protocol.DetachedNotification{Mode: protocol.ReasonKicked, Reason: "client too slow"}, "[disconnected from work: client too slow]"},
		{nil, "[lost connection to work]"},
	}
	for _, c := range cases {
		if got := DescribeDetach("work", c.note); got != c.want {
			t.Fatalf("DescribeDetach(%+v) = %q, want %q", c.note, got, c.want)
		}
	}
}

func TestShowMessage(t *testing.T) {
	var out bytes.Buffer
	ShowMessage(&out, "hello")
	if out.String() != "\r\033[Khello\r\n" {
		t.Fatalf("ShowMessage wrote %q", out.String())
	}
}
