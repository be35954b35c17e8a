//go:build linux

package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/inoki/muxd/internal/client"
	"github.com/inoki/muxd/internal/protocol"
	"github.com/inoki/muxd/internal/server"
)

func TestParseArgs(t *testing.T) {
	o, err := parseArgs([]string{"-S", "work", "--socket", "/tmp/x.sock", "-m", "vim", "-n", "file"}, io.Discard)
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if o.name != "work" || o.socket != "/tmp/x.sock" || !o.detached {
		t.Fatalf("options = %+v", o)
	}
	// Flags after the program belong to the program.
	if strings.Join(o.args, " ") != "vim -n file" {
		t.Fatalf("args = %q", o.args)
	}

	if _, err := parseArgs([]string{"--no-such-flag"}, io.Discard); err == nil {
		t.Fatalf("unknown flag accepted")
	}
}

func TestLoadConfigFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("MUXD_CONFIG", "")
	t.Setenv("MUXD_SOCKET", "/tmp/from-env.sock")
	t.Setenv("MUXD_ESCAPE", "^Bb")

	cfg, err := loadConfig(&options{socket: "/tmp/from-flag.sock"})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Socket != "/tmp/from-flag.sock" || cfg.Escape != "^Bb" {
		t.Fatalf("config = socket %s escape %s", cfg.Socket, cfg.Escape)
	}

	if _, err := loadConfig(&options{encoding: "EBCDIC"}); err == nil {
		t.Fatalf("unsupported encoding accepted")
	}
}

func TestServerAbsent(t *testing.T) {
	if !serverAbsent(fmt.Errorf("connect: %w", syscall.ECONNREFUSED)) || !serverAbsent(syscall.ENOENT) {
		t.Fatalf("missing server not recognised")
	}
	if serverAbsent(syscall.EACCES) {
		t.Fatalf("permission error treated as a missing server")
	}
}

func TestReadyPipe(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r.Close()
	ready := make(chan struct{})
	close(ready)
	notifyReady(ready, w)
	if err := waitForServerReady(r); err != nil {
		t.Fatalf("waitForServerReady: %v", err)
	}

	r2, w2, _ := os.Pipe()
	defer r2.Close()
	w2.Close()
	if err := waitForServerReady(r2); err == nil || !strings.Contains(err.Error(), "exited") {
		t.Fatalf("closed pipe = %v", err)
	}
}

func TestTakeReadyPipeClearsEnvironment(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()
	fd, err := syscall.Dup(int(w.Fd()))
	if err != nil {
		t.Fatalf("dup: %v", err)
	}
	t.Setenv(readyFDEnv, fmt.Sprint(fd))
	f := takeReadyPipe()
	if f == nil {
		t.Fatalf("ready pipe not adopted")
	}
	defer f.Close()
	if _, ok := os.LookupEnv(readyFDEnv); ok {
		t.Fatalf("%s still set", readyFDEnv)
	}
}

func TestListSessions(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "muxd.sock")
	srv, err := server.New(server.Options{SocketPath: socket})
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	defer func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Errorf("server did not stop")
		}
	}()
	<-srv.Ready()

	c, err := connect(socket, "", client.Options{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	var out bytes.Buffer
	if err := listSessions(c, &out); err != nil {
		t.Fatalf("listSessions: %v", err)
	}
	if out.String() != "No sessions.\n" {
		t.Fatalf("empty listing = %q", out.String())
	}

	if err := c.Handshake(); err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if _, err := c.MakeSession("work", protocol.SpawnOptions{Program: "/bin/sh", Arguments: []string{"-c", "read x"}}); err != nil {
		t.Fatalf("MakeSession: %v", err)
	}
	out.Reset()
	if err := listSessions(c, &out); err != nil {
		t.Fatalf("listSessions: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "NAME") || !strings.HasPrefix(lines[1], "work ") {
		t.Fatalf("listing = %q", out.String())
	}
}
