package channel

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func socketPair(t *testing.T) (*Socket, *Socket) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	a, err := WrapSocket(NewHandle(fds[0]), "a", DefaultBufferOptions())
	if err != nil {
		t.Fatalf("WrapSocket: %v", err)
	}
	b, err := WrapSocket(NewHandle(fds[1]), "b", DefaultBufferOptions())
	if err != nil {
		t.Fatalf("WrapSocket: %v", err)
	}
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestSocketPairStream(t *testing.T) {
	a, b := socketPair(t)

	if _, err := a.Write([]byte("ping")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := b.Read(16)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "ping" {
		t.Fatalf("Read = %q, want ping", got)
	}

	// Nothing pending is a short read, not an error.
	got, err = b.Read(16)
	if err != nil || len(got) != 0 {
		t.Fatalf("Read on empty socket = %q, %v", got, err)
	}
}

func TestSocketPeerCloseFailsChannel(t *testing.T) {
	a, b := socketPair(t)
	a.Close()

	if _, err := b.Read(1); err == nil {
		t.Fatalf("Read after peer close succeeded")
	}
	if !b.Failed() {
		t.Fatalf("Failed() = false after EOF")
	}
}

func TestBindListenAcceptConnect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.sock")
	listener, err := Bind(path, DefaultBufferOptions())
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if _, _, err := listener.Accept(DefaultBufferOptions()); !errors.Is(err, ErrNotPermitted) {
		t.Fatalf("Accept before Listen = %v, want ErrNotPermitted", err)
	}
	if err := listener.Listen(4); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	if _, recoverable, err := listener.Accept(DefaultBufferOptions()); !errors.Is(err, ErrNoPendingConnection) || !recoverable {
		t.Fatalf("Accept with nobody waiting = %v (recoverable %v)", err, recoverable)
	}

	client, err := Connect(path, DefaultBufferOptions())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()
	if err := client.Listen(1); !errors.Is(err, ErrNotPermitted) {
		t.Fatalf("Listen on a connected socket = %v, want ErrNotPermitted", err)
	}

	var server *Socket
	deadline := time.Now().Add(2 * time.Second)
	for server == nil {
		s, _, err := listener.Accept(DefaultBufferOptions())
		switch {
		case err == nil:
			server = s
		case errors.Is(err, ErrNoPendingConnection) && time.Now().Before(deadline):
			time.Sleep(10 * time.Millisecond)
		default:
			t.Fatalf("Accept: %v", err)
		}
	}
	defer server.Close()

	if _, err := client.Write([]byte("hi")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	var got []byte
	for len(got) < 2 && time.Now().Before(deadline) {
		data, err := server.Read(2 - len(got))
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		got = append(got, data...)
	}
	if string(got) != "hi" {
		t.Fatalf("server read %q, want hi", got)
	}

	if err := listener.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("socket path still exists after Close: %v", err)
	}
}

func TestPipeDirection(t *testing.T) {
	r, w, err := NewPipePair("test", DefaultBufferOptions())
	if err != nil {
		t.Fatalf("NewPipePair: %v", err)
	}
	defer r.Close()
	defer w.Close()

	if _, err := r.Write([]byte("x")); !errors.Is(err, ErrNotPermitted) {
		t.Fatalf("Write on read end = %v, want ErrNotPermitted", err)
	}
	if _, err := w.Read(1); !errors.Is(err, ErrNotPermitted) {
		t.Fatalf("Read on write end = %v, want ErrNotPermitted", err)
	}
	if _, err := w.Load(1); !errors.Is(err, ErrNotPermitted) {
		t.Fatalf("Load on write end = %v, want ErrNotPermitted", err)
	}

	if _, err := w.Write([]byte("through")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := r.Read(64)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "through" {
		t.Fatalf("Read = %q", got)
	}
}
