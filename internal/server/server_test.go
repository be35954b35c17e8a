//go:build linux

package server

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/inoki/muxd/internal/channel"
	"github.com/inoki/muxd/internal/protocol"
)

var codec = protocol.CBORCodec{}

func startServer(t *testing.T, mutate func(*Options)) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "muxd.sock")
	opts := Options{SocketPath: path, Shell: "/bin/sh"}
	if mutate != nil {
		mutate(&opts)
	}
	srv, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	select {
	case <-srv.Ready():
	case err := <-done:
		cancel()
		t.Fatalf("Run: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatalf("server did not start")
	}
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Errorf("server did not stop")
		}
	})
	return path
}

func send(t *testing.T, conn net.Conn, m protocol.Message) {
	t.Helper()
	if err := protocol.Encode(conn, codec, m); err != nil {
		t.Fatalf("send %s: %v", m.Kind(), err)
	}
}

func receive(t *testing.T, conn net.Conn) protocol.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	m, err := protocol.ReadMessage(conn, codec)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	return m
}

func expect[T protocol.Message](t *testing.T, conn net.Conn) T {
	t.Helper()
	m := receive(t, conn)
	v, ok := m.(T)
	if !ok {
		t.Fatalf("received %T, want %T", m, v)
	}
	return v
}

func dial(t *testing.T, path string) (net.Conn, *protocol.ConnectionNotification) {
	t.Helper()
	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, expect[*protocol.ConnectionNotification](t, conn)
}

type testClient struct {
	id      uint64
	nonce   string
	control net.Conn
	data    net.Conn
}

func connect(t *testing.T, path string) *testClient {
	t.Helper()
	control, note := dial(t, path)
	if !note.Accepted {
		t.Fatalf("control connection rejected: %s", note.Reason)
	}
	send(t, control, &protocol.ClientIDRequest{})
	id := expect[*protocol.ClientIDResponse](t, control)

	data, note := dial(t, path)
	if !note.Accepted {
		t.Fatalf("data connection rejected: %s", note.Reason)
	}
	send(t, data, &protocol.DataSocketRequest{ID: id.ID, Nonce: id.Nonce})
	if resp := expect[*protocol.DataSocketResponse](t, data); !resp.Success {
		t.Fatalf("data socket refused")
	}
	return &testClient{id: id.ID, nonce: id.Nonce, control: control, data: data}
}

func (c *testClient) makeSession(t *testing.T, name string, args ...string) *protocol.MakeSessionResponse {
	t.Helper()
	spawn := protocol.SpawnOptions{Rows: 24, Columns: 80}
	if len(args) > 0 {
		spawn.Program = "/bin/sh"
		spawn.Arguments = args
	}
	send(t, c.control, &protocol.MakeSessionRequest{Name: name, Spawn: spawn})
	return expect[*protocol.MakeSessionResponse](t, c.control)
}

func (c *testClient) attach(t *testing.T, name string) {
	t.Helper()
	send(t, c.control, &protocol.AttachRequest{Name: name})
	if resp := expect[*protocol.AttachResponse](t, c.control); !resp.Success {
		t.Fatalf("attach to %q failed", name)
	}
}

// readUntil reads from conn until marker shows up and returns everything
// read up to and including it.
func readUntil(t *testing.T, conn net.Conn, marker string) []byte {
	t.Helper()
	var got []byte
	buf := make([]byte, 4096)
	deadline := time.Now().Add(5 * time.Second)
	for !bytes.Contains(got, []byte(marker)) {
		conn.SetReadDeadline(deadline)
		n, err := conn.Read(buf)
		got = append(got, buf[:n]...)
		if err != nil {
			t.Fatalf("reading for %q: %v (got %q)", marker, err, got)
		}
	}
	end := bytes.Index(got, []byte(marker)) + len(marker)
	return got[:end]
}

// drainUntil reads conn until marker shows up, keeping only a short tail
// of what it read.
func drainUntil(t *testing.T, conn net.Conn, marker string) {
	t.Helper()
	var tail []byte
	buf := make([]byte, 32*1024)
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	for {
		n, err := conn.Read(buf)
		tail = append(tail, buf[:n]...)
		if bytes.Contains(tail, []byte(marker)) {
			return
		}
		if err != nil {
			t.Fatalf("reading for %q: %v", marker, err)
		}
		if len(tail) > 64 {
			tail = append([]byte(nil), tail[len(tail)-64:]...)
		}
	}
}

func TestSessionOutputReachesEveryClient(t *testing.T) {
	path := startServer(t, nil)
	a := connect(t, path)
	b := connect(t, path)

	if resp := a.makeSession(t, "work", "-c", `read line; echo "got $line"; read more; echo "then $more"; read last`); !resp.Success {
		t.Fatalf("MakeSession: %s", resp.Reason)
	}
	a.attach(t, "work")
	b.attach(t, "work")

	if _, err := a.data.Write([]byte("hello\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	fromA := readUntil(t, a.data, "got hello")
	fromB := readUntil(t, b.data, "got hello")
	if !bytes.Equal(fromA, fromB) {
		t.Fatalf("clients saw different output:\n%q\n%q", fromA, fromB)
	}

	send(t, a.control, &protocol.DetachRequest{Mode: protocol.DetachSelf})
	if resp := expect[*protocol.DetachResponse](t, a.control); resp.Detached != 1 {
		t.Fatalf("Detached = %d, want 1", resp.Detached)
	}
	if note := expect[*protocol.DetachedNotification](t, a.control); note.Mode != protocol.ReasonDetach {
		t.Fatalf("notification mode = %s", note.Mode)
	}

	if _, err := b.data.Write([]byte("again\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	readUntil(t, b.data, "then again")

	send(t, b.control, &protocol.SessionListRequest{})
	list := expect[*protocol.SessionListResponse](t, b.control)
	if len(list.Sessions) != 1 || list.Sessions[0].Name != "work" || list.Sessions[0].Clients != 1 {
		t.Fatalf("session list = %+v", list.Sessions)
	}
}

func TestSessionExitNotifiesAttachedClients(t *testing.T) {
	path := startServer(t, nil)
	a := connect(t, path)
	b := connect(t, path)

	a.makeSession(t, "short", "-c", "read x; exit 7")
	a.attach(t, "short")
	b.attach(t, "short")

	if _, err := b.data.Write([]byte("\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	for name, c := range map[string]*testClient{"a": a, "b": b} {
		note := expect[*protocol.DetachedNotification](t, c.control)
		if note.Mode != protocol.ReasonExit || note.ExitCode != 7 {
			t.Fatalf("client %s: notification = %+v, want exit 7", name, note)
		}
	}

	send(t, a.control, &protocol.SessionListRequest{})
	if list := expect[*protocol.SessionListResponse](t, a.control); len(list.Sessions) != 0 {
		t.Fatalf("exited session still listed: %+v", list.Sessions)
	}
}

func TestSignalRequestKillsSession(t *testing.T) {
	path := startServer(t, nil)
	a := connect(t, path)
	b := connect(t, path)

	a.makeSession(t, "victim", "-c", "read x")
	a.attach(t, "victim")
	b.attach(t, "victim")

	send(t, b.control, &protocol.SignalRequest{Signal: 9})
	for _, c := range []*testClient{a, b} {
		note := expect[*protocol.DetachedNotification](t, c.control)
		if note.Mode != protocol.ReasonExit || note.ExitCode != 128+9 {
			t.Fatalf("client %d: notification = %+v, want exit 137", c.id, note)
		}
	}
}

func TestStaleNonceIsRejected(t *testing.T) {
	path := startServer(t, nil)
	a := connect(t, path)

	third, _ := dial(t, path)
	send(t, third, &protocol.DataSocketRequest{ID: a.id, Nonce: a.nonce})
	if resp := expect[*protocol.DataSocketResponse](t, third); resp.Success {
		t.Fatalf("consumed nonce accepted")
	}
	send(t, third, &protocol.DataSocketRequest{ID: a.id + 100, Nonce: "whatever"})
	if resp := expect[*protocol.DataSocketResponse](t, third); resp.Success {
		t.Fatalf("unknown client accepted")
	}

	// Neither connection changed state.
	send(t, third, &protocol.SessionListRequest{})
	expect[*protocol.SessionListResponse](t, third)
	a.makeSession(t, "still-works", "-c", "read x")
	a.attach(t, "still-works")
}

func TestDataSocketNeedsIssuedNonce(t *testing.T) {
	path := startServer(t, nil)
	control, _ := dial(t, path)
	send(t, control, &protocol.ClientIDRequest{})
	id := expect[*protocol.ClientIDResponse](t, control)

	second, _ := dial(t, path)
	send(t, second, &protocol.DataSocketRequest{ID: id.ID, Nonce: id.Nonce + "x"})
	if resp := expect[*protocol.DataSocketResponse](t, second); resp.Success {
		t.Fatalf("wrong nonce accepted")
	}
	// The right nonce still works: a failed claim does not consume it.
	send(t, second, &protocol.DataSocketRequest{ID: id.ID, Nonce: id.Nonce})
	if resp := expect[*protocol.DataSocketResponse](t, second); !resp.Success {
		t.Fatalf("valid nonce refused")
	}

	send(t, control, &protocol.AttachRequest{Name: "missing"})
	if resp := expect[*protocol.AttachResponse](t, control); resp.Success {
		t.Fatalf("attached to a missing session")
	}
}

func TestAttachWithoutDataSocketFails(t *testing.T) {
	path := startServer(t, nil)
	a := connect(t, path)
	a.makeSession(t, "work", "-c", "read x")

	lonely, _ := dial(t, path)
	send(t, lonely, &protocol.AttachRequest{Name: "work"})
	if resp := expect[*protocol.AttachResponse](t, lonely); resp.Success {
		t.Fatalf("attach succeeded without a data socket")
	}
}

func TestMakeSessionNames(t *testing.T) {
	path := startServer(t, nil)
	a := connect(t, path)

	if resp := a.makeSession(t, "", "-c", "read x"); !resp.Success || resp.Name != "1" {
		t.Fatalf("first unnamed session = %+v, want 1", resp)
	}
	if resp := a.makeSession(t, "", "-c", "read x"); !resp.Success || resp.Name != "2" {
		t.Fatalf("second unnamed session = %+v, want 2", resp)
	}
	if resp := a.makeSession(t, "work", "-c", "read x"); !resp.Success {
		t.Fatalf("MakeSession(work): %s", resp.Reason)
	}
	resp := a.makeSession(t, "work", "-c", "read x")
	if resp.Success || !strings.Contains(resp.Reason, "already exists") {
		t.Fatalf("duplicate name = %+v", resp)
	}

	send(t, a.control, &protocol.SessionListRequest{})
	list := expect[*protocol.SessionListResponse](t, a.control)
	var names []string
	for _, s := range list.Sessions {
		names = append(names, s.Name)
		if s.PID <= 0 {
			t.Fatalf("session %s has no pid", s.Name)
		}
	}
	if strings.Join(names, ",") != "1,2,work" {
		t.Fatalf("sessions = %v", names)
	}
}

func TestDescriptorLimitRejectsClients(t *testing.T) {
	// Room for exactly one client: control and data socket.
	path := startServer(t, func(o *Options) {
		o.MaxHandles = baseHandles + 2 + 2
		o.SpareHandles = 1
	})
	connect(t, path)

	_, note := dial(t, path)
	if note.Accepted || note.Reason != ReasonDescriptorLimit {
		t.Fatalf("notification = %+v, want rejection", note)
	}
}

func TestMalformedMessageKeepsConnection(t *testing.T) {
	path := startServer(t, nil)
	conn, _ := dial(t, path)

	frame := make([]byte, protocol.HeaderSize+2)
	binary.NativeEndian.PutUint64(frame, 1)
	frame[protocol.HeaderSize] = 0xff
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("write: %v", err)
	}
	send(t, conn, &protocol.StatisticsRequest{})
	stats := expect[*protocol.StatisticsResponse](t, conn)
	if !strings.Contains(stats.Contents, "clients: 1") {
		t.Fatalf("statistics = %q", stats.Contents)
	}
}

func TestPipelinedRequestsAreAllAnswered(t *testing.T) {
	path := startServer(t, nil)
	conn, _ := dial(t, path)

	var batch bytes.Buffer
	for i := 0; i < 3; i++ {
		if err := protocol.Encode(&batch, codec, &protocol.SessionListRequest{}); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}
	if _, err := conn.Write(batch.Bytes()); err != nil {
		t.Fatalf("write: %v", err)
	}
	for i := 0; i < 3; i++ {
		expect[*protocol.SessionListResponse](t, conn)
	}
}

func TestShutdownNotifiesClientsAndRemovesSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "muxd.sock")
	srv, err := New(Options{SocketPath: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Run(context.Background()) }()
	<-srv.Ready()

	a := connect(t, path)
	a.makeSession(t, "work", "-c", "read x")
	a.attach(t, "work")

	srv.Interrupt()
	note := expect[*protocol.DetachedNotification](t, a.control)
	if note.Mode != protocol.ReasonServerShutdown {
		t.Fatalf("notification = %+v", note)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("server did not stop")
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("socket left behind: %v", err)
	}
}

func TestSecondServerRefusesLiveSocket(t *testing.T) {
	path := startServer(t, nil)
	other, err := New(Options{SocketPath: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := other.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("Run = %v, want ErrAlreadyRunning", err)
	}
	// The first server is unaffected.
	connect(t, path)
}

func TestDataSocketClaimNeedsBareConnection(t *testing.T) {
	path := startServer(t, nil)
	full := connect(t, path)
	full.makeSession(t, "work", "-c", "read x")
	full.attach(t, "work")

	bare, _ := dial(t, path)
	send(t, bare, &protocol.ClientIDRequest{})
	id := expect[*protocol.ClientIDResponse](t, bare)

	// An attached client with its own data socket cannot turn its control
	// connection into somebody else's data socket.
	send(t, full.control, &protocol.DataSocketRequest{ID: id.ID, Nonce: id.Nonce})
	if resp := expect[*protocol.DataSocketResponse](t, full.control); resp.Success {
		t.Fatalf("claim from a connected client accepted")
	}

	send(t, full.control, &protocol.SessionListRequest{})
	list := expect[*protocol.SessionListResponse](t, full.control)
	if len(list.Sessions) != 1 || list.Sessions[0].Clients != 1 {
		t.Fatalf("session list = %+v", list.Sessions)
	}
	send(t, full.control, &protocol.StatisticsRequest{})
	stats := expect[*protocol.StatisticsResponse](t, full.control)
	if !strings.Contains(stats.Contents, fmt.Sprintf("client %d session work,", full.id)) {
		t.Fatalf("statistics = %q", stats.Contents)
	}

	// The refused claim left the nonce for its rightful data socket.
	data, _ := dial(t, path)
	send(t, data, &protocol.DataSocketRequest{ID: id.ID, Nonce: id.Nonce})
	if resp := expect[*protocol.DataSocketResponse](t, data); !resp.Success {
		t.Fatalf("valid claim refused")
	}
}

func TestSlowClientIsKicked(t *testing.T) {
	path := startServer(t, func(o *Options) {
		o.Buffers = channel.BufferOptions{
			ReadCapacity:  4096,
			ReadCeiling:   protocol.MaxFrameSize,
			WriteCapacity: 4096,
			WriteCeiling:  64 * 1024,
			ReadChunk:     4096,
			WriteChunk:    4096,
		}
	})
	fast := connect(t, path)
	slow := connect(t, path)

	fast.makeSession(t, "flood", "-c", `read x; head -c 4000000 /dev/zero | tr '\0' x; echo; echo DONE; read y`)
	fast.attach(t, "flood")
	slow.attach(t, "flood")
	if _, err := fast.data.Write([]byte("\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	// slow never reads its data socket.
	drainUntil(t, fast.data, "DONE")

	note := expect[*protocol.DetachedNotification](t, slow.control)
	if note.Mode != protocol.ReasonKicked || !strings.Contains(note.Reason, "bytes pending") {
		t.Fatalf("notification = %+v, want a kick with the pending byte count", note)
	}
	slow.control.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := slow.control.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Fatalf("kicked client still connected: %v", err)
	}

	send(t, fast.control, &protocol.SessionListRequest{})
	list := expect[*protocol.SessionListResponse](t, fast.control)
	if len(list.Sessions) != 1 || list.Sessions[0].Clients != 1 {
		t.Fatalf("session list = %+v", list.Sessions)
	}
}

func TestNewRejectsReadBufferBelowFrameSize(t *testing.T) {
	_, err := New(Options{
		SocketPath: filepath.Join(t.TempDir(), "muxd.sock"),
		Buffers: channel.BufferOptions{
			ReadCapacity:  4096,
			ReadCeiling:   64 * 1024,
			WriteCapacity: 4096,
			WriteCeiling:  64 * 1024,
		},
	})
	if err == nil {
		t.Fatalf("New accepted a read ceiling below the frame size")
	}
}
