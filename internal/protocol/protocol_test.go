package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"reflect"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/sys/unix"

	"github.com/inoki/muxd/internal/channel"
)

func socketPair(t *testing.T) (*channel.Socket, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	sock, err := channel.WrapSocket(channel.NewHandle(fds[0]), "test", channel.DefaultBufferOptions())
	if err != nil {
		t.Fatalf("WrapSocket: %v", err)
	}
	t.Cleanup(func() {
		sock.Close()
		unix.Close(fds[1])
	})
	return sock, fds[1]
}

func TestCodecPreservesFields(t *testing.T) {
	codec := CBORCodec{}
	in := &MakeSessionRequest{
		Name: "work",
		Spawn: SpawnOptions{
			Program:          "/bin/sh",
			Arguments:        []string{"-c", "exit 7"},
			SetEnvironment:   map[string]string{"A": "1"},
			UnsetEnvironment: []string{"B"},
			Rows:             24,
			Columns:          80,
		},
	}
	data, err := codec.Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !reflect.DeepEqual(out, in) {
		t.Fatalf("Decode = %#v, want %#v", out, in)
	}
}

func TestCodecUnknownKind(t *testing.T) {
	data, err := encMode.Marshal(envelope{Kind: 999, Body: cbor.RawMessage{0xa0}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, err := (CBORCodec{}).Decode(data); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("Decode = %v, want ErrUnknownKind", err)
	}
	if _, err := (CBORCodec{}).Decode([]byte{0xff, 0x00}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("Decode garbage = %v, want ErrMalformed", err)
	}
}

func TestReceiveMessageAcrossPartialArrival(t *testing.T) {
	sock, peer := socketPair(t)
	frame, err := Frame(CBORCodec{}, &AttachRequest{Name: "work"})
	if err != nil {
		t.Fatalf("Frame: %v", err)
	}

	// Header only, then half the payload, then the rest.
	cuts := []int{HeaderSize - 3, HeaderSize + 2, len(frame)}
	prev := 0
	for i, cut := range cuts {
		if _, err := unix.Write(peer, frame[prev:cut]); err != nil {
			t.Fatalf("write: %v", err)
		}
		prev = cut
		m, ok, err := ReceiveMessage(sock, CBORCodec{})
		if err != nil {
			t.Fatalf("ReceiveMessage: %v", err)
		}
		if last := i == len(cuts)-1; ok != last {
			t.Fatalf("step %d: ok = %v", i, ok)
		}
		if ok {
			req, isAttach := m.(*AttachRequest)
			if !isAttach || req.Name != "work" {
				t.Fatalf("received %#v", m)
			}
		}
	}
	if sock.ReadInBuffer() != 0 {
		t.Fatalf("%d bytes left in buffer", sock.ReadInBuffer())
	}
}

func TestReceiveTwoMessagesFromOneRead(t *testing.T) {
	sock, peer := socketPair(t)
	var stream bytes.Buffer
	Encode(&stream, CBORCodec{}, &DetachRequest{Mode: DetachAll})
	Encode(&stream, CBORCodec{}, &SignalRequest{Signal: 15})
	if _, err := unix.Write(peer, stream.Bytes()); err != nil {
		t.Fatalf("write: %v", err)
	}

	m, ok, err := ReceiveMessage(sock, CBORCodec{})
	if err != nil || !ok {
		t.Fatalf("first ReceiveMessage = %v, %v", ok, err)
	}
	if d, _ := m.(*DetachRequest); d == nil || d.Mode != DetachAll {
		t.Fatalf("first message = %#v", m)
	}
	if sock.ReadInBuffer() == 0 {
		t.Fatalf("second frame not kept in buffer")
	}
	m, ok, err = ReceiveMessage(sock, CBORCodec{})
	if err != nil || !ok {
		t.Fatalf("second ReceiveMessage = %v, %v", ok, err)
	}
	if s, _ := m.(*SignalRequest); s == nil || s.Signal != 15 {
		t.Fatalf("second message = %#v", m)
	}
}

func TestReceiveRejectsBadFrames(t *testing.T) {
	t.Run("missing terminator", func(t *testing.T) {
		sock, peer := socketPair(t)
		frame, _ := Frame(CBORCodec{}, &StatisticsRequest{})
		frame[len(frame)-1] = 'x'
		unix.Write(peer, frame)
		if _, _, err := ReceiveMessage(sock, CBORCodec{}); !errors.Is(err, ErrMalformed) {
			t.Fatalf("ReceiveMessage = %v, want ErrMalformed", err)
		}
	})
	t.Run("oversized", func(t *testing.T) {
		sock, peer := socketPair(t)
		var header [HeaderSize]byte
		binary.NativeEndian.PutUint64(header[:], MaxMessageSize+1)
		unix.Write(peer, header[:])
		if _, _, err := ReceiveMessage(sock, CBORCodec{}); !errors.Is(err, ErrMalformed) {
			t.Fatalf("ReceiveMessage = %v, want ErrMalformed", err)
		}
	})
}

func TestReceiveAfterPeerClose(t *testing.T) {
	sock, peer := socketPair(t)
	unix.Close(peer)
	if _, _, err := ReceiveMessage(sock, CBORCodec{}); err == nil {
		t.Fatalf("ReceiveMessage after close succeeded")
	}
}

func TestBlockingEncodeRead(t *testing.T) {
	var buf bytes.Buffer
	want := &DetachedNotification{Mode: ReasonExit, ExitCode: 7}
	if err := Encode(&buf, CBORCodec{}, want); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := ReadMessage(&buf, CBORCodec{})
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ReadMessage = %#v, want %#v", got, want)
	}
}

func TestCheckReadBuffer(t *testing.T) {
	cases := []struct {
		capacity, ceiling int
		ok                bool
	}{
		{4096, MaxFrameSize, true},
		{MaxFrameSize, 0, true},
		{4096, MaxFrameSize - 1, false},
		{0, 8 << 20, false},
	}
	for _, tc := range cases {
		if err := CheckReadBuffer(tc.capacity, tc.ceiling); (err == nil) != tc.ok {
			t.Fatalf("CheckReadBuffer(%d, %d) = %v, want ok=%t", tc.capacity, tc.ceiling, err, tc.ok)
		}
	}
}
