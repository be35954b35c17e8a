package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderSize is the length prefix of a frame.
	HeaderSize = 8
	// MaxMessageSize bounds a frame's payload. It must stay below the read
	// ceiling of every channel messages are received on.
	MaxMessageSize = 1 << 20
	// MaxFrameSize is the largest frame on the wire: header, payload and
	// terminator.
	MaxFrameSize = HeaderSize + MaxMessageSize + 1
)

// CheckReadBuffer reports an error unless a channel buffered with
// capacity and ceiling can hold a whole frame. A smaller buffer would
// overflow on every large message without ever completing it.
func CheckReadBuffer(capacity, ceiling int) error {
	if capacity <= 0 {
		return errors.New("messages need a read buffer")
	}
	if max(capacity, ceiling) < MaxFrameSize {
		return fmt.Errorf("read buffer ceiling %d is below the %d byte frame limit", max(capacity, ceiling), MaxFrameSize)
	}
	return nil
}

// Sender is the write side of a buffered channel.
type Sender interface {
	Write(p []byte) (int, error)
}

// Receiver is the read side of a buffered channel: Load pulls bytes from
// the descriptor into the buffer, Peek inspects them, Read consumes them.
type Receiver interface {
	ReadInBuffer() int
	Load(n int) (int, error)
	Peek(n int) []byte
	Read(n int) ([]byte, error)
}

// Frame encodes m and wraps it in a frame.
func Frame(codec Codec, m Message) ([]byte, error) {
	payload, err := codec.Encode(m)
	if err != nil {
		return nil, err
	}
	if len(payload) > MaxMessageSize {
		return nil, fmt.Errorf("%s: payload of %d bytes exceeds %d", m.Kind(), len(payload), MaxMessageSize)
	}
	frame := make([]byte, HeaderSize+len(payload)+1)
	binary.NativeEndian.PutUint64(frame, uint64(len(payload)))
	copy(frame[HeaderSize:], payload)
	return frame, nil
}

// SendMessage frames m onto ch. Whatever ch cannot send right away stays
// in its write buffer; an overflow error means the frame was not queued
// in full.
func SendMessage(ch Sender, codec Codec, m Message) error {
	frame, err := Frame(codec, m)
	if err != nil {
		return err
	}
	if _, err := ch.Write(frame); err != nil {
		return fmt.Errorf("send %s: %w", m.Kind(), err)
	}
	return nil
}

// ReceiveMessage takes one message off ch. If the frame has not fully
// arrived yet, it returns ok=false and leaves the partial frame buffered.
// A frame with an unknown kind is consumed and reported as
// ErrUnknownKind; any other error leaves the stream unusable.
func ReceiveMessage(ch Receiver, codec Codec) (m Message, ok bool, err error) {
	if have := ch.ReadInBuffer(); have < HeaderSize {
		if _, err := ch.Load(HeaderSize - have); err != nil {
			return nil, false, err
		}
		if ch.ReadInBuffer() < HeaderSize {
			return nil, false, nil
		}
	}
	size := binary.NativeEndian.Uint64(ch.Peek(HeaderSize))
	if size > MaxMessageSize {
		return nil, false, fmt.Errorf("%w: payload length %d exceeds %d", ErrMalformed, size, MaxMessageSize)
	}
	total := HeaderSize + int(size) + 1
	if have := ch.ReadInBuffer(); have < total {
		if _, err := ch.Load(total - have); err != nil {
			return nil, false, err
		}
		if ch.ReadInBuffer() < total {
			return nil, false, nil
		}
	}
	frame, err := ch.Read(total)
	if err != nil {
		return nil, false, err
	}
	return decodeFrame(codec, frame)
}

func decodeFrame(codec Codec, frame []byte) (Message, bool, error) {
	if frame[len(frame)-1] != 0 {
		return nil, false, fmt.Errorf("%w: missing frame terminator", ErrMalformed)
	}
	m, err := codec.Decode(frame[HeaderSize : len(frame)-1])
	if err != nil {
		return nil, true, err
	}
	return m, true, nil
}

// Encode writes m to a blocking writer.
func Encode(w io.Writer, codec Codec, m Message) error {
	frame, err := Frame(codec, m)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write %s: %w", m.Kind(), err)
	}
	return nil
}

// ReadMessage reads one message from a blocking reader.
func ReadMessage(r io.Reader, codec Codec) (Message, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("read message header: %w", err)
	}
	size := binary.NativeEndian.Uint64(header[:])
	if size > MaxMessageSize {
		return nil, fmt.Errorf("%w: payload length %d exceeds %d", ErrMalformed, size, MaxMessageSize)
	}
	frame := make([]byte, HeaderSize+int(size)+1)
	copy(frame, header[:])
	if _, err := io.ReadFull(r, frame[HeaderSize:]); err != nil {
		return nil, fmt.Errorf("read message payload: %w", err)
	}
	m, _, err := decodeFrame(codec, frame)
	return m, err
}
