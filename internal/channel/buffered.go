package channel

import (
	"fmt"

	"github.com/inoki/muxd/internal/ringbuffer"
)

const (
	// DefaultBufferSize is the initial capacity of each buffer.
	DefaultBufferSize = 4 * 1024
	// DefaultBufferCeiling is the most a buffer may hold before overflow.
	DefaultBufferCeiling = 8 * 1024 * 1024
	// DefaultChunkSize is the size of each raw read or write.
	DefaultChunkSize = 4 * 1024
)

// BufferOptions configures the buffers of a BufferedChannel. A zero
// capacity leaves that direction unbuffered.
type BufferOptions struct {
	ReadCapacity  int
	ReadCeiling   int
	WriteCapacity int
	WriteCeiling  int
	ReadChunk     int
	WriteChunk    int
}

// DefaultBufferOptions buffers both directions with the package defaults.
func DefaultBufferOptions() BufferOptions {
	return BufferOptions{
		ReadCapacity:  DefaultBufferSize,
		ReadCeiling:   DefaultBufferCeiling,
		WriteCapacity: DefaultBufferSize,
		WriteCeiling:  DefaultBufferCeiling,
		ReadChunk:     DefaultChunkSize,
		WriteChunk:    DefaultChunkSize,
	}
}

func (o BufferOptions) readOnly() BufferOptions {
	o.WriteCapacity, o.WriteCeiling = 0, 0
	return o
}

func (o BufferOptions) writeOnly() BufferOptions {
	o.ReadCapacity, o.ReadCeiling = 0, 0
	return o
}

// BufferedChannel adds bounded read and write buffers to a Channel.
//
// Reads that return more than the caller asked for keep the excess for
// the next call. Writes that the descriptor does not fully accept keep
// the unsent tail and send it, in order, before any later data.
type BufferedChannel struct {
	*Channel

	readBuf      *ringbuffer.RingBuffer[byte]
	readCeiling  int
	writeBuf     *ringbuffer.RingBuffer[byte]
	writeCeiling int
	readChunk    int
	writeChunk   int
}

func newBufferedChannel(c *Channel, opts BufferOptions) *BufferedChannel {
	b := &BufferedChannel{
		Channel:    c,
		readChunk:  opts.ReadChunk,
		writeChunk: opts.WriteChunk,
	}
	if b.readChunk <= 0 {
		b.readChunk = DefaultChunkSize
	}
	if b.writeChunk <= 0 {
		b.writeChunk = DefaultChunkSize
	}
	if opts.ReadCapacity > 0 {
		b.readBuf = ringbuffer.New[byte](opts.ReadCapacity)
		b.readCeiling = max(opts.ReadCeiling, opts.ReadCapacity)
	}
	if opts.WriteCapacity > 0 {
		b.writeBuf = ringbuffer.New[byte](opts.WriteCapacity)
		b.writeCeiling = max(opts.WriteCeiling, opts.WriteCapacity)
	}
	return b
}

// ReadInBuffer is the number of bytes read from the descriptor but not
// yet returned to a caller.
func (b *BufferedChannel) ReadInBuffer() int {
	if b.readBuf == nil {
		return 0
	}
	return b.readBuf.Len()
}

// WriteInBuffer is the number of bytes accepted by Write but not yet sent.
func (b *BufferedChannel) WriteInBuffer() int {
	if b.writeBuf == nil {
		return 0
	}
	return b.writeBuf.Len()
}

// HasBufferedRead reports whether Read can return data without touching
// the descriptor.
func (b *BufferedChannel) HasBufferedRead() bool { return b.ReadInBuffer() > 0 }

// HasBufferedWrite reports whether FlushWrites has anything to send.
func (b *BufferedChannel) HasBufferedWrite() bool { return b.WriteInBuffer() > 0 }

// ReadRoom is how many more bytes the read buffer may hold.
func (b *BufferedChannel) ReadRoom() int {
	if b.readBuf == nil {
		return 0
	}
	return b.readCeiling - b.readBuf.Len()
}

// WriteRoom is how many more bytes the write buffer may hold.
func (b *BufferedChannel) WriteRoom() int {
	if b.writeBuf == nil {
		return 0
	}
	return b.writeCeiling - b.writeBuf.Len()
}

func (b *BufferedChannel) overflow(dir Direction, size int) *OverflowError {
	ceiling := b.readCeiling
	if dir == DirectionWrite {
		ceiling = b.writeCeiling
	}
	return &OverflowError{Channel: b.identifier, Direction: dir, Size: size, Ceiling: ceiling}
}

// Read returns up to n bytes. Buffered bytes are served first; the rest
// comes from the descriptor in chunks until n bytes are collected or the
// descriptor runs dry. A short result is not an error.
func (b *BufferedChannel) Read(n int) ([]byte, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	out := make([]byte, 0, n)
	if b.readBuf != nil && !b.readBuf.Empty() {
		out = append(out, b.readBuf.TakeFront(n)...)
	}
	for len(out) < n {
		want := n - len(out)
		chunk := b.readChunk
		if limit := want + b.ReadRoom(); chunk > limit {
			chunk = limit
		}
		data, more, err := b.readOnce(chunk)
		if len(data) > want {
			out = append(out, data[:want]...)
			b.readBuf.PutBack(data[want:])
		} else {
			out = append(out, data...)
		}
		if err != nil {
			return out, err
		}
		if !more || len(data) < chunk {
			break
		}
	}
	return out, nil
}

// Peek returns up to n buffered bytes without consuming them. It never
// touches the descriptor; use Load first.
func (b *BufferedChannel) Peek(n int) []byte {
	if b.readBuf == nil {
		return nil
	}
	return b.readBuf.PeekFront(n)
}

// Load reads at least n bytes from the descriptor into the read buffer,
// stopping early if the descriptor runs dry, and returns how many bytes
// were loaded.
func (b *BufferedChannel) Load(n int) (int, error) {
	if err := b.check(); err != nil {
		return 0, err
	}
	if b.readBuf == nil {
		return 0, fmt.Errorf("%s: load: %w", b.identifier, ErrNoBuffer)
	}
	if size := b.readBuf.Len() + n; size > b.readCeiling {
		return 0, b.overflow(DirectionRead, size)
	}
	loaded := 0
	for loaded < n {
		chunk := min(max(b.readChunk, n-loaded), b.ReadRoom())
		data, more, err := b.readOnce(chunk)
		b.readBuf.PutBack(data)
		loaded += len(data)
		if err != nil {
			return loaded, err
		}
		if !more || len(data) < chunk {
			break
		}
	}
	return loaded, nil
}

// Write sends data, buffering whatever the descriptor does not take.
// Pending bytes always go out first: if they cannot all be flushed, data
// is buffered as a whole. The returned count is how much of data was
// physically sent by this call. On an *OverflowError, data[n:] was
// neither sent nor buffered.
func (b *BufferedChannel) Write(data []byte) (int, error) {
	if err := b.check(); err != nil {
		return 0, err
	}
	if b.HasBufferedWrite() {
		if _, err := b.FlushWrites(); err != nil {
			return 0, err
		}
		if b.HasBufferedWrite() {
			return 0, b.bufferWrite(data)
		}
	}

	written := 0
	for written < len(data) {
		chunk := data[written:min(len(data), written+b.writeChunk)]
		n, more, err := b.writeOnce(chunk)
		written += n
		if err != nil {
			return written, err
		}
		if !more || n < len(chunk) {
			break
		}
	}
	if written < len(data) {
		return written, b.bufferWrite(data[written:])
	}
	return written, nil
}

func (b *BufferedChannel) bufferWrite(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if b.writeBuf == nil {
		return b.overflow(DirectionWrite, len(data))
	}
	if size := b.writeBuf.Len() + len(data); size > b.writeCeiling {
		return b.overflow(DirectionWrite, size)
	}
	b.writeBuf.PutBack(data)
	return nil
}

// FlushWrites sends as much of the write buffer as the descriptor takes
// and returns the number of bytes sent. It never grows the buffer.
func (b *BufferedChannel) FlushWrites() (int, error) {
	if err := b.check(); err != nil {
		return 0, err
	}
	sent := 0
	for b.HasBufferedWrite() {
		chunk := b.writeBuf.PeekFront(b.writeChunk)
		n, more, err := b.writeOnce(chunk)
		b.writeBuf.DropFront(n)
		sent += n
		if err != nil {
			return sent, err
		}
		if !more || n < len(chunk) {
			break
		}
	}
	return sent, nil
}
