// Package framing implements the length-prefixed message codec used by
// the stdio and TCP transports, and by the gateway's backend
// connections: a 4-byte big-endian unsigned length followed by exactly
// that many bytes of UTF-8 JSON payload.
package framing

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxFrameSize is the default upper bound on a single frame's
// payload, per spec.md §4.1.
const DefaultMaxFrameSize = 1 << 20 // 1 MiB

// HeaderSize is the length of the frame's length prefix in bytes.
const HeaderSize = 4

// ErrZeroLength is returned when a frame declares a zero-byte payload.
var ErrZeroLength = errors.New("framing: zero-length frame")

// ErrFrameTooLarge is returned when a frame's declared length exceeds
// the codec's configured maximum.
var ErrFrameTooLarge = errors.New("framing: frame exceeds maximum size")

// ErrCancelled is returned when a read is aborted via its context.
var ErrCancelled = errors.New("framing: read cancelled")

// Codec reads and writes length-prefixed frames with a configurable
// maximum payload size. The zero value uses DefaultMaxFrameSize.
type Codec struct {
	MaxFrameSize int
}

func (c Codec) maxSize() int {
	if c.MaxFrameSize <= 0 {
		return DefaultMaxFrameSize
	}
	return c.MaxFrameSize
}

// WriteFrame writes one length-prefixed frame to sink: a single header
// write followed by a single payload write, then a flush if sink
// supports it. A zero-length or oversized payload is a programming
// error on the write side and is rejected before touching the wire.
func (c Codec) WriteFrame(sink io.Writer, payload []byte) error {
	if len(payload) == 0 {
		return ErrZeroLength
	}
	if len(payload) > c.maxSize() {
		return ErrFrameTooLarge
	}

	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	if _, err := sink.Write(header[:]); err != nil {
		return fmt.Errorf("framing: write header: %w", err)
	}
	if _, err := sink.Write(payload); err != nil {
		return fmt.Errorf("framing: write payload: %w", err)
	}
	if f, ok := sink.(flusher); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("framing: flush: %w", err)
		}
	}
	return nil
}

type flusher interface {
	Flush() error
}

// ReadFrame reads one complete frame from source: a 4-byte big-endian
// length header followed by exactly that many payload bytes. A
// zero-length or over-limit declared length is a fatal framing error
// per spec.md §4.1; the caller is expected to disconnect the peer.
func (c Codec) ReadFrame(ctx context.Context, source io.Reader) ([]byte, error) {
	header, err := ReadExact(ctx, source, HeaderSize)
	if err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header)
	if length == 0 {
		return nil, ErrZeroLength
	}
	if int(length) > c.maxSize() {
		return nil, ErrFrameTooLarge
	}

	payload, err := ReadExact(ctx, source, int(length))
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// ReadExact reads precisely n bytes from source, or fails with EOF,
// ErrCancelled, or an I/O error. It does not itself interrupt a blocked
// underlying read; ctx is checked before the read begins and is honored
// promptly by transports that wrap source in a deadline-aware conn.
func ReadExact(ctx context.Context, source io.Reader, n int) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ErrCancelled
	default:
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(source, buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	return buf, nil
}

// NewBufferedReader wraps r with buffering sized for typical MCP
// payloads, for transports that want to reuse one reader across many
// ReadFrame calls.
func NewBufferedReader(r io.Reader) *bufio.Reader {
	return bufio.NewReaderSize(r, 64*1024)
}
