package mcpforge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/mcpforge/mcpforge/internal/framing"
)

// stdioClientID is the constant rate-limiter/auth key for the stdio
// transport, per spec.md §3: stdio has no peer identity.
const stdioClientID = "stdio"

// StdioTransport reads and writes length-prefixed frames over a pair of
// byte streams, by default os.Stdin/os.Stdout. Grounded on teacher's
// mcp_stdio.go (same single-connection, mutex-guarded shape) but
// reworked from newline-delimited JSON onto the binary length-prefixed
// codec spec.md §4.1 requires.
type StdioTransport struct {
	r      io.Reader
	w      io.Writer
	codec  framing.Codec
	logger *slog.Logger

	writeMu sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewStdioTransport builds a transport over r/w with the given maximum
// frame size (0 uses framing.DefaultMaxFrameSize).
func NewStdioTransport(r io.Reader, w io.Writer, maxFrameSize int, logger *slog.Logger) *StdioTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		r:      r,
		w:      w,
		codec:  framing.Codec{MaxFrameSize: maxFrameSize},
		logger: logger,
		done:   make(chan struct{}),
	}
}

func (t *StdioTransport) Name() string { return "stdio" }

// Start launches the reader loop in its own goroutine. Each complete
// frame is handed to handler; handler's non-nil return is written back
// as one frame.
func (t *StdioTransport) Start(ctx context.Context, handler MessageHandler) error {
	loopCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	go func() {
		defer close(t.done)
		reader := framing.NewBufferedReader(t.r)
		for {
			payload, err := t.codec.ReadFrame(loopCtx, reader)
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, framing.ErrCancelled) || loopCtx.Err() != nil {
					t.logger.Debug("stdio transport stopping", "reason", err)
					return
				}
				// Framing errors are fatal at the connection level
				// (spec.md §4.13); stdio has only one connection.
				t.logger.Error("stdio framing error", "error", err)
				return
			}

			response := handler(loopCtx, stdioClientID, payload)
			if response == nil {
				continue
			}
			if err := t.writeFrame(response); err != nil {
				t.logger.Error("stdio write error", "error", err)
				return
			}
		}
	}()
	return nil
}

func (t *StdioTransport) writeFrame(payload []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.codec.WriteFrame(t.w, payload)
}

// Stop cancels the reader loop and waits for it to exit. When the input
// stream is closable it is closed to break a blocked read, the stdio
// analogue of a TCP transport closing its listener (spec.md §5).
func (t *StdioTransport) Stop(ctx context.Context) error {
	if t.cancel != nil {
		t.cancel()
	}
	if c, ok := t.r.(io.Closer); ok {
		c.Close()
	}
	select {
	case <-t.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
