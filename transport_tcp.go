package mcpforge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/mcpforge/mcpforge/internal/framing"
)

// TCPTransport binds a listening socket and spawns one handler goroutine
// per accepted connection, each looping over framed reads (spec.md
// §4.2). The rate-limit/auth client key is the peer address.
type TCPTransport struct {
	addr        string
	idleTimeout time.Duration
	codec       framing.Codec
	logger      *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// NewTCPTransport builds a transport that will bind addr on Start.
// idleTimeout closes a connection after that long without traffic; 0
// disables the idle timeout.
func NewTCPTransport(addr string, idleTimeout time.Duration, maxFrameSize int, logger *slog.Logger) *TCPTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &TCPTransport{
		addr:        addr,
		idleTimeout: idleTimeout,
		codec:       framing.Codec{MaxFrameSize: maxFrameSize},
		logger:      logger,
		conns:       make(map[net.Conn]struct{}),
	}
}

func (t *TCPTransport) Name() string { return "tcp" }

// Start binds the listening socket and begins the accept loop in its
// own goroutine.
func (t *TCPTransport) Start(ctx context.Context, handler MessageHandler) error {
	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.listener = ln
	t.mu.Unlock()

	t.wg.Add(1)
	go t.acceptLoop(ctx, handler)
	return nil
}

func (t *TCPTransport) acceptLoop(ctx context.Context, handler MessageHandler) {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			// Closing the listener to break Accept is the normal
			// shutdown path (spec.md §5).
			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			t.logger.Error("tcp accept error", "error", err)
			return
		}

		t.mu.Lock()
		t.conns[conn] = struct{}{}
		t.mu.Unlock()

		t.wg.Add(1)
		go t.handleConn(ctx, conn, handler)
	}
}

func (t *TCPTransport) handleConn(ctx context.Context, conn net.Conn, handler MessageHandler) {
	defer t.wg.Done()
	defer func() {
		t.mu.Lock()
		delete(t.conns, conn)
		t.mu.Unlock()
		conn.Close()
	}()

	clientID := conn.RemoteAddr().String()
	reader := framing.NewBufferedReader(conn)

	for {
		if t.idleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(t.idleTimeout))
		}

		payload, err := t.codec.ReadFrame(ctx, reader)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.logger.Debug("tcp connection closed", "client", clientID, "error", err)
			}
			return
		}

		// A connection's frames are processed sequentially before the
		// next is read, which is what guarantees in-order responses on
		// this connection (spec.md §5).
		response := handler(ctx, clientID, payload)
		if response == nil {
			continue
		}
		if t.idleTimeout > 0 {
			conn.SetWriteDeadline(time.Now().Add(t.idleTimeout))
		}
		if err := t.codec.WriteFrame(conn, response); err != nil {
			t.logger.Debug("tcp write error", "client", clientID, "error", err)
			return
		}
	}
}

// Stop closes the listener (breaking Accept) and all live connections,
// then waits for every connection goroutine to exit.
func (t *TCPTransport) Stop(ctx context.Context) error {
	t.mu.Lock()
	if t.listener != nil {
		t.listener.Close()
	}
	for conn := range t.conns {
		conn.Close()
	}
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
