package mcpforge

import "context"

// MessageHandler is the callback a server transport delivers complete
// inbound payloads to (spec.md §4.2). It returns the bytes to send back
// on the same connection, or nil for a notification with no response.
// Implementations must be safe for concurrent invocation — a transport
// may call it from several connection goroutines at once.
type MessageHandler func(ctx context.Context, clientID string, payload []byte) []byte

// Transport is the polymorphic contract every binding satisfies
// (spec.md §4.2): start serving, stop serving, and release resources.
// send/receive for a particular connection live on the narrower
// interfaces below; Transport itself only governs the transport's own
// life cycle.
type Transport interface {
	// Start begins the transport's I/O loop (accept loop, stdio reader,
	// HTTP listener). It must return once the loop is ready to accept
	// work, running any blocking work in its own goroutine(s).
	Start(ctx context.Context, handler MessageHandler) error

	// Stop signals the transport to wind down: stop accepting new
	// connections/messages and let Start's goroutines return. It may
	// block briefly but must not block on unrelated transport I/O.
	Stop(ctx context.Context) error

	// Name identifies the transport for logging ("stdio", "tcp", "http").
	Name() string
}

// ClientTransport describes a transport that additionally supports a
// synchronous client-side request/reply (spec.md §4.2, §4.10). No type
// in this package implements it; the gateway talks to its backends
// through BackendPool.SendRequest instead.
type ClientTransport interface {
	// SendRequest writes payload and blocks for the matching reply, or
	// returns an error if ctx is cancelled or the deadline in ctx
	// elapses first.
	SendRequest(ctx context.Context, payload []byte) ([]byte, error)

	// Close releases the underlying connection.
	Close() error
}
