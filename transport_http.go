package mcpforge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// httpMaxBodyBytes bounds a /call_tool request body; oversized bodies
// are rejected rather than read into memory unbounded.
const httpMaxBodyBytes = 4 << 20

// HTTPTransportOptions configures the HTTP+SSE transport (spec.md §4.9,
// §4.12). CORS and Auth are both optional; a nil CORS disables
// cross-origin headers entirely, and a nil Auth leaves every request
// unrestricted.
type HTTPTransportOptions struct {
	Addr              string
	CORS              *CORSOptions
	Auth              TokenValidator
	AuthRequired      bool
	DocumentRoot      string
	RingSize          int
	HeartbeatInterval time.Duration
	Logger            *slog.Logger
}

// HTTPTransport serves three fixed endpoints over net/http: POST
// /call_tool (JSON-RPC body), GET /events (SSE), and optionally a
// static file mount for everything else (spec.md §4.9). Grounded on
// teacher's server.go net/http wiring and mcp_sse.go's SSE endpoint,
// generalized onto Dispatcher-backed JSON-RPC instead of the teacher's
// bespoke MCP handler set.
type HTTPTransport struct {
	opts   HTTPTransportOptions
	hub    *SSEHub
	logger *slog.Logger

	server *http.Server

	stopHeartbeat chan struct{}
	heartbeatWG   sync.WaitGroup
}

// NewHTTPTransport builds a transport bound to opts.Addr on Start.
func NewHTTPTransport(opts HTTPTransportOptions) *HTTPTransport {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return &HTTPTransport{
		opts:   opts,
		hub:    NewSSEHub(opts.RingSize),
		logger: opts.Logger,
	}
}

func (t *HTTPTransport) Name() string { return "http" }

// Start builds the route mux, wraps it in the ambient middleware stack,
// and begins serving in its own goroutine.
func (t *HTTPTransport) Start(ctx context.Context, handler MessageHandler) error {
	// Every route gets the ambient safety net regardless of path; only
	// the JSON-RPC endpoints additionally require a bearer token and get
	// request logging, so a mounted static document root (e.g. a small
	// operator dashboard) stays reachable without auth even when
	// AuthRequired gates the API itself.
	registry := NewMiddlewareRegistry(MiddlewareStack{
		TraceMiddleware,
		RecoveryMiddleware(t.logger),
		SecurityHeadersMiddleware(false),
	})
	apiStack := MiddlewareStack{
		RequestLoggerMiddleware(t.logger),
		AuthMiddleware(t.opts.Auth, t.opts.AuthRequired, t.logger),
	}
	registry.Add("/call_tool", apiStack)
	registry.Add("/events", apiStack)

	mux := http.NewServeMux()
	mux.Handle("/call_tool", registry.Wrap("/call_tool", http.HandlerFunc(t.callToolHandler(handler))))
	mux.Handle("/events", registry.Wrap("/events", http.HandlerFunc(t.eventsHandler())))
	if t.opts.DocumentRoot != "" {
		mux.Handle("/", registry.Wrap("/", http.FileServer(http.Dir(t.opts.DocumentRoot))))
	} else {
		mux.Handle("/", registry.Wrap("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		})))
	}

	t.server = &http.Server{
		Addr:    t.opts.Addr,
		Handler: t.withCORS(mux),
	}

	ln, err := net.Listen("tcp", t.opts.Addr)
	if err != nil {
		return err
	}

	t.stopHeartbeat = make(chan struct{})
	t.heartbeatWG.Add(1)
	go t.heartbeatLoop()

	go func() {
		if err := t.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("http transport stopped", "error", err)
		}
	}()
	return nil
}

// withCORS applies CORS headers ahead of everything else and answers
// preflight OPTIONS requests directly, before routing.
func (t *HTTPTransport) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if t.opts.CORS != nil {
			if t.opts.CORS.applyCORSHeaders(w, r) {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		switch r.Method {
		case http.MethodGet, http.MethodPost, http.MethodOptions:
			next.ServeHTTP(w, r)
		default:
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		}
	})
}

// callToolHandler accepts a JSON-RPC request body and synchronously
// returns the dispatcher's response (spec.md §4.9's POST /call_tool).
// Despite the endpoint name, any JSON-RPC method may be sent here — the
// name mirrors the teacher's single-purpose MCP endpoint convention.
func (t *HTTPTransport) callToolHandler(handler MessageHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, httpMaxBodyBytes+1))
		if err != nil {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
		if len(body) > httpMaxBodyBytes {
			http.Error(w, "Bad Request: body too large", http.StatusBadRequest)
			return
		}

		client := clientKey(r)
		resp := handler(r.Context(), client, body)

		w.Header().Set("Content-Type", "application/json")
		if resp == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Write(resp)
	}
}

// clientKey is the rate-limit/auth bucket key for an HTTP request: the
// bearer token if supplied, else the peer address (spec.md §4.9).
func clientKey(r *http.Request) string {
	if auth := AuthContextFromRequest(r); auth != nil && auth.Token != "" {
		return auth.Token
	}
	return r.RemoteAddr
}

// eventsHandler implements GET /events: connect, replay events newer
// than lastEventId, then stream new events and heartbeats until the
// client disconnects (spec.md §4.12).
func (t *HTTPTransport) eventsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		q := r.URL.Query()
		filter := q.Get("filter")
		sessionID := q.Get("session_id")
		var lastEventID int64
		if v := q.Get("lastEventId"); v != "" {
			if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
				lastEventID = parsed
			}
		}

		session := t.hub.NewSessionWithID(sessionID, filter)
		defer t.hub.RemoveSession(session.ID)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		for _, ev := range t.hub.ReplaySince(lastEventID, filter) {
			io.WriteString(w, FormatEvent(ev))
		}
		flusher.Flush()

		ticker := time.NewTicker(t.opts.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				io.WriteString(w, t.hub.Heartbeat())
				flusher.Flush()
			case ev, ok := <-session.outbox:
				if !ok {
					return
				}
				io.WriteString(w, FormatEvent(ev))
				flusher.Flush()
			}
		}
	}
}

// heartbeatLoop exists only to keep hub bookkeeping (lastHeartbeat)
// current even when no session is connected; per-connection heartbeat
// writes happen in eventsHandler since only it holds a flusher.
func (t *HTTPTransport) heartbeatLoop() {
	defer t.heartbeatWG.Done()
	ticker := time.NewTicker(t.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopHeartbeat:
			return
		case <-ticker.C:
			t.hub.Heartbeat()
		}
	}
}

// Broadcast pushes an event to matching SSE sessions, for use by tool
// handlers or the server façade that want to notify connected clients.
func (t *HTTPTransport) Broadcast(eventType, data, targetSessionID string) SSEEvent {
	return t.hub.Broadcast(eventType, data, targetSessionID)
}

// Stop gracefully shuts down the HTTP server and stops the heartbeat
// bookkeeping goroutine.
func (t *HTTPTransport) Stop(ctx context.Context) error {
	if t.stopHeartbeat != nil {
		close(t.stopHeartbeat)
		t.heartbeatWG.Wait()
	}
	if t.server == nil {
		return nil
	}
	return t.server.Shutdown(ctx)
}
