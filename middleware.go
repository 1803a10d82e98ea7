package mcpforge

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"reflect"
	"strings"
	"sync/atomic"
	"time"
)

// MiddlewareFunc wraps an http.Handler and returns a new http.HandlerFunc.
type MiddlewareFunc func(http.Handler) http.HandlerFunc

// MiddlewareStack is applied in order, with the first entry outermost.
type MiddlewareStack []MiddlewareFunc

// GlobalMiddlewareRoute applies a stack to every route in a MiddlewareRegistry.
const GlobalMiddlewareRoute = "*"

// MiddlewareRegistry manages per-route middleware stacks, with support
// for excluding specific middleware functions across all routes.
type MiddlewareRegistry struct {
	middleware map[string]MiddlewareStack
	exclude    []MiddlewareFunc
}

// NewMiddlewareRegistry creates a registry, optionally seeding the
// global route with globalMiddleware.
func NewMiddlewareRegistry(globalMiddleware MiddlewareStack) *MiddlewareRegistry {
	ret := &MiddlewareRegistry{middleware: make(map[string]MiddlewareStack)}
	if globalMiddleware != nil {
		ret.Add(GlobalMiddlewareRoute, globalMiddleware)
	}
	return ret
}

func (mwr *MiddlewareRegistry) filterMiddleware() {
	for _, excl := range mwr.exclude {
		for key, mw := range mwr.middleware {
			filtered := MiddlewareStack{}
			for _, m := range mw {
				// Go does not support direct comparison of func values.
				if reflect.ValueOf(m) != reflect.ValueOf(excl) {
					filtered = append(filtered, m)
				}
			}
			mwr.middleware[key] = filtered
		}
	}
}

func wrapWithStack(final http.Handler, stack MiddlewareStack) http.Handler {
	handler := final
	for i := len(stack) - 1; i >= 0; i-- {
		handler = stack[i](handler)
	}
	return handler
}

// applyToMux wraps mux with the stack registered under
// GlobalMiddlewareRoute — the ambient stack every endpoint gets
// regardless of path. Use Wrap instead when an individual route needs
// to add to, or opt out of, what the global stack applies.
func (mwr *MiddlewareRegistry) applyToMux(mux *http.ServeMux) http.Handler {
	mwr.filterMiddleware()
	return wrapWithStack(mux, mwr.middleware[GlobalMiddlewareRoute])
}

// Wrap composes route's own stack (innermost) with the global stack
// (outermost) around final, producing a handler scoped to just that
// route. This is what lets one endpoint diverge from the ambient
// stack — e.g. a static asset route skipping the bearer-token gate the
// JSON-RPC endpoints enforce — instead of every registered stack
// landing on every path regardless of which route it was registered
// under.
func (mwr *MiddlewareRegistry) Wrap(route string, final http.Handler) http.Handler {
	mwr.filterMiddleware()
	handler := final
	if route != GlobalMiddlewareRoute {
		handler = wrapWithStack(handler, mwr.middleware[route])
	}
	return wrapWithStack(handler, mwr.middleware[GlobalMiddlewareRoute])
}

// Add registers a stack for route, or GlobalMiddlewareRoute for all routes.
func (mwr *MiddlewareRegistry) Add(route string, middleware MiddlewareStack) {
	mwr.middleware[route] = middleware
}

// Get returns the stack registered for route, or an empty stack.
func (mwr *MiddlewareRegistry) Get(route string) MiddlewareStack {
	ret := mwr.middleware[route]
	if ret == nil {
		ret = MiddlewareStack{}
	}
	return ret
}

// RemoveStack deletes the stack registered for route, if any.
func (mwr *MiddlewareRegistry) RemoveStack(route string) {
	delete(mwr.middleware, route)
}

type contextKey string

const (
	authorizationHeader            = "Authorization"
	bearerTokenPrefix              = "Bearer "
	authContextKey       contextKey = "authContext"
	traceIDKey           contextKey = "traceID"
)

// TokenValidator maps a bearer token to the AuthContext it grants, per
// spec.md §1's "opaque bearer token equality check" — no richer scheme.
// ok is false for an unrecognised token.
type TokenValidator func(token string) (ctx *AuthContext, ok bool)

// AuthMiddleware extracts a bearer token from the Authorization header
// and resolves it through validate, attaching the resulting AuthContext
// to the request context for downstream handlers (spec.md §4.8 step 4).
// When required is false, a missing or invalid token is not rejected —
// the request proceeds with a nil AuthContext, which Dispatcher.Dispatch
// treats as unrestricted. When required is true, a missing or invalid
// token yields 401 before the handler runs.
func AuthMiddleware(validate TokenValidator, required bool, logger *slog.Logger) MiddlewareFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get(authorizationHeader)
			token := strings.TrimPrefix(authHeader, bearerTokenPrefix)
			hasToken := strings.HasPrefix(authHeader, bearerTokenPrefix) && token != ""

			var auth *AuthContext
			if hasToken && validate != nil {
				// crypto/subtle.WithDataIndependentTiming runs validate
				// with the CPU's data-independent-timing mode switched on
				// where the platform has one. It does not make validate
				// itself constant-time: NewTokenValidator's lookup is a
				// plain map lookup.
				var ok bool
				subtle.WithDataIndependentTiming(func() {
					auth, ok = validate(token)
				})
				if !ok {
					auth = nil
					hasToken = false
				}
			}

			if required && !hasToken {
				http.Error(w, "Unauthorized: bearer token required", http.StatusUnauthorized)
				return
			}

			ctx := r.Context()
			if auth != nil {
				ctx = context.WithValue(ctx, authContextKey, auth)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		}
	}
}

// AuthContextFromRequest returns the AuthContext AuthMiddleware attached
// to r, or nil if none was attached (no token, or auth disabled).
func AuthContextFromRequest(r *http.Request) *AuthContext {
	return AuthContextFromContext(r.Context())
}

// AuthContextFromContext returns the AuthContext AuthMiddleware attached
// to ctx, or nil if none was attached. Stdio and TCP transports never
// set this value, so their requests are always unrestricted.
func AuthContextFromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey).(*AuthContext)
	return auth
}

// RequestLoggerMiddleware logs method, URL, trace id, status, and
// duration for every request.
func RequestLoggerMiddleware(logger *slog.Logger) MiddlewareFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			lrw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			ip, _, _ := net.SplitHostPort(r.RemoteAddr)
			traceID := r.Context().Value(traceIDKey)
			if traceID == nil {
				traceID = ""
			}

			start := time.Now()
			next.ServeHTTP(lrw, r)
			logger.Info("request completed",
				"from", ip,
				"method", r.Method,
				"url", r.URL.String(),
				"trace_id", traceID,
				"status", lrw.statusCode,
				"duration", time.Since(start))
		}
	}
}

// RecoveryMiddleware recovers a panicking handler and responds 500
// instead of crashing the connection's goroutine.
func RecoveryMiddleware(logger *slog.Logger) MiddlewareFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered", "error", err)
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		}
	}
}

// TraceMiddleware attaches a unique trace id to the request context for
// correlation across log lines.
func TraceMiddleware(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), traceIDKey, generateTraceID())
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

// securityHeader is a single header name/value pair applied by
// SecurityHeadersMiddleware.
type securityHeader struct {
	key   string
	value string
}

// securityHeaders carries the non-CORS hardening headers. CORS headers
// are owned by CORSOptions.applyCORSHeaders, not duplicated here.
var securityHeaders = []securityHeader{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Referrer-Policy", "strict-origin-when-cross-origin"},
	{"Cross-Origin-Resource-Policy", "same-origin"},
	{"X-Permitted-Cross-Domain-Policies", "none"},
}

// SecurityHeadersMiddleware adds baseline hardening headers to every
// response, plus HSTS when tlsEnabled.
func SecurityHeadersMiddleware(tlsEnabled bool) MiddlewareFunc {
	return func(next http.Handler) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			for _, hdr := range securityHeaders {
				h.Set(hdr.key, hdr.value)
			}
			if tlsEnabled {
				h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
			}
			next.ServeHTTP(w, r)
		}
	}
}

func generateTraceID() string {
	counter := requestCounter.Add(1)
	return fmt.Sprintf("%d-%d", counter, time.Now().UnixNano())
}

var requestCounter atomic.Int64

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	n, err := lrw.ResponseWriter.Write(b)
	lrw.bytesWritten += n
	return n, err
}
