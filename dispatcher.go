package mcpforge

import (
	"context"
	"encoding/json"
	"log/slog"
)

// AuthContext carries the identity and entitlements the dispatcher uses
// to gate a request (spec.md §4.8 step 4). A nil *AuthContext means
// "unrestricted" — every resource and tool is reachable, which is the
// default for stdio and for HTTP when no bearer token is configured.
type AuthContext struct {
	// Token is the bearer token or API key presented by the client, if
	// any.
	Token string

	// AllowedResourcePrefixes and AllowedTools restrict which resource
	// URIs (by prefix) and tool names this client may reach. Empty
	// slices mean "no restriction" for that dimension.
	AllowedResourcePrefixes []string
	AllowedTools            []string
}

func (a *AuthContext) allowsResource(uri string) bool {
	if a == nil || len(a.AllowedResourcePrefixes) == 0 {
		return true
	}
	for _, prefix := range a.AllowedResourcePrefixes {
		if len(uri) >= len(prefix) && uri[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

func (a *AuthContext) allowsTool(name string) bool {
	if a == nil || len(a.AllowedTools) == 0 {
		return true
	}
	for _, t := range a.AllowedTools {
		if t == name {
			return true
		}
	}
	return false
}

// GatewayMatcher is consulted before local dispatch; when it claims a
// request it returns the raw proxied response bytes (already a full
// JSON-RPC response with the client's id preserved) and handled=true.
// Implemented by *Gateway (gateway.go).
type GatewayMatcher interface {
	Forward(ctx context.Context, raw []byte, req *Request) (response []byte, handled bool)
}

// Dispatcher implements the JSON-RPC processing pipeline of spec.md
// §4.8: parse, validate, rate-limit, authorise, route, respond.
type Dispatcher struct {
	registry *Registry
	cache    *Cache
	limiter  *RateLimiter
	gateway  GatewayMatcher
	logger   *slog.Logger
}

// NewDispatcher wires a Dispatcher to its collaborators. gateway may be
// nil when gateway mode is disabled.
func NewDispatcher(registry *Registry, cache *Cache, limiter *RateLimiter, gateway GatewayMatcher, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{registry: registry, cache: cache, limiter: limiter, gateway: gateway, logger: logger}
}

// Dispatch runs the full pipeline over one raw request payload, per
// spec.md §4.8. It returns the bytes to send back, or nil for a
// notification (no response expected). client identifies the rate-limit
// bucket; auth may be nil for an unrestricted caller.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte, client string, auth *AuthContext) []byte {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return encodeResponse(NewErrorResponse(nil, ErrorCodeParseError, "parse error", err.Error()))
	}

	if req.JSONRPC != JSONRPCVersion || req.Method == "" {
		return respondOrDiscard(&req, NewErrorResponse(req.ID, ErrorCodeInvalidRequest, "invalid request", nil))
	}

	if d.limiter != nil && d.limiter.Check(client) == Denied {
		return respondOrDiscard(&req, NewErrorResponse(req.ID, ErrorCodeRateLimited, "rate limit exceeded", nil))
	}

	if !d.authorised(&req, auth) {
		return respondOrDiscard(&req, NewErrorResponse(req.ID, ErrorCodeUnauthorised, "unauthorised", nil))
	}

	if d.gateway != nil {
		if resp, handled := d.gateway.Forward(ctx, raw, &req); handled {
			if req.IsNotification() {
				return nil
			}
			return resp
		}
	}

	result, herr := d.route(ctx, &req)
	if herr != nil {
		return respondOrDiscard(&req, NewErrorResponse(req.ID, herr.Code, herr.Message, nil))
	}
	return respondOrDiscard(&req, NewResultResponse(req.ID, result))
}

// respondOrDiscard drops notification responses per spec.md §4.8: a
// request with no id produces no reply, and any resulting error is
// discarded rather than sent. Neither this function nor Dispatch logs
// the discarded error.
func respondOrDiscard(req *Request, resp *Response) []byte {
	if req.IsNotification() {
		return nil
	}
	return encodeResponse(resp)
}

func encodeResponse(resp *Response) []byte {
	b, err := json.Marshal(resp)
	if err != nil {
		// Marshalling our own response type cannot practically fail;
		// fall back to a minimal internal-error envelope rather than
		// panic the caller.
		b, _ = json.Marshal(NewErrorResponse(resp.ID, ErrorCodeInternalError, "internal error", nil))
	}
	return b
}

// authorised implements spec.md §4.8 step 4: a method that targets a
// resource URI or tool name outside the allowed sets is rejected.
// Discovery methods (ping, list_*) are always reachable.
func (d *Dispatcher) authorised(req *Request, auth *AuthContext) bool {
	switch req.Method {
	case "read_resource":
		var params struct {
			URI string `json:"uri"`
		}
		_ = json.Unmarshal(req.Params, &params)
		return auth.allowsResource(params.URI)
	case "call_tool":
		var params struct {
			Name string `json:"name"`
		}
		_ = json.Unmarshal(req.Params, &params)
		return auth.allowsTool(params.Name)
	default:
		return true
	}
}

// route dispatches by method name to the matching handler (spec.md
// §4.8 step 5-6). Unknown methods produce MethodNotFound.
func (d *Dispatcher) route(ctx context.Context, req *Request) (interface{}, *HandlerError) {
	switch req.Method {
	case "ping":
		return handlePing(), nil
	case "list_resources":
		return handleListResources(d.registry), nil
	case "list_resource_templates":
		return handleListResourceTemplates(d.registry), nil
	case "read_resource":
		return handleReadResource(ctx, d.registry, d.cache, req.Params)
	case "list_tools":
		return handleListTools(d.registry), nil
	case "call_tool":
		return handleCallTool(ctx, d.registry, req.Params)
	default:
		return nil, NewHandlerError(ErrorCodeMethodNotFound, "method not found: "+req.Method)
	}
}
