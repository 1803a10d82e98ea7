package mcpforge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Backend describes one gateway routing target (spec.md §4.10): a
// name, a framed-TCP address, and the request shapes it claims —
// tool names it serves, and resource URI prefixes/templates it owns.
type Backend struct {
	Name              string            `json:"name" koanf:"name"`
	Address           string            `json:"address" koanf:"address"`
	Tools             []string          `json:"tools,omitempty" koanf:"tools"`
	ResourcePrefixes  []string          `json:"resource_prefixes,omitempty" koanf:"resource_prefixes"`
	ResourceTemplates []string          `json:"resource_templates,omitempty" koanf:"resource_templates"`
	Pool              BackendPoolConfig `json:"pool,omitempty" koanf:"pool"`
}

// gatewayConfigFile is the on-disk shape LoadGatewayConfig reads.
type gatewayConfigFile struct {
	Backends []Backend `json:"backends" koanf:"backends"`
}

// LoadGatewayConfig reads a JSON gateway config from path. A missing
// file disables gateway backends without aborting start-up (gateway
// mode is simply off); malformed JSON at an existing path aborts
// start-up with an error, since that indicates a broken deployment
// rather than an absent optional feature.
func LoadGatewayConfig(path string) ([]Backend, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), kjson.Parser()); err != nil {
		return nil, fmt.Errorf("mcpforge: load gateway config %s: %w", path, err)
	}

	var cfg gatewayConfigFile
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("mcpforge: parse gateway config %s: %w", path, err)
	}
	return cfg.Backends, nil
}

// gatewayBackend pairs a Backend's routing rules with its live
// connection pool and compiled template matchers.
type gatewayBackend struct {
	cfg      Backend
	pool     *BackendPool
	matchers []*uriMatcher
}

// Gateway implements GatewayMatcher: it consults its backends in
// registration order and forwards a matching request over a pooled TCP
// connection, returning the reply bytes verbatim (spec.md §4.10).
type Gateway struct {
	backends []*gatewayBackend
	logger   *slog.Logger
}

// NewGateway compiles each backend's resource templates and opens a
// connection pool per backend.
func NewGateway(backends []Backend, maxFrameSize int, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{logger: logger}
	for _, b := range backends {
		gb := &gatewayBackend{cfg: b, pool: NewBackendPool(b.Address, b.Pool, maxFrameSize, logger)}
		for _, tmpl := range b.ResourceTemplates {
			m, err := newURIMatcher(tmpl)
			if err != nil {
				return nil, fmt.Errorf("mcpforge: backend %s: %w", b.Name, err)
			}
			gb.matchers = append(gb.matchers, m)
		}
		g.backends = append(g.backends, gb)
	}
	return g, nil
}

// Forward implements GatewayMatcher. A match that fails to round-trip
// (dial error, pool exhaustion, backend error) still returns
// handled=true with a GatewayBackendDown error response — the gateway
// claimed the request and must answer for it, not fall through to
// local dispatch.
func (g *Gateway) Forward(ctx context.Context, raw []byte, req *Request) (response []byte, handled bool) {
	gb := g.match(req)
	if gb == nil {
		return nil, false
	}

	acquireCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, gb.pool.config.AcquireTimeout)
		defer cancel()
	}

	pc, err := gb.pool.Acquire(acquireCtx)
	if err != nil {
		g.logger.Error("gateway backend unavailable", "backend", gb.cfg.Name, "error", err)
		return respondOrDiscard(req, NewErrorResponse(req.ID, ErrorCodeGatewayBackendDown, "gateway backend unavailable", err.Error())), true
	}

	reply, err := gb.pool.SendRequest(ctx, pc, raw)
	if err != nil {
		gb.pool.Discard(pc)
		g.logger.Error("gateway backend forward failed", "backend", gb.cfg.Name, "error", err)
		return respondOrDiscard(req, NewErrorResponse(req.ID, ErrorCodeGatewayBackendDown, "gateway backend forward failed", err.Error())), true
	}
	gb.pool.Release(pc)
	return reply, true
}

// match returns the first backend (registration order) whose routing
// rules claim req, per spec.md §4.10.
func (g *Gateway) match(req *Request) *gatewayBackend {
	switch req.Method {
	case "call_tool":
		var params struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil
		}
		for _, gb := range g.backends {
			for _, t := range gb.cfg.Tools {
				if t == params.Name {
					return gb
				}
			}
		}
	case "read_resource":
		var params struct {
			URI string `json:"uri"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil
		}
		for _, gb := range g.backends {
			for _, prefix := range gb.cfg.ResourcePrefixes {
				if len(params.URI) >= len(prefix) && params.URI[:len(prefix)] == prefix {
					return gb
				}
			}
			for _, m := range gb.matchers {
				if _, ok := m.match(params.URI); ok {
					return gb
				}
			}
		}
	}
	return nil
}

// Stop releases every backend's connection pool.
func (g *Gateway) Stop() {
	for _, gb := range g.backends {
		gb.pool.Stop()
	}
}
