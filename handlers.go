package mcpforge

import (
	"context"
	"errors"
)

// ErrInvalidRegistration is wrapped by registry errors raised for
// duplicate or malformed resource/template/tool registrations (I1).
var ErrInvalidRegistration = errors.New("mcpforge: invalid registration")

// ResourceHandler serves reads for one resource or resource template.
// uri is the concrete request URI; vars carries the bound template
// variables (nil for a static resource). Handlers may be invoked
// concurrently and must be reentrancy-safe with respect to any state
// they close over (spec.md §4.9).
type ResourceHandler func(ctx context.Context, uri string, vars map[string]string) ([]ContentItem, *HandlerError)

// ToolHandler executes a tool call. args is the parsed JSON arguments
// object. It returns the produced content, whether the call represents
// a tool-level failure (isError, still a successful JSON-RPC result),
// and an optional message accompanying that failure, or a HandlerError
// for a protocol-level failure (bad params, unknown tool, internal
// error).
type ToolHandler func(ctx context.Context, name string, args map[string]interface{}) (content []ContentItem, isError bool, message string, herr *HandlerError)
