package mcpforge

import (
	"context"
	"encoding/json"
)

// handlePing implements the `ping` method contract (spec.md §4.8):
// params are ignored, the result is always the same payload, making
// ping idempotent by construction.
func handlePing() map[string]string {
	return map[string]string{"message": "pong"}
}

// handleListResources implements `list_resources`.
func handleListResources(registry *Registry) map[string]interface{} {
	resources := registry.Resources()
	if resources == nil {
		resources = []Resource{}
	}
	return map[string]interface{}{"resources": resources}
}

// handleListResourceTemplates implements `list_resource_templates`.
func handleListResourceTemplates(registry *Registry) map[string]interface{} {
	templates := registry.Templates()
	if templates == nil {
		templates = []ResourceTemplate{}
	}
	return map[string]interface{}{"resourceTemplates": templates}
}

type readResourceParams struct {
	URI string `json:"uri"`
}

// handleReadResource implements `read_resource` (spec.md §4.8): consult
// the cache first; on a miss, resolve and invoke the matching resource
// or template handler, then cache the result. Single-flight is
// delegated to *Cache.
func handleReadResource(ctx context.Context, registry *Registry, cache *Cache, rawParams json.RawMessage) (interface{}, *HandlerError) {
	var params readResourceParams
	if err := json.Unmarshal(rawParams, &params); err != nil || params.URI == "" {
		return nil, NewHandlerError(ErrorCodeInvalidParams, "params must include a non-empty uri")
	}

	items, herr := cache.FetchOrInsert(ctx, params.URI, 0, func(ctx context.Context, uri string) ([]ContentItem, *HandlerError) {
		handler, vars, ok := registry.ResolveResource(uri)
		if !ok {
			return nil, NewHandlerError(ErrorCodeResourceNotFound, "resource not found: "+uri)
		}
		return handler(ctx, uri, vars)
	})
	if herr != nil {
		return nil, herr
	}

	return map[string]interface{}{"content": items}, nil
}

// handleListTools implements `list_tools`.
func handleListTools(registry *Registry) map[string]interface{} {
	tools := registry.Tools()
	if tools == nil {
		tools = []Tool{}
	}
	return map[string]interface{}{"tools": tools}
}

type callToolParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// handleCallTool implements `call_tool` (spec.md §4.8): dispatch to the
// registered tool handler and wrap its three-valued result into the
// wire shape `{content, isError}`.
func handleCallTool(ctx context.Context, registry *Registry, rawParams json.RawMessage) (interface{}, *HandlerError) {
	var params callToolParams
	if err := json.Unmarshal(rawParams, &params); err != nil || params.Name == "" {
		return nil, NewHandlerError(ErrorCodeInvalidParams, "params must include a non-empty name")
	}

	handler, ok := registry.ToolHandlerFor(params.Name)
	if !ok {
		return nil, NewHandlerError(ErrorCodeToolNotFound, "tool not found: "+params.Name)
	}

	content, isError, message, herr := handler(ctx, params.Name, params.Arguments)
	if herr != nil {
		return nil, herr
	}
	if content == nil {
		content = []ContentItem{}
	}

	result := map[string]interface{}{
		"content": content,
		"isError": isError,
	}
	if message != "" {
		result["message"] = message
	}
	return result, nil
}
