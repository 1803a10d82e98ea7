package mcpforge

import (
	"fmt"
	"sync"
)

// Resource describes a URI-addressable, read-only piece of content
// (spec.md §3). Static resources are interned at server construction and
// owned by the Registry for the life of the process.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	MimeType    string `json:"mimeType,omitempty"`
	Description string `json:"description,omitempty"`
}

// ResourceTemplate is a Resource whose URI carries `{var}` placeholders
// instead of a concrete URI.
type ResourceTemplate struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name"`
	MimeType    string `json:"mimeType,omitempty"`
	Description string `json:"description,omitempty"`
}

// ToolParameter describes one named, typed argument a Tool accepts.
type ToolParameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Tool is a named, parameterised action returning structured content
// (spec.md §3).
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  []ToolParameter `json:"parameters,omitempty"`
}

// Registry holds the server's insertion-ordered resources, templates,
// and tools (spec.md §4.7). It is mutated only during start-up. Every
// read and every registration takes the same mutex, so start-up
// registration (which can legitimately happen from more than one
// goroutine, e.g. a gateway config loader running concurrently with
// local registration) is race-free; reads after start-up are not
// lock-free.
type Registry struct {
	mu sync.Mutex

	resources    []Resource
	resourceURIs map[string]struct{}

	templates []ResourceTemplate

	tools     []Tool
	toolNames map[string]struct{}

	resourceHandlers map[string]ResourceHandler
	templateHandlers []templateBinding
	toolHandlers     map[string]ToolHandler
}

type templateBinding struct {
	template ResourceTemplate
	matcher  *uriMatcher
	handler  ResourceHandler
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		resourceURIs:     make(map[string]struct{}),
		toolNames:        make(map[string]struct{}),
		resourceHandlers: make(map[string]ResourceHandler),
		toolHandlers:     make(map[string]ToolHandler),
	}
}

// AddResource registers a static resource with its handler. Duplicate
// URIs are rejected per invariant I1.
func (r *Registry) AddResource(res Resource, handler ResourceHandler) error {
	if res.URI == "" {
		return fmt.Errorf("%w: resource uri must not be empty", ErrInvalidRegistration)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.resourceURIs[res.URI]; exists {
		return fmt.Errorf("%w: duplicate resource uri %q", ErrInvalidRegistration, res.URI)
	}
	r.resourceURIs[res.URI] = struct{}{}
	r.resources = append(r.resources, res)
	r.resourceHandlers[res.URI] = handler
	return nil
}

// AddTemplate registers a resource template with its handler, in
// registration order (the router's tie-break order).
func (r *Registry) AddTemplate(tmpl ResourceTemplate, handler ResourceHandler) error {
	if tmpl.URITemplate == "" {
		return fmt.Errorf("%w: template uri must not be empty", ErrInvalidRegistration)
	}
	matcher, err := newURIMatcher(tmpl.URITemplate)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRegistration, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.templates = append(r.templates, tmpl)
	r.templateHandlers = append(r.templateHandlers, templateBinding{
		template: tmpl,
		matcher:  matcher,
		handler:  handler,
	})
	return nil
}

// AddTool registers a tool with its handler. Duplicate tool names are
// rejected per invariant I1.
func (r *Registry) AddTool(tool Tool, handler ToolHandler) error {
	if tool.Name == "" {
		return fmt.Errorf("%w: tool name must not be empty", ErrInvalidRegistration)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.toolNames[tool.Name]; exists {
		return fmt.Errorf("%w: duplicate tool name %q", ErrInvalidRegistration, tool.Name)
	}
	r.toolNames[tool.Name] = struct{}{}
	r.tools = append(r.tools, tool)
	r.toolHandlers[tool.Name] = handler
	return nil
}

// Resources returns the static resources in registration order.
func (r *Registry) Resources() []Resource {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Resource, len(r.resources))
	copy(out, r.resources)
	return out
}

// Templates returns the resource templates in registration order.
func (r *Registry) Templates() []ResourceTemplate {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ResourceTemplate, len(r.templates))
	copy(out, r.templates)
	return out
}

// Tools returns the tools in registration order.
func (r *Registry) Tools() []Tool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Tool, len(r.tools))
	copy(out, r.tools)
	return out
}

// ResolveResource finds the handler responsible for uri: an exact static
// resource match (preferred), or the first matching template in
// registration order with its bound variables, or ok=false.
func (r *Registry) ResolveResource(uri string) (handler ResourceHandler, vars map[string]string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, exists := r.resourceHandlers[uri]; exists {
		return h, nil, true
	}
	for _, tb := range r.templateHandlers {
		if bound, matched := tb.matcher.match(uri); matched {
			return tb.handler, bound, true
		}
	}
	return nil, nil, false
}

// ToolHandlerFor returns the handler registered for name, if any.
func (r *Registry) ToolHandlerFor(name string) (ToolHandler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.toolHandlers[name]
	return h, ok
}

// HasTool reports whether name is a registered tool.
func (r *Registry) HasTool(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.toolNames[name]
	return ok
}

// HasResource reports whether uri resolves to a static resource or a
// template, without invoking a handler.
func (r *Registry) HasResource(uri string) bool {
	_, _, ok := r.ResolveResource(uri)
	return ok
}
