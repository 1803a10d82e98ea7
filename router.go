package mcpforge

import (
	"fmt"
	"strings"
)

// uriMatcher compiles a `{var}` URI template into a segment matcher. A
// template variable binds exactly one path segment — any run of
// characters other than '/' — per spec.md §4.6.
type uriMatcher struct {
	template string
	segments []templateSegment
}

type templateSegment struct {
	literal  string
	variable string // non-empty when this segment is a {var}
}

func newURIMatcher(template string) (*uriMatcher, error) {
	if template == "" {
		return nil, fmt.Errorf("empty uri template")
	}
	segments, err := splitTemplate(template)
	if err != nil {
		return nil, err
	}
	return &uriMatcher{template: template, segments: segments}, nil
}

// splitTemplate breaks a template string into segments along '/',
// recognising `{var}` placeholders that occupy a whole segment.
func splitTemplate(template string) ([]templateSegment, error) {
	parts := strings.Split(template, "/")
	segments := make([]templateSegment, 0, len(parts))
	for _, part := range parts {
		if strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}") && len(part) > 2 {
			name := part[1 : len(part)-1]
			if name == "" || strings.ContainsAny(name, "{}/") {
				return nil, fmt.Errorf("invalid template variable %q", part)
			}
			segments = append(segments, templateSegment{variable: name})
			continue
		}
		if strings.ContainsAny(part, "{}") {
			return nil, fmt.Errorf("invalid template segment %q", part)
		}
		segments = append(segments, templateSegment{literal: part})
	}
	return segments, nil
}

// match attempts to bind uri against the compiled template. It returns
// the bound variables and true on success.
func (m *uriMatcher) match(uri string) (map[string]string, bool) {
	parts := strings.Split(uri, "/")
	if len(parts) != len(m.segments) {
		return nil, false
	}

	vars := make(map[string]string)
	for i, seg := range m.segments {
		if seg.variable != "" {
			if parts[i] == "" {
				return nil, false
			}
			vars[seg.variable] = parts[i]
			continue
		}
		if parts[i] != seg.literal {
			return nil, false
		}
	}
	return vars, true
}
