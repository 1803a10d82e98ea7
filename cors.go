package mcpforge

import (
	"errors"
	"net/http"
	"path"
	"sort"
	"strconv"
	"strings"
)

// errCORSWildcardWithCredentials is returned by CORSOptions.Validate.
var errCORSWildcardWithCredentials = errors.New("mcpforge: cors: allow_credentials cannot be combined with a wildcard allowed origin")

// CORSOptions captures configuration for Cross-Origin Resource Sharing handling.
type CORSOptions struct {
	AllowedOrigins   []string `json:"allowed_origins,omitempty" koanf:"allowed_origins"`
	AllowedMethods   []string `json:"allowed_methods,omitempty" koanf:"allowed_methods"`
	AllowedHeaders   []string `json:"allowed_headers,omitempty" koanf:"allowed_headers"`
	ExposeHeaders    []string `json:"expose_headers,omitempty" koanf:"expose_headers"`
	AllowCredentials bool     `json:"allow_credentials,omitempty" koanf:"allow_credentials"`
	MaxAgeSeconds    int      `json:"max_age_seconds,omitempty" koanf:"max_age_seconds"`
}

var (
	defaultCORSMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	defaultCORSHeaders = []string{"Content-Type", "Authorization"}
	defaultCORSMaxAge  = 600
)

func normalizeCORSOptions(opts *CORSOptions) *CORSOptions {
	if opts == nil {
		return nil
	}

	copy := &CORSOptions{
		AllowedOrigins:   dedupeOriginsCaseInsensitive(opts.AllowedOrigins),
		AllowedMethods:   sanitizeTokens(opts.AllowedMethods, true),
		AllowedHeaders:   sanitizeTokens(opts.AllowedHeaders, false),
		ExposeHeaders:    sanitizeTokens(opts.ExposeHeaders, false),
		AllowCredentials: opts.AllowCredentials,
		MaxAgeSeconds:    opts.MaxAgeSeconds,
	}

	if len(copy.AllowedMethods) == 0 {
		copy.AllowedMethods = append([]string{}, defaultCORSMethods...)
	}
	if len(copy.AllowedHeaders) == 0 {
		copy.AllowedHeaders = append([]string{}, defaultCORSHeaders...)
	}
	if copy.MaxAgeSeconds <= 0 {
		copy.MaxAgeSeconds = defaultCORSMaxAge
	}

	sort.Strings(copy.AllowedOrigins)
	sort.Strings(copy.AllowedMethods)
	sort.Strings(copy.AllowedHeaders)
	sort.Strings(copy.ExposeHeaders)

	return copy
}

func sanitizeTokens(values []string, upper bool) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, raw := range values {
		token := strings.TrimSpace(raw)
		if token == "" {
			continue
		}
		key := token
		if upper {
			key = strings.ToUpper(token)
			token = key
		}
		if _, exists := seen[key]; exists {
			continue
		}
		seen[key] = struct{}{}
		result = append(result, token)
	}
	return result
}

// dedupeOriginsCaseInsensitive drops blank and duplicate origins, where
// "duplicate" is judged the way matchOrigin judges a match: case
// insensitively. sanitizeTokens alone (as used for methods/headers)
// would keep "http://Host" and "http://host" as two distinct entries
// even though they match the same request identically.
func dedupeOriginsCaseInsensitive(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, raw := range values {
		origin := strings.TrimSpace(raw)
		if origin == "" {
			continue
		}
		key := strings.ToLower(origin)
		if _, exists := seen[key]; exists {
			continue
		}
		seen[key] = struct{}{}
		result = append(result, origin)
	}
	return result
}

// Validate rejects a CORS configuration the browser spec itself forbids
// rather than let it silently reach the wire: a wildcard origin paired
// with AllowCredentials is never honored by a browser, so failing fast
// at start-up surfaces the misconfiguration instead of a client quietly
// never getting the Set-Cookie/Authorization round trip it expected.
func (c *CORSOptions) Validate() error {
	if c == nil || !c.AllowCredentials {
		return nil
	}
	for _, origin := range c.AllowedOrigins {
		if origin == "*" {
			return errCORSWildcardWithCredentials
		}
	}
	return nil
}

func (c *CORSOptions) resolveAllowedOrigin(origin string) (string, bool) {
	if c == nil || len(c.AllowedOrigins) == 0 {
		return "", false
	}
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return "", false
	}

	lowerOrigin := strings.ToLower(origin)
	for _, allowed := range c.AllowedOrigins {
		if allowed == "*" {
			if c.AllowCredentials {
				return origin, true
			}
			return "*", true
		}
		if matchOrigin(allowed, lowerOrigin) {
			return origin, true
		}
	}
	return "", false
}

func matchOrigin(allowed string, originLower string) bool {
	allowed = strings.TrimSpace(allowed)
	if allowed == "" {
		return false
	}

	lowerAllowed := strings.ToLower(allowed)
	if lowerAllowed == originLower {
		return true
	}

	if strings.Contains(lowerAllowed, "*") {
		if ok, err := path.Match(lowerAllowed, originLower); err == nil && ok {
			return true
		}
	}

	if strings.HasSuffix(lowerAllowed, ":*") {
		prefix := strings.TrimSuffix(lowerAllowed, "*")
		return strings.HasPrefix(originLower, prefix)
	}

	return false
}

func joinTokens(tokens []string) string {
	return strings.Join(tokens, ", ")
}

func formatMaxAge(seconds int) string {
	if seconds <= 0 {
		seconds = defaultCORSMaxAge
	}
	return strconv.Itoa(seconds)
}

// applyCORSHeaders writes the Access-Control-* response headers
// appropriate for r's Origin, and reports whether the request is a
// preflight OPTIONS that the caller should answer with 204 immediately.
// Grounded on teacher's cors.go option normalization, extended with the
// header-writing step the HTTP transport needs (the teacher applied
// these via a separate middleware file this rewrite folds in here).
func (c *CORSOptions) applyCORSHeaders(w http.ResponseWriter, r *http.Request) (preflight bool) {
	if c == nil {
		return false
	}
	origin := r.Header.Get("Origin")
	allowedOrigin, ok := c.resolveAllowedOrigin(origin)
	if !ok {
		return false
	}

	h := w.Header()
	h.Set("Access-Control-Allow-Origin", allowedOrigin)
	if c.AllowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	if len(c.ExposeHeaders) > 0 {
		h.Set("Access-Control-Expose-Headers", joinTokens(c.ExposeHeaders))
	}

	if r.Method == http.MethodOptions {
		h.Set("Access-Control-Allow-Methods", joinTokens(c.AllowedMethods))
		h.Set("Access-Control-Allow-Headers", joinTokens(c.AllowedHeaders))
		h.Set("Access-Control-Max-Age", formatMaxAge(c.MaxAgeSeconds))
		return true
	}
	return false
}
