package mcpforge

import (
	"fmt"
	"os"
	"time"

	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	kjson "github.com/knadh/koanf/parsers/json"
)

// envPrefix namespaces every environment variable this module reads.
const envPrefix = "MCPFORGE_"

// ServerOptions configures one server instance: transport selection,
// tunables for the rate limiter/cache/worker pool, gateway mode, and
// HTTP-specific options (spec.md §6, §9). Configuration follows the
// teacher's layered priority, reimplemented on koanf instead of the
// teacher's hand-rolled reflect-based merge: defaults, then an optional
// JSON file, then environment variables (highest priority).
type ServerOptions struct {
	Transport string `koanf:"transport"` // "stdio", "tcp", or "http"
	Addr      string `koanf:"addr"`

	WorkerCount          int           `koanf:"worker_count"`
	QueueSize            int           `koanf:"queue_size"`
	GracefulShutdownWait time.Duration `koanf:"graceful_shutdown_wait"`

	RateLimitCapacity int `koanf:"rate_limit_capacity"`
	RateLimitWindow   int `koanf:"rate_limit_window_seconds"`
	RateLimitMax      int `koanf:"rate_limit_max_requests"`

	CacheCapacity int           `koanf:"cache_capacity"`
	CacheTTL      time.Duration `koanf:"cache_ttl"`

	MaxFrameBytes int           `koanf:"max_frame_bytes"`
	IdleTimeout   time.Duration `koanf:"idle_timeout"`

	GatewayEnabled    bool   `koanf:"gateway_enabled"`
	GatewayConfigPath string `koanf:"gateway_config_path"`

	AuthRequired bool     `koanf:"auth_required"`
	AuthTokens   []string `koanf:"auth_tokens"`

	CORS CORSOptions `koanf:"cors"`

	DocumentRoot      string        `koanf:"document_root"`
	SSERingSize       int           `koanf:"sse_ring_size"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`

	LogLevel string `koanf:"log_level"`
}

func defaultServerOptionsMap() map[string]any {
	return map[string]any{
		"transport":                 "stdio",
		"addr":                      ":8080",
		"worker_count":              DefaultWorkerCount,
		"queue_size":                DefaultQueueSize,
		"graceful_shutdown_wait":    DefaultGracefulShutdownWait,
		"rate_limit_capacity":       1024,
		"rate_limit_window_seconds": 60,
		"rate_limit_max_requests":   120,
		"cache_capacity":            512,
		"cache_ttl":                 DefaultCacheTTL,
		"max_frame_bytes":           1 << 20,
		"idle_timeout":              5 * time.Minute,
		"gateway_enabled":           false,
		"gateway_config_path":       "",
		"auth_required":             false,
		"sse_ring_size":             DefaultSSERingSize,
		"heartbeat_interval":        DefaultHeartbeatInterval,
		"log_level":                 "info",
	}
}

// LoadServerOptions builds a ServerOptions from defaults, an optional
// JSON file at configPath (skipped silently if absent), then
// environment variables prefixed MCPFORGE_ (e.g. MCPFORGE_ADDR,
// MCPFORGE_TRANSPORT). A configPath that exists but fails to parse is a
// hard error; a configPath that does not exist is not.
func LoadServerOptions(configPath string) (*ServerOptions, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaultServerOptionsMap(), "."), nil); err != nil {
		return nil, fmt.Errorf("mcpforge: load option defaults: %w", err)
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			if err := k.Load(file.Provider(configPath), kjson.Parser()); err != nil {
				return nil, fmt.Errorf("mcpforge: load config file %s: %w", configPath, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("mcpforge: stat config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyTransform), nil); err != nil {
		return nil, fmt.Errorf("mcpforge: load environment: %w", err)
	}

	var opts ServerOptions
	if err := k.Unmarshal("", &opts); err != nil {
		return nil, fmt.Errorf("mcpforge: unmarshal options: %w", err)
	}

	if len(opts.CORS.AllowedOrigins) > 0 {
		normalized := normalizeCORSOptions(&opts.CORS)
		if err := normalized.Validate(); err != nil {
			return nil, fmt.Errorf("mcpforge: invalid options: %w", err)
		}
		opts.CORS = *normalized
	}
	return &opts, nil
}

// envKeyTransform maps MCPFORGE_RATE_LIMIT_MAX_REQUESTS to
// rate_limit_max_requests, matching the koanf tags above.
func envKeyTransform(s string) string {
	return toLowerUnderscore(stripPrefix(s, envPrefix))
}

func stripPrefix(s, prefix string) string {
	if len(s) >= len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):]
	}
	return s
}

func toLowerUnderscore(s string) string {
	b := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c = c - 'A' + 'a'
		}
		b[i] = c
	}
	return string(b)
}

// NewTokenValidator builds a TokenValidator performing the opaque
// bearer-token equality check spec.md §1 calls for: a token is valid
// iff it appears in allowed, with no restriction on which resources or
// tools it may reach (a richer per-token ACL is not in scope).
func NewTokenValidator(allowed []string) TokenValidator {
	set := make(map[string]struct{}, len(allowed))
	for _, t := range allowed {
		set[t] = struct{}{}
	}
	return func(token string) (*AuthContext, bool) {
		if _, ok := set[token]; !ok {
			return nil, false
		}
		return &AuthContext{Token: token}, true
	}
}
