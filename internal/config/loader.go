package config

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/wudi/routegate/internal/pattern"
)

// validHTTPMethods contains all valid HTTP method names.
var validHTTPMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true,
	"DELETE": true, "PATCH": true, "OPTIONS": true,
}

// Environment variables that override file values after expansion.
const (
	EnvAddress           = "ROUTEGATE_ADDRESS"
	EnvLogLevel          = "ROUTEGATE_LOG_LEVEL"
	EnvDefaultCORSOrigin = "ROUTEGATE_DEFAULT_CORS_ORIGIN"
	EnvRedisAddress      = "ROUTEGATE_REDIS_ADDR"
	EnvAPIPrefix         = "ROUTEGATE_API_PREFIX"
)

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
		lookupEnv:  os.LookupEnv,
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	l.applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := l.lookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

func (l *Loader) applyEnvOverrides(cfg *Config) {
	if v, ok := l.lookupEnv(EnvAddress); ok && v != "" {
		cfg.Server.Address = v
	}
	if v, ok := l.lookupEnv(EnvLogLevel); ok && v != "" {
		cfg.Logging.Level = v
	}
	if v, ok := l.lookupEnv(EnvDefaultCORSOrigin); ok && v != "" {
		cfg.CORS.DefaultOrigin = v
	}
	if v, ok := l.lookupEnv(EnvRedisAddress); ok && v != "" {
		cfg.Redis.Address = v
	}
	if v, ok := l.lookupEnv(EnvAPIPrefix); ok && v != "" {
		cfg.Body.APIPrefix = v
	}
}

// applyDefaults fills per-entry defaults that cannot live in DefaultConfig.
func applyDefaults(cfg *Config) {
	for name, svc := range cfg.Services {
		if svc.Protocol == "" {
			svc.Protocol = "http"
		}
		if svc.HealthCheckPath == "" {
			svc.HealthCheckPath = "/health"
		}
		if svc.TimeoutMs == 0 {
			svc.TimeoutMs = 5000
		}
		cfg.Services[name] = svc
	}

	if len(cfg.StaticRoutes) == 0 {
		cfg.StaticRoutes = DefaultStaticRoutes()
	}
	for i := range cfg.StaticRoutes {
		if len(cfg.StaticRoutes[i].Methods) == 0 {
			cfg.StaticRoutes[i].Methods = []string{http.MethodGet, http.MethodHead}
		}
		cfg.StaticRoutes[i].Methods = upperAll(cfg.StaticRoutes[i].Methods)
	}

	for vi := range cfg.Versions {
		for ri := range cfg.Versions[vi].Routes {
			cfg.Versions[vi].Routes[ri].Methods = upperAll(cfg.Versions[vi].Routes[ri].Methods)
		}
	}
	for i := range cfg.LegacyRoutes {
		cfg.LegacyRoutes[i].Methods = upperAll(cfg.LegacyRoutes[i].Methods)
	}

	for i := range cfg.RateLimit.Policies {
		if cfg.RateLimit.Policies[i].Message == "" {
			cfg.RateLimit.Policies[i].Message = "Too many requests, please try again later."
		}
	}

	for i := range cfg.CORS.Rules {
		r := &cfg.CORS.Rules[i]
		if r.Name == "" {
			r.Name = r.Pattern
		}
		r.Methods = upperAll(r.Methods)
	}

	if len(cfg.Diagnostics.Prefix) > 1 {
		cfg.Diagnostics.Prefix = strings.TrimRight(cfg.Diagnostics.Prefix, "/")
	}
}

func upperAll(in []string) []string {
	for i, s := range in {
		in[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	return in
}

// validate checks configuration for errors
func (l *Loader) validate(cfg *Config) error {
	if cfg.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if cfg.Server.MaxPathLength <= 0 || cfg.Server.MaxURILength <= 0 {
		return fmt.Errorf("server: max_path_length and max_uri_length must be > 0")
	}

	for name, svc := range cfg.Services {
		if svc.Host == "" {
			return fmt.Errorf("service %s: host is required", name)
		}
		if svc.Port <= 0 || svc.Port > 65535 {
			return fmt.Errorf("service %s: invalid port %d", name, svc.Port)
		}
		if svc.Protocol != "http" && svc.Protocol != "https" {
			return fmt.Errorf("service %s: protocol must be http or https, got %q", name, svc.Protocol)
		}
		if !strings.HasPrefix(svc.HealthCheckPath, "/") {
			return fmt.Errorf("service %s: health_check_path must start with /", name)
		}
		if svc.TimeoutMs < 0 || svc.Retries < 0 {
			return fmt.Errorf("service %s: timeout_ms and retries must be >= 0", name)
		}
	}

	policies := make(map[string]bool, len(cfg.RateLimit.Policies))
	for i, p := range cfg.RateLimit.Policies {
		if p.Name == "" {
			return fmt.Errorf("rate_limit.policies[%d]: name is required", i)
		}
		if policies[p.Name] {
			return fmt.Errorf("duplicate rate limit policy: %s", p.Name)
		}
		if p.WindowMs <= 0 {
			return fmt.Errorf("rate limit policy %s: window_ms must be > 0", p.Name)
		}
		if p.Max <= 0 {
			return fmt.Errorf("rate limit policy %s: max must be > 0", p.Name)
		}
		policies[p.Name] = true
	}
	for i, c := range cfg.RateLimit.Categories {
		if !strings.HasPrefix(c.Prefix, "/") {
			return fmt.Errorf("rate_limit.categories[%d]: prefix must start with /", i)
		}
		if !policies[c.Policy] {
			return fmt.Errorf("rate_limit.categories[%d]: unknown policy %q", i, c.Policy)
		}
	}
	switch cfg.RateLimit.Store {
	case StoreMemory, StoreRedis:
	case StoreLRU:
		if cfg.RateLimit.MaxKeys <= 0 {
			return fmt.Errorf("rate_limit: max_keys must be > 0 for the lru store")
		}
	default:
		return fmt.Errorf("rate_limit: invalid store %q", cfg.RateLimit.Store)
	}
	if cfg.RateLimit.Store == StoreRedis && cfg.Redis.Address == "" {
		return fmt.Errorf("rate_limit: redis store requires redis.address")
	}

	corsRules := make(map[string]bool, len(cfg.CORS.Rules))
	for i, r := range cfg.CORS.Rules {
		if _, err := pattern.Compile(r.Pattern); err != nil {
			return fmt.Errorf("cors.rules[%d]: %w", i, err)
		}
		if corsRules[r.Name] {
			return fmt.Errorf("duplicate cors rule: %s", r.Name)
		}
		if r.Origin == "" {
			return fmt.Errorf("cors rule %s: origin is required", r.Name)
		}
		if r.Origin == "*" && r.Credentials {
			return fmt.Errorf("cors rule %s: origin \"*\" cannot be combined with credentials", r.Name)
		}
		if err := validateMethods(r.Methods); err != nil {
			return fmt.Errorf("cors rule %s: %w", r.Name, err)
		}
		corsRules[r.Name] = true
	}

	versions := make(map[string]bool, len(cfg.Versions))
	exact := make(map[string]string)
	for vi, v := range cfg.Versions {
		if v.Name == "" {
			return fmt.Errorf("versions[%d]: name is required", vi)
		}
		if versions[v.Name] {
			return fmt.Errorf("duplicate version: %s", v.Name)
		}
		versions[v.Name] = true
		if v.Sunset != "" {
			if _, err := time.Parse(time.RFC3339, v.Sunset); err != nil {
				return fmt.Errorf("version %s: sunset must be RFC 3339: %w", v.Name, err)
			}
		}
		for ri, r := range v.Routes {
			p, err := pattern.Compile(r.Pattern)
			if err != nil {
				return fmt.Errorf("version %s route %d: %w", v.Name, ri, err)
			}
			if _, ok := cfg.Services[r.Service]; !ok {
				return fmt.Errorf("version %s route %s: unknown service %q", v.Name, r.Pattern, r.Service)
			}
			if r.CORS != "" && !corsRules[r.CORS] {
				return fmt.Errorf("version %s route %s: unknown cors rule %q", v.Name, r.Pattern, r.CORS)
			}
			if r.RateLimit != "" && !policies[r.RateLimit] {
				return fmt.Errorf("version %s route %s: unknown rate limit policy %q", v.Name, r.Pattern, r.RateLimit)
			}
			if r.PathRewrite != "" && !strings.HasPrefix(r.PathRewrite, "/") {
				return fmt.Errorf("version %s route %s: path_rewrite must start with /", v.Name, r.Pattern)
			}
			if err := validateMethods(r.Methods); err != nil {
				return fmt.Errorf("version %s route %s: %w", v.Name, r.Pattern, err)
			}
			if !p.IsWildcard() {
				if prev, dup := exact[r.Pattern]; dup {
					return fmt.Errorf("duplicate route %s in versions %s and %s", r.Pattern, prev, v.Name)
				}
				exact[r.Pattern] = v.Name
			}
		}
	}

	for i, lr := range cfg.LegacyRoutes {
		src, err := pattern.Compile(lr.Source)
		if err != nil {
			return fmt.Errorf("legacy_routes[%d]: source: %w", i, err)
		}
		if !strings.HasPrefix(lr.Target, "/") {
			return fmt.Errorf("legacy_routes[%d]: target must be a path starting with /", i)
		}
		if strings.HasSuffix(lr.Target, pattern.Wildcard) && !src.IsWildcard() {
			return fmt.Errorf("legacy_routes[%d]: wildcard target requires a wildcard source", i)
		}
		if err := validateMethods(lr.Methods); err != nil {
			return fmt.Errorf("legacy_routes[%d]: %w", i, err)
		}
	}

	static := make(map[string]bool, len(cfg.StaticRoutes))
	for i, s := range cfg.StaticRoutes {
		if !strings.HasPrefix(s.Path, "/") {
			return fmt.Errorf("static_routes[%d]: path must start with /", i)
		}
		switch s.Kind {
		case StaticHealth, StaticMetrics, StaticStatus:
		default:
			return fmt.Errorf("static route %s: invalid kind %q", s.Path, s.Kind)
		}
		if static[s.Path] {
			return fmt.Errorf("duplicate static route: %s", s.Path)
		}
		if err := validateMethods(s.Methods); err != nil {
			return fmt.Errorf("static route %s: %w", s.Path, err)
		}
		static[s.Path] = true
	}

	if !strings.HasPrefix(cfg.Body.APIPrefix, "/") {
		return fmt.Errorf("body.api_prefix must start with /")
	}
	if cfg.Body.MaxBodySize <= 0 {
		return fmt.Errorf("body.max_body_size must be > 0")
	}
	for i, lr := range cfg.Body.LocalRoutes {
		if _, err := pattern.Compile(lr); err != nil {
			return fmt.Errorf("body.local_routes[%d]: %w", i, err)
		}
	}
	if cfg.Body.RawCapture.Enabled && cfg.Body.RawCapture.MaxBytes <= 0 {
		return fmt.Errorf("body.raw_capture.max_bytes must be > 0")
	}
	for i, p := range cfg.Body.RawCapture.Paths {
		if _, err := pattern.Compile(p); err != nil {
			return fmt.Errorf("body.raw_capture.paths[%d]: %w", i, err)
		}
	}

	for _, cidr := range cfg.TrustedProxies.CIDRs {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			if net.ParseIP(cidr) == nil {
				return fmt.Errorf("trusted_proxies: invalid CIDR or IP %q", cidr)
			}
		}
	}

	if cfg.Health.BreakerFailures < 0 {
		return fmt.Errorf("health.breaker_failures must be >= 0")
	}
	if cfg.Diagnostics.Enabled && !strings.HasPrefix(cfg.Diagnostics.Prefix, "/") {
		return fmt.Errorf("diagnostics.prefix must start with /")
	}
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing: endpoint is required when enabled")
	}

	return nil
}

func validateMethods(methods []string) error {
	for _, m := range methods {
		if !validHTTPMethods[m] {
			return fmt.Errorf("invalid HTTP method %q", m)
		}
	}
	return nil
}
