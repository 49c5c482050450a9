package config

import (
	"fmt"
	"net/http"
	"time"
)

// Config represents the complete gateway configuration
type Config struct {
	Server         ServerConfig             `yaml:"server"`
	Logging        LoggingConfig            `yaml:"logging"`
	Tracing        TracingConfig            `yaml:"tracing"`
	Redis          RedisConfig              `yaml:"redis"`
	TrustedProxies TrustedProxiesConfig     `yaml:"trusted_proxies"`
	Services       map[string]ServiceConfig `yaml:"services"`
	Versions       []VersionConfig          `yaml:"versions"`
	LegacyRoutes   []LegacyRouteConfig      `yaml:"legacy_routes"`
	StaticRoutes   []StaticRouteConfig      `yaml:"static_routes"`
	CORS           CORSConfig               `yaml:"cors"`
	RateLimit      RateLimitConfig          `yaml:"rate_limit"`
	Body           BodyConfig               `yaml:"body"`
	Health         HealthConfig             `yaml:"health"`
	Diagnostics    DiagnosticsConfig        `yaml:"diagnostics"`
}

// ServerConfig defines the HTTP listener.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxPathLength   int           `yaml:"max_path_length"`
	MaxURILength    int           `yaml:"max_uri_length"`
}

// LoggingConfig defines logging output. Output "stdout", "stderr" or a file
// path; file output is rotated.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Output     string `yaml:"output"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
	AccessLog  bool   `yaml:"access_log"`
}

// TracingConfig defines OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// RedisConfig is used by the shared rate-limit store.
type RedisConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// TrustedProxiesConfig controls client IP extraction from forwarding headers.
type TrustedProxiesConfig struct {
	CIDRs   []string `yaml:"cidrs"`
	Headers []string `yaml:"headers"`
	MaxHops int      `yaml:"max_hops"`
}

// ServiceConfig describes a downstream service.
type ServiceConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Protocol        string `yaml:"protocol"`
	HealthCheckPath string `yaml:"health_check_path"`
	TimeoutMs       int    `yaml:"timeout_ms"`
	Retries         int    `yaml:"retries"`
}

// URL returns the service base URL.
func (s ServiceConfig) URL() string {
	return fmt.Sprintf("%s://%s:%d", s.Protocol, s.Host, s.Port)
}

// Timeout returns TimeoutMs as a duration.
func (s ServiceConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// VersionConfig groups the routes of one API version.
type VersionConfig struct {
	Name       string        `yaml:"name"`
	Deprecated bool          `yaml:"deprecated"`
	Sunset     string        `yaml:"sunset"`
	Routes     []RouteConfig `yaml:"routes"`
}

// RouteConfig maps a path pattern to a service.
type RouteConfig struct {
	Pattern     string   `yaml:"pattern"`
	Service     string   `yaml:"service"`
	PathRewrite string   `yaml:"path_rewrite"`
	Methods     []string `yaml:"methods"`
	CORS        string   `yaml:"cors"`
	RateLimit   string   `yaml:"rate_limit"`
}

// LegacyRouteConfig redirects or rewrites an old path to its successor.
type LegacyRouteConfig struct {
	Source  string   `yaml:"source"`
	Target  string   `yaml:"target"`
	Methods []string `yaml:"methods"`
}

// Static route kinds.
const (
	StaticHealth  = "health"
	StaticMetrics = "metrics"
	StaticStatus  = "status"
)

// StaticRouteConfig is a fixed endpoint answered by the gateway itself.
type StaticRouteConfig struct {
	Path    string   `yaml:"path"`
	Kind    string   `yaml:"kind"`
	Methods []string `yaml:"methods"`
}

// CORSConfig holds the CORS rule set and the fallback origin.
type CORSConfig struct {
	DefaultOrigin string           `yaml:"default_origin"`
	Rules         []CORSRuleConfig `yaml:"rules"`
}

// OriginReflect echoes the request Origin header back.
const OriginReflect = "reflect"

// CORSRuleConfig is one CORS rule bound to a path pattern.
type CORSRuleConfig struct {
	Name          string   `yaml:"name"`
	Pattern       string   `yaml:"pattern"`
	Origin        string   `yaml:"origin"`
	Credentials   bool     `yaml:"credentials"`
	Methods       []string `yaml:"methods"`
	Headers       []string `yaml:"headers"`
	ExposeHeaders []string `yaml:"expose_headers"`
	MaxAge        int      `yaml:"max_age"`
}

// Rate-limit store types.
const (
	StoreMemory = "memory"
	StoreLRU    = "lru"
	StoreRedis  = "redis"
)

// RateLimitConfig holds rate-limit policies and the path categories using them.
type RateLimitConfig struct {
	Store         string                    `yaml:"store"`
	MaxKeys       int                       `yaml:"max_keys"`
	SweepInterval time.Duration             `yaml:"sweep_interval"`
	Policies      []RateLimitPolicyConfig   `yaml:"policies"`
	Categories    []RateLimitCategoryConfig `yaml:"categories"`
}

// RateLimitPolicyConfig is a named sliding-window policy.
type RateLimitPolicyConfig struct {
	Name           string `yaml:"name"`
	WindowMs       int64  `yaml:"window_ms"`
	Max            int    `yaml:"max"`
	Message        string `yaml:"message"`
	EmitHeaders    *bool  `yaml:"emit_headers"`
	SkipSuccessful bool   `yaml:"skip_successful"`
}

// Headers reports whether X-RateLimit-* headers are emitted. Defaults to true.
func (p RateLimitPolicyConfig) Headers() bool {
	return p.EmitHeaders == nil || *p.EmitHeaders
}

// Window returns WindowMs as a duration.
func (p RateLimitPolicyConfig) Window() time.Duration {
	return time.Duration(p.WindowMs) * time.Millisecond
}

// RateLimitCategoryConfig binds a path prefix to a policy.
type RateLimitCategoryConfig struct {
	Prefix string `yaml:"prefix"`
	Policy string `yaml:"policy"`
}

// BodyConfig decides which requests have their body parsed or captured.
type BodyConfig struct {
	APIPrefix   string           `yaml:"api_prefix"`
	LocalRoutes []string         `yaml:"local_routes"`
	MaxBodySize int64            `yaml:"max_body_size"`
	RawCapture  RawCaptureConfig `yaml:"raw_capture"`
}

// RawCaptureConfig enables raw body capture on proxied paths.
type RawCaptureConfig struct {
	Enabled  bool     `yaml:"enabled"`
	MaxBytes int64    `yaml:"max_bytes"`
	Paths    []string `yaml:"paths"`
}

// HealthConfig tunes downstream probing.
type HealthConfig struct {
	RetryInterval   time.Duration `yaml:"retry_interval"`
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// DiagnosticsConfig exposes the /routes endpoints.
type DiagnosticsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Prefix  string `yaml:"prefix"`
}

// DefaultStaticRoutes are served when no static routes are configured.
func DefaultStaticRoutes() []StaticRouteConfig {
	methods := []string{http.MethodGet, http.MethodHead}
	return []StaticRouteConfig{
		{Path: "/health", Kind: StaticHealth, Methods: methods},
		{Path: "/metrics", Kind: StaticMetrics, Methods: methods},
		{Path: "/status", Kind: StaticStatus, Methods: methods},
	}
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxPathLength:   2048,
			MaxURILength:    8192,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     "stdout",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
			AccessLog:  true,
		},
		Tracing: TracingConfig{
			ServiceName: "routegate",
			SampleRate:  1.0,
		},
		Redis: RedisConfig{
			Address:   "localhost:6379",
			KeyPrefix: "routegate:rl:",
		},
		TrustedProxies: TrustedProxiesConfig{
			Headers: []string{"X-Forwarded-For", "X-Real-IP"},
		},
		Services: map[string]ServiceConfig{},
		CORS: CORSConfig{
			DefaultOrigin: "http://localhost:3000",
		},
		RateLimit: RateLimitConfig{
			Store:         StoreMemory,
			MaxKeys:       100000,
			SweepInterval: time.Minute,
		},
		Body: BodyConfig{
			APIPrefix:   "/api/",
			MaxBodySize: 1 << 20,
			RawCapture: RawCaptureConfig{
				MaxBytes: 1 << 20,
			},
		},
		Health: HealthConfig{
			RetryInterval:   100 * time.Millisecond,
			BreakerFailures: 3,
			BreakerCooldown: 30 * time.Second,
		},
		Diagnostics: DiagnosticsConfig{
			Enabled: true,
			Prefix:  "/routes",
		},
	}
}
