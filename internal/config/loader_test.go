package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
server:
  address: ":9090"
  read_timeout: 10s

services:
  companies:
    host: companies.internal
    port: 8081
    retries: 2
  auth:
    host: auth.internal
    port: 8082
    protocol: https
    health_check_path: /healthz
    timeout_ms: 1500

versions:
  - name: v1
    deprecated: true
    sunset: "2027-01-01T00:00:00Z"
    routes:
      - pattern: /api/v1/companies/*
        service: companies
        path_rewrite: /companies/
        methods: [get, post]
        cors: app
        rate_limit: api
  - name: v2
    routes:
      - pattern: /api/v2/companies
        service: companies

legacy_routes:
  - source: /api/companies/*
    target: /api/v1/companies/*

cors:
  rules:
    - name: app
      pattern: /api/*
      origin: reflect
      credentials: true
      methods: [GET, POST]

rate_limit:
  policies:
    - name: api
      window_ms: 60000
      max: 100
    - name: auth
      window_ms: 900000
      max: 5
      message: Too many login attempts
      emit_headers: false
  categories:
    - prefix: /auth/
      policy: auth
    - prefix: /api/
      policy: api

body:
  local_routes: [/auth/login]
`

func newTestLoader(env map[string]string) *Loader {
	l := NewLoader()
	l.lookupEnv = func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	return l
}

func TestLoaderParse(t *testing.T) {
	cfg, err := newTestLoader(nil).Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Server.Address != ":9090" {
		t.Errorf("expected address :9090, got %s", cfg.Server.Address)
	}
	if cfg.Server.ReadTimeout != 10*time.Second {
		t.Errorf("expected read_timeout 10s, got %v", cfg.Server.ReadTimeout)
	}
	if cfg.Server.WriteTimeout != 30*time.Second {
		t.Errorf("expected default write_timeout 30s, got %v", cfg.Server.WriteTimeout)
	}

	companies := cfg.Services["companies"]
	if companies.Protocol != "http" || companies.HealthCheckPath != "/health" || companies.TimeoutMs != 5000 {
		t.Errorf("service defaults not applied: %+v", companies)
	}
	if companies.URL() != "http://companies.internal:8081" {
		t.Errorf("URL() = %q", companies.URL())
	}
	if auth := cfg.Services["auth"]; auth.Timeout() != 1500*time.Millisecond || auth.HealthCheckPath != "/healthz" {
		t.Errorf("auth service = %+v", auth)
	}

	if len(cfg.Versions) != 2 || !cfg.Versions[0].Deprecated {
		t.Fatalf("versions = %+v", cfg.Versions)
	}
	if got := cfg.Versions[0].Routes[0].Methods; got[0] != "GET" || got[1] != "POST" {
		t.Errorf("methods should be upper-cased, got %v", got)
	}

	if len(cfg.StaticRoutes) != 3 {
		t.Errorf("expected default static routes, got %d", len(cfg.StaticRoutes))
	}

	auth := cfg.RateLimit.Policies[1]
	if auth.Headers() {
		t.Error("emit_headers: false should disable headers")
	}
	if !cfg.RateLimit.Policies[0].Headers() {
		t.Error("headers should default to enabled")
	}
	if cfg.RateLimit.Policies[0].Message == "" {
		t.Error("default policy message not applied")
	}
	if auth.Window() != 15*time.Minute {
		t.Errorf("Window() = %v", auth.Window())
	}
}

func TestLoaderEnvExpansion(t *testing.T) {
	yaml := strings.Replace(validYAML, "host: companies.internal", "host: ${COMPANIES_HOST}", 1)
	cfg, err := newTestLoader(map[string]string{"COMPANIES_HOST": "10.0.0.7"}).Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Services["companies"].Host != "10.0.0.7" {
		t.Errorf("expected expanded host, got %q", cfg.Services["companies"].Host)
	}
}

func TestLoaderEnvOverrides(t *testing.T) {
	env := map[string]string{
		EnvAddress:           ":7070",
		EnvLogLevel:          "debug",
		EnvDefaultCORSOrigin: "https://app.example.com",
		EnvRedisAddress:      "redis:6379",
		EnvAPIPrefix:         "/v/",
	}
	cfg, err := newTestLoader(env).Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Server.Address != ":7070" || cfg.Logging.Level != "debug" {
		t.Errorf("server/logging overrides not applied: %+v %+v", cfg.Server, cfg.Logging)
	}
	if cfg.CORS.DefaultOrigin != "https://app.example.com" {
		t.Errorf("DefaultOrigin = %q", cfg.CORS.DefaultOrigin)
	}
	if cfg.Redis.Address != "redis:6379" || cfg.Body.APIPrefix != "/v/" {
		t.Errorf("redis/body overrides not applied")
	}
}

func TestLoaderValidationFailsFast(t *testing.T) {
	tests := []struct {
		name    string
		replace [2]string
		wantErr string
	}{
		{"unknown service", [2]string{"service: companies\n        path_rewrite", "service: billing\n        path_rewrite"}, `unknown service "billing"`},
		{"non-trailing wildcard", [2]string{"pattern: /api/v1/companies/*", "pattern: /api/*/companies"}, "wildcard must be trailing"},
		{"unknown cors ref", [2]string{"cors: app", "cors: web"}, `unknown cors rule "web"`},
		{"unknown policy ref", [2]string{"rate_limit: api", "rate_limit: nope"}, `unknown rate limit policy "nope"`},
		{"wildcard origin with credentials", [2]string{"origin: reflect", `origin: "*"`}, "cannot be combined with credentials"},
		{"zero window", [2]string{"window_ms: 60000", "window_ms: 0"}, "window_ms must be > 0"},
		{"unknown category policy", [2]string{"policy: auth", "policy: login"}, `unknown policy "login"`},
		{"bad method", [2]string{"methods: [get, post]", "methods: [get, fetch]"}, `invalid HTTP method "FETCH"`},
		{"bad sunset", [2]string{`sunset: "2027-01-01T00:00:00Z"`, `sunset: "next year"`}, "sunset must be RFC 3339"},
		{"wildcard target exact source", [2]string{"source: /api/companies/*", "source: /api/companies"}, "wildcard target requires a wildcard source"},
		{"bad store", [2]string{"rate_limit:\n  policies", "rate_limit:\n  store: disk\n  policies"}, `invalid store "disk"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			yaml := strings.Replace(validYAML, tt.replace[0], tt.replace[1], 1)
			if yaml == validYAML {
				t.Fatalf("replacement %q did not apply", tt.replace[0])
			}
			_, err := newTestLoader(nil).Parse([]byte(yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoaderDuplicateExactRoute(t *testing.T) {
	yaml := strings.Replace(validYAML, "  - name: v2\n", "  - name: v3\n    routes:\n      - pattern: /api/v2/companies\n        service: companies\n  - name: v2\n", 1)
	_, err := newTestLoader(nil).Parse([]byte(yaml))
	if err == nil || !strings.Contains(err.Error(), "duplicate route /api/v2/companies") {
		t.Errorf("expected duplicate route error, got %v", err)
	}
}

func TestLoaderLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routegate.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := NewLoader().Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Services) != 2 {
		t.Errorf("expected 2 services, got %d", len(cfg.Services))
	}

	if _, err := NewLoader().Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
