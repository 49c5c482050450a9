package diagnostics

import (
	"time"

	"github.com/wudi/routegate/internal/config"
	"github.com/wudi/routegate/internal/routetable"
)

type routeView struct {
	Pattern     string   `json:"pattern"`
	Service     string   `json:"service"`
	PathRewrite string   `json:"path_rewrite,omitempty"`
	Methods     []string `json:"methods,omitempty"`
	CORS        string   `json:"cors,omitempty"`
	RateLimit   string   `json:"rate_limit,omitempty"`
}

type versionView struct {
	Name       string      `json:"name"`
	Deprecated bool        `json:"deprecated"`
	Sunset     *time.Time  `json:"sunset,omitempty"`
	PastSunset bool        `json:"past_sunset,omitempty"`
	Routes     []routeView `json:"routes"`
}

func versionViews(table *routetable.Table, now time.Time) []versionView {
	out := make([]versionView, 0, len(table.Versions()))
	for _, v := range table.Versions() {
		vv := versionView{Name: v.Name, Deprecated: v.Deprecated, Routes: make([]routeView, 0, len(v.Routes))}
		if !v.Sunset.IsZero() {
			sunset := v.Sunset
			vv.Sunset = &sunset
			vv.PastSunset = now.After(sunset)
		}
		for _, r := range v.Routes {
			vv.Routes = append(vv.Routes, routeView{
				Pattern:     r.Pattern.String(),
				Service:     r.Service.Name,
				PathRewrite: r.PathRewrite,
				Methods:     r.Methods,
				CORS:        r.CORSRef,
				RateLimit:   r.RateLimitRef,
			})
		}
		out = append(out, vv)
	}
	return out
}

type serviceView struct {
	Name            string `json:"name"`
	URL             string `json:"url"`
	HealthCheckPath string `json:"health_check_path"`
	TimeoutMs       int64  `json:"timeout_ms"`
	Retries         int    `json:"retries"`
}

func serviceViews(table *routetable.Table) []serviceView {
	out := make([]serviceView, 0, len(table.Services()))
	for _, s := range table.Services() {
		out = append(out, serviceView{
			Name:            s.Name,
			URL:             s.URL.String(),
			HealthCheckPath: s.HealthCheckPath,
			TimeoutMs:       s.Timeout.Milliseconds(),
			Retries:         s.Retries,
		})
	}
	return out
}

type legacyView struct {
	Source  string   `json:"source"`
	Target  string   `json:"target"`
	Methods []string `json:"methods,omitempty"`
}

func legacyViews(cfg *config.Config) []legacyView {
	out := make([]legacyView, 0, len(cfg.LegacyRoutes))
	for _, lr := range cfg.LegacyRoutes {
		out = append(out, legacyView{Source: lr.Source, Target: lr.Target, Methods: lr.Methods})
	}
	return out
}

type staticView struct {
	Path    string   `json:"path"`
	Kind    string   `json:"kind"`
	Methods []string `json:"methods"`
}

func staticViews(cfg *config.Config) []staticView {
	out := make([]staticView, 0, len(cfg.StaticRoutes))
	for _, s := range cfg.StaticRoutes {
		out = append(out, staticView{Path: s.Path, Kind: s.Kind, Methods: s.Methods})
	}
	return out
}

type corsRuleView struct {
	Name          string   `json:"name"`
	Pattern       string   `json:"pattern"`
	Origin        string   `json:"origin"`
	Credentials   bool     `json:"credentials"`
	Methods       []string `json:"methods,omitempty"`
	Headers       []string `json:"headers,omitempty"`
	ExposeHeaders []string `json:"expose_headers,omitempty"`
	MaxAge        int      `json:"max_age,omitempty"`
}

type corsView struct {
	DefaultOrigin string         `json:"default_origin"`
	Rules         []corsRuleView `json:"rules"`
}

func newCORSView(c config.CORSConfig) corsView {
	v := corsView{DefaultOrigin: c.DefaultOrigin, Rules: make([]corsRuleView, 0, len(c.Rules))}
	for _, r := range c.Rules {
		v.Rules = append(v.Rules, corsRuleView{
			Name:          r.Name,
			Pattern:       r.Pattern,
			Origin:        r.Origin,
			Credentials:   r.Credentials,
			Methods:       r.Methods,
			Headers:       r.Headers,
			ExposeHeaders: r.ExposeHeaders,
			MaxAge:        r.MaxAge,
		})
	}
	return v
}

type policyView struct {
	Name           string `json:"name"`
	WindowMs       int64  `json:"window_ms"`
	Max            int    `json:"max"`
	Message        string `json:"message"`
	EmitHeaders    bool   `json:"emit_headers"`
	SkipSuccessful bool   `json:"skip_successful"`
}

type rateLimitView struct {
	Store      string            `json:"store"`
	Policies   []policyView      `json:"policies"`
	Categories map[string]string `json:"categories"`
}

func newRateLimitView(c config.RateLimitConfig) rateLimitView {
	v := rateLimitView{
		Store:      c.Store,
		Policies:   make([]policyView, 0, len(c.Policies)),
		Categories: make(map[string]string, len(c.Categories)),
	}
	for _, p := range c.Policies {
		v.Policies = append(v.Policies, policyView{
			Name:           p.Name,
			WindowMs:       p.WindowMs,
			Max:            p.Max,
			Message:        p.Message,
			EmitHeaders:    p.Headers(),
			SkipSuccessful: p.SkipSuccessful,
		})
	}
	for _, cc := range c.Categories {
		v.Categories[cc.Prefix] = cc.Policy
	}
	return v
}

type bodyView struct {
	APIPrefix   string   `json:"api_prefix"`
	LocalRoutes []string `json:"local_routes"`
	MaxBodySize int64    `json:"max_body_size"`
	RawCapture  struct {
		Enabled  bool     `json:"enabled"`
		MaxBytes int64    `json:"max_bytes"`
		Paths    []string `json:"paths,omitempty"`
	} `json:"raw_capture"`
}

func newBodyView(c config.BodyConfig) bodyView {
	v := bodyView{APIPrefix: c.APIPrefix, LocalRoutes: c.LocalRoutes, MaxBodySize: c.MaxBodySize}
	v.RawCapture.Enabled = c.RawCapture.Enabled
	v.RawCapture.MaxBytes = c.RawCapture.MaxBytes
	v.RawCapture.Paths = c.RawCapture.Paths
	return v
}

// configView is the effective configuration without secrets.
type configView struct {
	Server struct {
		Address       string `json:"address"`
		MaxPathLength int    `json:"max_path_length"`
		MaxURILength  int    `json:"max_uri_length"`
	} `json:"server"`
	Services       []serviceView `json:"services"`
	Versions       []versionView `json:"versions"`
	LegacyRoutes   []legacyView  `json:"legacy_routes"`
	StaticRoutes   []staticView  `json:"static_routes"`
	CORS           corsView      `json:"cors"`
	RateLimit      rateLimitView `json:"rate_limit"`
	Body           bodyView      `json:"body"`
	TrustedProxies []string      `json:"trusted_proxies"`
	Tracing        bool          `json:"tracing"`
	Redis          string        `json:"redis,omitempty"`
}

func newConfigView(cfg *config.Config, table *routetable.Table, now time.Time) configView {
	v := configView{
		Services:       serviceViews(table),
		Versions:       versionViews(table, now),
		LegacyRoutes:   legacyViews(cfg),
		StaticRoutes:   staticViews(cfg),
		CORS:           newCORSView(cfg.CORS),
		RateLimit:      newRateLimitView(cfg.RateLimit),
		Body:           newBodyView(cfg.Body),
		TrustedProxies: cfg.TrustedProxies.CIDRs,
		Tracing:        cfg.Tracing.Enabled,
	}
	v.Server.Address = cfg.Server.Address
	v.Server.MaxPathLength = cfg.Server.MaxPathLength
	v.Server.MaxURILength = cfg.Server.MaxURILength
	if cfg.RateLimit.Store == config.StoreRedis {
		v.Redis = cfg.Redis.Address
	}
	return v
}
