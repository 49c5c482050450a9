// Package routetable compiles the versioned route configuration into an
// immutable lookup structure. Exact patterns are resolved through an
// httprouter tree; wildcard patterns through a list sorted by specificity.
package routetable

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/wudi/routegate/internal/config"
	"github.com/wudi/routegate/internal/pattern"
)

// Service is a downstream service descriptor.
type Service struct {
	Name            string
	Host            string
	Port            int
	Protocol        string
	HealthCheckPath string
	Timeout         time.Duration
	Retries         int
	URL             *url.URL
}

// HealthURL returns the full URL probed by the health checker.
func (s *Service) HealthURL() string {
	return s.URL.String() + s.HealthCheckPath
}

// Version is a group of routes sharing an API version.
type Version struct {
	Name       string
	Deprecated bool
	Sunset     time.Time
	Routes     []*Route
}

// Route binds a path pattern to a service.
type Route struct {
	Version      string
	Pattern      pattern.Pattern
	Service      *Service
	PathRewrite  string
	Methods      []string
	CORSRef      string
	RateLimitRef string

	methods map[string]bool // nil = all methods allowed
}

// AllowsMethod reports whether the route accepts method.
func (r *Route) AllowsMethod(method string) bool {
	return r.methods == nil || r.methods[method]
}

// RewritePath maps the request path onto the service path. Wildcard routes
// replace their literal prefix with PathRewrite; exact routes replace the
// whole path. Without a rewrite the path is forwarded unchanged.
func (r *Route) RewritePath(path string) string {
	if r.PathRewrite == "" {
		return path
	}
	if !r.Pattern.IsWildcard() {
		return r.PathRewrite
	}
	suffix := r.Pattern.Suffix(path)
	if suffix == "" {
		return r.PathRewrite
	}
	return singleJoinSlash(r.PathRewrite, suffix)
}

func singleJoinSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

// Table is an immutable compiled route table.
type Table struct {
	services     map[string]*Service
	serviceNames []string
	versions     []*Version
	routes       []*Route
	exact        *httprouter.Router
	prefixes     []*Route
}

// New compiles cfg into a Table. cfg is expected to be validated already;
// compile errors are still reported rather than panicking.
func New(cfg *config.Config) (*Table, error) {
	t := &Table{
		services: make(map[string]*Service, len(cfg.Services)),
		exact:    newTree(),
	}

	for name, sc := range cfg.Services {
		u, err := url.Parse(sc.URL())
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", name, err)
		}
		t.services[name] = &Service{
			Name:            name,
			Host:            sc.Host,
			Port:            sc.Port,
			Protocol:        sc.Protocol,
			HealthCheckPath: sc.HealthCheckPath,
			Timeout:         sc.Timeout(),
			Retries:         sc.Retries,
			URL:             u,
		}
		t.serviceNames = append(t.serviceNames, name)
	}
	sort.Strings(t.serviceNames)

	for _, vc := range cfg.Versions {
		v := &Version{Name: vc.Name, Deprecated: vc.Deprecated}
		if vc.Sunset != "" {
			sunset, err := time.Parse(time.RFC3339, vc.Sunset)
			if err != nil {
				return nil, fmt.Errorf("version %s: %w", vc.Name, err)
			}
			v.Sunset = sunset
		}

		for _, rc := range vc.Routes {
			p, err := pattern.Compile(rc.Pattern)
			if err != nil {
				return nil, fmt.Errorf("version %s: %w", vc.Name, err)
			}
			svc, ok := t.services[rc.Service]
			if !ok {
				return nil, fmt.Errorf("version %s route %s: unknown service %q", vc.Name, rc.Pattern, rc.Service)
			}
			route := &Route{
				Version:      vc.Name,
				Pattern:      p,
				Service:      svc,
				PathRewrite:  rc.PathRewrite,
				Methods:      rc.Methods,
				CORSRef:      rc.CORS,
				RateLimitRef: rc.RateLimit,
			}
			if len(rc.Methods) > 0 {
				route.methods = make(map[string]bool, len(rc.Methods))
				for _, m := range rc.Methods {
					route.methods[strings.ToUpper(m)] = true
				}
			}

			if p.IsWildcard() {
				t.prefixes = append(t.prefixes, route)
			} else if err := t.addExact(route); err != nil {
				return nil, err
			}
			v.Routes = append(v.Routes, route)
			t.routes = append(t.routes, route)
		}
		t.versions = append(t.versions, v)
	}

	pattern.SortStable(t.prefixes, func(r *Route) pattern.Pattern { return r.Pattern })
	return t, nil
}

func newTree() *httprouter.Router {
	tree := httprouter.New()
	tree.RedirectTrailingSlash = false
	tree.RedirectFixedPath = false
	tree.HandleMethodNotAllowed = false
	tree.HandleOPTIONS = false
	return tree
}

func (t *Table) addExact(route *Route) (err error) {
	defer func() {
		// httprouter panics on conflicting registrations
		if r := recover(); r != nil {
			err = fmt.Errorf("route %s: %v", route.Pattern, r)
		}
	}()
	// Methods are checked by Route.AllowsMethod, so one tree is enough.
	t.exact.Handler(http.MethodGet, route.Pattern.String(), exactHandler{route: route})
	return nil
}

// exactHandler is invoked by httprouter for a matched exact path and records
// the route in the captureWriter.
type exactHandler struct {
	route *Route
}

func (h exactHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	if cw, ok := w.(*captureWriter); ok {
		cw.route = h.route
	}
}

// captureWriter is a no-op ResponseWriter used to extract the match result
// from httprouter dispatch without writing any actual HTTP response.
type captureWriter struct {
	route  *Route
	header http.Header
}

func (cw *captureWriter) Header() http.Header {
	if cw.header == nil {
		cw.header = make(http.Header)
	}
	return cw.header
}
func (cw *captureWriter) Write([]byte) (int, error) { return 0, nil }
func (cw *captureWriter) WriteHeader(int)           {}

// Lookup returns the most specific route matching path, or nil. The request
// method is not considered; use Route.AllowsMethod.
func (t *Table) Lookup(path string) *Route {
	cw := &captureWriter{}
	t.exact.ServeHTTP(cw, &http.Request{Method: http.MethodGet, URL: &url.URL{Path: path}})
	if cw.route != nil {
		return cw.route
	}
	for _, route := range t.prefixes {
		if route.Pattern.Match(path) {
			return route
		}
	}
	return nil
}

// Service returns the named service.
func (t *Table) Service(name string) (*Service, bool) {
	s, ok := t.services[name]
	return s, ok
}

// Services returns all services sorted by name.
func (t *Table) Services() []*Service {
	out := make([]*Service, 0, len(t.serviceNames))
	for _, name := range t.serviceNames {
		out = append(out, t.services[name])
	}
	return out
}

// Versions returns the version groups in configuration order.
func (t *Table) Versions() []*Version {
	return t.versions
}

// Routes returns all routes in configuration order.
func (t *Table) Routes() []*Route {
	return t.routes
}

// Len returns the number of routes.
func (t *Table) Len() int {
	return len(t.routes)
}
