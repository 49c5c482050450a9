// Package health probes downstream services and aggregates their status.
package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/routegate/internal/logging"
	"github.com/wudi/routegate/internal/routetable"
)

// Status represents health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// Overall is the aggregate health of all services.
type Overall string

const (
	OverallHealthy   Overall = "healthy"
	OverallDegraded  Overall = "degraded"
	OverallUnhealthy Overall = "unhealthy"
	OverallError     Overall = "error"
)

// HTTPStatus maps the aggregate health to the status code served by the
// health endpoint.
func (o Overall) HTTPStatus() int {
	switch o {
	case OverallHealthy:
		return http.StatusOK
	case OverallDegraded:
		return http.StatusMultiStatus
	case OverallUnhealthy:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// Result is the outcome of probing one service.
type Result struct {
	Service    string    `json:"service"`
	URL        string    `json:"url"`
	Status     Status    `json:"status"`
	StatusCode int       `json:"status_code,omitempty"`
	LatencyMs  float64   `json:"latency_ms"`
	Attempts   int       `json:"attempts"`
	Breaker    string    `json:"breaker"`
	Error      string    `json:"error,omitempty"`
	CheckedAt  time.Time `json:"checked_at"`
}

// Report aggregates one probe round.
type Report struct {
	Status    Overall   `json:"status"`
	Services  []Result  `json:"services"`
	CheckedAt time.Time `json:"checked_at"`
}

// Config tunes the prober.
type Config struct {
	RetryInterval   time.Duration
	BreakerFailures int
	BreakerCooldown time.Duration
	// OnProbe is called after every probe. Optional.
	OnProbe func(service string, healthy bool, latency time.Duration)
}

// Prober probes every service of a route table concurrently.
type Prober struct {
	client   *http.Client
	services []*routetable.Service
	cfg      Config

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[int]
	last     map[string]Result
}

// NewProber creates a prober for services.
func NewProber(services []*routetable.Service, cfg Config) *Prober {
	if cfg.BreakerFailures <= 0 {
		cfg.BreakerFailures = 3
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	return &Prober{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		services: services,
		cfg:      cfg,
		breakers: make(map[string]*gobreaker.CircuitBreaker[int], len(services)),
		last:     make(map[string]Result, len(services)),
	}
}

func (p *Prober) breaker(name string) *gobreaker.CircuitBreaker[int] {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cb, ok := p.breakers[name]; ok {
		return cb
	}
	failures := uint32(p.cfg.BreakerFailures)
	cb := gobreaker.NewCircuitBreaker[int](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     p.cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info("health breaker state changed",
				zap.String("service", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	p.breakers[name] = cb
	return cb
}

// Check probes every service and waits for all probes to settle. One
// failing probe never affects another.
func (p *Prober) Check(ctx context.Context) Report {
	results := make([]Result, len(p.services))

	var g errgroup.Group
	for i, svc := range p.services {
		g.Go(func() error {
			results[i] = p.probe(ctx, svc)
			return nil
		})
	}
	g.Wait()

	p.mu.Lock()
	for _, r := range results {
		p.last[r.Service] = r
	}
	p.mu.Unlock()

	report := Report{Status: aggregate(results), Services: results, CheckedAt: time.Now()}
	if ctx.Err() != nil {
		report.Status = OverallError
	}
	return report
}

// CloseIdleConnections closes idle probe connections.
func (p *Prober) CloseIdleConnections() {
	p.client.CloseIdleConnections()
}

// Last returns the results of the most recent Check.
func (p *Prober) Last() map[string]Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]Result, len(p.last))
	for k, v := range p.last {
		out[k] = v
	}
	return out
}

func aggregate(results []Result) Overall {
	healthy := 0
	for _, r := range results {
		if r.Status == StatusHealthy {
			healthy++
		}
	}
	switch {
	case healthy == len(results):
		return OverallHealthy
	case healthy == 0:
		return OverallUnhealthy
	}
	return OverallDegraded
}

var errUnhealthyStatus = errors.New("unhealthy status code")

func (p *Prober) probe(ctx context.Context, svc *routetable.Service) Result {
	res := Result{
		Service:   svc.Name,
		URL:       svc.HealthURL(),
		Status:    StatusUnhealthy,
		CheckedAt: time.Now(),
	}
	cb := p.breaker(svc.Name)

	start := time.Now()
	code, err := cb.Execute(func() (int, error) {
		var code int
		op := func() error {
			res.Attempts++
			var err error
			code, err = p.get(ctx, res.URL, svc.Timeout)
			return err
		}
		var b backoff.BackOff = backoff.NewConstantBackOff(p.cfg.RetryInterval)
		b = backoff.WithMaxRetries(b, uint64(max(svc.Retries, 0)))
		err := backoff.Retry(op, backoff.WithContext(b, ctx))
		return code, err
	})
	latency := time.Since(start)

	res.StatusCode = code
	res.LatencyMs = float64(latency.Microseconds()) / 1000
	res.Breaker = cb.State().String()
	if err == nil {
		res.Status = StatusHealthy
	} else {
		res.Error = err.Error()
	}

	if p.cfg.OnProbe != nil {
		p.cfg.OnProbe(svc.Name, err == nil, latency)
	}
	return res
}

func (p *Prober) get(ctx context.Context, url string, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, backoff.Permanent(err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("%w: %d", errUnhealthyStatus, resp.StatusCode)
	}
	return resp.StatusCode, nil
}
