// Package realip resolves the client address used as the rate-limit key.
// Forwarding headers are honored only when the direct peer is a trusted proxy.
package realip

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync/atomic"

	"github.com/wudi/routegate/internal/middleware"
	"github.com/wudi/routegate/internal/reqctx"
)

const headerXFF = "X-Forwarded-For"

// Resolver picks the client address of a request.
type Resolver struct {
	trusted []netip.Prefix
	headers []string
	maxHops int // 0 = unlimited

	resolved  atomic.Int64
	forwarded atomic.Int64
}

// New builds a Resolver. Entries of cidrs may be prefixes or bare addresses.
func New(cidrs []string, headers []string, maxHops int) (*Resolver, error) {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, entry := range cidrs {
		p, err := parseTrusted(entry)
		if err != nil {
			return nil, err
		}
		prefixes = append(prefixes, p)
	}
	if len(headers) == 0 {
		headers = []string{headerXFF, "X-Real-IP"}
	}
	return &Resolver{trusted: prefixes, headers: headers, maxHops: maxHops}, nil
}

func parseTrusted(entry string) (netip.Prefix, error) {
	if strings.Contains(entry, "/") {
		p, err := netip.ParsePrefix(entry)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("trusted proxy %q: %w", entry, err)
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("trusted proxy %q: %w", entry, err)
	}
	return netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()), nil
}

// Extract returns the client address of r. The peer address is used unless
// the peer is trusted and a configured header names a valid address.
func (rs *Resolver) Extract(r *http.Request) string {
	rs.resolved.Add(1)

	peer := peerHost(r.RemoteAddr)
	if !rs.trusts(peer) {
		return peer
	}
	for _, name := range rs.headers {
		v := r.Header.Get(name)
		if v == "" {
			continue
		}
		var ip string
		if strings.EqualFold(name, headerXFF) {
			ip = rs.fromChain(v)
		} else if s := strings.TrimSpace(v); validIP(s) {
			ip = s
		}
		if ip != "" {
			rs.forwarded.Add(1)
			return ip
		}
	}
	return peer
}

// fromChain reads an X-Forwarded-For value from the nearest hop outwards and
// stops at the first untrusted address, or once maxHops addresses were seen.
// When every hop is trusted the farthest valid one wins; a chain without any
// valid address yields "".
func (rs *Resolver) fromChain(chain string) string {
	hops := strings.Split(chain, ",")
	seen := 0
	farthest := ""
	for i := len(hops) - 1; i >= 0; i-- {
		ip := strings.TrimSpace(hops[i])
		if !validIP(ip) {
			continue
		}
		seen++
		if rs.maxHops > 0 && seen > rs.maxHops {
			return ip
		}
		if !rs.trusts(ip) {
			return ip
		}
		farthest = ip
	}
	return farthest
}

func (rs *Resolver) trusts(ip string) bool {
	if len(rs.trusted) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range rs.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func validIP(s string) bool {
	_, err := netip.ParseAddr(s)
	return err == nil
}

func peerHost(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// Middleware stores the client IP in the request state.
func (rs *Resolver) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r, state := reqctx.Attach(r)
			state.ClientIP = rs.Extract(r)
			next.ServeHTTP(w, r)
		})
	}
}

// Stats returns extraction counters.
func (rs *Resolver) Stats() map[string]int64 {
	return map[string]int64{
		"total_requests": rs.resolved.Load(),
		"from_headers":   rs.forwarded.Load(),
	}
}
