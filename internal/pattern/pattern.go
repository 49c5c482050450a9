// Package pattern compiles route, CORS and legacy path patterns into tagged
// matchers. A pattern is either an exact path or a literal prefix followed by
// a trailing wildcard ("/api/v1/companies/*").
package pattern

import (
	"fmt"
	"sort"
	"strings"
)

// Kind tags a compiled pattern.
type Kind uint8

const (
	Exact Kind = iota
	PrefixWildcard
)

func (k Kind) String() string {
	if k == PrefixWildcard {
		return "prefix"
	}
	return "exact"
}

// Wildcard is the token that ends a prefix pattern.
const Wildcard = "*"

// Pattern is a compiled path pattern. The zero value matches nothing.
type Pattern struct {
	raw       string
	kind      Kind
	prefix    string
	wildcards int
}

// Compile parses raw into a Pattern. Wildcards are only allowed as a
// trailing run of '*'; path parameters are not supported.
func Compile(raw string) (Pattern, error) {
	if raw == "" {
		return Pattern{}, fmt.Errorf("pattern: empty pattern")
	}
	if !strings.HasPrefix(raw, "/") {
		return Pattern{}, fmt.Errorf("pattern %q: must start with /", raw)
	}
	if strings.ContainsAny(raw, ":?#") {
		return Pattern{}, fmt.Errorf("pattern %q: parameters, query and fragment are not supported", raw)
	}

	idx := strings.Index(raw, Wildcard)
	if idx < 0 {
		return Pattern{raw: raw, kind: Exact, prefix: raw}, nil
	}

	tail := raw[idx:]
	if strings.Trim(tail, Wildcard) != "" {
		return Pattern{}, fmt.Errorf("pattern %q: wildcard must be trailing", raw)
	}
	return Pattern{
		raw:       raw,
		kind:      PrefixWildcard,
		prefix:    raw[:idx],
		wildcards: len(tail),
	}, nil
}

// MustCompile is like Compile but panics on error. Intended for tests and
// package-level tables.
func MustCompile(raw string) Pattern {
	p, err := Compile(raw)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the pattern as written in configuration.
func (p Pattern) String() string { return p.raw }

// Kind reports whether the pattern is exact or a prefix wildcard.
func (p Pattern) Kind() Kind { return p.kind }

// Prefix returns the literal part of the pattern.
func (p Pattern) Prefix() string { return p.prefix }

// IsWildcard reports whether the pattern ends in a wildcard.
func (p Pattern) IsWildcard() bool { return p.kind == PrefixWildcard }

// Match reports whether path matches the pattern.
func (p Pattern) Match(path string) bool {
	if p.raw == "" {
		return false
	}
	if p.kind == Exact {
		return path == p.prefix
	}
	return strings.HasPrefix(path, p.prefix)
}

// Suffix returns the part of path captured by the wildcard. It returns ""
// for exact patterns or when path does not match.
func (p Pattern) Suffix(path string) string {
	if p.kind != PrefixWildcard || !strings.HasPrefix(path, p.prefix) {
		return ""
	}
	return path[len(p.prefix):]
}

// Expand substitutes suffix into p's wildcard. Exact patterns are returned
// unchanged.
func (p Pattern) Expand(suffix string) string {
	if p.kind != PrefixWildcard {
		return p.raw
	}
	return p.prefix + suffix
}

// Less orders patterns from most to least specific: exact before wildcard,
// then longer literal prefix, then fewer wildcard tokens.
func Less(a, b Pattern) bool {
	if a.kind != b.kind {
		return a.kind == Exact
	}
	if len(a.prefix) != len(b.prefix) {
		return len(a.prefix) > len(b.prefix)
	}
	return a.wildcards < b.wildcards
}

// SortStable sorts items by the specificity of the pattern returned by key.
// Items that compare equal keep their configuration order.
func SortStable[T any](items []T, key func(T) Pattern) {
	sort.SliceStable(items, func(i, j int) bool {
		return Less(key(items[i]), key(items[j]))
	})
}
