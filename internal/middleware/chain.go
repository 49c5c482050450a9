package middleware

import "net/http"

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain is an ordered list of middlewares. The first element is outermost.
type Chain []Middleware

// NewChain returns a chain of ms.
func NewChain(ms ...Middleware) Chain {
	return Chain(ms)
}

// Then wraps h with the chain. A nil h answers 404.
func (c Chain) Then(h http.Handler) http.Handler {
	if h == nil {
		h = http.NotFoundHandler()
	}
	for i := len(c) - 1; i >= 0; i-- {
		h = c[i](h)
	}
	return h
}

// Append returns a new chain with ms after c. c is not modified.
func (c Chain) Append(ms ...Middleware) Chain {
	out := make(Chain, 0, len(c)+len(ms))
	out = append(out, c...)
	return append(out, ms...)
}

// StageWrapper decorates a named stage, e.g. with a tracing span.
type StageWrapper func(name string, m Middleware) Middleware

// Builder assembles the request pipeline. Named stages are reported by
// Stages and passed through the stage wrapper; plain middlewares are not.
type Builder struct {
	chain  Chain
	stages []string
	wrap   StageWrapper
}

func NewBuilder() *Builder {
	return &Builder{}
}

// WrapStages applies w to every stage added afterwards. A nil w is ignored.
func (b *Builder) WrapStages(w StageWrapper) *Builder {
	b.wrap = w
	return b
}

func (b *Builder) Use(m Middleware) *Builder {
	b.chain = append(b.chain, m)
	return b
}

func (b *Builder) UseIf(ok bool, m Middleware) *Builder {
	if ok {
		b.chain = append(b.chain, m)
	}
	return b
}

// Stage adds a named pipeline stage.
func (b *Builder) Stage(name string, m Middleware) *Builder {
	if b.wrap != nil {
		m = b.wrap(name, m)
	}
	b.chain = append(b.chain, m)
	b.stages = append(b.stages, name)
	return b
}

// Stages returns the stage names in execution order.
func (b *Builder) Stages() []string {
	return append([]string(nil), b.stages...)
}

// Handler terminates the pipeline with h.
func (b *Builder) Handler(h http.Handler) http.Handler {
	return b.chain.Then(h)
}
