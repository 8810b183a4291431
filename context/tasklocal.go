package context

import "context"

// tlKey is the unexported standard-library context key used to smuggle
// the current *Context through call chains that only thread a stdlib
// context.Context — the Go rendition of the task-local slot spec.md §9
// asks for, since goroutines have no implicit thread-local storage.
type tlKey struct{}

// WithCurrent returns a derived standard-library context carrying c as
// the current PipelineKit Context. The pipeline entry point calls this
// once per execution and clears it (by discarding the derived context)
// when the execution completes.
func WithCurrent(std context.Context, c *Context) context.Context {
	return context.WithValue(std, tlKey{}, c)
}

// Current retrieves the PipelineKit Context attached by WithCurrent, if
// any. Handlers and deeper library code use this to access metadata and
// typed storage without the caller threading *Context through every
// signature.
func Current(std context.Context) (*Context, bool) {
	c, ok := std.Value(tlKey{}).(*Context)
	return c, ok
}
