package pipelinekit

import (
	pkgctx "github.com/gifton/pipelinekit/context"
	pkgerrors "github.com/gifton/pipelinekit/errors"
	"github.com/gifton/pipelinekit/middleware"
)

// HandlerFunc is the boxed signature the pipeline core and the
// middleware chain operate on (middleware.Next shares this shape).
type HandlerFunc func(ctx *pkgctx.Context, cmd any) (any, error)

// Handler is the boxed form of spec.md §3.2; most callers instead
// write a typed function and adapt it with Typed.
type Handler interface {
	Handle(ctx *pkgctx.Context, cmd any) (any, error)
}

// Typed adapts a strongly-typed handler function into a HandlerFunc,
// asserting cmd's concrete type at the boundary. A mismatch surfaces
// errors.ErrInvalidCommandType rather than panicking, since the chain
// has no compile-time guarantee about what a Pipeline will be asked to
// route (spec.md §6.4).
func Typed[C any, R any](fn func(ctx *pkgctx.Context, cmd C) (R, error)) HandlerFunc {
	return func(ctx *pkgctx.Context, cmd any) (any, error) {
		typed, ok := cmd.(C)
		if !ok {
			return nil, pkgerrors.New("handler.handle", "InvalidCommandType", "", pkgerrors.ErrInvalidCommandType)
		}
		result, err := fn(ctx, typed)
		if err != nil {
			return nil, err
		}
		var anyResult any = result
		return anyResult, nil
	}
}

// asNext adapts a HandlerFunc to middleware.Next so it can terminate a
// compiled Chain.
func asNext(h HandlerFunc) middleware.Next {
	return middleware.Next(h)
}

// ResultAs asserts result into R, surfacing errors.ErrInvalidResultType
// on mismatch. Callers use it to turn the untyped result of a pipeline's
// Execute back into a typed value.
func ResultAs[R any](result any) (R, error) {
	typed, ok := result.(R)
	if !ok {
		var zero R
		return zero, pkgerrors.New("handler.result", "InvalidResultType", "", pkgerrors.ErrInvalidResultType)
	}
	return typed, nil
}
