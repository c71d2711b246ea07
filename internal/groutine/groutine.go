// Package groutine starts named goroutines. Names show up as pprof labels and
// can be read back from the goroutine's context for logging.
package groutine

import (
	"context"
	"runtime/debug"
	"runtime/pprof"
)

type ctxKey string

const goroutineNameKey ctxKey = "goroutine_name"

// PanicHandler receives the value and stack of a recovered panic.
type PanicHandler func(name string, recovered interface{}, stack []byte)

// Go starts a goroutine with a name and an optional parent context.
// Example usage:
//
//	groutine.Go(ctx, "signal-listener", func(ctx context.Context) {
//	    // work
//	})
//
// If parentCtx is nil, context.Background() is used.
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		ctx = context.WithValue(ctx, goroutineNameKey, name)
		fn(ctx)
	})
}

// GoSafe is Go with panic recovery: a panic in fn is passed to onPanic and the
// goroutine exits normally.
func GoSafe(parentCtx context.Context, name string, fn func(ctx context.Context), onPanic PanicHandler) {
	Go(parentCtx, name, func(ctx context.Context) {
		Call(name, func() { fn(ctx) }, onPanic)
	})
}

// Call runs fn on the current goroutine and reports whether it returned
// without panicking.
func Call(name string, fn func(), onPanic PanicHandler) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			if onPanic != nil {
				onPanic(name, r, debug.Stack())
			}
		}
	}()
	fn()
	return true
}

// GetName retrieves the goroutine name from the context.
func GetName(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(goroutineNameKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
