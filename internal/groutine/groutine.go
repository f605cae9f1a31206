// Package groutine starts named goroutines. Names show up as pprof labels
// and travel in the context, which makes goroutine dumps of a harness with
// several background pumps readable.
package groutine

import (
	"context"
	"runtime/pprof"
	"sync"
	"time"
)

type ctxKey string

const goroutineNameKey ctxKey = "goroutine_name"

// Go starts a goroutine with a name and an optional parent context.
// Example usage:
//
//	groutine.Go(ctx, "serio-line-pump", func(ctx context.Context) {
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

// Group tracks named goroutines so an owner can join them at shutdown.
// The zero value is ready to use.
type Group struct {
	wg sync.WaitGroup
}

// Go starts a tracked goroutine. Same contract as the package-level Go.
func (g *Group) Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	g.wg.Add(1)
	Go(parentCtx, name, func(ctx context.Context) {
		defer g.wg.Done()
		fn(ctx)
	})
}

// Wait blocks until every tracked goroutine has exited.
func (g *Group) Wait() {
	g.wg.Wait()
}

// WaitTimeout waits up to d for the tracked goroutines to exit and reports
// whether they all did. On false the stragglers keep running; the caller
// owns deciding whether that is a leak worth logging.
func (g *Group) WaitTimeout(d time.Duration) bool {
	done := make(chan struct{})
	Go(nil, "groutine-group-wait", func(ctx context.Context) {
		g.wg.Wait()
		close(done)
	})
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
