// Package middleware implements the onion-model middleware chain used by every
// incoming procedure, carried over unchanged from mini-rpc's middleware package:
// Chain(A, B, C)(handler) == A(B(C(handler))), so A's pre-processing runs first and
// its post-processing runs last.
//
// A middleware that wants to reject a request — the specification's
// MiddlewareRejected case — returns a HandlerFunc that returns a non-nil error
// without calling next. The dispatch engine treats that as "drop silently, no
// reply even for RPC", by design: middleware commonly implements authorization and
// must not reveal procedure existence to a caller it rejects.
package middleware

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"go.uber.org/zap"

	"zocket/ambient"
	"zocket/router"
)

// Chain composes middlewares into a single middleware, applied in the order given:
// the first middleware in the list is the outermost layer.
func Chain(mws ...router.MiddlewareFunc) router.MiddlewareFunc {
	return func(next router.HandlerFunc) router.HandlerFunc {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

// Logging records the route, duration, and any error for each invocation. It never
// short-circuits the chain.
func Logging(logger *zap.Logger) router.MiddlewareFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(ctx context.Context, input any) (any, error) {
			start := time.Now()
			result, err := next(ctx, input)
			fields := []zap.Field{zap.Duration("duration", time.Since(start))}
			if rc, ok := ambient.From(ctx); ok {
				fields = append(fields, zap.String("route", rc.Route))
			}
			if err != nil {
				logger.Warn("handler returned error", append(fields, zap.Error(err))...)
			} else {
				logger.Debug("handler completed", fields...)
			}
			return result, err
		}
	}
}

// Timeout enforces a maximum duration for the rest of the chain. If the handler
// doesn't complete in time, Timeout returns an error immediately; the handler
// goroutine is not cancelled, it keeps running in the background, exactly the
// caveat mini-rpc's TimeOutMiddleware documents — true cancellation requires the
// handler to observe ctx.Done() itself.
func Timeout(d time.Duration) router.MiddlewareFunc {
	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(ctx context.Context, input any) (any, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			type outcome struct {
				value any
				err   error
			}
			done := make(chan outcome, 1)
			go func() {
				v, err := next(ctx, input)
				done <- outcome{v, err}
			}()

			select {
			case o := <-done:
				return o.value, o.err
			case <-ctx.Done():
				return nil, context.DeadlineExceeded
			}
		}
	}
}

// RateLimit applies a token-bucket limiter (golang.org/x/time/rate) shared across
// every request that passes through the returned middleware. The limiter is
// created once, in the outer closure — creating it per-request would hand every
// request a fresh, full bucket and defeat the limiter entirely.
func RateLimit(r float64, burst int) router.MiddlewareFunc {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(ctx context.Context, input any) (any, error) {
			if !limiter.Allow() {
				return nil, ErrRateLimited
			}
			return next(ctx, input)
		}
	}
}

// ErrRateLimited is returned by RateLimit's middleware when a request exceeds the
// configured rate. The dispatch engine treats this like any other middleware
// rejection: the request is dropped, never replied to.
var ErrRateLimited = rateLimitError{}

type rateLimitError struct{}

func (rateLimitError) Error() string { return "middleware: rate limit exceeded" }
