// Package graceful tracks in-flight requests and background critical tasks
// so shutdown can drain both before the process exits.
package graceful

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/relaymesh/gateway/common/logger"
)

var (
	inFlightRequests int64
	draining         atomic.Bool

	wg sync.WaitGroup
)

// BeginRequest increments the in-flight request counter and returns a
// function to decrement it. Use with defer at the top of the dispatcher.
func BeginRequest() func() {
	atomic.AddInt64(&inFlightRequests, 1)
	return func() {
		atomic.AddInt64(&inFlightRequests, -1)
	}
}

// GoCritical runs fn in a tracked goroutine, blocking Drain until it
// finishes. Use for post-response work such as the log sink's batched
// append after a stream has already closed.
func GoCritical(ctx context.Context, name string, fn func(context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		start := time.Now()
		logger.Logger.Debug("critical task start", zap.String("name", name))
		fn(ctx)
		logger.Logger.Debug("critical task done", zap.String("name", name), zap.Duration("elapsed", time.Since(start)))
	}()
}

// Drain waits for tracked critical tasks and in-flight requests to reach
// zero, bounded by ctx's deadline (config.ShutdownTimeout).
func Drain(ctx context.Context) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for {
		select {
		case <-ctx.Done():
			logger.Logger.Error("graceful drain timeout",
				zap.Int64("in_flight_requests", atomic.LoadInt64(&inFlightRequests)))
			return ctx.Err()
		case <-done:
			for {
				if n := atomic.LoadInt64(&inFlightRequests); n == 0 {
					logger.Logger.Info("graceful drain complete")
					return nil
				}
				select {
				case <-ctx.Done():
					logger.Logger.Error("graceful drain timeout (requests not zero)",
						zap.Int64("in_flight_requests", atomic.LoadInt64(&inFlightRequests)))
					return ctx.Err()
				case <-ticker.C:
				}
			}
		case <-ticker.C:
			logger.Logger.Debug("draining...", zap.Int64("in_flight_requests", atomic.LoadInt64(&inFlightRequests)))
		}
	}
}

// SetDraining flips the draining flag that IsDraining reports. Nothing in
// this module reads the flag.
func SetDraining() { draining.Store(true) }

// IsDraining reports whether the server is currently draining.
func IsDraining() bool { return draining.Load() }

// GinMiddleware tracks request begin/end around the whole relay stack,
// including long-running SSE handlers.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		end := BeginRequest()
		defer end()
		c.Next()
	}
}
