// Package retry runs an operation a bounded number of times with
// exponential delay between attempts.
package retry

import (
	"context"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webclient_retries_total",
		Help: "Total number of retry attempts",
	})

	retryBackoffSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "webclient_retry_backoff_seconds",
		Help:    "Delay waited before a retry attempt",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})

	retryExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webclient_retry_exhausted_total",
		Help: "Total number of operations that failed on every attempt",
	})
)

// Options holds the configuration for Do.
type Options struct {
	// Retries is the total number of attempts, including the first one.
	Retries int

	// Delay is the wait before the second attempt.
	Delay time.Duration

	// Backoff multiplies the delay after each further failed attempt.
	Backoff float64

	// OnRetry, if set, is called before each wait with the number of the
	// attempt that just failed, the delay about to be waited and its error.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultOptions returns the default retry options.
func DefaultOptions() Options {
	return Options{
		Retries: 3,
		Delay:   1 * time.Second,
		Backoff: 2,
	}
}

// DelayFor returns the wait that precedes the attempt after the given
// failed attempt (1-based): Delay * Backoff^(attempt-1).
func (o Options) DelayFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := o.Backoff
	if backoff <= 0 {
		backoff = 1
	}
	return time.Duration(float64(o.Delay) * math.Pow(backoff, float64(attempt-1)))
}

// Do executes op up to opts.Retries times. The first attempt runs
// immediately; there is no wait after the final attempt. When every
// attempt fails the last error is returned as is. A cancelled ctx stops
// the wait between attempts and returns ctx.Err().
func Do[T any](ctx context.Context, op func(ctx context.Context) (T, error), opts Options) (T, error) {
	attempts := opts.Retries
	if attempts <= 0 {
		attempts = 1
	}

	var zero T
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			if attempt > 1 {
				log.Debug().Int("attempt", attempt).Msg("Operation succeeded after retry")
			}
			return result, nil
		}
		lastErr = err

		if attempt == attempts {
			break
		}

		delay := opts.DelayFor(attempt)
		retriesTotal.Inc()
		retryBackoffSeconds.Observe(delay.Seconds())

		log.Debug().
			Err(err).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Retrying operation after backoff")

		if opts.OnRetry != nil {
			opts.OnRetry(attempt, delay, err)
		}

		if err := sleep(ctx, delay); err != nil {
			return zero, err
		}
	}

	retryExhaustedTotal.Inc()
	log.Warn().
		Err(lastErr).
		Int("max_attempts", attempts).
		Msg("Retry attempts exhausted")

	return zero, lastErr
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
