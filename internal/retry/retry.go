// Package retry implements the bounded exponential backoff used for
// synchronous idempotent requests. Batch uploads use their own policy in
// package uploader.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/szibis/batch-uploader/internal/logging"
	"github.com/szibis/batch-uploader/internal/transport"
)

const (
	// DefaultMaxRetries is used when Policy.MaxRetries is zero.
	DefaultMaxRetries = 3
	// DefaultMultiplier is the base delay when no MaxRetryTime is given.
	DefaultMultiplier = time.Second
	// DefaultMaxJitter is used when Policy.MaxJitter is zero.
	DefaultMaxJitter = 500 * time.Millisecond
)

// Policy configures a RequestRetrier.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt. Zero means
	// DefaultMaxRetries, negative disables retrying.
	MaxRetries int
	// MaxRetryTime, when set, scales the exponential delays so that the
	// MaxRetries waits add up to roughly this duration.
	MaxRetryTime time.Duration
	// Multiplier is the base delay used without MaxRetryTime. The wait before
	// retry n is Multiplier * 2^n.
	Multiplier time.Duration
	// MaxJitter bounds the random delay added to every wait. Zero means
	// DefaultMaxJitter, negative disables jitter.
	MaxJitter time.Duration
	// Classify decides which errors are retried. Defaults to
	// transport.ClassifyRequest.
	Classify func(error) transport.Kind
}

// RequestRetrier retries a single blocking request with exponential backoff
// and jitter. It is safe for concurrent use; every call keeps its own state.
type RequestRetrier struct {
	retries    int
	multiplier time.Duration
	maxJitter  time.Duration
	classify   func(error) transport.Kind
	jitter     func(max time.Duration) time.Duration
}

// New creates a RequestRetrier for p.
func New(p Policy) *RequestRetrier {
	r := &RequestRetrier{
		retries:    p.MaxRetries,
		multiplier: p.Multiplier,
		maxJitter:  p.MaxJitter,
		classify:   p.Classify,
		jitter:     randomJitter,
	}
	switch {
	case r.retries == 0:
		r.retries = DefaultMaxRetries
	case r.retries < 0:
		r.retries = 0
	}
	if p.MaxRetryTime > 0 && r.retries > 0 {
		r.multiplier = multiplierFor(p.MaxRetryTime, r.retries)
	} else if r.multiplier <= 0 {
		r.multiplier = DefaultMultiplier
	}
	switch {
	case r.maxJitter == 0:
		r.maxJitter = DefaultMaxJitter
	case r.maxJitter < 0:
		r.maxJitter = 0
	}
	if r.classify == nil {
		r.classify = transport.ClassifyRequest
	}
	return r
}

// multiplierFor solves sum(m * 2^n, n=1..retries) = total for m.
func multiplierFor(total time.Duration, retries int) time.Duration {
	if retries > 60 {
		retries = 60
	}
	denom := math.Exp2(float64(retries+1)) - 2
	return time.Duration(float64(total) / denom)
}

// Attempts returns the maximum number of attempts of one call.
func (r *RequestRetrier) Attempts() int {
	return r.retries + 1
}

// Multiplier returns the base delay of the exponential schedule.
func (r *RequestRetrier) Multiplier() time.Duration {
	return r.multiplier
}

// Delay returns the wait before retry n (1-based), including jitter.
func (r *RequestRetrier) Delay(n int) time.Duration {
	d := float64(r.multiplier) * math.Exp2(float64(n))
	if d > math.MaxInt64/2 {
		d = math.MaxInt64 / 2
	}
	return time.Duration(d) + r.jitter(r.maxJitter)
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}

// exponentialJitter adapts RequestRetrier.Delay to backoff.BackOff.
type exponentialJitter struct {
	r *RequestRetrier
	n int
}

func (b *exponentialJitter) NextBackOff() time.Duration {
	b.n++
	return b.r.Delay(b.n)
}

func (b *exponentialJitter) Reset() {
	b.n = 0
}

// Do runs op until it succeeds, fails with an error that is not retryable, the
// attempts are exhausted or ctx is done. The last error is returned unchanged.
func Do[T any](ctx context.Context, r *RequestRetrier, op func(context.Context) (T, error)) (T, error) {
	attempt := 0
	operation := func() (T, error) {
		attempt++
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if r.classify(err) != transport.Retryable {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	v, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(&exponentialJitter{r: r}),
		backoff.WithMaxTries(uint(r.Attempts())),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			retriesTotal.Inc()
			logging.Warn("request failed, retry scheduled", logging.F(
				"attempt", attempt,
				"max_attempts", r.Attempts(),
				"backoff", wait.String(),
				"status_code", transport.StatusCode(err),
				"error", err.Error(),
			))
		}),
	)
	// Retry leaves the wrapper in place when the last allowed attempt fails
	// permanently.
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}

	switch {
	case err == nil:
		if attempt > 1 {
			retrySuccessTotal.Inc()
		}
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		retryFailureTotal.WithLabelValues("canceled").Inc()
	case r.classify(err) != transport.Retryable:
		retryFailureTotal.WithLabelValues("non_retryable").Inc()
	default:
		retryFailureTotal.WithLabelValues("exhausted").Inc()
		logging.Error("request retries exhausted", logging.F(
			"attempts", attempt,
			"error", err.Error(),
		))
	}
	return v, err
}

// Run is Do for operations without a result.
func (r *RequestRetrier) Run(ctx context.Context, op func(context.Context) error) error {
	_, err := Do(ctx, r, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
