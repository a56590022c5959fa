package uploader

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/szibis/batch-uploader/internal/logging"
	"github.com/szibis/batch-uploader/internal/transport"
)

const (
	DefaultMaxAttempts = 200
	DefaultMinInterval = 30 * time.Second
	DefaultMaxInterval = 600 * time.Second
)

// Reasons a batch is dropped, used as metric labels.
const (
	dropExhausted    = "exhausted"
	dropNonRetryable = "non_retryable"
	dropCanceled     = "canceled"
	dropEncode       = "encode"
)

// maxBackoffAttempt keeps n*n seconds inside time.Duration.
const maxBackoffAttempt = 1 << 15

// RetryConfig configures the batch upload retry loop.
type RetryConfig struct {
	// MaxAttempts is the number of upload attempts before a batch is dropped.
	MaxAttempts int
	// MinInterval is the shortest wait between attempts before jitter.
	MinInterval time.Duration
	// MaxInterval is the longest wait between attempts before jitter.
	MaxInterval time.Duration
}

// DefaultRetryConfig returns the default batch retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: DefaultMaxAttempts,
		MinInterval: DefaultMinInterval,
		MaxInterval: DefaultMaxInterval,
	}
}

func (c *RetryConfig) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.MinInterval <= 0 {
		c.MinInterval = DefaultMinInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = DefaultMaxInterval
	}
	if c.MaxInterval < c.MinInterval {
		c.MaxInterval = c.MinInterval
	}
}

// Transport performs a single upload attempt.
type Transport interface {
	Upload(ctx context.Context, req transport.UploadRequest) (*transport.Response, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req transport.UploadRequest) (*transport.Response, error)

// Upload calls f.
func (f TransportFunc) Upload(ctx context.Context, req transport.UploadRequest) (*transport.Response, error) {
	return f(ctx, req)
}

// UploadError is returned by TryUpload when a batch is given up.
type UploadError struct {
	Batch    *Batch
	Attempts int
	Kind     transport.Kind
	Err      error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("batch %s to %s at offset %d dropped after %d attempts (%s): %v",
		e.Batch.ID, e.Batch.URL, e.Batch.Start, e.Attempts, e.Kind, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// UploadRetrier uploads one batch with bounded polynomial backoff.
type UploadRetrier struct {
	transport Transport
	cfg       RetryConfig
	// factor returns the jitter multiplier in [0.5, 1.5).
	factor func() float64
}

// NewUploadRetrier creates an UploadRetrier.
func NewUploadRetrier(t Transport, cfg RetryConfig) *UploadRetrier {
	cfg.applyDefaults()
	return &UploadRetrier{
		transport: t,
		cfg:       cfg,
		factor:    func() float64 { return 0.5 + rand.Float64() },
	}
}

// Backoff returns the wait after the n-th failed attempt before jitter:
// n² seconds clamped to [MinInterval, MaxInterval].
func (r *UploadRetrier) Backoff(n int) time.Duration {
	n = min(max(n, 1), maxBackoffAttempt)
	d := time.Duration(n*n) * time.Second
	return min(max(d, r.cfg.MinInterval), r.cfg.MaxInterval)
}

// polynomialBackOff adapts UploadRetrier.Backoff to backoff.BackOff.
type polynomialBackOff struct {
	r *UploadRetrier
	n int
}

func (b *polynomialBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(float64(b.r.Backoff(b.n)) * b.r.factor())
}

func (b *polynomialBackOff) Reset() {
	b.n = 0
}

// TryUpload uploads b until it succeeds, fails with an error that is not
// retryable, MaxAttempts is reached or ctx is done. A batch that is given up
// is logged and reported as *UploadError.
func (r *UploadRetrier) TryUpload(ctx context.Context, b *Batch) (*transport.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, r.drop(b, 0, transport.Fatal, err)
	}

	attempt := 0
	operation := func() (*transport.Response, error) {
		attempt++
		uploadAttemptsTotal.Inc()
		resp, err := r.transport.Upload(ctx, b.request())
		if err == nil {
			return resp, nil
		}
		if transport.Classify(err) != transport.Retryable {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(&polynomialBackOff{r: r}),
		backoff.WithMaxTries(uint(r.cfg.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			uploadRetriesTotal.WithLabelValues(string(transport.TypeOf(err))).Inc()
			logging.Warn("batch upload failed, retry scheduled", logging.F(
				"url", b.URL,
				"offset", b.Start,
				"batch_id", b.ID,
				"records", b.Records,
				"attempt", attempt,
				"max_attempts", r.cfg.MaxAttempts,
				"backoff", wait.String(),
				"error", err.Error(),
			))
		}),
	)
	if err == nil {
		return resp, nil
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}

	kind := transport.Classify(err)
	if ctx.Err() != nil {
		kind = transport.Fatal
	}
	return nil, r.drop(b, attempt, kind, err)
}

func (r *UploadRetrier) drop(b *Batch, attempts int, kind transport.Kind, err error) *UploadError {
	var msg, reason string
	switch kind {
	case transport.Retryable:
		msg, reason = "batch upload retries exhausted, batch dropped", dropExhausted
	case transport.NonRetryable:
		msg, reason = "batch upload aborted by non-retryable error, batch dropped", dropNonRetryable
	default:
		msg, reason = "batch upload canceled, batch dropped", dropCanceled
	}
	batchesDroppedTotal.WithLabelValues(reason).Inc()
	recordsDroppedTotal.Add(float64(b.Records))
	logging.Error(msg, logging.F(
		"url", b.URL,
		"offset", b.Start,
		"batch_id", b.ID,
		"records", b.Records,
		"attempts", attempts,
		"status_code", transport.StatusCode(err),
		"error", err.Error(),
	))
	return &UploadError{Batch: b, Attempts: attempts, Kind: kind, Err: err}
}
