package uploader

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/szibis/batch-uploader/internal/compression"
	"github.com/szibis/batch-uploader/internal/transport"
)

func testBatch() *Batch {
	return &Batch{
		ID:       "batch-1",
		URL:      "items/1",
		Start:    5,
		Records:  1,
		Payload:  []byte("{}\n"),
		Encoding: compression.TypeIdentity,
	}
}

func fastRetryConfig(attempts int) RetryConfig {
	return RetryConfig{MaxAttempts: attempts, MinInterval: time.Millisecond, MaxInterval: time.Millisecond}
}

func TestUploadRetrier_Backoff(t *testing.T) {
	r := NewUploadRetrier(&recordingTransport{}, DefaultRetryConfig())

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 30 * time.Second},
		{1, 30 * time.Second},
		{5, 30 * time.Second},
		{6, 36 * time.Second},
		{10, 100 * time.Second},
		{24, 576 * time.Second},
		{25, 600 * time.Second},
		{200, 600 * time.Second},
		{1 << 40, 600 * time.Second},
	}
	for _, tt := range tests {
		if got := r.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestUploadRetrier_Jitter(t *testing.T) {
	r := NewUploadRetrier(&recordingTransport{}, DefaultRetryConfig())
	for i := 0; i < 1000; i++ {
		f := r.factor()
		if f < 0.5 || f >= 1.5 {
			t.Fatalf("jitter factor %v outside [0.5, 1.5)", f)
		}
	}

	r.factor = func() float64 { return 0.5 }
	b := &polynomialBackOff{r: r}
	if got := b.NextBackOff(); got != 15*time.Second {
		t.Errorf("first backoff = %v, want 15s", got)
	}
	for i := 0; i < 8; i++ {
		b.NextBackOff()
	}
	if got := b.NextBackOff(); got != 50*time.Second {
		t.Errorf("tenth backoff = %v, want 50s", got)
	}
	b.Reset()
	r.factor = func() float64 { return 1.4999 }
	if got := b.NextBackOff(); got > 45*time.Second || got < 44*time.Second {
		t.Errorf("backoff after Reset = %v, want just under 45s", got)
	}
}

func TestRetryConfig_Defaults(t *testing.T) {
	var c RetryConfig
	c.applyDefaults()
	if c != DefaultRetryConfig() {
		t.Errorf("applyDefaults() = %+v, want %+v", c, DefaultRetryConfig())
	}

	c = RetryConfig{MaxAttempts: 3, MinInterval: time.Minute, MaxInterval: time.Second}
	c.applyDefaults()
	if c.MaxInterval != time.Minute {
		t.Errorf("MaxInterval = %v, want it raised to MinInterval", c.MaxInterval)
	}
}

func TestTryUpload_Success(t *testing.T) {
	tr := &recordingTransport{}
	r := NewUploadRetrier(tr, fastRetryConfig(3))

	resp, err := r.TryUpload(context.Background(), testBatch())
	if err != nil {
		t.Fatalf("TryUpload() error = %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	calls := tr.uploads()
	if len(calls) != 1 || calls[0].start != 5 || calls[0].url != "items/1" {
		t.Errorf("uploads = %+v", calls)
	}
}

func TestTryUpload_NonRetryable(t *testing.T) {
	calls := 0
	r := NewUploadRetrier(TransportFunc(func(context.Context, transport.UploadRequest) (*transport.Response, error) {
		calls++
		return nil, errors.New("invalid upload url")
	}), fastRetryConfig(5))

	_, err := r.TryUpload(context.Background(), testBatch())
	var ue *UploadError
	if !errors.As(err, &ue) {
		t.Fatalf("expected *UploadError, got %T (%v)", err, err)
	}
	if calls != 1 || ue.Attempts != 1 {
		t.Errorf("calls = %d attempts = %d, want 1 and 1", calls, ue.Attempts)
	}
	if ue.Kind != transport.NonRetryable {
		t.Errorf("Kind = %v, want non_retryable", ue.Kind)
	}
	if !strings.Contains(ue.Error(), "offset 5") || !strings.Contains(ue.Error(), "invalid upload url") {
		t.Errorf("Error() = %q", ue.Error())
	}
}

func TestTryUpload_SingleAttemptKeepsCause(t *testing.T) {
	cause := errors.New("invalid upload url")
	r := NewUploadRetrier(TransportFunc(func(context.Context, transport.UploadRequest) (*transport.Response, error) {
		return nil, cause
	}), fastRetryConfig(1))

	_, err := r.TryUpload(context.Background(), testBatch())
	var ue *UploadError
	if !errors.As(err, &ue) {
		t.Fatalf("expected *UploadError, got %T (%v)", err, err)
	}
	if ue.Err != cause {
		t.Errorf("Err = %T (%v), want the transport error itself", ue.Err, ue.Err)
	}
	if ue.Kind != transport.NonRetryable || ue.Attempts != 1 {
		t.Errorf("Kind = %v Attempts = %d", ue.Kind, ue.Attempts)
	}
}

func TestTryUpload_RetriesEveryStatus(t *testing.T) {
	for _, status := range []int{400, 401, 404, 409, 413, 429, 500, 503} {
		calls := 0
		r := NewUploadRetrier(TransportFunc(func(context.Context, transport.UploadRequest) (*transport.Response, error) {
			calls++
			if calls < 3 {
				return nil, &transport.Error{Type: transport.ErrorTypeClientError, StatusCode: status}
			}
			return &transport.Response{StatusCode: http.StatusOK}, nil
		}), fastRetryConfig(5))

		if _, err := r.TryUpload(context.Background(), testBatch()); err != nil {
			t.Errorf("status %d: TryUpload() error = %v", status, err)
		}
		if calls != 3 {
			t.Errorf("status %d: calls = %d, want 3", status, calls)
		}
	}
}

func TestTryUpload_Exhausted(t *testing.T) {
	calls := 0
	r := NewUploadRetrier(TransportFunc(func(context.Context, transport.UploadRequest) (*transport.Response, error) {
		calls++
		return nil, &transport.Error{Type: transport.ErrorTypeNetwork, Err: errors.New("connection refused")}
	}), fastRetryConfig(4))

	_, err := r.TryUpload(context.Background(), testBatch())
	var ue *UploadError
	if !errors.As(err, &ue) {
		t.Fatalf("expected *UploadError, got %v", err)
	}
	if calls != 4 || ue.Attempts != 4 || ue.Kind != transport.Retryable {
		t.Errorf("calls = %d attempts = %d kind = %v", calls, ue.Attempts, ue.Kind)
	}
	if transport.TypeOf(ue) != transport.ErrorTypeNetwork {
		t.Errorf("TypeOf = %v, want network", transport.TypeOf(ue))
	}
}

func TestTryUpload_CanceledContext(t *testing.T) {
	tr := &recordingTransport{}
	r := NewUploadRetrier(tr, fastRetryConfig(3))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.TryUpload(ctx, testBatch())
	var ue *UploadError
	if !errors.As(err, &ue) {
		t.Fatalf("expected *UploadError, got %v", err)
	}
	if ue.Kind != transport.Fatal || ue.Attempts != 0 || !errors.Is(err, context.Canceled) {
		t.Errorf("UploadError = %+v", ue)
	}
	if tr.attempts() != 0 {
		t.Errorf("transport called %d times for a canceled context", tr.attempts())
	}
}

func TestTryUpload_CanceledDuringBackoff(t *testing.T) {
	r := NewUploadRetrier(TransportFunc(func(context.Context, transport.UploadRequest) (*transport.Response, error) {
		return nil, &transport.Error{Type: transport.ErrorTypeServerError, StatusCode: http.StatusServiceUnavailable}
	}), RetryConfig{MaxAttempts: 5, MinInterval: time.Hour, MaxInterval: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := r.TryUpload(ctx, testBatch())
	if time.Since(start) > 5*time.Second {
		t.Fatal("TryUpload ignored context cancellation during backoff")
	}
	var ue *UploadError
	if !errors.As(err, &ue) || ue.Kind != transport.Fatal || ue.Attempts != 1 {
		t.Errorf("err = %v, want fatal UploadError after 1 attempt", err)
	}
}
