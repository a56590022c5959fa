package uploader

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/szibis/batch-uploader/internal/compression"
	"github.com/szibis/batch-uploader/internal/transport"
)

// call is one upload seen by recordingTransport.
type call struct {
	url      string
	start    uint64
	records  []string
	encoding compression.Type
	user     string
}

// recordingTransport decodes and records every upload. Uploads block while
// the transport is stalled and fail while fail returns an error.
type recordingTransport struct {
	mu    sync.Mutex
	calls []call
	tries int
	gate  chan struct{}
	fail  func(try int, req transport.UploadRequest) error
}

func (r *recordingTransport) Upload(ctx context.Context, req transport.UploadRequest) (*transport.Response, error) {
	r.mu.Lock()
	gate := r.gate
	r.tries++
	try := r.tries
	fail := r.fail
	r.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail != nil {
		if err := fail(try, req); err != nil {
			return nil, err
		}
	}

	records, err := compression.Decode(req.Payload, req.Encoding)
	if err != nil {
		return nil, err
	}
	c := call{url: req.URL, start: req.Start, encoding: req.Encoding, user: req.Credentials.User}
	for _, rec := range records {
		c.records = append(c.records, string(rec))
	}

	r.mu.Lock()
	r.calls = append(r.calls, c)
	r.mu.Unlock()
	return &transport.Response{StatusCode: 200, Body: []byte(fmt.Sprintf(`{"count":%d}`, len(records)))}, nil
}

// stall makes uploads block until the returned function is called.
func (r *recordingTransport) stall() (release func()) {
	gate := make(chan struct{})
	r.mu.Lock()
	r.gate = gate
	r.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			r.gate = nil
			r.mu.Unlock()
			close(gate)
		})
	}
}

func (r *recordingTransport) setFail(fn func(try int, req transport.UploadRequest) error) {
	r.mu.Lock()
	r.fail = fn
	r.mu.Unlock()
}

func (r *recordingTransport) uploads() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call(nil), r.calls...)
}

func (r *recordingTransport) uploadsFor(url string) []call {
	var out []call
	for _, c := range r.uploads() {
		if c.url == url {
			out = append(out, c)
		}
	}
	return out
}

func (r *recordingTransport) attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tries
}

// testConfig uploads only on size, flush or close unless a test sets an
// interval, and retries quickly.
func testConfig() Config {
	return Config{
		BatchSize:          10,
		CheckpointInterval: time.Hour,
		PollInterval:       10 * time.Millisecond,
		Retry: RetryConfig{
			MaxAttempts: 5,
			MinInterval: time.Millisecond,
			MaxInterval: 2 * time.Millisecond,
		},
	}
}

func newTestUploader(t *testing.T, tr Transport, cfg Config) *Uploader {
	t.Helper()
	u := New(tr, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		u.Close(ctx)
	})
	return u
}

func newTestWriter(t *testing.T, u *Uploader, url string, opts ...WriterOption) *Writer {
	t.Helper()
	w, err := u.NewWriter(url, opts...)
	if err != nil {
		t.Fatalf("NewWriter(%q) error = %v", url, err)
	}
	return w
}

func ctxTimeout(t *testing.T, d time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

// eventually polls cond until it holds or the timeout expires.
func eventually(t *testing.T, timeout time.Duration, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf(format, args...)
}

// flatten concatenates the records of calls in order.
func flatten(calls []call) []string {
	var out []string
	for _, c := range calls {
		out = append(out, c.records...)
	}
	return out
}
