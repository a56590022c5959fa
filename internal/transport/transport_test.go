package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/szibis/batch-uploader/internal/auth"
	"github.com/szibis/batch-uploader/internal/compression"
	tlspkg "github.com/szibis/batch-uploader/internal/tls"
)

func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestUpload_RequestShape(t *testing.T) {
	var (
		gotMethod, gotStart, gotEncoding, gotUser, gotPath string
		gotBody                                            []byte
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotStart = r.URL.Query().Get("start")
		gotEncoding = r.Header.Get("Content-Encoding")
		gotUser, _, _ = r.BasicAuth()
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"newcount":2}`))
	}))
	defer server.Close()

	c := newTestClient(t, Config{Endpoint: server.URL})
	payload, _ := compression.Encode([][]byte{[]byte("a"), []byte("b")}, compression.TypeGzip)

	before := testutil.ToFloat64(uploadBytesTotal.WithLabelValues("gzip"))
	resp, err := c.Upload(context.Background(), UploadRequest{
		URL:         "items/1/2/3",
		Start:       42,
		Payload:     payload,
		Encoding:    compression.TypeGzip,
		Credentials: auth.Credentials{User: "apikey"},
	})
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	if gotMethod != http.MethodPost {
		t.Errorf("method = %s, want POST", gotMethod)
	}
	if gotPath != "/items/1/2/3" {
		t.Errorf("path = %s, want /items/1/2/3", gotPath)
	}
	if gotStart != "42" {
		t.Errorf("start = %q, want 42", gotStart)
	}
	if gotEncoding != "gzip" {
		t.Errorf("Content-Encoding = %q, want gzip", gotEncoding)
	}
	if gotUser != "apikey" {
		t.Errorf("basic auth user = %q, want apikey", gotUser)
	}
	if string(gotBody) != string(payload) {
		t.Error("body does not match payload")
	}
	if string(resp.Body) != `{"newcount":2}` {
		t.Errorf("response body = %q", resp.Body)
	}
	if d := testutil.ToFloat64(uploadBytesTotal.WithLabelValues("gzip")) - before; d != float64(len(payload)) {
		t.Errorf("upload bytes delta = %v, want %d", d, len(payload))
	}
}

func TestUpload_IdentityHeader(t *testing.T) {
	var gotEncoding string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEncoding = r.Header.Get("Content-Encoding")
	}))
	defer server.Close()

	c := newTestClient(t, Config{})
	if _, err := c.Upload(context.Background(), UploadRequest{URL: server.URL + "/logs", Payload: []byte("x\n")}); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if gotEncoding != "identity" {
		t.Errorf("Content-Encoding = %q, want identity", gotEncoding)
	}
}

func TestUpload_DefaultCredentials(t *testing.T) {
	var gotUser string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, _, _ = r.BasicAuth()
	}))
	defer server.Close()

	c := newTestClient(t, Config{
		Endpoint: server.URL,
		Auth:     auth.ClientConfig{Credentials: auth.Credentials{User: "default-key"}},
	})
	if _, err := c.Upload(context.Background(), UploadRequest{URL: "items"}); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if gotUser != "default-key" {
		t.Errorf("basic auth user = %q, want default-key", gotUser)
	}
}

func TestUpload_StatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad offset", http.StatusBadRequest)
	}))
	defer server.Close()

	c := newTestClient(t, Config{Endpoint: server.URL})
	_, err := c.Upload(context.Background(), UploadRequest{URL: "items"})
	if err == nil {
		t.Fatal("expected error for 400 response")
	}

	var te *Error
	if !errors.As(err, &te) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if te.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d, want 400", te.StatusCode)
	}
	if te.Type != ErrorTypeClientError {
		t.Errorf("Type = %s, want client_error", te.Type)
	}
	if te.Message != "bad offset" {
		t.Errorf("Message = %q, want 'bad offset'", te.Message)
	}
	if StatusCode(err) != http.StatusBadRequest {
		t.Errorf("StatusCode(err) = %d", StatusCode(err))
	}
	if Classify(err) != Retryable {
		t.Errorf("upload status errors should be retryable, got %s", Classify(err))
	}
	if ClassifyRequest(err) != NonRetryable {
		t.Errorf("400 should not be retried for requests, got %s", ClassifyRequest(err))
	}
}

func TestUpload_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	c := newTestClient(t, Config{Endpoint: "http://" + addr})
	_, err = c.Upload(context.Background(), UploadRequest{URL: "items"})
	if err == nil {
		t.Fatal("expected connection error")
	}
	var te *Error
	if !errors.As(err, &te) || te.Type != ErrorTypeNetwork {
		t.Fatalf("expected network *Error, got %v", err)
	}
	if Classify(err) != Retryable || ClassifyRequest(err) != Retryable {
		t.Error("connection errors should be retryable")
	}
}

func TestUpload_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	c := newTestClient(t, Config{Endpoint: server.URL, Timeout: 50 * time.Millisecond})
	_, err := c.Upload(context.Background(), UploadRequest{URL: "items"})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	var te *Error
	if !errors.As(err, &te) || te.Type != ErrorTypeTimeout {
		t.Fatalf("expected timeout *Error, got %v", err)
	}
	if ClassifyRequest(err) != Retryable {
		t.Error("timeouts should be retryable")
	}
}

func TestUpload_ContextCanceled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := newTestClient(t, Config{Endpoint: server.URL})
	_, err := c.Upload(ctx, UploadRequest{URL: "items"})
	if err == nil {
		t.Fatal("expected error for canceled context")
	}
	if Classify(err) != Fatal {
		t.Errorf("Classify() = %s, want fatal", Classify(err))
	}
}

func TestUpload_RelativeWithoutEndpoint(t *testing.T) {
	c := newTestClient(t, Config{})
	_, err := c.Upload(context.Background(), UploadRequest{URL: "items"})
	if err == nil {
		t.Fatal("expected error for relative url without endpoint")
	}
	if Classify(err) != NonRetryable {
		t.Errorf("Classify() = %s, want non_retryable", Classify(err))
	}
}

func TestDo_ResolvesRelative(t *testing.T) {
	var gotPath, gotQuery, gotUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	c := newTestClient(t, Config{Endpoint: server.URL + "/api", UserAgent: "test-agent"})
	req, _ := http.NewRequest(http.MethodGet, "jobs/1?meta=state", nil)
	resp, err := c.Do(context.Background(), req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("StatusCode = %d, want 202", resp.StatusCode)
	}
	if gotPath != "/api/jobs/1" || gotQuery != "meta=state" {
		t.Errorf("request = %s?%s, want /api/jobs/1?meta=state", gotPath, gotQuery)
	}
	if gotUA != "test-agent" {
		t.Errorf("User-Agent = %q", gotUA)
	}
}

func TestNew_EndpointWithoutScheme(t *testing.T) {
	c := newTestClient(t, Config{Endpoint: "storage.example.com"})
	got, err := c.URL("items/1")
	if err != nil {
		t.Fatal(err)
	}
	if got != "http://storage.example.com/items/1" {
		t.Errorf("URL() = %q", got)
	}
}

func TestNew_TLS(t *testing.T) {
	if _, err := New(Config{Endpoint: "https://storage.example.com", TLS: tlspkg.ClientConfig{Enabled: true, CertFile: "/only/cert.pem"}}); err == nil {
		t.Fatal("expected error for a certificate without key")
	}

	c := newTestClient(t, Config{Endpoint: "https://storage.example.com"})
	tr, ok := c.httpClient.Transport.(*http.Transport)
	if !ok {
		t.Skipf("transport is wrapped: %T", c.httpClient.Transport)
	}
	if tr.TLSClientConfig == nil || tr.TLSClientConfig.MinVersion != tls.VersionTLS12 {
		t.Errorf("TLSClientConfig = %+v, want TLS 1.2 minimum", tr.TLSClientConfig)
	}
}

func TestClassifyRequest_Statuses(t *testing.T) {
	for code := 400; code < 600; code++ {
		err := &Error{Type: classifyHTTPStatusCode(code), StatusCode: code}
		want := NonRetryable
		switch code {
		case 408, 429, 502, 503, 504:
			want = Retryable
		}
		if got := ClassifyRequest(err); got != want {
			t.Errorf("ClassifyRequest(%d) = %s, want %s", code, got, want)
		}
		if got := Classify(err); got != Retryable {
			t.Errorf("Classify(%d) = %s, want retryable", code, got)
		}
	}
}

func TestClassify_PlainErrors(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{nil, NonRetryable},
		{context.Canceled, Fatal},
		{fmt.Errorf("wrapped: %w", context.Canceled), Fatal},
		{context.DeadlineExceeded, Retryable},
		{errors.New("connection reset by peer"), Retryable},
		{errors.New("json: unsupported type"), NonRetryable},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestClassifyHTTPStatusCode(t *testing.T) {
	tests := []struct {
		code int
		want ErrorType
	}{
		{401, ErrorTypeAuth},
		{403, ErrorTypeAuth},
		{408, ErrorTypeTimeout},
		{429, ErrorTypeRateLimit},
		{404, ErrorTypeClientError},
		{500, ErrorTypeServerError},
		{503, ErrorTypeServerError},
	}
	for _, tt := range tests {
		if got := classifyHTTPStatusCode(tt.code); got != tt.want {
			t.Errorf("classifyHTTPStatusCode(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestKindString(t *testing.T) {
	if Retryable.String() != "retryable" || NonRetryable.String() != "non_retryable" || Fatal.String() != "fatal" {
		t.Error("unexpected Kind strings")
	}
}
