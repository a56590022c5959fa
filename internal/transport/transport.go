// Package transport is the HTTP collaborator of the uploader and the
// synchronous request path. It performs exactly one request per call and
// turns every failure into a classified *Error; retrying is left to callers.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/szibis/batch-uploader/internal/auth"
	"github.com/szibis/batch-uploader/internal/compression"
	tlspkg "github.com/szibis/batch-uploader/internal/tls"
	"golang.org/x/net/http2"
)

// maxResponseBody caps how much of a response body is kept.
const maxResponseBody = 1 << 20

// Config holds transport configuration.
type Config struct {
	// Endpoint is the base URL relative paths are resolved against.
	Endpoint string
	// Timeout is the per-request timeout. Zero means no timeout.
	Timeout time.Duration
	// UserAgent is sent with every request.
	UserAgent string
	// TLS configuration for secure connections.
	TLS tlspkg.ClientConfig
	// Auth holds the default credentials. Batches may carry their own.
	Auth auth.ClientConfig
	// HTTPClient configuration for connection pooling.
	HTTPClient HTTPClientConfig
}

// HTTPClientConfig holds HTTP client connection pool settings.
type HTTPClientConfig struct {
	// MaxIdleConns controls the maximum number of idle (keep-alive) connections
	// across all hosts. Zero means 100.
	MaxIdleConns int
	// MaxIdleConnsPerHost controls the maximum idle (keep-alive) connections
	// to keep per-host. Zero means 100.
	MaxIdleConnsPerHost int
	// MaxConnsPerHost limits the total number of connections per host.
	// Zero means no limit.
	MaxConnsPerHost int
	// IdleConnTimeout is the maximum amount of time an idle connection will
	// remain idle before closing itself. Zero means 90s.
	IdleConnTimeout time.Duration
	// DisableKeepAlives disables HTTP keep-alives.
	DisableKeepAlives bool
	// ForceAttemptHTTP2 enables HTTP/2 over TLS.
	ForceAttemptHTTP2 bool
	// HTTP2ReadIdleTimeout is the interval after which a ping health check is
	// sent when no frame has been received on an HTTP/2 connection.
	HTTP2ReadIdleTimeout time.Duration
	// HTTP2PingTimeout closes an HTTP/2 connection whose ping is not answered.
	HTTP2PingTimeout time.Duration
}

// UploadRequest is one batch upload.
type UploadRequest struct {
	// URL is the destination, absolute or relative to Config.Endpoint.
	URL string
	// Start is the offset of the first record in Payload.
	Start uint64
	// Payload is the encoded batch.
	Payload []byte
	// Encoding is the content encoding of Payload.
	Encoding compression.Type
	// Credentials override the default credentials when set.
	Credentials auth.Credentials
}

// Response is a completed 2xx response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client sends requests to the storage service.
type Client struct {
	httpClient *http.Client
	endpoint   *url.URL
	userAgent  string
}

// New creates a new transport client.
func New(cfg Config) (*Client, error) {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     cfg.HTTPClient.ForceAttemptHTTP2,
		MaxIdleConns:          cfg.HTTPClient.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.HTTPClient.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.HTTPClient.MaxConnsPerHost,
		IdleConnTimeout:       cfg.HTTPClient.IdleConnTimeout,
		DisableKeepAlives:     cfg.HTTPClient.DisableKeepAlives,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if transport.MaxIdleConns == 0 {
		transport.MaxIdleConns = 100
	}
	if transport.MaxIdleConnsPerHost == 0 {
		transport.MaxIdleConnsPerHost = 100
	}
	if transport.IdleConnTimeout == 0 {
		transport.IdleConnTimeout = 90 * time.Second
	}

	tlsConfig, err := tlspkg.StorageConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	transport.TLSClientConfig = tlsConfig

	if cfg.HTTPClient.ForceAttemptHTTP2 {
		http2Transport, err := http2.ConfigureTransports(transport)
		if err == nil && http2Transport != nil {
			if cfg.HTTPClient.HTTP2ReadIdleTimeout > 0 {
				http2Transport.ReadIdleTimeout = cfg.HTTPClient.HTTP2ReadIdleTimeout
			}
			if cfg.HTTPClient.HTTP2PingTimeout > 0 {
				http2Transport.PingTimeout = cfg.HTTPClient.HTTP2PingTimeout
			}
		}
	}

	var roundTripper http.RoundTripper = transport
	if !cfg.Auth.Credentials.IsZero() || cfg.Auth.BearerToken != "" || len(cfg.Auth.Headers) > 0 {
		roundTripper = auth.HTTPTransport(cfg.Auth, roundTripper)
	}

	var endpoint *url.URL
	if cfg.Endpoint != "" {
		raw := cfg.Endpoint
		if !strings.Contains(raw, "://") {
			if cfg.TLS.Enabled {
				raw = "https://" + raw
			} else {
				raw = "http://" + raw
			}
		}
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid endpoint %q: %w", cfg.Endpoint, err)
		}
		if !strings.HasSuffix(u.Path, "/") {
			u.Path += "/"
		}
		endpoint = u
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "batch-uploader"
	}

	return &Client{
		httpClient: &http.Client{
			Transport: roundTripper,
			Timeout:   cfg.Timeout,
		},
		endpoint:  endpoint,
		userAgent: userAgent,
	}, nil
}

// URL resolves target against the configured endpoint. Absolute URLs are
// returned unchanged.
func (c *Client) URL(target string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", target, err)
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	if c.endpoint == nil {
		return "", fmt.Errorf("relative url %q without a configured endpoint", target)
	}
	return c.endpoint.ResolveReference(&url.URL{Path: strings.TrimPrefix(u.Path, "/"), RawQuery: u.RawQuery}).String(), nil
}

// Upload posts one encoded batch to req.URL with ?start=<offset>.
func (c *Client) Upload(ctx context.Context, req UploadRequest) (*Response, error) {
	target, err := c.URL(req.URL)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", target, err)
	}
	q := u.Query()
	q.Set("start", strconv.FormatUint(req.Start, 10))
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(req.Payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-ndjson")
	httpReq.Header.Set("Content-Encoding", req.Encoding.ContentEncoding())
	req.Credentials.Apply(httpReq)

	resp, err := c.send(httpReq)
	if err != nil {
		return nil, err
	}
	uploadBytesTotal.WithLabelValues(req.Encoding.ContentEncoding()).Add(float64(len(req.Payload)))
	return resp, nil
}

// Do sends a single request. Relative request URLs are resolved against the
// configured endpoint.
func (c *Client) Do(ctx context.Context, req *http.Request) (*Response, error) {
	req = req.WithContext(ctx)
	if !req.URL.IsAbs() {
		target, err := c.URL(req.URL.String())
		if err != nil {
			return nil, err
		}
		u, err := url.Parse(target)
		if err != nil {
			return nil, err
		}
		req.URL = u
		req.Host = u.Host
	}
	return c.send(req)
}

func (c *Client) send(req *http.Request) (*Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	method := req.Method
	requestsTotal.WithLabelValues(method).Inc()
	start := time.Now()

	resp, err := c.httpClient.Do(req)
	requestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err != nil {
		errType := classifyError(err)
		requestErrorsTotal.WithLabelValues(string(errType)).Inc()
		return nil, &Error{
			Err:     fmt.Errorf("%s %s: %w", method, redact(req.URL), err),
			Type:    errType,
			Message: err.Error(),
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		errType := classifyError(err)
		requestErrorsTotal.WithLabelValues(string(errType)).Inc()
		return nil, &Error{
			Err:        fmt.Errorf("%s %s: reading response: %w", method, redact(req.URL), err),
			Type:       errType,
			StatusCode: resp.StatusCode,
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errType := classifyHTTPStatusCode(resp.StatusCode)
		requestErrorsTotal.WithLabelValues(string(errType)).Inc()

		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &Error{
			Err:        fmt.Errorf("%s %s: status %d: %s", method, redact(req.URL), resp.StatusCode, msg),
			Type:       errType,
			StatusCode: resp.StatusCode,
			Message:    msg,
		}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// redact drops user info from u for error messages.
func redact(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.Redacted()
}
