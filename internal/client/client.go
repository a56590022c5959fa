// Package client is the entry point for applications. It sends synchronous
// requests to the storage service and hands out batch writers backed by a
// single lazily started Uploader.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/szibis/batch-uploader/internal/logging"
	"github.com/szibis/batch-uploader/internal/retry"
	"github.com/szibis/batch-uploader/internal/transport"
	"github.com/szibis/batch-uploader/internal/uploader"
)

// Config configures a Client.
type Config struct {
	Transport transport.Config
	Retry     retry.Policy
	Uploader  uploader.Config
}

// Client talks to one storage service.
type Client struct {
	transport *transport.Client
	retrier   *retry.RequestRetrier
	upCfg     uploader.Config

	mu     sync.Mutex
	up     *uploader.Uploader
	closed bool
}

// New creates a Client. No goroutines are started until the first writer is
// requested.
func New(cfg Config) (*Client, error) {
	t, err := transport.New(cfg.Transport)
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}
	return &Client{
		transport: t,
		retrier:   retry.New(cfg.Retry),
		upCfg:     cfg.Uploader,
	}, nil
}

// PostOption configures a single Post.
type PostOption func(*postOptions)

type postOptions struct {
	idempotent  bool
	contentType string
	header      http.Header
}

// Idempotent marks the request as safe to repeat. Only idempotent posts are
// retried.
func Idempotent(b bool) PostOption {
	return func(o *postOptions) { o.idempotent = b }
}

// WithContentType sets the Content-Type of the request body.
func WithContentType(ct string) PostOption {
	return func(o *postOptions) { o.contentType = ct }
}

// WithHeader adds a request header.
func WithHeader(key, value string) PostOption {
	return func(o *postOptions) { o.header.Add(key, value) }
}

// Get fetches path. It is retried.
func (c *Client) Get(ctx context.Context, path string) (*transport.Response, error) {
	return retry.Do(ctx, c.retrier, func(ctx context.Context) (*transport.Response, error) {
		return c.do(ctx, http.MethodGet, path, nil, nil)
	})
}

// Delete removes path. It is retried.
func (c *Client) Delete(ctx context.Context, path string) (*transport.Response, error) {
	return retry.Do(ctx, c.retrier, func(ctx context.Context) (*transport.Response, error) {
		return c.do(ctx, http.MethodDelete, path, nil, nil)
	})
}

// Post sends body to path. Without Idempotent(true) the request is sent once.
func (c *Client) Post(ctx context.Context, path string, body []byte, opts ...PostOption) (*transport.Response, error) {
	o := postOptions{contentType: "application/octet-stream", header: make(http.Header)}
	for _, opt := range opts {
		opt(&o)
	}
	o.header.Set("Content-Type", o.contentType)

	if !o.idempotent {
		return c.do(ctx, http.MethodPost, path, body, o.header)
	}
	return retry.Do(ctx, c.retrier, func(ctx context.Context) (*transport.Response, error) {
		return c.do(ctx, http.MethodPost, path, body, o.header)
	})
}

// do builds a fresh request for every attempt so the body can be re-read.
func (c *Client) do(ctx context.Context, method, path string, body []byte, header http.Header) (*transport.Response, error) {
	target, err := c.transport.URL(path)
	if err != nil {
		return nil, err
	}
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, r)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	return c.transport.Do(ctx, req)
}

// NewWriter returns a batch writer for path. The Uploader is started on the
// first call.
func (c *Client) NewWriter(path string, opts ...uploader.WriterOption) (*uploader.Writer, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, uploader.ErrUploaderClosed
	}
	if c.up == nil {
		c.up = uploader.New(c.transport, c.upCfg)
	}
	up := c.up
	c.mu.Unlock()
	return up.NewWriter(path, opts...)
}

// Stats reports the uploader state. It is the zero value until a writer has
// been created.
func (c *Client) Stats() uploader.Stats {
	c.mu.Lock()
	up := c.up
	c.mu.Unlock()
	if up == nil {
		return uploader.Stats{}
	}
	return up.Stats()
}

// Close closes every writer and waits for buffered records to be uploaded
// until ctx is done. Synchronous requests keep working afterwards.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	up := c.up
	c.mu.Unlock()

	if up == nil {
		return nil
	}
	if err := up.Close(ctx); err != nil {
		logging.Error("client close did not finish uploading", logging.F("error", err.Error()))
		return err
	}
	return nil
}
