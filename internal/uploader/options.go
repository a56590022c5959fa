package uploader

import (
	"encoding/json"
	"time"

	"github.com/szibis/batch-uploader/internal/auth"
	"github.com/szibis/batch-uploader/internal/compression"
	"github.com/szibis/batch-uploader/internal/transport"
)

const (
	DefaultBatchSize          = 1000
	DefaultCheckpointInterval = 15 * time.Second
	DefaultMaxItemSize        = 1 << 20
	DefaultPollInterval       = time.Second
)

// Serializer turns a record into bytes. It must not produce the record
// delimiter; JSON without indentation never does.
type Serializer func(v any) ([]byte, error)

// JSONSerializer is the default Serializer.
func JSONSerializer(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Config holds uploader-wide settings. Writer fields are defaults that
// individual writers may override with WriterOption.
type Config struct {
	// BatchSize is the maximum number of records per upload.
	BatchSize int
	// CheckpointInterval is the longest a record waits before a forced upload.
	CheckpointInterval time.Duration
	// BufferSize is the writer queue capacity. Zero means 2*BatchSize.
	BufferSize int
	// MaxItemSize is the largest accepted encoded record in bytes.
	MaxItemSize int
	// ContentEncoding is applied to every batch payload.
	ContentEncoding compression.Type
	// Credentials are sent with every batch of a writer.
	Credentials auth.Credentials
	// PollInterval is the longest the scheduler sleeps between passes.
	PollInterval time.Duration
	// Retry configures the batch upload retry loop.
	Retry RetryConfig
	// OnBatchDropped, when set, is called for every batch that is given up.
	OnBatchDropped func(DroppedBatch)
}

// DefaultConfig returns the default uploader configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:          DefaultBatchSize,
		CheckpointInterval: DefaultCheckpointInterval,
		MaxItemSize:        DefaultMaxItemSize,
		ContentEncoding:    compression.TypeIdentity,
		PollInterval:       DefaultPollInterval,
		Retry:              DefaultRetryConfig(),
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = d.CheckpointInterval
	}
	if c.MaxItemSize <= 0 {
		c.MaxItemSize = d.MaxItemSize
	}
	if c.ContentEncoding == "" {
		c.ContentEncoding = d.ContentEncoding
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	c.Retry.applyDefaults()
}

// WriterOption is a functional option for writers.
type WriterOption func(*writerOptions)

type writerOptions struct {
	batchSize   int
	interval    time.Duration
	bufferSize  int
	maxItemSize int
	encoding    compression.Type
	credentials auth.Credentials
	startOffset uint64
	serializer  Serializer
	onUploaded  func(*transport.Response) error
}

func (c Config) writerOptions(opts []WriterOption) writerOptions {
	o := writerOptions{
		batchSize:   c.BatchSize,
		interval:    c.CheckpointInterval,
		bufferSize:  c.BufferSize,
		maxItemSize: c.MaxItemSize,
		encoding:    c.ContentEncoding,
		credentials: c.Credentials,
		serializer:  JSONSerializer,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.batchSize <= 0 {
		o.batchSize = DefaultBatchSize
	}
	if o.bufferSize <= 0 {
		o.bufferSize = 2 * o.batchSize
	}
	if o.interval <= 0 {
		o.interval = DefaultCheckpointInterval
	}
	if o.maxItemSize <= 0 {
		o.maxItemSize = DefaultMaxItemSize
	}
	if o.encoding == "" {
		o.encoding = compression.TypeIdentity
	}
	return o
}

// WithBatchSize sets the maximum number of records per upload.
func WithBatchSize(n int) WriterOption {
	return func(o *writerOptions) { o.batchSize = n }
}

// WithCheckpointInterval sets the longest a record waits before upload.
func WithCheckpointInterval(d time.Duration) WriterOption {
	return func(o *writerOptions) { o.interval = d }
}

// WithBufferSize sets the queue capacity. Write blocks while it is full.
func WithBufferSize(n int) WriterOption {
	return func(o *writerOptions) { o.bufferSize = n }
}

// WithMaxItemSize sets the largest accepted encoded record.
func WithMaxItemSize(n int) WriterOption {
	return func(o *writerOptions) { o.maxItemSize = n }
}

// WithContentEncoding sets the batch payload encoding.
func WithContentEncoding(t compression.Type) WriterOption {
	return func(o *writerOptions) { o.encoding = t }
}

// WithCredentials sets the credentials sent with every batch.
func WithCredentials(c auth.Credentials) WriterOption {
	return func(o *writerOptions) { o.credentials = c }
}

// WithStartOffset sets the offset assigned to the first record.
func WithStartOffset(offset uint64) WriterOption {
	return func(o *writerOptions) { o.startOffset = offset }
}

// WithSerializer replaces the JSON serializer used by Write.
func WithSerializer(s Serializer) WriterOption {
	return func(o *writerOptions) { o.serializer = s }
}

// WithOnBatchUploaded registers a callback run with the server response
// after every successful upload. Errors and panics are logged and ignored.
func WithOnBatchUploaded(fn func(*transport.Response) error) WriterOption {
	return func(o *writerOptions) { o.onUploaded = fn }
}
