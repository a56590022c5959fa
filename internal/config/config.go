package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/szibis/batch-uploader/internal/auth"
	"github.com/szibis/batch-uploader/internal/compression"
	"github.com/szibis/batch-uploader/internal/retry"
	"github.com/szibis/batch-uploader/internal/telemetry"
	tlspkg "github.com/szibis/batch-uploader/internal/tls"
	"github.com/szibis/batch-uploader/internal/transport"
	"github.com/szibis/batch-uploader/internal/uploader"
)

// version is set at build time via ldflags
var version = "dev"

// Version returns the build version.
func Version() string { return version }

// Config holds the application configuration.
type Config struct {
	// Storage service settings
	Endpoint  string
	Timeout   time.Duration
	UserAgent string

	// TLS settings
	TLSEnabled            bool
	TLSCertFile           string
	TLSKeyFile            string
	TLSCAFile             string
	TLSInsecureSkipVerify bool
	TLSServerName         string

	// Auth settings
	AuthUser        string
	AuthPassword    string
	AuthBearerToken string
	AuthHeaders     string // key1=value1,key2=value2

	// HTTP client settings
	MaxIdleConns         int
	MaxIdleConnsPerHost  int
	MaxConnsPerHost      int
	IdleConnTimeout      time.Duration
	DisableKeepAlives    bool
	ForceHTTP2           bool
	HTTP2ReadIdleTimeout time.Duration
	HTTP2PingTimeout     time.Duration

	// Writer defaults
	BatchSize          int
	CheckpointInterval time.Duration
	BufferSize         int
	MaxItemSize        int64
	ContentEncoding    string
	PollInterval       time.Duration

	// Batch upload retry
	UploadMaxAttempts int
	UploadMinInterval time.Duration
	UploadMaxInterval time.Duration

	// Synchronous request retry
	RequestMaxRetries   int
	RequestMaxRetryTime time.Duration
	RequestMaxJitter    time.Duration

	// Command settings
	Path            string // destination for records read from input
	StartOffset     uint64
	Inputs          []string // files to read; empty means stdin
	MetricsAddr     string
	DryRun          bool
	LogLevel        string
	ShutdownTimeout time.Duration

	// Memory limit
	MemoryLimitRatio float64

	// Telemetry settings
	TelemetryEndpoint        string
	TelemetryProtocol        string
	TelemetryInsecure        bool
	TelemetryPushInterval    time.Duration
	TelemetryCompression     string
	TelemetryHeaders         string
	TelemetryShutdownTimeout time.Duration

	ConfigFile string

	// Flags
	ShowHelp    bool
	ShowVersion bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Endpoint:                 "http://localhost:8080/",
		Timeout:                  30 * time.Second,
		UserAgent:                "batch-uploader/" + version,
		MaxIdleConns:             100,
		MaxIdleConnsPerHost:      100,
		IdleConnTimeout:          90 * time.Second,
		BatchSize:                uploader.DefaultBatchSize,
		CheckpointInterval:       uploader.DefaultCheckpointInterval,
		MaxItemSize:              uploader.DefaultMaxItemSize,
		ContentEncoding:          string(compression.TypeIdentity),
		PollInterval:             uploader.DefaultPollInterval,
		UploadMaxAttempts:        uploader.DefaultMaxAttempts,
		UploadMinInterval:        uploader.DefaultMinInterval,
		UploadMaxInterval:        uploader.DefaultMaxInterval,
		RequestMaxRetries:        retry.DefaultMaxRetries,
		RequestMaxJitter:         retry.DefaultMaxJitter,
		LogLevel:                 "info",
		ShutdownTimeout:          time.Minute,
		MemoryLimitRatio:         0.9,
		TelemetryProtocol:        telemetry.ProtocolGRPC,
		TelemetryInsecure:        true,
		TelemetryPushInterval:    30 * time.Second,
		TelemetryShutdownTimeout: 5 * time.Second,
	}
}

// newFlagSet binds every flag to a field of cfg. Flag defaults are the
// current values of cfg.
func newFlagSet(cfg *Config, output io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("batch-uploader", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "Path to YAML configuration file")

	// Storage service flags
	fs.StringVar(&cfg.Endpoint, "endpoint", cfg.Endpoint, "Base URL of the storage service")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Per-request timeout")
	fs.StringVar(&cfg.UserAgent, "user-agent", cfg.UserAgent, "User-Agent header")

	// TLS flags
	fs.BoolVar(&cfg.TLSEnabled, "tls-enabled", cfg.TLSEnabled, "Enable custom TLS config")
	fs.StringVar(&cfg.TLSCertFile, "tls-cert", cfg.TLSCertFile, "Path to client certificate file (mTLS)")
	fs.StringVar(&cfg.TLSKeyFile, "tls-key", cfg.TLSKeyFile, "Path to client private key file (mTLS)")
	fs.StringVar(&cfg.TLSCAFile, "tls-ca", cfg.TLSCAFile, "Path to CA certificate for server verification")
	fs.BoolVar(&cfg.TLSInsecureSkipVerify, "tls-skip-verify", cfg.TLSInsecureSkipVerify, "Skip TLS certificate verification")
	fs.StringVar(&cfg.TLSServerName, "tls-server-name", cfg.TLSServerName, "Override server name for TLS verification")

	// Auth flags
	fs.StringVar(&cfg.AuthUser, "auth-user", cfg.AuthUser, "Basic auth user (API key) sent with every request")
	fs.StringVar(&cfg.AuthPassword, "auth-password", cfg.AuthPassword, "Basic auth password")
	fs.StringVar(&cfg.AuthBearerToken, "auth-bearer-token", cfg.AuthBearerToken, "Bearer token, used instead of basic auth")
	fs.StringVar(&cfg.AuthHeaders, "auth-headers", cfg.AuthHeaders, "Custom headers (format: key1=value1,key2=value2)")

	// HTTP client flags
	fs.IntVar(&cfg.MaxIdleConns, "max-idle-conns", cfg.MaxIdleConns, "Maximum idle connections across all hosts")
	fs.IntVar(&cfg.MaxIdleConnsPerHost, "max-idle-conns-per-host", cfg.MaxIdleConnsPerHost, "Maximum idle connections per host")
	fs.IntVar(&cfg.MaxConnsPerHost, "max-conns-per-host", cfg.MaxConnsPerHost, "Maximum total connections per host (0 = no limit)")
	fs.DurationVar(&cfg.IdleConnTimeout, "idle-conn-timeout", cfg.IdleConnTimeout, "Idle connection timeout")
	fs.BoolVar(&cfg.DisableKeepAlives, "disable-keep-alives", cfg.DisableKeepAlives, "Disable HTTP keep-alives")
	fs.BoolVar(&cfg.ForceHTTP2, "force-http2", cfg.ForceHTTP2, "Force HTTP/2")
	fs.DurationVar(&cfg.HTTP2ReadIdleTimeout, "http2-read-idle-timeout", cfg.HTTP2ReadIdleTimeout, "HTTP/2 read idle timeout for health checks")
	fs.DurationVar(&cfg.HTTP2PingTimeout, "http2-ping-timeout", cfg.HTTP2PingTimeout, "HTTP/2 ping timeout")

	// Writer flags
	fs.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Maximum records per upload")
	fs.DurationVar(&cfg.CheckpointInterval, "checkpoint-interval", cfg.CheckpointInterval, "Longest a record waits before a forced upload")
	fs.IntVar(&cfg.BufferSize, "buffer-size", cfg.BufferSize, "Records buffered per writer before Write blocks (0 = 2 x batch size)")
	fs.Var((*byteSizeValue)(&cfg.MaxItemSize), "max-item-size", "Largest accepted record (bytes, or Ki/Mi/Gi suffix)")
	fs.StringVar(&cfg.ContentEncoding, "content-encoding", cfg.ContentEncoding, "Batch encoding: identity, gzip or zstd")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Longest the scheduler sleeps between passes")

	// Retry flags
	fs.IntVar(&cfg.UploadMaxAttempts, "upload-max-attempts", cfg.UploadMaxAttempts, "Upload attempts per batch before it is dropped")
	fs.DurationVar(&cfg.UploadMinInterval, "upload-min-interval", cfg.UploadMinInterval, "Shortest wait between batch upload attempts")
	fs.DurationVar(&cfg.UploadMaxInterval, "upload-max-interval", cfg.UploadMaxInterval, "Longest wait between batch upload attempts")
	fs.IntVar(&cfg.RequestMaxRetries, "request-max-retries", cfg.RequestMaxRetries, "Retries of idempotent requests (negative disables)")
	fs.DurationVar(&cfg.RequestMaxRetryTime, "request-max-retry-time", cfg.RequestMaxRetryTime, "Total backoff budget of a retried request (0 = 1s multiplier)")
	fs.DurationVar(&cfg.RequestMaxJitter, "request-max-jitter", cfg.RequestMaxJitter, "Random delay added to each request retry")

	// Command flags
	fs.StringVar(&cfg.Path, "path", cfg.Path, "Destination path records are uploaded to")
	fs.Uint64Var(&cfg.StartOffset, "start-offset", cfg.StartOffset, "Offset of the first record")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus metrics listen address (empty = disabled)")
	fs.BoolVar(&cfg.DryRun, "dry-run", cfg.DryRun, "Upload to an in-process fake storage service")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Minimum log level: debug, info, warn, error")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "Time allowed to upload buffered records on exit")
	fs.Float64Var(&cfg.MemoryLimitRatio, "memory-limit-ratio", cfg.MemoryLimitRatio, "Ratio of container memory to use for GOMEMLIMIT (0 disables)")

	// Telemetry flags
	fs.StringVar(&cfg.TelemetryEndpoint, "telemetry-endpoint", cfg.TelemetryEndpoint, "OTLP endpoint for self-monitoring (empty = disabled)")
	fs.StringVar(&cfg.TelemetryProtocol, "telemetry-protocol", cfg.TelemetryProtocol, "OTLP protocol: grpc or http")
	fs.BoolVar(&cfg.TelemetryInsecure, "telemetry-insecure", cfg.TelemetryInsecure, "Use insecure OTLP connection")
	fs.DurationVar(&cfg.TelemetryPushInterval, "telemetry-push-interval", cfg.TelemetryPushInterval, "Metric push interval")
	fs.StringVar(&cfg.TelemetryCompression, "telemetry-compression", cfg.TelemetryCompression, "OTLP compression: gzip or empty")
	fs.StringVar(&cfg.TelemetryHeaders, "telemetry-headers", cfg.TelemetryHeaders, "OTLP headers (format: key1=value1,key2=value2)")

	// Help and version
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help message")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help message (shorthand)")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version (shorthand)")

	return fs
}

// Load builds the configuration from defaults, the YAML file named by
// -config and finally the flags set on the command line. Remaining
// arguments are input files.
func Load(args []string) (*Config, error) {
	cfg := DefaultConfig()
	fs := newFlagSet(cfg, io.Discard)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cfg.ConfigFile == "" {
		cfg.Inputs = fs.Args()
		return cfg, nil
	}

	yamlCfg, err := LoadYAML(cfg.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("load config file %s: %w", cfg.ConfigFile, err)
	}
	fileCfg := yamlCfg.ToConfig()
	fileCfg.ConfigFile = cfg.ConfigFile

	// Parsing again on top of the file values applies only the flags that
	// were set explicitly.
	fs = newFlagSet(fileCfg, io.Discard)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		fileCfg.Inputs = fs.Args()
	}
	return fileCfg, nil
}

// ParseFlags parses os.Args and exits on error.
func ParseFlags() *Config {
	cfg, err := Load(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return &Config{ShowHelp: true}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	return cfg
}

// PrintUsage writes the flag help to w.
func PrintUsage(w io.Writer) {
	fmt.Fprintf(w, `batch-uploader - uploads newline-delimited records to a storage service in ordered batches

Usage:
  batch-uploader [flags] [file ...]

Records are read from the files given, or from stdin, one per line.

Flags:
`)
	fs := newFlagSet(DefaultConfig(), w)
	fs.PrintDefaults()
}

// PrintVersion prints the version.
func PrintVersion() {
	fmt.Printf("batch-uploader version %s\n", version)
}

// TLSConfig returns the client TLS configuration.
func (c *Config) TLSConfig() tlspkg.ClientConfig {
	return tlspkg.ClientConfig{
		Enabled:            c.TLSEnabled,
		CertFile:           c.TLSCertFile,
		KeyFile:            c.TLSKeyFile,
		CAFile:             c.TLSCAFile,
		InsecureSkipVerify: c.TLSInsecureSkipVerify,
		ServerName:         c.TLSServerName,
	}
}

// Credentials returns the default basic auth credentials.
func (c *Config) Credentials() auth.Credentials {
	return auth.Credentials{User: c.AuthUser, Password: c.AuthPassword}
}

// AuthConfig returns the client auth configuration.
func (c *Config) AuthConfig() auth.ClientConfig {
	return auth.ClientConfig{
		Credentials: c.Credentials(),
		BearerToken: c.AuthBearerToken,
		Headers:     parseHeaders(c.AuthHeaders),
	}
}

// TransportConfig returns the HTTP transport configuration.
func (c *Config) TransportConfig() transport.Config {
	return transport.Config{
		Endpoint:  c.Endpoint,
		Timeout:   c.Timeout,
		UserAgent: c.UserAgent,
		TLS:       c.TLSConfig(),
		Auth:      c.AuthConfig(),
		HTTPClient: transport.HTTPClientConfig{
			MaxIdleConns:         c.MaxIdleConns,
			MaxIdleConnsPerHost:  c.MaxIdleConnsPerHost,
			MaxConnsPerHost:      c.MaxConnsPerHost,
			IdleConnTimeout:      c.IdleConnTimeout,
			DisableKeepAlives:    c.DisableKeepAlives,
			ForceAttemptHTTP2:    c.ForceHTTP2,
			HTTP2ReadIdleTimeout: c.HTTP2ReadIdleTimeout,
			HTTP2PingTimeout:     c.HTTP2PingTimeout,
		},
	}
}

// UploaderConfig returns the uploader configuration. Credentials travel with
// every batch so per-writer credentials can replace them.
func (c *Config) UploaderConfig() uploader.Config {
	return uploader.Config{
		BatchSize:          c.BatchSize,
		CheckpointInterval: c.CheckpointInterval,
		BufferSize:         c.BufferSize,
		MaxItemSize:        int(c.MaxItemSize),
		ContentEncoding:    compression.Type(c.ContentEncoding),
		Credentials:        c.Credentials(),
		PollInterval:       c.PollInterval,
		Retry: uploader.RetryConfig{
			MaxAttempts: c.UploadMaxAttempts,
			MinInterval: c.UploadMinInterval,
			MaxInterval: c.UploadMaxInterval,
		},
	}
}

// RetryPolicy returns the synchronous request retry policy.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries:   c.RequestMaxRetries,
		MaxRetryTime: c.RequestMaxRetryTime,
		MaxJitter:    c.RequestMaxJitter,
	}
}

// TelemetryConfig returns the OTLP self-monitoring configuration.
func (c *Config) TelemetryConfig() telemetry.Config {
	return telemetry.Config{
		Endpoint:        c.TelemetryEndpoint,
		Protocol:        c.TelemetryProtocol,
		Insecure:        c.TelemetryInsecure,
		PushInterval:    c.TelemetryPushInterval,
		Compression:     c.TelemetryCompression,
		Headers:         parseHeaders(c.TelemetryHeaders),
		ShutdownTimeout: c.TelemetryShutdownTimeout,
		Retry:           telemetry.RetryConfig{Enabled: true},
	}
}

// parseHeaders parses "key1=value1,key2=value2". Malformed pairs are skipped.
func parseHeaders(s string) map[string]string {
	if s == "" {
		return nil
	}
	headers := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			continue
		}
		headers[k] = strings.TrimSpace(v)
	}
	if len(headers) == 0 {
		return nil
	}
	return headers
}

// byteSizeValue is a flag.Value accepting ParseByteSize syntax.
type byteSizeValue int64

func (b *byteSizeValue) String() string {
	if b == nil {
		return "0"
	}
	return FormatByteSize(int64(*b))
}

func (b *byteSizeValue) Set(s string) error {
	n, err := ParseByteSize(s)
	if err != nil {
		return err
	}
	*b = byteSizeValue(n)
	return nil
}
