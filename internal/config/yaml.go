package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// YAMLConfig represents the YAML configuration file structure.
type YAMLConfig struct {
	Storage   StorageYAMLConfig   `yaml:"storage"`
	Writer    WriterYAMLConfig    `yaml:"writer"`
	Retry     RetryYAMLConfig     `yaml:"retry"`
	Input     InputYAMLConfig     `yaml:"input"`
	Memory    MemoryYAMLConfig    `yaml:"memory"`
	Telemetry TelemetryYAMLConfig `yaml:"telemetry"`
	Log       LogYAMLConfig       `yaml:"log"`
}

// StorageYAMLConfig describes the storage service connection.
type StorageYAMLConfig struct {
	Endpoint   string               `yaml:"endpoint"`
	Timeout    Duration             `yaml:"timeout"`
	UserAgent  string               `yaml:"user_agent"`
	TLS        TLSClientYAMLConfig  `yaml:"tls"`
	Auth       AuthClientYAMLConfig `yaml:"auth"`
	HTTPClient HTTPClientYAMLConfig `yaml:"http_client"`
}

// TLSClientYAMLConfig holds client TLS settings.
type TLSClientYAMLConfig struct {
	Enabled            bool   `yaml:"enabled"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	CAFile             string `yaml:"ca_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	ServerName         string `yaml:"server_name"`
}

// AuthClientYAMLConfig holds client credentials.
type AuthClientYAMLConfig struct {
	User        string            `yaml:"user"`
	Password    string            `yaml:"password"`
	BearerToken string            `yaml:"bearer_token"`
	Headers     map[string]string `yaml:"headers"`
}

// HTTPClientYAMLConfig holds connection pool settings.
type HTTPClientYAMLConfig struct {
	MaxIdleConns         int      `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost  int      `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost      int      `yaml:"max_conns_per_host"`
	IdleConnTimeout      Duration `yaml:"idle_conn_timeout"`
	DisableKeepAlives    bool     `yaml:"disable_keep_alives"`
	ForceHTTP2           bool     `yaml:"force_http2"`
	HTTP2ReadIdleTimeout Duration `yaml:"http2_read_idle_timeout"`
	HTTP2PingTimeout     Duration `yaml:"http2_ping_timeout"`
}

// WriterYAMLConfig holds writer defaults.
type WriterYAMLConfig struct {
	BatchSize          int      `yaml:"batch_size"`
	CheckpointInterval Duration `yaml:"checkpoint_interval"`
	BufferSize         int      `yaml:"buffer_size"`
	MaxItemSize        ByteSize `yaml:"max_item_size"`
	ContentEncoding    string   `yaml:"content_encoding"`
	PollInterval       Duration `yaml:"poll_interval"`
}

// RetryYAMLConfig holds both retry loops.
type RetryYAMLConfig struct {
	Upload  UploadRetryYAMLConfig  `yaml:"upload"`
	Request RequestRetryYAMLConfig `yaml:"request"`
}

// UploadRetryYAMLConfig configures the per-batch retry loop.
type UploadRetryYAMLConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	MinInterval Duration `yaml:"min_interval"`
	MaxInterval Duration `yaml:"max_interval"`
}

// RequestRetryYAMLConfig configures synchronous request retries. A nil
// MaxRetries keeps the default so that 0 can be distinguished from unset.
type RequestRetryYAMLConfig struct {
	MaxRetries   *int     `yaml:"max_retries"`
	MaxRetryTime Duration `yaml:"max_retry_time"`
	MaxJitter    Duration `yaml:"max_jitter"`
}

// InputYAMLConfig describes what the command uploads.
type InputYAMLConfig struct {
	Path            string   `yaml:"path"`
	StartOffset     uint64   `yaml:"start_offset"`
	Files           []string `yaml:"files"`
	MetricsAddr     string   `yaml:"metrics_addr"`
	DryRun          bool     `yaml:"dry_run"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// MemoryYAMLConfig holds memory limit configuration.
type MemoryYAMLConfig struct {
	// LimitRatio is the ratio of container memory to use for GOMEMLIMIT (0.0-1.0)
	LimitRatio *float64 `yaml:"limit_ratio"`
}

// TelemetryYAMLConfig holds OTLP self-monitoring telemetry configuration.
type TelemetryYAMLConfig struct {
	Endpoint        string            `yaml:"endpoint"`         // OTLP endpoint (empty = disabled)
	Protocol        string            `yaml:"protocol"`         // "grpc" or "http" (default: "grpc")
	Insecure        *bool             `yaml:"insecure"`         // Use insecure connection (default: true)
	PushInterval    Duration          `yaml:"push_interval"`    // Metric push interval (default: 30s)
	Compression     string            `yaml:"compression"`      // "gzip" or "" (default: "")
	ShutdownTimeout Duration          `yaml:"shutdown_timeout"` // Shutdown grace period (default: 5s)
	Headers         map[string]string `yaml:"headers"`          // Custom headers (auth, etc.)
}

// LogYAMLConfig holds logging settings.
type LogYAMLConfig struct {
	Level string `yaml:"level"`
}

// Duration is a wrapper for time.Duration that supports YAML unmarshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	duration, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ByteSize is a wrapper for int64 that supports human-readable YAML values.
// Accepted formats: raw integer (bytes), or suffixed: Ki, Mi, Gi, Ti.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*b = ByteSize(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for ByteSize.
func (b ByteSize) MarshalYAML() (interface{}, error) {
	return FormatByteSize(int64(b)), nil
}

var byteSuffixes = []struct {
	name string
	mult int64
}{
	{"Ti", 1 << 40},
	{"Gi", 1 << 30},
	{"Mi", 1 << 20},
	{"Ki", 1 << 10},
}

// ParseByteSize parses a human-readable byte size string.
// Accepted suffixes: Ki, Mi, Gi, Ti. Plain integers are bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	for _, sf := range byteSuffixes {
		if strings.HasSuffix(s, sf.name) {
			numStr := strings.TrimSpace(strings.TrimSuffix(s, sf.name))
			var f float64
			if _, err := fmt.Sscanf(numStr, "%f", &f); err != nil || f < 0 {
				return 0, fmt.Errorf("invalid byte size: %q", s)
			}
			return int64(f * float64(sf.mult)), nil
		}
	}
	var n int64
	var trail string
	if _, err := fmt.Sscanf(s, "%d%s", &n, &trail); err == nil && trail != "" {
		return 0, fmt.Errorf("invalid byte size: %q (use Ki, Mi, Gi, or Ti suffixes)", s)
	}
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil || n < 0 {
		return 0, fmt.Errorf("invalid byte size: %q", s)
	}
	return n, nil
}

// FormatByteSize formats bytes as a human-readable string with binary suffix.
func FormatByteSize(b int64) string {
	for _, sf := range byteSuffixes {
		if b >= sf.mult && b%sf.mult == 0 {
			return fmt.Sprintf("%d%s", b/sf.mult, sf.name)
		}
	}
	return fmt.Sprintf("%d", b)
}

// LoadYAML loads configuration from a YAML file.
func LoadYAML(path string) (*YAMLConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseYAML(data)
}

// ParseYAML parses YAML configuration from bytes. Unknown keys are errors.
func ParseYAML(data []byte) (*YAMLConfig, error) {
	cfg := &YAMLConfig{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return cfg, nil
}

// ToConfig overlays the file on DefaultConfig. Zero values keep the default.
func (y *YAMLConfig) ToConfig() *Config {
	cfg := DefaultConfig()

	s := y.Storage
	setString(&cfg.Endpoint, s.Endpoint)
	setDuration(&cfg.Timeout, s.Timeout)
	setString(&cfg.UserAgent, s.UserAgent)
	cfg.TLSEnabled = s.TLS.Enabled
	cfg.TLSCertFile = s.TLS.CertFile
	cfg.TLSKeyFile = s.TLS.KeyFile
	cfg.TLSCAFile = s.TLS.CAFile
	cfg.TLSInsecureSkipVerify = s.TLS.InsecureSkipVerify
	cfg.TLSServerName = s.TLS.ServerName
	cfg.AuthUser = s.Auth.User
	cfg.AuthPassword = s.Auth.Password
	cfg.AuthBearerToken = s.Auth.BearerToken
	cfg.AuthHeaders = headersMapToString(s.Auth.Headers)
	setInt(&cfg.MaxIdleConns, s.HTTPClient.MaxIdleConns)
	setInt(&cfg.MaxIdleConnsPerHost, s.HTTPClient.MaxIdleConnsPerHost)
	setInt(&cfg.MaxConnsPerHost, s.HTTPClient.MaxConnsPerHost)
	setDuration(&cfg.IdleConnTimeout, s.HTTPClient.IdleConnTimeout)
	cfg.DisableKeepAlives = s.HTTPClient.DisableKeepAlives
	cfg.ForceHTTP2 = s.HTTPClient.ForceHTTP2
	setDuration(&cfg.HTTP2ReadIdleTimeout, s.HTTPClient.HTTP2ReadIdleTimeout)
	setDuration(&cfg.HTTP2PingTimeout, s.HTTPClient.HTTP2PingTimeout)

	w := y.Writer
	setInt(&cfg.BatchSize, w.BatchSize)
	setDuration(&cfg.CheckpointInterval, w.CheckpointInterval)
	setInt(&cfg.BufferSize, w.BufferSize)
	if w.MaxItemSize != 0 {
		cfg.MaxItemSize = int64(w.MaxItemSize)
	}
	setString(&cfg.ContentEncoding, w.ContentEncoding)
	setDuration(&cfg.PollInterval, w.PollInterval)

	setInt(&cfg.UploadMaxAttempts, y.Retry.Upload.MaxAttempts)
	setDuration(&cfg.UploadMinInterval, y.Retry.Upload.MinInterval)
	setDuration(&cfg.UploadMaxInterval, y.Retry.Upload.MaxInterval)
	if y.Retry.Request.MaxRetries != nil {
		cfg.RequestMaxRetries = *y.Retry.Request.MaxRetries
	}
	setDuration(&cfg.RequestMaxRetryTime, y.Retry.Request.MaxRetryTime)
	setDuration(&cfg.RequestMaxJitter, y.Retry.Request.MaxJitter)

	in := y.Input
	setString(&cfg.Path, in.Path)
	cfg.StartOffset = in.StartOffset
	cfg.Inputs = in.Files
	setString(&cfg.MetricsAddr, in.MetricsAddr)
	cfg.DryRun = in.DryRun
	setDuration(&cfg.ShutdownTimeout, in.ShutdownTimeout)

	if y.Memory.LimitRatio != nil {
		cfg.MemoryLimitRatio = *y.Memory.LimitRatio
	}

	t := y.Telemetry
	setString(&cfg.TelemetryEndpoint, t.Endpoint)
	setString(&cfg.TelemetryProtocol, t.Protocol)
	if t.Insecure != nil {
		cfg.TelemetryInsecure = *t.Insecure
	}
	setDuration(&cfg.TelemetryPushInterval, t.PushInterval)
	setString(&cfg.TelemetryCompression, t.Compression)
	setDuration(&cfg.TelemetryShutdownTimeout, t.ShutdownTimeout)
	cfg.TelemetryHeaders = headersMapToString(t.Headers)

	setString(&cfg.LogLevel, y.Log.Level)
	return cfg
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v Duration) {
	if v != 0 {
		*dst = time.Duration(v)
	}
}

// headersMapToString renders headers in the flag format, sorted by key.
func headersMapToString(headers map[string]string) string {
	if len(headers) == 0 {
		return ""
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+headers[k])
	}
	return strings.Join(pairs, ",")
}
