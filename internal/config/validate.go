package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/szibis/batch-uploader/internal/compression"
	"github.com/szibis/batch-uploader/internal/telemetry"
)

// ValidationSeverity indicates the severity of a validation issue.
type ValidationSeverity string

const (
	// SeverityError indicates a configuration error that prevents startup.
	SeverityError ValidationSeverity = "error"
	// SeverityWarning indicates a potential issue that won't prevent startup.
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue represents a single validation finding.
type ValidationIssue struct {
	Severity ValidationSeverity `json:"severity"`
	Field    string             `json:"field"`
	Message  string             `json:"message"`
}

// ValidationResult holds the complete validation output.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	File   string            `json:"file"`
	Issues []ValidationIssue `json:"issues,omitempty"`
}

// JSON returns the validation result as formatted JSON.
func (r *ValidationResult) JSON() string {
	data, _ := json.MarshalIndent(r, "", "  ")
	return string(data)
}

// fieldError is a validation failure of one flag.
type fieldError struct {
	field string
	msg   string
}

func (c *Config) fieldErrors() []fieldError {
	var errs []fieldError
	add := func(field, format string, args ...any) {
		errs = append(errs, fieldError{field: field, msg: fmt.Sprintf(format, args...)})
	}

	if c.Endpoint != "" && !c.DryRun {
		if u, err := url.Parse(c.Endpoint); err != nil || u.Host == "" {
			add("endpoint", "must be an absolute URL, got %q", c.Endpoint)
		}
	}
	if c.Timeout < 0 {
		add("timeout", "must not be negative")
	}
	if c.TLSEnabled && (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		add("tls-cert", "and tls-key must be set together")
	}
	if c.AuthBearerToken != "" && c.AuthUser != "" {
		add("auth-bearer-token", "cannot be combined with auth-user")
	}

	if c.BatchSize <= 0 {
		add("batch-size", "must be positive, got %d", c.BatchSize)
	}
	if c.CheckpointInterval <= 0 {
		add("checkpoint-interval", "must be positive, got %s", c.CheckpointInterval)
	}
	if c.BufferSize < 0 {
		add("buffer-size", "must not be negative, got %d", c.BufferSize)
	}
	if c.MaxItemSize <= 0 {
		add("max-item-size", "must be positive, got %d", c.MaxItemSize)
	}
	if _, err := compression.ParseType(c.ContentEncoding); err != nil {
		add("content-encoding", "must be identity, gzip or zstd, got %q", c.ContentEncoding)
	}
	if c.PollInterval <= 0 {
		add("poll-interval", "must be positive, got %s", c.PollInterval)
	}

	if c.UploadMaxAttempts <= 0 {
		add("upload-max-attempts", "must be positive, got %d", c.UploadMaxAttempts)
	}
	if c.UploadMinInterval <= 0 {
		add("upload-min-interval", "must be positive, got %s", c.UploadMinInterval)
	}
	if c.UploadMaxInterval < c.UploadMinInterval {
		add("upload-max-interval", "must be at least upload-min-interval (%s), got %s", c.UploadMinInterval, c.UploadMaxInterval)
	}
	if c.RequestMaxRetryTime < 0 {
		add("request-max-retry-time", "must not be negative")
	}

	if c.MemoryLimitRatio < 0 || c.MemoryLimitRatio > 1 {
		add("memory-limit-ratio", "must be between 0.0 and 1.0, got %.2f", c.MemoryLimitRatio)
	}
	if c.ShutdownTimeout <= 0 {
		add("shutdown-timeout", "must be positive, got %s", c.ShutdownTimeout)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("log-level", "must be debug, info, warn or error, got %q", c.LogLevel)
	}
	if err := c.TelemetryConfig().Validate(); err != nil {
		add("telemetry-endpoint", "is invalid: %v", err)
	}
	return errs
}

// Validate checks the configuration. All problems are reported together.
func (c *Config) Validate() error {
	errs := c.fieldErrors()
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.field + " " + e.msg
	}
	return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}

// ValidateFile loads a YAML config file and validates it, returning structured results.
func ValidateFile(path string) *ValidationResult {
	result := &ValidationResult{Valid: true, File: path}
	fail := func(field, msg string) *ValidationResult {
		result.Valid = false
		result.Issues = append(result.Issues, ValidationIssue{Severity: SeverityError, Field: field, Message: msg})
		return result
	}

	info, err := os.Stat(path)
	if err != nil {
		return fail("file", fmt.Sprintf("cannot access file: %v", err))
	}
	if info.IsDir() {
		return fail("file", "path is a directory, expected a file")
	}
	yamlCfg, err := LoadYAML(path)
	if err != nil {
		return fail("yaml", fmt.Sprintf("YAML parse error: %v", err))
	}

	cfg := yamlCfg.ToConfig()
	cfg.ConfigFile = path
	for _, e := range cfg.fieldErrors() {
		fail(e.field, e.field+" "+e.msg)
	}
	addWarnings(cfg, result)
	return result
}

// addWarnings checks for non-fatal issues that are worth flagging.
func addWarnings(cfg *Config, result *ValidationResult) {
	warn := func(field, format string, args ...any) {
		result.Issues = append(result.Issues, ValidationIssue{
			Severity: SeverityWarning,
			Field:    field,
			Message:  fmt.Sprintf(format, args...),
		})
	}

	if strings.HasPrefix(cfg.Endpoint, "http://") && !isLocalhost(cfg.Endpoint) && !cfg.Credentials().IsZero() {
		warn("storage.endpoint", "credentials sent over plain HTTP to %q", cfg.Endpoint)
	}
	if cfg.BufferSize > 0 && cfg.BufferSize < cfg.BatchSize {
		warn("writer.buffer_size", "buffer_size (%d) is smaller than batch_size (%d), batches will never be full", cfg.BufferSize, cfg.BatchSize)
	}
	if cfg.UploadMaxAttempts > 0 && cfg.UploadMaxAttempts < 3 {
		warn("retry.upload.max_attempts", "only %d attempts per batch, transient outages will drop data", cfg.UploadMaxAttempts)
	}
	if cfg.TLSEnabled {
		checkFileWarning(cfg.TLSCertFile, "storage.tls.cert_file", result)
		checkFileWarning(cfg.TLSKeyFile, "storage.tls.key_file", result)
		checkFileWarning(cfg.TLSCAFile, "storage.tls.ca_file", result)
	}
	if cfg.TelemetryEndpoint != "" && cfg.TelemetryProtocol == telemetry.ProtocolHTTP && strings.Contains(cfg.TelemetryEndpoint, "://") {
		warn("telemetry.endpoint", "OTLP endpoint should be host:port, got %q", cfg.TelemetryEndpoint)
	}
}

func checkFileWarning(path, field string, result *ValidationResult) {
	if path == "" {
		return
	}
	if _, err := os.Stat(path); err != nil {
		result.Issues = append(result.Issues, ValidationIssue{
			Severity: SeverityWarning,
			Field:    field,
			Message:  fmt.Sprintf("file not found: %s", path),
		})
	}
}

func isLocalhost(endpoint string) bool {
	u, err := url.Parse(endpoint)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
