package telemetry

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	otellog "go.opentelemetry.io/otel/log"

	"github.com/szibis/batch-uploader/internal/logging"
)

func shutdown(t *testing.T, tel *Telemetry) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	// No collector listens in unit tests, so export errors are expected.
	if err := tel.Shutdown(ctx); err != nil {
		t.Logf("shutdown: %v", err)
	}
}

func TestInit_Disabled(t *testing.T) {
	tel, err := Init(context.Background(), Config{}, "batch-uploader", "test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tel != nil {
		t.Error("expected nil telemetry when endpoint is empty")
	}
}

func TestInit_Protocols(t *testing.T) {
	for _, proto := range []string{"", ProtocolGRPC, ProtocolHTTP} {
		t.Run("proto="+proto, func(t *testing.T) {
			cfg := Config{
				Endpoint:    "localhost:4317",
				Protocol:    proto,
				Insecure:    true,
				Compression: "gzip",
				Headers:     map[string]string{"x-tenant": "a"},
				Retry:       RetryConfig{Enabled: true, Initial: time.Second, MaxInterval: 5 * time.Second, MaxElapsed: 10 * time.Second},
			}
			tel, err := Init(context.Background(), cfg, "batch-uploader", "test")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tel == nil {
				t.Fatal("expected non-nil telemetry")
			}
			defer shutdown(t, tel)

			if !tel.Enabled() || tel.Logger() == nil {
				t.Error("expected telemetry to be enabled with a logger")
			}
		})
	}
}

func TestInit_RejectsInvalidConfig(t *testing.T) {
	_, err := Init(context.Background(), Config{Endpoint: "localhost:4317", Protocol: "udp"}, "batch-uploader", "test")
	if err == nil {
		t.Fatal("expected error for unknown protocol")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"disabled ignores fields", Config{Protocol: "bogus"}, false},
		{"grpc", Config{Endpoint: "x:4317", Protocol: ProtocolGRPC}, false},
		{"http gzip", Config{Endpoint: "x:4318", Protocol: ProtocolHTTP, Compression: "gzip"}, false},
		{"bad protocol", Config{Endpoint: "x", Protocol: "udp"}, true},
		{"bad compression", Config{Endpoint: "x", Compression: "zstd"}, true},
		{"negative interval", Config{Endpoint: "x", PushInterval: -time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTelemetry_Nil(t *testing.T) {
	var tel *Telemetry
	if tel.Enabled() {
		t.Error("nil telemetry should not be enabled")
	}
	if tel.Logger() != nil {
		t.Error("nil telemetry logger should be nil")
	}
	if tel.NewLogHook() != nil {
		t.Error("nil telemetry should return nil hook")
	}
	if tel.ShutdownTimeout() != defaultShutdownTimeout {
		t.Errorf("ShutdownTimeout() = %v", tel.ShutdownTimeout())
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("nil telemetry shutdown should not error: %v", err)
	}
}

func TestNewLogHook_Emits(t *testing.T) {
	tel, err := Init(context.Background(), Config{Endpoint: "localhost:4317", Insecure: true, ShutdownTimeout: 2 * time.Second}, "batch-uploader", "test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer shutdown(t, tel)

	if tel.ShutdownTimeout() != 2*time.Second {
		t.Errorf("ShutdownTimeout() = %v, want 2s", tel.ShutdownTimeout())
	}
	hook := tel.NewLogHook()
	if hook == nil {
		t.Fatal("expected non-nil hook")
	}
	hook(logging.LevelDebug, "checkpoint uploaded", logging.F("url", "items/1", "offset", uint64(42)))
	hook(logging.LevelWarn, "batch upload failed, retry scheduled", nil)
	hook(logging.LevelError, "batch dropped", logging.F("error", errors.New("boom"), "backoff", time.Second))
}

func TestToOTELSeverity(t *testing.T) {
	tests := []struct {
		level    logging.Level
		expected otellog.Severity
	}{
		{logging.LevelDebug, otellog.SeverityDebug},
		{logging.LevelInfo, otellog.SeverityInfo},
		{logging.LevelWarn, otellog.SeverityWarn},
		{logging.LevelError, otellog.SeverityError},
		{logging.LevelFatal, otellog.SeverityFatal},
		{logging.Level("TRACE"), otellog.SeverityInfo},
	}
	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			if got := toOTELSeverity(tt.level); got != tt.expected {
				t.Errorf("toOTELSeverity(%s) = %v, want %v", tt.level, got, tt.expected)
			}
		})
	}
}

func TestToOTELValue(t *testing.T) {
	tests := []struct {
		name  string
		input interface{}
		kind  otellog.Kind
		str   string
	}{
		{"string", "hello", otellog.KindString, "hello"},
		{"int", 42, otellog.KindInt64, ""},
		{"int64", int64(100), otellog.KindInt64, ""},
		{"uint64 offset", uint64(7), otellog.KindInt64, ""},
		{"uint64 overflow", uint64(math.MaxUint64), otellog.KindString, "18446744073709551615"},
		{"float64", 3.14, otellog.KindFloat64, ""},
		{"bool", true, otellog.KindBool, ""},
		{"duration", 1500 * time.Millisecond, otellog.KindString, "1.5s"},
		{"error", errors.New("boom"), otellog.KindString, "boom"},
		{"nil", nil, otellog.KindString, "<nil>"},
		{"struct", struct{ A int }{1}, otellog.KindString, "{1}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := toOTELValue(tt.input)
			if v.Kind() != tt.kind {
				t.Fatalf("kind = %v, want %v", v.Kind(), tt.kind)
			}
			if tt.str != "" && v.AsString() != tt.str {
				t.Errorf("value = %q, want %q", v.AsString(), tt.str)
			}
		})
	}
}

func TestRetryConfig_SDKDefaults(t *testing.T) {
	got := RetryConfig{Enabled: true}.sdk()
	if got.InitialInterval != 5*time.Second || got.MaxInterval != 30*time.Second || got.MaxElapsedTime != time.Minute {
		t.Errorf("sdk() = %+v, want 5s/30s/1m defaults", got)
	}

	got = RetryConfig{Enabled: true, Initial: time.Second, MaxInterval: 2 * time.Second, MaxElapsed: 3 * time.Second}.sdk()
	if got.InitialInterval != time.Second || got.MaxInterval != 2*time.Second || got.MaxElapsedTime != 3*time.Second {
		t.Errorf("sdk() = %+v, want explicit values kept", got)
	}
}
