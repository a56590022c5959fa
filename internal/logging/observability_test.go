package logging

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// getCounterValue reads the current value of a counter vec for given labels.
func getCounterValue(t *testing.T, cv *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := cv.WithLabelValues(labels...).Write(m); err != nil {
		t.Fatalf("failed to read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestLogMetrics_LevelAndComponent(t *testing.T) {
	captureOutput(t, LevelInfo)

	baseInfo := getCounterValue(t, logMessagesTotal, "INFO", "logging", "general")
	baseError := getCounterValue(t, logMessagesTotal, "ERROR", "logging", "general")

	Info("test info message")
	Error("test error message")

	if d := getCounterValue(t, logMessagesTotal, "INFO", "logging", "general") - baseInfo; d != 1 {
		t.Errorf("expected INFO counter to increment by 1, got %f", d)
	}
	if d := getCounterValue(t, logMessagesTotal, "ERROR", "logging", "general") - baseError; d != 1 {
		t.Errorf("expected ERROR counter to increment by 1, got %f", d)
	}
}

func TestLogMetrics_ExplicitComponentAndOperation(t *testing.T) {
	captureOutput(t, LevelInfo)

	base := getCounterValue(t, logMessagesTotal, "ERROR", "custom", "custom_op")
	Error("anything", F("component", "custom", "operation", "custom_op"))
	if d := getCounterValue(t, logMessagesTotal, "ERROR", "custom", "custom_op") - base; d != 1 {
		t.Errorf("expected explicit labels counter to increment by 1, got %f", d)
	}
}

func TestDetectOperation(t *testing.T) {
	tests := []struct {
		msg      string
		expected string
	}{
		{"checkpoint started for writer", "checkpoint"},
		{"batch upload failed", "upload"},
		{"request retry scheduled", "retry"},
		{"retries exhausted", "retry"},
		{"backoff delay computed", "backoff"},
		{"batch dropped", "drop"},
		{"batch callback panicked", "callback"},
		{"writer was not closed", "writer"},
		{"flush requested", "flush"},
		{"config file loaded", "config"},
		{"shutdown complete", "lifecycle"},
		{"some unknown message", "general"},
	}

	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			if got := detectOperation(tt.msg); got != tt.expected {
				t.Errorf("detectOperation(%q) = %q, want %q", tt.msg, got, tt.expected)
			}
		})
	}
}

func TestSetLevel_SuppressesOutputNotMetrics(t *testing.T) {
	buf := captureOutput(t, LevelError)

	hookCalls := 0
	SetHook(func(level Level, msg string, attrs map[string]interface{}) {
		hookCalls++
	})

	baseWarn := getCounterValue(t, logMessagesTotal, "WARN", "logging", "general")

	Info("should not appear")
	Warn("should not appear")
	Error("should appear")

	output := buf.String()
	if lines := strings.Split(strings.TrimSpace(output), "\n"); len(lines) != 1 {
		t.Errorf("expected 1 output line, got %d: %q", len(lines), output)
	}
	if strings.Contains(output, "should not appear") {
		t.Error("INFO/WARN messages should be suppressed")
	}
	if hookCalls != 1 {
		t.Errorf("expected 1 hook call, got %d", hookCalls)
	}
	if d := getCounterValue(t, logMessagesTotal, "WARN", "logging", "general") - baseWarn; d != 1 {
		t.Error("WARN counter should increment even when output is suppressed")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{"warn", LevelWarn},
		{"WARNING", LevelWarn},
		{"error", LevelError},
		{"FATAL", LevelFatal},
		{"unknown", LevelInfo},
		{"", LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.expected {
				t.Errorf("ParseLevel(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestGetLevel_DefaultIsInfo(t *testing.T) {
	captureOutput(t, "")
	if got := GetLevel(); got != LevelInfo {
		t.Errorf("GetLevel() default = %q, want INFO", got)
	}
	SetLevel(LevelWarn)
	if got := GetLevel(); got != LevelWarn {
		t.Errorf("GetLevel() = %q, want WARN", got)
	}
}
