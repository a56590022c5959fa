package logging

import (
	"encoding/json"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Level represents log severity level.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
	LevelFatal Level = "FATAL"
)

// severityNumbers maps OTEL severity text to OTEL severity number.
// See https://opentelemetry.io/docs/specs/otel/logs/data-model/#severity-fields
var severityNumbers = map[Level]int{
	LevelDebug: 5,  // DEBUG
	LevelInfo:  9,  // INFO
	LevelWarn:  13, // WARN
	LevelError: 17, // ERROR
	LevelFatal: 21, // FATAL
}

var logMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "batch_uploader_log_messages_total",
	Help: "Total log messages by level, emitting component and operation",
}, []string{"level", "component", "operation"})

func init() {
	prometheus.MustRegister(logMessagesTotal)
}

// SeverityNumber returns the OTEL severity number for a level.
func SeverityNumber(level Level) int {
	return severityNumbers[level]
}

// ParseLevel parses a level name. Unknown values map to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	case "FATAL":
		return LevelFatal
	default:
		return LevelInfo
	}
}

// LogHook is called for every emitted log entry, allowing secondary sinks
// (OTLP log export) without this package importing them.
type LogHook func(level Level, msg string, attrs map[string]interface{})

// Logger provides JSON structured logging in OTEL-compatible format.
type Logger struct {
	mu       sync.Mutex
	output   io.Writer
	resource map[string]string
	hook     LogHook
	minLevel Level
}

// LogEntry represents a single log entry in OTEL-compatible JSON format.
type LogEntry struct {
	Timestamp      string                 `json:"Timestamp"`
	SeverityText   string                 `json:"SeverityText"`
	SeverityNumber int                    `json:"SeverityNumber"`
	Body           string                 `json:"Body"`
	Attributes     map[string]interface{} `json:"Attributes,omitempty"`
	Resource       map[string]string      `json:"Resource,omitempty"`
}

var defaultLogger = &Logger{output: os.Stderr, minLevel: LevelInfo}

// SetOutput sets the output writer for the default logger.
func SetOutput(w io.Writer) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.output = w
}

// SetResource sets the OTEL resource attributes (service.name, service.version, etc.)
// for the default logger. Should be called once at startup.
func SetResource(resource map[string]string) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.resource = resource
}

// SetHook registers a hook that is called for every emitted log entry.
func SetHook(hook LogHook) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.hook = hook
}

// SetLevel sets the minimum level written to the output and the hook.
// Suppressed entries are still counted in batch_uploader_log_messages_total.
func SetLevel(level Level) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.minLevel = level
}

// GetLevel returns the current minimum level.
func GetLevel() Level {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	if defaultLogger.minLevel == "" {
		return LevelInfo
	}
	return defaultLogger.minLevel
}

func (l *Logger) enabled(level Level) bool {
	min := l.minLevel
	if min == "" {
		min = LevelInfo
	}
	return severityNumbers[level] >= severityNumbers[min]
}

// log writes a structured log entry in OTEL-compatible JSON format.
func (l *Logger) log(level Level, msg string, attrs map[string]interface{}) {
	component, _ := attrs["component"].(string)
	if component == "" {
		component = callerComponent()
	}
	operation, _ := attrs["operation"].(string)
	if operation == "" {
		operation = detectOperation(msg)
	}
	logMessagesTotal.WithLabelValues(string(level), component, operation).Inc()

	entry := LogEntry{
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
		SeverityText:   string(level),
		SeverityNumber: severityNumbers[level],
		Body:           msg,
		Attributes:     attrs,
	}

	l.mu.Lock()
	if !l.enabled(level) {
		l.mu.Unlock()
		return
	}
	if l.resource != nil {
		entry.Resource = l.resource
	}
	hook := l.hook
	data, _ := json.Marshal(entry)
	if l.output != nil {
		_, _ = l.output.Write(append(data, '\n'))
	}
	l.mu.Unlock()

	// Call hook outside the lock to avoid deadlocks
	if hook != nil {
		hook(level, msg, attrs)
	}
}

// callerComponent returns the name of the package that called the public
// logging function, e.g. "uploader" for internal/uploader.
func callerComponent() string {
	// log <- Info/Warn/... <- caller
	pc, _, _, ok := runtime.Caller(3)
	if !ok {
		return "unknown"
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return "unknown"
	}
	name := fn.Name()
	// github.com/szibis/batch-uploader/internal/uploader.(*Writer).Write
	last := name[strings.LastIndex(name, "/")+1:]
	if i := strings.Index(last, "."); i >= 0 {
		last = last[:i]
	}
	return strings.TrimSuffix(last, "_test")
}

var operationKeywords = []struct {
	keyword   string
	operation string
}{
	{"checkpoint", "checkpoint"},
	{"upload", "upload"},
	{"retry", "retry"},
	{"retries", "retry"},
	{"backoff", "backoff"},
	{"drop", "drop"},
	{"callback", "callback"},
	{"writer", "writer"},
	{"flush", "flush"},
	{"request", "request"},
	{"config", "config"},
	{"telemetry", "telemetry"},
	{"startup", "lifecycle"},
	{"shutdown", "lifecycle"},
	{"started", "lifecycle"},
	{"stopped", "lifecycle"},
}

// detectOperation maps a log message to a low-cardinality operation label.
func detectOperation(msg string) string {
	lower := strings.ToLower(msg)
	for _, k := range operationKeywords {
		if strings.Contains(lower, k.keyword) {
			return k.operation
		}
	}
	return "general"
}

func fieldsOf(fields []map[string]interface{}) map[string]interface{} {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// Debug logs a debug level message.
func Debug(msg string, fields ...map[string]interface{}) {
	defaultLogger.log(LevelDebug, msg, fieldsOf(fields))
}

// Info logs an info level message.
func Info(msg string, fields ...map[string]interface{}) {
	defaultLogger.log(LevelInfo, msg, fieldsOf(fields))
}

// Warn logs a warning level message.
func Warn(msg string, fields ...map[string]interface{}) {
	defaultLogger.log(LevelWarn, msg, fieldsOf(fields))
}

// Error logs an error level message.
func Error(msg string, fields ...map[string]interface{}) {
	defaultLogger.log(LevelError, msg, fieldsOf(fields))
}

// Fatal logs a fatal level message and exits.
func Fatal(msg string, fields ...map[string]interface{}) {
	defaultLogger.log(LevelFatal, msg, fieldsOf(fields))
	os.Exit(1)
}

// F is a helper to create fields map.
func F(keyvals ...interface{}) map[string]interface{} {
	fields := make(map[string]interface{})
	for i := 0; i < len(keyvals)-1; i += 2 {
		if key, ok := keyvals[i].(string); ok {
			fields[key] = keyvals[i+1]
		}
	}
	return fields
}
