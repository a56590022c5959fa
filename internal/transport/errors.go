package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorType categorizes a failed request for metrics and logging.
type ErrorType string

const (
	ErrorTypeNetwork     ErrorType = "network"
	ErrorTypeTimeout     ErrorType = "timeout"
	ErrorTypeServerError ErrorType = "server_error"
	ErrorTypeClientError ErrorType = "client_error"
	ErrorTypeAuth        ErrorType = "auth"
	ErrorTypeRateLimit   ErrorType = "rate_limit"
	ErrorTypeCanceled    ErrorType = "canceled"
	ErrorTypeUnknown     ErrorType = "unknown"
)

var errorTypes = []ErrorType{
	ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeServerError, ErrorTypeClientError,
	ErrorTypeAuth, ErrorTypeRateLimit, ErrorTypeCanceled, ErrorTypeUnknown,
}

// Kind is the retry decision attached to an error.
type Kind int

const (
	// Retryable errors are transient; the same request may succeed later.
	Retryable Kind = iota
	// NonRetryable errors will fail again on retry and abort the operation.
	NonRetryable
	// Fatal errors mean the caller is shutting down and nothing should be retried.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Retryable:
		return "retryable"
	case NonRetryable:
		return "non_retryable"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is returned for every failed request. It carries the classified error
// type, the HTTP status code and the response message.
type Error struct {
	// Err is the underlying error.
	Err error
	// Type is the classified error type.
	Type ErrorType
	// StatusCode is the HTTP status code (0 for network errors).
	StatusCode int
	// Message is the response body or error detail from the server.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Message != "" {
		return fmt.Sprintf("request failed: status=%d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("request failed: type=%s status=%d", e.Type, e.StatusCode)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var te *Error
	if errors.As(err, &te) {
		return te.StatusCode
	}
	return 0
}

// TypeOf returns the error type of err for metric labels.
func TypeOf(err error) ErrorType {
	var te *Error
	if errors.As(err, &te) {
		return te.Type
	}
	return classifyError(err)
}

// retryableRequestStatus lists the statuses a synchronous idempotent request
// is retried on.
var retryableRequestStatus = map[int]bool{
	408: true,
	429: true,
	502: true,
	503: true,
	504: true,
}

// Classify decides whether a batch upload should be retried. Every non-2xx
// response and every network or timeout failure is retryable. Cancellation of
// the caller's context is fatal. Anything else is a local bug (bad URL,
// unencodable payload) and not worth retrying.
func Classify(err error) Kind {
	if err == nil {
		return NonRetryable
	}
	if errors.Is(err, context.Canceled) {
		return Fatal
	}
	var te *Error
	if errors.As(err, &te) {
		switch te.Type {
		case ErrorTypeCanceled:
			return Fatal
		case ErrorTypeUnknown:
			return NonRetryable
		default:
			return Retryable
		}
	}
	switch classifyError(err) {
	case ErrorTypeNetwork, ErrorTypeTimeout:
		return Retryable
	default:
		return NonRetryable
	}
}

// ClassifyRequest decides whether a synchronous idempotent request should be
// retried. Only statuses 408, 429, 502, 503 and 504, connection errors and
// timeouts are retryable.
func ClassifyRequest(err error) Kind {
	if err == nil {
		return NonRetryable
	}
	if errors.Is(err, context.Canceled) {
		return Fatal
	}
	var te *Error
	if errors.As(err, &te) {
		switch {
		case te.Type == ErrorTypeCanceled:
			return Fatal
		case te.StatusCode != 0:
			if retryableRequestStatus[te.StatusCode] {
				return Retryable
			}
			return NonRetryable
		case te.Type == ErrorTypeNetwork || te.Type == ErrorTypeTimeout:
			return Retryable
		default:
			return NonRetryable
		}
	}
	switch classifyError(err) {
	case ErrorTypeNetwork, ErrorTypeTimeout:
		return Retryable
	default:
		return NonRetryable
	}
}

// classifyError categorizes a transport-level error into an error type.
func classifyError(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}
	if errors.Is(err, context.Canceled) {
		return ErrorTypeCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorTypeTimeout
		}
		return ErrorTypeNetwork
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrorTypeNetwork
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "connection refused"),
		strings.Contains(errStr, "no such host"),
		strings.Contains(errStr, "network is unreachable"),
		strings.Contains(errStr, "connection reset"),
		strings.Contains(errStr, "broken pipe"),
		strings.Contains(errStr, "eof"):
		return ErrorTypeNetwork
	case strings.Contains(errStr, "timeout"),
		strings.Contains(errStr, "deadline exceeded"):
		return ErrorTypeTimeout
	}
	return ErrorTypeUnknown
}

// classifyHTTPStatusCode categorizes an HTTP status code into an error type.
func classifyHTTPStatusCode(statusCode int) ErrorType {
	switch {
	case statusCode == 401 || statusCode == 403:
		return ErrorTypeAuth
	case statusCode == 408:
		return ErrorTypeTimeout
	case statusCode == 429:
		return ErrorTypeRateLimit
	case statusCode >= 400 && statusCode < 500:
		return ErrorTypeClientError
	case statusCode >= 500:
		return ErrorTypeServerError
	default:
		// 1xx/3xx that were not followed.
		return ErrorTypeClientError
	}
}
