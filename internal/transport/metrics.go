package transport

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/szibis/batch-uploader/internal/compression"
)

var (
	// requestsTotal tracks the number of HTTP requests sent by method
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "batch_uploader_http_requests_total",
		Help: "Total number of HTTP requests sent to the storage service",
	}, []string{"method"})

	// requestErrorsTotal tracks failed requests by error type
	requestErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "batch_uploader_http_request_errors_total",
		Help: "Total number of failed HTTP requests by error type",
	}, []string{"error_type"})

	// requestDuration tracks request latency including the response body read
	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "batch_uploader_http_request_duration_seconds",
		Help:    "HTTP request latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"method"})

	// uploadBytesTotal tracks payload bytes accepted by the server
	uploadBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "batch_uploader_upload_bytes_total",
		Help: "Total encoded batch bytes uploaded by content encoding",
	}, []string{"encoding"})
)

func init() {
	prometheus.MustRegister(requestsTotal)
	prometheus.MustRegister(requestErrorsTotal)
	prometheus.MustRegister(requestDuration)
	prometheus.MustRegister(uploadBytesTotal)

	for _, m := range []string{http.MethodGet, http.MethodPost, http.MethodDelete} {
		requestsTotal.WithLabelValues(m).Add(0)
	}
	for _, t := range errorTypes {
		requestErrorsTotal.WithLabelValues(string(t)).Add(0)
	}
	for _, t := range []compression.Type{compression.TypeIdentity, compression.TypeGzip, compression.TypeZstd} {
		uploadBytesTotal.WithLabelValues(t.ContentEncoding()).Add(0)
	}
}
