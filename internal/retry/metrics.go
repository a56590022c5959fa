package retry

import "github.com/prometheus/client_golang/prometheus"

var (
	// retriesTotal tracks retry attempts of synchronous requests
	retriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "batch_uploader_request_retries_total",
		Help: "Total number of synchronous request retries",
	})

	// retrySuccessTotal tracks requests that succeeded after at least one retry
	retrySuccessTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "batch_uploader_request_retry_success_total",
		Help: "Total number of synchronous requests that succeeded after retrying",
	})

	// retryFailureTotal tracks requests that failed for good, by reason
	retryFailureTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "batch_uploader_request_retry_failure_total",
		Help: "Total number of synchronous requests that failed by reason",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(retriesTotal)
	prometheus.MustRegister(retrySuccessTotal)
	prometheus.MustRegister(retryFailureTotal)

	retriesTotal.Add(0)
	retrySuccessTotal.Add(0)
	retryFailureTotal.WithLabelValues("non_retryable").Add(0)
	retryFailureTotal.WithLabelValues("exhausted").Add(0)
	retryFailureTotal.WithLabelValues("canceled").Add(0)
}
