package uploader

import "github.com/prometheus/client_golang/prometheus"

var (
	// recordsWrittenTotal tracks records accepted by Write
	recordsWrittenTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "batch_uploader_records_written_total",
		Help: "Total number of records accepted by writers",
	})

	// recordsRejectedTotal tracks records refused by Write by reason
	recordsRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "batch_uploader_records_rejected_total",
		Help: "Total number of records rejected by writers by reason",
	}, []string{"reason"})

	// recordsUploadedTotal tracks records acknowledged by the server
	recordsUploadedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "batch_uploader_records_uploaded_total",
		Help: "Total number of records in successfully uploaded batches",
	})

	// batchesUploadedTotal tracks successful batch uploads
	batchesUploadedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "batch_uploader_batches_uploaded_total",
		Help: "Total number of successfully uploaded batches",
	})

	// batchesDroppedTotal tracks batches given up by reason
	batchesDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "batch_uploader_batches_dropped_total",
		Help: "Total number of batches dropped by reason",
	}, []string{"reason"})

	// recordsDroppedTotal tracks records lost with dropped batches
	recordsDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "batch_uploader_records_dropped_total",
		Help: "Total number of records lost in dropped batches",
	})

	// uploadAttemptsTotal tracks every upload attempt including retries
	uploadAttemptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "batch_uploader_upload_attempts_total",
		Help: "Total number of batch upload attempts",
	})

	// uploadRetriesTotal tracks upload retries by error type
	uploadRetriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "batch_uploader_upload_retries_total",
		Help: "Total number of batch upload retries by error type",
	}, []string{"error_type"})

	// batchRecords tracks the number of records per checkpoint
	batchRecords = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "batch_uploader_batch_records",
		Help:    "Number of records per uploaded batch",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	})

	// callbackErrorsTotal tracks failing OnBatchUploaded/OnBatchDropped callbacks
	callbackErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "batch_uploader_callback_errors_total",
		Help: "Total number of batch callbacks that returned an error or panicked",
	})

	// backpressureWaitsTotal tracks Write calls that blocked on a full buffer
	backpressureWaitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "batch_uploader_backpressure_waits_total",
		Help: "Total number of writes that blocked because the writer buffer was full",
	})

	// writersActive tracks writers registered with a scheduler
	writersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "batch_uploader_writers_active",
		Help: "Number of writers owned by running schedulers",
	})

	// pendingRecords tracks records written but not yet uploaded or dropped
	pendingRecords = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "batch_uploader_pending_records",
		Help: "Number of records buffered or in flight",
	})
)

func init() {
	prometheus.MustRegister(recordsWrittenTotal)
	prometheus.MustRegister(recordsRejectedTotal)
	prometheus.MustRegister(recordsUploadedTotal)
	prometheus.MustRegister(batchesUploadedTotal)
	prometheus.MustRegister(batchesDroppedTotal)
	prometheus.MustRegister(recordsDroppedTotal)
	prometheus.MustRegister(uploadAttemptsTotal)
	prometheus.MustRegister(uploadRetriesTotal)
	prometheus.MustRegister(batchRecords)
	prometheus.MustRegister(callbackErrorsTotal)
	prometheus.MustRegister(backpressureWaitsTotal)
	prometheus.MustRegister(writersActive)
	prometheus.MustRegister(pendingRecords)

	// Initialize all counters with 0 so they appear in /metrics immediately
	recordsWrittenTotal.Add(0)
	recordsUploadedTotal.Add(0)
	batchesUploadedTotal.Add(0)
	recordsDroppedTotal.Add(0)
	uploadAttemptsTotal.Add(0)
	callbackErrorsTotal.Add(0)
	backpressureWaitsTotal.Add(0)
	for _, reason := range []string{"too_large", "closed", "serialize"} {
		recordsRejectedTotal.WithLabelValues(reason).Add(0)
	}
	for _, reason := range []string{dropExhausted, dropNonRetryable, dropCanceled, dropEncode} {
		batchesDroppedTotal.WithLabelValues(reason).Add(0)
	}
}
