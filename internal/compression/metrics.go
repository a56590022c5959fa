package compression

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	encoderPoolNews atomic.Int64
	bufferPoolGets  atomic.Int64
	bufferPoolPuts  atomic.Int64
)

func init() {
	prometheus.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "batch_uploader_compression_encoder_new_total",
			Help: "Compression encoders created because the pool was empty",
		}, func() float64 { return float64(encoderPoolNews.Load()) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "batch_uploader_compression_buffer_pool_gets_total",
			Help: "Buffer pool Get() calls",
		}, func() float64 { return float64(bufferPoolGets.Load()) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "batch_uploader_compression_buffer_pool_puts_total",
			Help: "Buffer pool Put() calls",
		}, func() float64 { return float64(bufferPoolPuts.Load()) }),
	)
}
